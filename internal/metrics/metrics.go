// Package metrics provides Prometheus instrumentation for the sync client. It
// exposes gauges for connection state and unread counters, counters for event
// and message throughput, and a histogram for send acknowledgement latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 1 for the current connection state label, 0 for the
	// others.
	ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_sync_connection_state",
		Help: "Current connection state (1 = active state)",
	}, []string{"state"})

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_sync_reconnect_attempts_total",
		Help: "Total number of scheduled reconnect attempts",
	})

	// EventsDispatched counts inbound events delivered by the router, labeled
	// by event name.
	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sync_events_dispatched_total",
		Help: "Total number of events dispatched to handlers",
	}, []string{"event"})

	// HandlerErrors counts handler failures (returned errors and panics).
	HandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sync_handler_errors_total",
		Help: "Total number of event handler failures",
	}, []string{"event"})

	// MessagesTotal counts outbound messages by outcome: "pending", "sent",
	// "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sync_messages_total",
		Help: "Total number of outbound messages by delivery outcome",
	}, []string{"outcome"})

	// AckLatency records the time from send to acknowledgement in seconds.
	AckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_sync_ack_latency_seconds",
		Help:    "Time from message send to server acknowledgement",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// UnreadConversations tracks conversations with unread activity.
	UnreadConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_sync_unread_conversations",
		Help: "Current number of conversations with unread messages",
	})

	// UnreadNotifications tracks unread notifications in the feed.
	UnreadNotifications = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_sync_unread_notifications",
		Help: "Current number of unread notifications",
	})

	// OnlineUsers tracks remote users currently known to be online.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_sync_online_users",
		Help: "Current number of remote users known to be online",
	})

	// AlertsRaised counts external alerts, labeled by notification type.
	AlertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sync_alerts_total",
		Help: "Total number of external alerts raised",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		EventsDispatched,
		HandlerErrors,
		MessagesTotal,
		AckLatency,
		UnreadConversations,
		UnreadNotifications,
		OnlineUsers,
		AlertsRaised,
	)
}

// SetConnectionState marks state as the only active connection state.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
