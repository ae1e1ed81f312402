// Package client wires the connection manager, event router, presence
// tracker, conversation store and notification center into one unit keyed
// to a session.
package client

import (
	"context"
	"log"
	"sync"

	"github.com/whisper/presence-sync/internal/connection"
	"github.com/whisper/presence-sync/internal/conversation"
	"github.com/whisper/presence-sync/internal/events"
	"github.com/whisper/presence-sync/internal/notification"
	"github.com/whisper/presence-sync/internal/presence"
	"github.com/whisper/presence-sync/internal/protocol"
	"github.com/whisper/presence-sync/internal/ratelimit"
	"github.com/whisper/presence-sync/internal/timer"
)

// Config aggregates the component configurations.
type Config struct {
	Connection   connection.Config
	Presence     presence.Config
	Conversation conversation.Config
	AlertTypes   []notification.Type // nil means notification.DefaultAlertTypes
	PageSize     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Connection:   connection.DefaultConfig(),
		Presence:     presence.DefaultConfig(),
		Conversation: conversation.DefaultConfig(),
		PageSize:     20,
	}
}

// Options carries the collaborators that differ between production and
// tests. Zero values are valid.
type Options struct {
	Clock   timer.Clock          // nil uses the wall clock
	Fetcher notification.Fetcher // nil disables FetchNotifications
	Alerter notification.Alerter // nil disables external alerts
}

// Client is the sync client for one user at a time.
type Client struct {
	cfg Config

	router        *events.Router
	sched         *timer.Scheduler
	conn          *connection.Manager
	presence      *presence.Tracker
	conversations *conversation.Store
	notifications *notification.Center

	mu     sync.Mutex
	userID string
}

// New builds a Client around dialer. Timer callbacks are posted to the
// router so they run on the same goroutine as inbound events.
func New(cfg Config, dialer connection.Dialer, opts Options) (*Client, error) {
	if err := cfg.Presence.Validate(); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	clock := opts.Clock
	if clock == nil {
		clock = timer.Real()
	}

	router := events.NewRouter()
	sched := timer.NewScheduler(clock, router.Post)
	conn := connection.NewManager(cfg.Connection, dialer, router, sched)

	c := &Client{
		cfg:           cfg,
		router:        router,
		sched:         sched,
		conn:          conn,
		presence:      presence.NewTracker(cfg.Presence, conn, sched),
		conversations: conversation.NewStore(cfg.Conversation, conn, sched, ratelimit.NewLimiter(ratelimit.RuleTyping, clock.Now)),
		notifications: notification.NewCenter(opts.Fetcher, opts.Alerter, cfg.AlertTypes),
	}
	conn.SetHooks(connection.Hooks{Bind: c.bind, Teardown: c.teardown, Failed: c.failed})
	return c, nil
}

// Connect opens the channel for sess. Switching to another user clears the
// conversation and notification state of the previous one. Only an auth
// rejection is returned; transport failures are retried in the background.
func (c *Client) Connect(ctx context.Context, sess connection.Session) error {
	c.mu.Lock()
	switched := c.userID != sess.UserID
	c.userID = sess.UserID
	c.mu.Unlock()

	if switched {
		// Close first so no handler of the old session races the reset.
		c.conn.Close()
		c.conversations.Reset(sess.UserID)
		c.notifications.Reset()
	}
	return c.conn.Open(ctx, sess)
}

// Disconnect closes the channel. Local state is kept for a later Connect of
// the same user.
func (c *Client) Disconnect() {
	c.conn.Close()
}

// Shutdown disconnects and stops the dispatch goroutine.
func (c *Client) Shutdown() {
	c.conn.Close()
	c.router.Close()
}

// FetchNotifications loads a page of the notification feed.
func (c *Client) FetchNotifications(ctx context.Context, page int) (int, error) {
	return c.notifications.FetchPage(ctx, page, c.cfg.PageSize)
}

// Sync waits until every event and timer callback queued so far has been
// handled.
func (c *Client) Sync() { c.router.Sync() }

func (c *Client) Connection() *connection.Manager { return c.conn }
func (c *Client) Router() *events.Router { return c.router }
func (c *Client) Scheduler() *timer.Scheduler { return c.sched }
func (c *Client) Presence() *presence.Tracker { return c.presence }
func (c *Client) Conversations() *conversation.Store { return c.conversations }
func (c *Client) Notifications() *notification.Center { return c.notifications }

// bind subscribes every inbound handler. It runs at the start of each
// connection lifecycle; Close removes the subscriptions again.
func (c *Client) bind() {
	r := c.router

	r.Subscribe(protocol.TypeConnect, func(events.Event) error {
		c.presence.Start()
		// A snapshot after every (re)connect replaces whatever the cache
		// missed while the link was down.
		return c.conn.Emit(protocol.TypeGetOnlineUsers, nil)
	})
	events.On(r, protocol.TypeDisconnect, func(m protocol.DisconnectMsg) error {
		log.Printf("[client] disconnected: %v", m.Err)
		return nil
	})
	events.On(r, protocol.TypeConnectError, func(m protocol.ConnectErrorMsg) error {
		switch {
		case m.Auth:
			log.Printf("[client] session rejected, sign in again: %v", m.Err)
		case !m.Retry:
			log.Printf("[client] giving up: %v", m.Err)
		}
		return nil
	})

	events.On(r, protocol.TypeOnlineUsers, func(m protocol.OnlineUsersMsg) error {
		c.presence.ApplySnapshot(m.UserIDs)
		return nil
	})
	events.On(r, protocol.TypeUserStatusUpdate, func(m protocol.UserStatusUpdateMsg) error {
		c.presence.ApplyDelta(m)
		return nil
	})

	events.On(r, protocol.TypeNewNotification, func(m protocol.NewNotificationMsg) error {
		c.notifications.Add(notification.FromWire(m.Notification))
		return nil
	})
	events.On(r, protocol.TypeNotificationRead, func(m protocol.NotificationReadMsg) error {
		c.notifications.MarkRead(m.NotificationID)
		return nil
	})

	events.On(r, protocol.TypeNewMatch, func(m protocol.NewMatchMsg) error {
		c.conversations.Insert(m.Conversation)
		return nil
	})
	events.On(r, protocol.TypeUserUnmatched, func(m protocol.UserUnmatchedMsg) error {
		c.conversations.Remove(m.MatchID)
		return nil
	})
	events.On(r, protocol.TypeNewMessage, func(m protocol.NewMessageMsg) error {
		c.conversations.Receive(m.Message)
		return nil
	})
	events.On(r, protocol.TypeMessageAck, func(m protocol.MessageAckMsg) error {
		if !c.conversations.Ack(m.ClientID, m.MessageID, m.SentAt) {
			log.Printf("[client] ack for unknown client_id=%s", m.ClientID)
		}
		return nil
	})
	events.On(r, protocol.TypeMessageError, func(m protocol.MessageErrorMsg) error {
		c.conversations.Reject(m.ClientID, m.Reason)
		return nil
	})
	events.On(r, protocol.TypeTyping, func(m protocol.ServerTypingMsg) error {
		c.conversations.ApplyTyping(m)
		return nil
	})
}

// teardown runs while the link is still up: the farewell offline goes out
// and in-flight sends are failed instead of waiting for their ack timeout.
func (c *Client) teardown() {
	c.presence.Teardown()
	if n := c.conversations.FailPending(conversation.ReasonNotConnected); n > 0 {
		log.Printf("[client] failed %d pending messages on close", n)
	}
}

// failed runs once the connection has given up: presence timers stop since
// nothing can be broadcast, and in-flight sends fail now.
func (c *Client) failed(err error) {
	c.presence.Stop()
	if n := c.conversations.FailPending(conversation.ReasonNotConnected); n > 0 {
		log.Printf("[client] failed %d pending messages: %v", n, err)
	}
}
