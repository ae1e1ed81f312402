package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/whisper/presence-sync/internal/connection"
	"github.com/whisper/presence-sync/internal/conversation"
	"github.com/whisper/presence-sync/internal/events"
	"github.com/whisper/presence-sync/internal/notification"
	"github.com/whisper/presence-sync/internal/presence"
	"github.com/whisper/presence-sync/internal/protocol"
	"github.com/whisper/presence-sync/internal/timer"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// memLink is an in-memory channel. The first frame sent (the auth frame) is
// answered with reply.
type memLink struct {
	mu     sync.Mutex
	sent   []map[string]interface{}
	recv   chan []byte
	closed chan struct{}
	once   sync.Once
	reply  string
}

func newMemLink(reply string) *memLink {
	return &memLink{recv: make(chan []byte, 32), closed: make(chan struct{}), reply: reply}
}

func (l *memLink) Send(data []byte) error {
	select {
	case <-l.closed:
		return io.ErrClosedPipe
	default:
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	l.mu.Lock()
	first := len(l.sent) == 0
	l.sent = append(l.sent, frame)
	l.mu.Unlock()
	if first {
		l.recv <- []byte(l.reply)
	}
	return nil
}

func (l *memLink) Receive() ([]byte, error) {
	select {
	case d := <-l.recv:
		return d, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *memLink) push(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	l.recv <- data
}

// frames returns the sent frames of one type.
func (l *memLink) frames(msgType string) []map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range l.sent {
		if f["type"] == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (l *memLink) lastStatus() string {
	frames := l.frames(protocol.TypeUserActivity)
	if len(frames) == 0 {
		return ""
	}
	s, _ := frames[len(frames)-1]["status"].(string)
	return s
}

type memDialer struct {
	mu    sync.Mutex
	reply string
	err   error // refuses every dial while set
	links []*memLink
}

func (d *memDialer) Dial(ctx context.Context, sess connection.Session) (connection.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	reply := d.reply
	if reply == "" {
		reply = `{"type":"auth_ok"}`
	}
	l := newMemLink(reply)
	d.links = append(d.links, l)
	return l, nil
}

func (d *memDialer) refuse(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *memDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

func (d *memDialer) link(i int) *memLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[i]
}

type countingAlerter struct {
	mu     sync.Mutex
	alerts int
}

func (a *countingAlerter) RequestPermission(ctx context.Context) (notification.Permission, error) {
	return notification.PermissionGranted, nil
}

func (a *countingAlerter) Alert(n notification.Notification) error {
	a.mu.Lock()
	a.alerts++
	a.mu.Unlock()
	return nil
}

var (
	epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	alice = connection.Session{UserID: "alice", Token: "tok-a"}
	bob   = connection.Session{UserID: "bob", Token: "tok-b"}
)

func newTestClient(t *testing.T, alerter notification.Alerter) (*Client, *memDialer, *timer.FakeClock) {
	t.Helper()
	return newTestClientWith(t, alerter, func(*Config) {})
}

func newTestClientWith(t *testing.T, alerter notification.Alerter, adjust func(*Config)) (*Client, *memDialer, *timer.FakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Connection.Backoff = connection.Backoff{Base: time.Second, Max: time.Second, Factor: 2}
	cfg.Connection.PingInterval = time.Hour // the in-memory server never answers pings
	adjust(&cfg)

	clock := timer.NewFakeClock(epoch)
	dialer := &memDialer{}
	c, err := New(cfg, dialer, Options{Clock: clock, Alerter: alerter})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c, dialer, clock
}

// waitFor polls cond, draining the router between checks.
func waitFor(t *testing.T, c *Client, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.Sync()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connect(t *testing.T, c *Client, sess connection.Session) {
	t.Helper()
	if err := c.Connect(context.Background(), sess); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Sync()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestConnectAnnouncesPresenceAndRequestsSnapshot(t *testing.T) {
	c, d, _ := newTestClient(t, nil)
	connect(t, c, alice)

	link := d.link(0)
	if auth := link.frames(protocol.TypeAuth); len(auth) != 1 || auth[0]["userId"] != "alice" {
		t.Fatalf("unexpected auth frames %v", auth)
	}
	if link.lastStatus() != protocol.StatusOnline {
		t.Errorf("expected online broadcast, got %q", link.lastStatus())
	}
	if len(link.frames(protocol.TypeGetOnlineUsers)) != 1 {
		t.Error("get_online_users not requested on connect")
	}

	link.push(t, protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{UserIDs: []string{"u1", "u2"}})
	waitFor(t, c, "snapshot", func() bool { return c.Presence().IsOnline("u2") })

	link.push(t, protocol.TypeUserStatusUpdate, protocol.UserStatusUpdateMsg{UserID: "u1", IsOnline: false})
	waitFor(t, c, "delta", func() bool { return !c.Presence().IsOnline("u1") })
}

// TestReconnectReplacesPresence covers a drop and reconnect: the fresh
// snapshot fully replaces the cache.
func TestReconnectReplacesPresence(t *testing.T) {
	c, d, clock := newTestClient(t, nil)
	connect(t, c, alice)

	first := d.link(0)
	first.push(t, protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{UserIDs: []string{"u1", "u2"}})
	waitFor(t, c, "first snapshot", func() bool { return len(c.Presence().Online()) == 2 })

	first.Close()
	waitFor(t, c, "reconnecting", func() bool {
		return c.Connection().State() == connection.StateReconnecting
	})

	clock.Advance(time.Second)
	waitFor(t, c, "second link", func() bool {
		return d.count() == 2 && len(d.link(1).frames(protocol.TypeGetOnlineUsers)) == 1
	})

	d.link(1).push(t, protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{UserIDs: []string{"u3"}})
	waitFor(t, c, "second snapshot", func() bool { return c.Presence().IsOnline("u3") })

	if got := c.Presence().Online(); len(got) != 1 {
		t.Errorf("stale entries survived the reconnect: %v", got)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	c, d, _ := newTestClient(t, nil)
	connect(t, c, alice)

	receipt, err := c.Conversations().Send("conv-1", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	c.Disconnect()

	if n := c.Scheduler().Active(); n != 0 {
		t.Errorf("timers still armed after close: %d", n)
	}
	if n := c.Router().Subscriptions(); n != 0 {
		t.Errorf("subscriptions left after close: %d", n)
	}
	if d.link(0).lastStatus() != protocol.StatusOffline {
		t.Error("no farewell offline before close")
	}

	select {
	case <-receipt.Done():
	default:
		t.Fatal("pending send not settled on close")
	}
	if _, err := receipt.Wait(context.Background()); err == nil {
		t.Error("expected the pending send to fail")
	}
	if c.Conversations().PendingCount() != 0 {
		t.Errorf("pending = %d", c.Conversations().PendingCount())
	}
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	c, d, _ := newTestClient(t, nil)
	d.reply = `{"type":"auth_error","reason":"token expired"}`

	err := c.Connect(context.Background(), alice)
	if !connection.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if c.Connection().State() != connection.StateFailed {
		t.Errorf("state = %s, want failed", c.Connection().State())
	}
	if d.count() != 1 {
		t.Errorf("auth rejection was retried: %d dials", d.count())
	}
}

func TestSwitchingUserResetsState(t *testing.T) {
	c, d, _ := newTestClient(t, nil)
	connect(t, c, alice)

	d.link(0).push(t, protocol.TypeNewMatch, protocol.NewMatchMsg{
		Conversation: protocol.Conversation{ID: "m1", Participant: protocol.Participant{UserID: "carol"}},
	})
	waitFor(t, c, "match", func() bool { return c.Conversations().UnreadCount() == 1 })

	connect(t, c, bob)
	if got := len(c.Conversations().List()); got != 0 {
		t.Errorf("alice's conversations leaked to bob: %d", got)
	}
	if d.count() != 2 || d.link(1).frames(protocol.TypeAuth)[0]["userId"] != "bob" {
		t.Error("expected a fresh link for bob")
	}

	// Reconnecting the same user keeps state.
	c.Disconnect()
	d.link(1).Close()
	c.Conversations().Insert(protocol.Conversation{ID: "m2"})
	connect(t, c, bob)
	if _, ok := c.Conversations().Get("m2"); !ok {
		t.Error("same-user reconnect cleared state")
	}
}

func TestSwitchingUserWaitsForRunningHandler(t *testing.T) {
	c, d, _ := newTestClient(t, nil)
	connect(t, c, alice)

	entered := make(chan struct{})
	release := make(chan struct{})
	c.Router().Subscribe(protocol.TypeNotificationRead, func(events.Event) error {
		close(entered)
		<-release
		c.Notifications().Add(notification.Notification{ID: "stale", Type: notification.Message})
		return nil
	})
	d.link(0).push(t, protocol.TypeNotificationRead, protocol.NotificationReadMsg{NotificationID: "n1"})
	<-entered

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background(), bob) }()
	select {
	case <-done:
		t.Fatal("Connect(bob) returned while a handler of alice's connection was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect(bob): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect(bob) did not return")
	}
	c.Sync()

	if n := c.Notifications().UnreadCount(); n != 0 {
		t.Errorf("alice's handler mutated bob's notifications: unread=%d", n)
	}
	if _, ok := c.Notifications().Get("stale"); ok {
		t.Error("stale notification survived the user switch")
	}
}

func TestGivingUpStopsPresence(t *testing.T) {
	c, d, clock := newTestClientWith(t, nil, func(cfg *Config) { cfg.Connection.MaxAttempts = 1 })
	connect(t, c, alice)
	if c.Presence().State() != presence.Active {
		t.Fatalf("presence = %s, want active", c.Presence().State())
	}

	d.refuse(errors.New("connection refused"))
	d.link(0).Close()
	waitFor(t, c, "reconnecting", func() bool {
		return c.Connection().State() == connection.StateReconnecting
	})

	clock.Advance(time.Second)
	waitFor(t, c, "give up", func() bool {
		return c.Connection().State() == connection.StateFailed && c.Scheduler().Active() == 0
	})
	if c.Presence().State() != presence.Idle {
		t.Errorf("presence = %s after giving up, want idle", c.Presence().State())
	}

	clock.Advance(10 * time.Minute)
	c.Sync()
	if n := c.Scheduler().Active(); n != 0 {
		t.Errorf("timers re-armed after giving up: %d", n)
	}
}

// ---------------------------------------------------------------------------
// Inbound routing
// ---------------------------------------------------------------------------

func TestMessageRoundTrip(t *testing.T) {
	c, d, _ := newTestClient(t, nil)
	connect(t, c, alice)
	link := d.link(0)

	receipt, err := c.Conversations().Send("m1", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	sends := link.frames(protocol.TypeSendMessage)
	if len(sends) != 1 || sends[0]["clientId"] != receipt.ClientID {
		t.Fatalf("unexpected send frames %v", sends)
	}

	link.push(t, protocol.TypeMessageAck, protocol.MessageAckMsg{
		ClientID: receipt.ClientID, MessageID: "srv-1", SentAt: epoch,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := receipt.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if msg.ID != "srv-1" || msg.Delivery != conversation.Sent {
		t.Errorf("unexpected message %+v", msg)
	}

	link.push(t, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: protocol.Message{
		ID: "srv-2", ConversationID: "m1", SenderID: "carol", Payload: "hey", SentAt: epoch.Add(time.Second),
	}})
	waitFor(t, c, "inbound message", func() bool { return c.Conversations().UnreadCount() == 1 })

	link.push(t, protocol.TypeTyping, protocol.ServerTypingMsg{ConversationID: "m1", UserID: "carol", IsTyping: true})
	waitFor(t, c, "typing", func() bool {
		conv, _ := c.Conversations().Get("m1")
		return conv.PartnerTyping
	})

	link.push(t, protocol.TypeUserUnmatched, protocol.UserUnmatchedMsg{MatchID: "m1"})
	waitFor(t, c, "unmatch", func() bool {
		_, ok := c.Conversations().Get("m1")
		return !ok
	})
	if c.Conversations().UnreadCount() != 0 {
		t.Errorf("unread = %d after unmatch", c.Conversations().UnreadCount())
	}
}

func TestMessageErrorFailsSend(t *testing.T) {
	c, d, _ := newTestClient(t, nil)
	connect(t, c, alice)

	receipt, _ := c.Conversations().Send("m1", "hi")
	d.link(0).push(t, protocol.TypeMessageError, protocol.MessageErrorMsg{ClientID: receipt.ClientID, Reason: "blocked"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := receipt.Wait(ctx)
	var se *conversation.SendError
	if !errors.As(err, &se) || se.Reason != "blocked" {
		t.Fatalf("expected SendError with reason, got %v", err)
	}
}

func TestNotificationsFlow(t *testing.T) {
	alerter := &countingAlerter{}
	c, d, _ := newTestClient(t, alerter)
	connect(t, c, alice)

	if _, err := c.Notifications().RequestPermission(context.Background()); err != nil {
		t.Fatal(err)
	}

	link := d.link(0)
	for i := 0; i < 2; i++ {
		link.push(t, protocol.TypeNewNotification, protocol.NewNotificationMsg{
			Notification: protocol.Notification{ID: "n1", Type: "match", CreatedAt: epoch},
		})
	}
	link.push(t, protocol.TypeNewNotification, protocol.NewNotificationMsg{
		Notification: protocol.Notification{ID: "n2", Type: "like", CreatedAt: epoch},
	})
	waitFor(t, c, "notifications", func() bool { return len(c.Notifications().List()) == 2 })

	if got := c.Notifications().UnreadCount(); got != 2 {
		t.Errorf("unread = %d, want 2", got)
	}
	alerter.mu.Lock()
	alerts := alerter.alerts
	alerter.mu.Unlock()
	if alerts != 1 {
		t.Errorf("alerts = %d, want 1", alerts)
	}

	link.push(t, protocol.TypeNotificationRead, protocol.NotificationReadMsg{NotificationID: "n1"})
	waitFor(t, c, "read mirror", func() bool { return c.Notifications().UnreadCount() == 1 })
}

func TestFetchNotificationsWithoutFetcher(t *testing.T) {
	c, _, _ := newTestClient(t, nil)
	if _, err := c.FetchNotifications(context.Background(), 1); err == nil {
		t.Fatal("expected error without a fetcher")
	}
}

func TestIdleOverTheWire(t *testing.T) {
	c, d, clock := newTestClient(t, nil)
	connect(t, c, alice)
	link := d.link(0)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		c.Sync()
	}
	if link.lastStatus() != protocol.StatusOffline {
		t.Fatalf("expected offline after the idle threshold, got %q", link.lastStatus())
	}
	if got := len(link.frames(protocol.TypeHeartbeat)); got == 0 {
		t.Error("no heartbeats while active")
	}
}
