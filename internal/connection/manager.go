// Package connection owns the lifecycle of the single bidirectional channel
// the client keeps per authenticated session: dialing, the auth handshake,
// reconnecting with backoff, keepalive and teardown.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/presence-sync/internal/events"
	"github.com/whisper/presence-sync/internal/metrics"
	"github.com/whisper/presence-sync/internal/protocol"
	"github.com/whisper/presence-sync/internal/timer"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

var stateNames = []string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Session is the authenticated identity a connection is keyed to.
type Session struct {
	UserID string
	Token  string
}

// Link is one established transport stream. Receive blocks until a frame
// arrives or the link is closed.
type Link interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a Link for a session. Transport-level auth rejections (for
// example an HTTP 401 during the upgrade) must be returned as *AuthError.
type Dialer interface {
	Dial(ctx context.Context, sess Session) (Link, error)
}

// Config holds tunable parameters for the manager.
type Config struct {
	Backoff          Backoff
	MaxAttempts      int           // 0 retries forever
	HandshakeTimeout time.Duration // dial + auth_ok deadline
	PingInterval     time.Duration // keepalive ping period
	PingTimeout      time.Duration // grace after PingInterval before the link is dropped
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:          DefaultBackoff(),
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		PingTimeout:      10 * time.Second,
	}
}

// Hooks let the owner attach and detach its listeners together with the
// connection lifecycle.
type Hooks struct {
	// Bind runs when Open starts a new lifecycle, before the first dial.
	Bind func()
	// Teardown runs at the start of Close while the link is still up, so
	// best-effort farewell events can still be emitted.
	Teardown func()
	// Failed runs when the manager gives up on the session, after an auth
	// rejection or once MaxAttempts is exhausted. No link is up.
	Failed func(err error)
}

// Manager keeps at most one live link.
type Manager struct {
	cfg    Config
	dialer Dialer
	router *events.Router
	sched  *timer.Scheduler

	mu        sync.Mutex
	hooks     Hooks
	state     State
	session   *Session
	link      Link
	gen       uint64 // bumped by Open and Close; stale dials compare against it
	attempts  int
	retry     *timer.Timer
	keepalive *timer.Timer
	lastRead  time.Time
	cancel    context.CancelFunc
	lastErr   error
}

// NewManager creates a Manager. Timers are registered on sched and lifecycle
// events are published on router.
func NewManager(cfg Config, dialer Dialer, router *events.Router, sched *timer.Scheduler) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		router: router,
		sched:  sched,
	}
	metrics.SetConnectionState(StateDisconnected.String(), stateNames)
	return m
}

// SetHooks installs lifecycle hooks.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// Open establishes a connection for sess. It is a no-op if sess already owns
// a live or reconnecting connection; a different session closes the old
// connection first. Only an *AuthError is returned for dial failures:
// transient failures are retried in the background.
func (m *Manager) Open(ctx context.Context, sess Session) error {
	if sess.UserID == "" || sess.Token == "" {
		return errors.New("connection: session requires user id and token")
	}

	m.mu.Lock()
	if m.session != nil && *m.session == sess &&
		m.state != StateDisconnected && m.state != StateFailed {
		m.mu.Unlock()
		return nil
	}
	active := m.state != StateDisconnected
	m.mu.Unlock()

	if active {
		m.Close()
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	s := sess
	m.session = &s
	m.attempts = 0
	m.lastErr = nil
	m.cancel = cancel
	m.setStateLocked(StateConnecting)
	bind := m.hooks.Bind
	m.mu.Unlock()

	if bind != nil {
		bind()
	}

	log.Printf("[conn] opening user=%s", sess.UserID)
	err := m.connect(dctx, gen, sess)
	if IsAuth(err) {
		return err
	}
	return nil
}

// Close tears the connection down. On return the backoff timer and every
// other timer on the shared scheduler are stopped, every router
// subscription is removed and no handler is still running. Close must not be
// called from a router handler or timer callback.
func (m *Manager) Close() {
	m.mu.Lock()
	teardown := m.hooks.Teardown
	wasOpen := m.state != StateDisconnected
	m.mu.Unlock()

	if wasOpen && teardown != nil {
		teardown()
	}

	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.retry.Stop()
	m.retry = nil
	m.keepalive.Stop()
	m.keepalive = nil
	link := m.link
	m.link = nil
	m.session = nil
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if link != nil {
		link.Close()
	}
	timers := m.sched.StopAll()
	subs := m.router.Reset()
	m.router.Drain()
	if wasOpen {
		log.Printf("[conn] closed timers_stopped=%d subscriptions_removed=%d", timers, subs)
	}
}

// Emit sends an outbound event on the live link.
func (m *Manager) Emit(name string, payload interface{}) error {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()

	if link == nil {
		return ErrNotConnected
	}
	return m.send(link, name, payload)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the session the manager is keyed to, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Attempts returns the number of reconnect attempts since the last
// successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Err returns the last connection error.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	log.Printf("[conn] state %s -> %s", m.state, s)
	m.state = s
	metrics.SetConnectionState(s.String(), stateNames)
}

func (m *Manager) connect(ctx context.Context, gen uint64, sess Session) error {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	link, err := m.dialer.Dial(dctx, sess)
	if err == nil {
		if err = m.handshake(dctx, link, sess); err != nil {
			link.Close()
		}
	}
	if err != nil && !IsAuth(err) {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "dial", Err: err}
		}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if err == nil {
			link.Close()
		}
		return ErrSuperseded
	}

	if err != nil {
		m.lastErr = err
		if IsAuth(err) {
			m.setStateLocked(StateFailed)
			failed := m.hooks.Failed
			m.mu.Unlock()
			log.Printf("[conn] auth rejected user=%s: %v", sess.UserID, err)
			if failed != nil {
				failed(err)
			}
			m.router.Publish(events.Event{Name: protocol.TypeConnectError, Payload: protocol.ConnectErrorMsg{Err: err, Auth: true}})
			return err
		}
		retrying := m.scheduleRetryLocked(gen)
		failed := m.hooks.Failed
		lastErr := m.lastErr
		m.mu.Unlock()
		log.Printf("[conn] connect failed user=%s: %v", sess.UserID, err)
		if !retrying && failed != nil {
			failed(lastErr)
		}
		m.router.Publish(events.Event{Name: protocol.TypeConnectError, Payload: protocol.ConnectErrorMsg{Err: err, Retry: retrying}})
		return err
	}

	m.link = link
	m.attempts = 0
	m.lastErr = nil
	m.lastRead = m.sched.Now()
	m.keepalive = m.sched.Every("keepalive", m.cfg.PingInterval, func() { m.checkLiveness(link) })
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	log.Printf("[conn] connected user=%s", sess.UserID)
	m.router.Publish(events.Event{Name: protocol.TypeConnect})
	go m.readLoop(link)
	return nil
}

// handshake sends the auth frame and waits for the server's verdict.
func (m *Manager) handshake(ctx context.Context, link Link, sess Session) error {
	if err := m.send(link, protocol.TypeAuth, protocol.AuthMsg{Token: sess.Token, UserID: sess.UserID}); err != nil {
		return err
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := link.Receive()
		ch <- result{data, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		// The caller closes the link, which unblocks the reader.
		return &TransportError{Op: "handshake", Err: ctx.Err()}
	case r = <-ch:
	}
	if r.err != nil {
		return &TransportError{Op: "handshake", Err: r.err}
	}

	msgType, msg, err := protocol.ParseServerMessage(r.data)
	if err != nil {
		return &TransportError{Op: "handshake", Err: err}
	}
	switch msgType {
	case protocol.TypeAuthOK:
		return nil
	case protocol.TypeAuthError:
		rej, _ := msg.(protocol.AuthErrorMsg)
		return &AuthError{Reason: rej.Reason}
	default:
		return &TransportError{Op: "handshake", Err: fmt.Errorf("unexpected %q before auth_ok", msgType)}
	}
}

// scheduleRetryLocked arms the reconnect timer, or moves to Failed once
// MaxAttempts is exceeded. It reports whether a retry was scheduled.
func (m *Manager) scheduleRetryLocked(gen uint64) bool {
	m.keepalive.Stop()
	m.keepalive = nil

	m.attempts++
	if m.cfg.MaxAttempts > 0 && m.attempts > m.cfg.MaxAttempts {
		m.lastErr = fmt.Errorf("%w: %v", ErrRetriesExhausted, m.lastErr)
		m.setStateLocked(StateFailed)
		log.Printf("[conn] giving up after %d attempts", m.attempts-1)
		return false
	}

	delay := m.cfg.Backoff.Delay(m.attempts - 1)
	m.setStateLocked(StateReconnecting)
	m.retry = m.sched.After("reconnect", delay, func() { go m.reconnect(gen) })
	metrics.ReconnectAttempts.Inc()
	log.Printf("[conn] reconnect attempt=%d delay=%s", m.attempts, delay.Round(time.Millisecond))
	return true
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting || m.session == nil {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	sess := *m.session
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.connect(ctx, gen, sess)
}

// readLoop forwards inbound frames to the router until the link fails.
func (m *Manager) readLoop(link Link) {
	for {
		data, err := link.Receive()
		if err != nil {
			m.linkLost(link, err)
			return
		}

		m.mu.Lock()
		if m.link != link {
			m.mu.Unlock()
			return
		}
		m.lastRead = m.sched.Now()
		m.mu.Unlock()

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("[conn] dropping frame: %v", err)
			continue
		}
		if msgType == protocol.TypePong {
			continue
		}
		m.router.Publish(events.Event{Name: msgType, Payload: msg})
	}
}

// linkLost moves a connected manager to Reconnecting. Links that were
// already replaced or closed are ignored.
func (m *Manager) linkLost(link Link, cause error) {
	m.mu.Lock()
	if m.link != link {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.lastErr = &TransportError{Op: "read", Err: cause}
	retrying := m.scheduleRetryLocked(m.gen)
	failed := m.hooks.Failed
	lastErr := m.lastErr
	m.mu.Unlock()

	link.Close()
	log.Printf("[conn] link lost: %v", cause)
	if !retrying && failed != nil {
		failed(lastErr)
	}
	m.router.Publish(events.Event{Name: protocol.TypeDisconnect, Payload: protocol.DisconnectMsg{Err: cause}})
}

var errKeepaliveTimeout = errors.New("keepalive timeout")

// checkLiveness drops links that have been silent for longer than
// PingInterval + PingTimeout and pings the others.
func (m *Manager) checkLiveness(link Link) {
	m.mu.Lock()
	if m.link != link {
		m.mu.Unlock()
		return
	}
	silent := m.sched.Now().Sub(m.lastRead)
	m.mu.Unlock()

	if silent > m.cfg.PingInterval+m.cfg.PingTimeout {
		log.Printf("[conn] keepalive timeout last_activity=%s ago", silent.Round(time.Second))
		m.linkLost(link, errKeepaliveTimeout)
		return
	}
	if err := m.send(link, protocol.TypePing, nil); err != nil {
		log.Printf("[conn] keepalive ping failed: %v", err)
	}
}

func (m *Manager) send(link Link, name string, payload interface{}) error {
	data, err := protocol.Encode(name, payload)
	if err != nil {
		return fmt.Errorf("connection: encode %s: %w", name, err)
	}
	if err := link.Send(data); err != nil {
		return &TransportError{Op: "send " + name, Err: err}
	}
	return nil
}
