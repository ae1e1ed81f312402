// Package messaging provides the NATS transport for the sync channel. Each
// user gets a pair of subjects: the client publishes outbound events on
// sync.in.<user_id> and receives server events on sync.out.<user_id>.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/presence-sync/internal/connection"
)

// NATS subject patterns used by the sync channel.
const (
	SubjectInbound  = "sync.in"  // + .<user_id> (client -> server)
	SubjectOutbound = "sync.out" // + .<user_id> (server -> client)
)

// InboundSubject returns the subject the client publishes on for userID.
func InboundSubject(userID string) string {
	return SubjectInbound + "." + userID
}

// OutboundSubject returns the subject the client listens on for userID.
func OutboundSubject(userID string) string {
	return SubjectOutbound + "." + userID
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL         string        // nats://localhost:4222
	Name        string        // client name for identification
	DialTimeout time.Duration // initial connect timeout
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:         "nats://localhost:4222",
		Name:        "presence-sync",
		DialTimeout: 10 * time.Second,
	}
}

// Dialer opens NATS links. It implements connection.Dialer.
type Dialer struct {
	cfg NATSConfig
}

// NewDialer creates a Dialer for cfg.
func NewDialer(cfg NATSConfig) *Dialer {
	return &Dialer{cfg: cfg}
}

// Dial connects to NATS with the session token and subscribes to the user's
// outbound subject. The NATS client's own reconnect logic is disabled: the
// connection manager owns retries and backoff.
func (d *Dialer) Dial(ctx context.Context, sess connection.Session) (connection.Link, error) {
	timeout := d.cfg.DialTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout || timeout <= 0 {
			timeout = left
		}
	}

	l := &Link{userID: sess.UserID}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	opts := []nats.Option{
		nats.Name(d.cfg.Name),
		nats.Token(sess.Token),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected user=%s: %v", sess.UserID, err)
			}
			l.fail(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			l.fail(nil)
		}),
	}

	nc, err := nats.Connect(d.cfg.URL, opts...)
	if err != nil {
		l.cancel()
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			return nil, &connection.AuthError{Reason: "nats rejected token", Err: err}
		}
		return nil, &connection.TransportError{Op: "nats connect", Err: err}
	}

	sub, err := nc.SubscribeSync(OutboundSubject(sess.UserID))
	if err != nil {
		l.cancel()
		nc.Close()
		return nil, &connection.TransportError{Op: "nats subscribe", Err: err}
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		l.cancel()
		nc.Close()
		return nil, &connection.TransportError{Op: "nats flush", Err: err}
	}

	l.conn = nc
	l.sub = sub
	log.Printf("[nats] connected to %s user=%s", nc.ConnectedUrl(), sess.UserID)
	return l, nil
}

// Link is one NATS-backed sync stream.
type Link struct {
	userID string
	conn   *nats.Conn
	sub    *nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	failErr error
	closed  bool
}

// Send publishes one outbound frame.
func (l *Link) Send(data []byte) error {
	if err := l.conn.Publish(InboundSubject(l.userID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Receive blocks for the next frame on the user's outbound subject. It
// returns io.EOF after Close and the disconnect cause if the server dropped
// the connection.
func (l *Link) Receive() ([]byte, error) {
	msg, err := l.sub.NextMsgWithContext(l.ctx)
	if err == nil {
		return msg.Data, nil
	}

	l.mu.Lock()
	cause, closed := l.failErr, l.closed
	l.mu.Unlock()
	switch {
	case closed:
		return nil, io.EOF
	case cause != nil:
		return nil, cause
	case errors.Is(err, context.Canceled):
		return nil, io.EOF
	default:
		return nil, err
	}
}

// Close unsubscribes and closes the NATS connection. It is safe to call more
// than once.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	if err := l.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		log.Printf("[nats] unsubscribe user=%s: %v", l.userID, err)
	}
	l.conn.Close()
	return nil
}

// fail records why the server side went away and unblocks Receive.
func (l *Link) fail(err error) {
	l.mu.Lock()
	if l.failErr == nil {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		l.failErr = err
	}
	l.mu.Unlock()
	l.cancel()
}
