// Package ws is the WebSocket transport for the sync channel. It dials the
// messaging service with gobwas/ws and exposes each stream as a
// connection.Link.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gobwas/ws"

	"github.com/whisper/presence-sync/internal/connection"
)

// Config holds tunable parameters for the WebSocket dialer.
type Config struct {
	URL          string        // e.g. "wss://chat.example.com/ws"
	DialTimeout  time.Duration // TCP connect + upgrade
	WriteTimeout time.Duration // per-frame write deadline
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:8080/ws",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Dialer opens WebSocket links. It implements connection.Dialer.
type Dialer struct {
	cfg Config
}

// NewDialer creates a Dialer for cfg.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg}
}

// Dial upgrades a connection for sess. The bearer token travels in the
// Authorization header of the upgrade request; a 401 or 403 answer is
// returned as *connection.AuthError so the manager does not retry it.
func (d *Dialer) Dial(ctx context.Context, sess connection.Session) (connection.Link, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ws: invalid url %q: %w", d.cfg.URL, err)
	}
	q := u.Query()
	q.Set("userId", sess.UserID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.Token)

	dialer := ws.Dialer{
		Timeout: d.cfg.DialTimeout,
		Header:  ws.HandshakeHeaderHTTP(header),
	}

	nc, br, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && (int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden) {
			return nil, &connection.AuthError{Reason: fmt.Sprintf("upgrade rejected with http %d", int(status)), Err: err}
		}
		return nil, &connection.TransportError{Op: "ws dial", Err: err}
	}

	log.Printf("[ws] connected to %s", u.Host)
	return newConn(nc, br, d.cfg.WriteTimeout), nil
}
