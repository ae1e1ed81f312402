package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Emit when no link is up.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrSuperseded is returned when a dial finished after Close or after a
	// newer Open replaced the session it was dialing for.
	ErrSuperseded = errors.New("connection: superseded")

	// ErrRetriesExhausted is reported when MaxAttempts reconnects failed.
	ErrRetriesExhausted = errors.New("connection: reconnect attempts exhausted")
)

// AuthError means the server rejected the session token. It is terminal:
// the manager moves to Failed and does not retry.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection: authentication rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("connection: authentication rejected: %s", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TransportError is a dial, handshake or I/O failure. It is retried with
// backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err is, or wraps, an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
