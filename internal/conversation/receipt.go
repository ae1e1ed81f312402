package conversation

import (
	"context"
	"fmt"
	"sync"
)

// SendError reports why an outbound message ended up Failed.
type SendError struct {
	ConversationID string
	ClientID       string
	Reason         string
	Err            error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conversation: send %s failed: %s: %v", e.ClientID, e.Reason, e.Err)
	}
	return fmt.Sprintf("conversation: send %s failed: %s", e.ClientID, e.Reason)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Receipt is the eventual outcome of one send attempt. It resolves exactly
// once: with the Sent message on ack, or with a *SendError on rejection,
// timeout or teardown.
type Receipt struct {
	ClientID string

	once sync.Once
	done chan struct{}
	msg  Message
	err  error
}

func newReceipt(clientID string) *Receipt {
	return &Receipt{ClientID: clientID, done: make(chan struct{})}
}

// Done is closed once the outcome is known.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the outcome is known or ctx ends. Cancelling ctx only
// stops waiting; the message keeps its delivery state.
func (r *Receipt) Wait(ctx context.Context) (Message, error) {
	select {
	case <-r.done:
		return r.msg, r.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (r *Receipt) resolve(msg Message, err error) {
	r.once.Do(func() {
		r.msg = msg
		r.err = err
		close(r.done)
	})
}
