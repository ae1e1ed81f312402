package notification

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// WriterAlerter writes alerts as lines to w. It stands in for an OS
// notification service in the CLI. Prompt answers permission requests; a
// nil Prompt grants.
type WriterAlerter struct {
	Prompt func(ctx context.Context) (Permission, error)

	mu sync.Mutex
	w  io.Writer
}

// NewWriterAlerter creates a WriterAlerter on w.
func NewWriterAlerter(w io.Writer, prompt func(ctx context.Context) (Permission, error)) *WriterAlerter {
	return &WriterAlerter{w: w, Prompt: prompt}
}

// RequestPermission implements Alerter.
func (a *WriterAlerter) RequestPermission(ctx context.Context) (Permission, error) {
	if a.Prompt == nil {
		return PermissionGranted, nil
	}
	return a.Prompt(ctx)
}

// Alert implements Alerter.
func (a *WriterAlerter) Alert(n Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := fmt.Fprintf(a.w, "\a[alert] %s notification %s\n", n.Type, n.ID)
	return err
}
