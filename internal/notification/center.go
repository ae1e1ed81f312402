// Package notification holds the client's deduplicated notification feed,
// mirrors read state from local actions and server events, and raises
// external alerts behind an explicit permission flow.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper/presence-sync/internal/metrics"
	"github.com/whisper/presence-sync/internal/protocol"
)

// Type classifies a notification.
type Type string

const (
	Match     Type = "match"
	Message   Type = "message"
	Like      Type = "like"
	SuperLike Type = "super_like"
	Other     Type = "other"
)

// ParseType maps a wire type to a Type. Unknown values become Other.
func ParseType(s string) Type {
	switch t := Type(s); t {
	case Match, Message, Like, SuperLike:
		return t
	default:
		return Other
	}
}

// Notification is one feed item.
type Notification struct {
	ID        string
	Type      Type
	Payload   json.RawMessage
	IsRead    bool
	CreatedAt time.Time
}

// FromWire converts the wire shape.
func FromWire(n protocol.Notification) Notification {
	return Notification{
		ID:        n.ID,
		Type:      ParseType(n.Type),
		Payload:   n.Payload,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	}
}

// Permission is the external alert permission state.
type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// ParsePermission is the inverse of Permission.String.
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "default", "":
		return PermissionDefault, nil
	case "granted":
		return PermissionGranted, nil
	case "denied":
		return PermissionDenied, nil
	default:
		return PermissionDefault, fmt.Errorf("notification: unknown permission %q", s)
	}
}

// Alerter is the external (OS-level) alert channel.
type Alerter interface {
	// RequestPermission prompts the user. It is only called on explicit
	// user action.
	RequestPermission(ctx context.Context) (Permission, error)
	Alert(n Notification) error
}

// Fetcher loads one page of the feed, newest first. Pages start at 1.
type Fetcher interface {
	FetchNotifications(ctx context.Context, page, pageSize int) ([]protocol.Notification, error)
}

// ErrSuperseded is returned by FetchPage when a newer fetch started before
// this one finished. Its result is discarded.
var ErrSuperseded = errors.New("notification: fetch superseded")

// DefaultAlertTypes are the types that raise an external alert.
var DefaultAlertTypes = []Type{Match, Message, SuperLike}

// Center is the notification feed. Every mutation, including the unread
// counter, happens in one critical section.
type Center struct {
	fetcher    Fetcher
	alerter    Alerter
	alertTypes map[Type]bool

	mu         sync.Mutex
	items      []Notification // newest first
	byID       map[string]bool
	unread     int
	permission Permission
	fetchSeq   uint64
	cancel     context.CancelFunc
}

// NewCenter creates an empty Center. A nil alerter disables external alerts;
// nil alertTypes means DefaultAlertTypes.
func NewCenter(fetcher Fetcher, alerter Alerter, alertTypes []Type) *Center {
	if alertTypes == nil {
		alertTypes = DefaultAlertTypes
	}
	c := &Center{
		fetcher:    fetcher,
		alerter:    alerter,
		alertTypes: make(map[Type]bool, len(alertTypes)),
		byID:       make(map[string]bool),
	}
	for _, t := range alertTypes {
		c.alertTypes[t] = true
	}
	return c
}

// FetchPage loads a page through the Fetcher and merges it into the feed
// without duplicating existing IDs. A later FetchPage cancels this one; a
// superseded result is dropped and ErrSuperseded returned. It reports how
// many notifications were new.
func (c *Center) FetchPage(ctx context.Context, page, pageSize int) (int, error) {
	if c.fetcher == nil {
		return 0, errors.New("notification: no fetcher configured")
	}
	if page < 1 {
		page = 1
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.fetchSeq++
	seq := c.fetchSeq
	c.cancel = cancel
	c.mu.Unlock()

	items, err := c.fetcher.FetchNotifications(fctx, page, pageSize)

	c.mu.Lock()
	if seq != c.fetchSeq {
		c.mu.Unlock()
		return 0, ErrSuperseded
	}
	c.cancel = nil
	if err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("notification: fetch page %d: %w", page, err)
	}

	added := 0
	for _, w := range items {
		n := FromWire(w)
		if n.ID == "" {
			continue
		}
		if c.byID[n.ID] {
			// The server's read flag wins over a local unread copy.
			if n.IsRead {
				c.markReadLocked(n.ID)
			}
			continue
		}
		c.items = append(c.items, n)
		c.byID[n.ID] = true
		if !n.IsRead {
			c.unread++
		}
		added++
	}
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.items[i].CreatedAt.After(c.items[j].CreatedAt)
	})
	unread := c.unread
	c.mu.Unlock()

	metrics.UnreadNotifications.Set(float64(unread))
	log.Printf("[notification] fetched page=%d items=%d new=%d", page, len(items), added)
	return added, nil
}

// Add inserts n at the head unless its ID is already present. Only a newly
// inserted unread notification counts toward the badge. Alert-worthy types
// raise an external alert when permission is granted.
func (c *Center) Add(n Notification) bool {
	if n.ID == "" {
		return false
	}

	c.mu.Lock()
	if c.byID[n.ID] {
		c.mu.Unlock()
		return false
	}
	c.items = append([]Notification{n}, c.items...)
	c.byID[n.ID] = true
	if !n.IsRead {
		c.unread++
	}
	unread := c.unread
	alert := !n.IsRead && c.alerter != nil && c.permission == PermissionGranted && c.alertTypes[n.Type]
	c.mu.Unlock()

	metrics.UnreadNotifications.Set(float64(unread))
	if alert {
		if err := c.alerter.Alert(n); err != nil {
			log.Printf("[notification] alert id=%s failed: %v", n.ID, err)
		} else {
			metrics.AlertsRaised.WithLabelValues(string(n.Type)).Inc()
		}
	}
	return true
}

// MarkRead marks one notification read. It reports whether it was unread.
func (c *Center) MarkRead(id string) bool {
	c.mu.Lock()
	changed := c.markReadLocked(id)
	unread := c.unread
	c.mu.Unlock()

	if changed {
		metrics.UnreadNotifications.Set(float64(unread))
	}
	return changed
}

// MarkAllRead marks every notification read and returns how many changed.
func (c *Center) MarkAllRead() int {
	c.mu.Lock()
	n := 0
	for i := range c.items {
		if !c.items[i].IsRead {
			c.items[i].IsRead = true
			n++
		}
	}
	c.unread = 0
	c.mu.Unlock()

	metrics.UnreadNotifications.Set(0)
	return n
}

// Remove deletes a notification. The badge only drops if it was unread.
func (c *Center) Remove(id string) bool {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	if !c.items[i].IsRead {
		c.unread--
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	delete(c.byID, id)
	unread := c.unread
	c.mu.Unlock()

	metrics.UnreadNotifications.Set(float64(unread))
	return true
}

// RequestPermission asks the Alerter for permission. A settled answer
// (granted or denied) is returned without prompting again.
func (c *Center) RequestPermission(ctx context.Context) (Permission, error) {
	c.mu.Lock()
	current := c.permission
	c.mu.Unlock()

	if current != PermissionDefault || c.alerter == nil {
		return current, nil
	}

	p, err := c.alerter.RequestPermission(ctx)
	if err != nil {
		return PermissionDefault, fmt.Errorf("notification: request permission: %w", err)
	}

	c.mu.Lock()
	c.permission = p
	c.mu.Unlock()
	if p == PermissionDenied {
		log.Printf("[notification] alert permission denied, in-app only")
	}
	return p, nil
}

// SetPermission restores a previously recorded permission.
func (c *Center) SetPermission(p Permission) {
	c.mu.Lock()
	c.permission = p
	c.mu.Unlock()
}

// Permission returns the current alert permission.
func (c *Center) Permission() Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

// Reset cancels any fetch in flight and empties the feed. The permission
// belongs to the device and survives.
func (c *Center) Reset() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.fetchSeq++
	c.items = nil
	c.byID = make(map[string]bool)
	c.unread = 0
	c.mu.Unlock()

	metrics.UnreadNotifications.Set(0)
}

// List returns a copy of the feed, newest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.items...)
}

// Get returns one notification.
func (c *Center) Get(id string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.items[i], true
	}
	return Notification{}, false
}

// UnreadCount returns the badge count.
func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

func (c *Center) markReadLocked(id string) bool {
	i := c.indexLocked(id)
	if i < 0 || c.items[i].IsRead {
		return false
	}
	c.items[i].IsRead = true
	c.unread--
	return true
}

func (c *Center) indexLocked(id string) int {
	if !c.byID[id] {
		return -1
	}
	for i := range c.items {
		if c.items[i].ID == id {
			return i
		}
	}
	return -1
}
