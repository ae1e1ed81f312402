// Package presence tracks the local user's Active/Idle state from input
// activity, broadcasts it on the sync channel, and caches the online state of
// remote users.
package presence

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper/presence-sync/internal/metrics"
	"github.com/whisper/presence-sync/internal/protocol"
	"github.com/whisper/presence-sync/internal/timer"
)

// Signal is a local input event.
type Signal int

const (
	PointerDown Signal = iota
	PointerMove
	KeyDown
	Scroll
	TouchStart
	Click
	// Resize and other window events do not count as activity.
	Resize
)

// Qualifying reports whether s counts as user activity.
func (s Signal) Qualifying() bool {
	return s >= PointerDown && s <= Click
}

// Activity is the local user's derived state.
type Activity int

const (
	Active Activity = iota
	Idle
)

func (a Activity) String() string {
	if a == Active {
		return "active"
	}
	return "idle"
}

// Emitter sends an outbound event. connection.Manager implements it.
type Emitter interface {
	Emit(name string, payload interface{}) error
}

// Config holds the tracker timings.
type Config struct {
	IdleThreshold     time.Duration // T: no input for this long means Idle
	HeartbeatInterval time.Duration // H: liveness refresh while Active, must be < T
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		IdleThreshold:     5 * time.Minute,
		HeartbeatInterval: 60 * time.Second,
	}
}

// Validate checks that the heartbeat fits inside the idle window.
func (c Config) Validate() error {
	if c.IdleThreshold <= 0 || c.HeartbeatInterval <= 0 {
		return errors.New("presence: idle threshold and heartbeat interval must be positive")
	}
	if c.HeartbeatInterval >= c.IdleThreshold {
		return fmt.Errorf("presence: heartbeat interval %s must be shorter than idle threshold %s",
			c.HeartbeatInterval, c.IdleThreshold)
	}
	return nil
}

// Entry is the cached presence of one remote user.
type Entry struct {
	UserID     string
	IsOnline   bool
	LastSeenAt time.Time
}

// Tracker owns the local activity state and the remote presence cache.
type Tracker struct {
	cfg   Config
	emit  Emitter
	sched *timer.Scheduler

	mu           sync.Mutex
	started      bool
	state        Activity
	lastActivity time.Time
	idle         *timer.Timer
	heartbeat    *timer.Timer
	remote       map[string]Entry
}

// NewTracker creates a Tracker. Timers are registered on sched.
func NewTracker(cfg Config, emit Emitter, sched *timer.Scheduler) *Tracker {
	return &Tracker{
		cfg:    cfg,
		emit:   emit,
		sched:  sched,
		state:  Idle,
		remote: make(map[string]Entry),
	}
}

// Start begins tracking on a fresh connection. The user is presumed Active
// and the current status is broadcast, since a new connection carries no
// server-side presence yet.
func (t *Tracker) Start() {
	t.mu.Lock()
	now := t.sched.Now()
	if !t.started {
		t.started = true
		t.state = Active
		t.lastActivity = now
	}
	state := t.state
	if state == Active {
		t.armIdleLocked(t.cfg.IdleThreshold - now.Sub(t.lastActivity))
		t.armHeartbeatLocked()
	}
	t.mu.Unlock()

	if state == Active {
		t.broadcast(protocol.StatusOnline)
	} else {
		t.broadcast(protocol.StatusOffline)
	}
}

// Input records a local input signal. Non-qualifying signals are ignored.
// The first qualifying signal while Idle flips to Active and broadcasts
// online.
func (t *Tracker) Input(sig Signal) {
	if !sig.Qualifying() {
		return
	}
	t.touch()
}

// Focus re-evaluates activity when the window regains focus.
func (t *Tracker) Focus() {
	t.touch()
}

// Blur treats a user who switched away as unavailable and broadcasts
// offline at once. The next input re-broadcasts online.
func (t *Tracker) Blur() {
	t.mu.Lock()
	if !t.started || t.state == Idle {
		t.mu.Unlock()
		return
	}
	t.goIdleLocked()
	t.mu.Unlock()

	log.Printf("[presence] window blurred, going idle")
	t.broadcast(protocol.StatusOffline)
}

// Teardown attempts a final offline broadcast, stops the tracker's timers
// and forgets the remote cache. It is safe to call when the tracker never
// started.
func (t *Tracker) Teardown() {
	if t.Stop() {
		t.broadcast(protocol.StatusOffline)
	}
}

// Stop halts the idle and heartbeat timers and clears the remote cache
// without broadcasting. It reports whether the tracker was running.
func (t *Tracker) Stop() bool {
	t.mu.Lock()
	wasStarted := t.started
	t.started = false
	t.state = Idle
	t.idle.Stop()
	t.idle = nil
	t.heartbeat.Stop()
	t.heartbeat = nil
	t.remote = make(map[string]Entry)
	t.mu.Unlock()

	metrics.OnlineUsers.Set(0)
	return wasStarted
}

// State returns the local activity state.
func (t *Tracker) State() Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastActivityAt returns the time of the last qualifying input.
func (t *Tracker) LastActivityAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

func (t *Tracker) touch() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.lastActivity = t.sched.Now()
	if t.state == Active {
		// The idle timer re-arms itself from lastActivity when it fires.
		t.mu.Unlock()
		return
	}
	t.state = Active
	t.armIdleLocked(t.cfg.IdleThreshold)
	t.armHeartbeatLocked()
	t.mu.Unlock()

	t.broadcast(protocol.StatusOnline)
}

// armIdleLocked schedules the idle check after d.
func (t *Tracker) armIdleLocked(d time.Duration) {
	t.idle.Stop()
	if d < 0 {
		d = 0
	}
	t.idle = t.sched.After("idle", d, t.checkIdle)
}

func (t *Tracker) armHeartbeatLocked() {
	if t.heartbeat != nil {
		return
	}
	t.heartbeat = t.sched.Every("heartbeat", t.cfg.HeartbeatInterval, t.beat)
}

// goIdleLocked flips to Idle and stops both timers.
func (t *Tracker) goIdleLocked() {
	t.state = Idle
	t.idle.Stop()
	t.idle = nil
	t.heartbeat.Stop()
	t.heartbeat = nil
}

// checkIdle runs when the idle timer fires. Input since the timer was armed
// pushes the deadline out instead of going idle.
func (t *Tracker) checkIdle() {
	t.mu.Lock()
	if !t.started || t.state != Active {
		t.mu.Unlock()
		return
	}
	quiet := t.sched.Now().Sub(t.lastActivity)
	if quiet < t.cfg.IdleThreshold {
		t.idle = t.sched.After("idle", t.cfg.IdleThreshold-quiet, t.checkIdle)
		t.mu.Unlock()
		return
	}
	t.goIdleLocked()
	t.mu.Unlock()

	log.Printf("[presence] idle after %s without input", quiet.Round(time.Second))
	t.broadcast(protocol.StatusOffline)
}

func (t *Tracker) beat() {
	t.mu.Lock()
	active := t.started && t.state == Active
	t.mu.Unlock()

	if !active {
		return
	}
	if err := t.emit.Emit(protocol.TypeHeartbeat, nil); err != nil {
		log.Printf("[presence] heartbeat failed: %v", err)
	}
}

func (t *Tracker) broadcast(status string) {
	if err := t.emit.Emit(protocol.TypeUserActivity, protocol.UserActivityMsg{Status: status}); err != nil {
		log.Printf("[presence] broadcast %s failed: %v", status, err)
	}
}

// ---------------------------------------------------------------------------
// Remote presence cache
// ---------------------------------------------------------------------------

// ApplySnapshot replaces the whole remote cache with ids, all online.
func (t *Tracker) ApplySnapshot(ids []string) {
	t.mu.Lock()
	now := t.sched.Now()
	t.remote = make(map[string]Entry, len(ids))
	for _, id := range ids {
		t.remote[id] = Entry{UserID: id, IsOnline: true, LastSeenAt: now}
	}
	online := len(t.remote)
	t.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
}

// ApplyDelta updates exactly one entry. Re-applying the same delta is a
// no-op, and an offline delta for a user the cache does not know is ignored.
func (t *Tracker) ApplyDelta(u protocol.UserStatusUpdateMsg) {
	if u.UserID == "" {
		return
	}

	t.mu.Lock()
	prev, known := t.remote[u.UserID]
	if !u.IsOnline && !known {
		t.mu.Unlock()
		return
	}

	seen := u.LastSeen
	if seen.IsZero() {
		if known && prev.IsOnline == u.IsOnline {
			seen = prev.LastSeenAt
		} else {
			seen = t.sched.Now()
		}
	}
	t.remote[u.UserID] = Entry{UserID: u.UserID, IsOnline: u.IsOnline, LastSeenAt: seen}
	online := t.countOnlineLocked()
	t.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
}

// IsOnline reports whether userID is known to be online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote[userID].IsOnline
}

// Entry returns the cached entry for userID.
func (t *Tracker) Entry(userID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.remote[userID]
	return e, ok
}

// Online returns the IDs of all users known to be online, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.remote))
	for id, e := range t.remote {
		if e.IsOnline {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (t *Tracker) countOnlineLocked() int {
	n := 0
	for _, e := range t.remote {
		if e.IsOnline {
			n++
		}
	}
	return n
}
