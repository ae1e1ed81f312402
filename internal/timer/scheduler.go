// Package timer provides the clock abstraction and the timer registry shared by
// every scheduled callback in the client: the idle timer, the presence
// heartbeat, reconnect backoff, the link keepalive and message ack timeouts.
// Keeping them in one registry lets teardown cancel all of them at once and
// lets tests assert that nothing is left armed.
package timer

import (
	"sync"
	"time"
)

// Stopper is the part of *time.Timer the scheduler relies on.
type Stopper interface {
	Stop() bool
}

// Clock abstracts time so tests can drive timers deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Executor runs a due callback. The client passes the event router's Post so
// timer callbacks are serialized with inbound events; nil runs inline.
type Executor func(func())

// Scheduler tracks every armed timer until it fires or is stopped.
type Scheduler struct {
	clock Clock
	exec  Executor

	mu     sync.Mutex
	timers map[uint64]*Timer
	nextID uint64
}

// Timer is a handle to a scheduled callback.
type Timer struct {
	id     uint64
	name   string
	period time.Duration // zero for one-shot timers
	fn     func()
	s      *Scheduler

	// guarded by s.mu
	stop      Stopper
	cancelled bool
}

// NewScheduler creates a Scheduler on the given clock. A nil clock means the
// wall clock.
func NewScheduler(clock Clock, exec Executor) *Scheduler {
	if clock == nil {
		clock = Real()
	}
	return &Scheduler{
		clock:  clock,
		exec:   exec,
		timers: make(map[uint64]*Timer),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Now is shorthand for s.Clock().Now().
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// After runs fn once after d.
func (s *Scheduler) After(name string, d time.Duration, fn func()) *Timer {
	return s.schedule(name, d, 0, fn)
}

// Every runs fn every d until stopped. The first run happens after d.
func (s *Scheduler) Every(name string, d time.Duration, fn func()) *Timer {
	return s.schedule(name, d, d, fn)
}

func (s *Scheduler) schedule(name string, d, period time.Duration, fn func()) *Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t := &Timer{id: s.nextID, name: name, period: period, fn: fn, s: s}
	s.timers[t.id] = t
	t.stop = s.clock.AfterFunc(d, t.fire)
	return t
}

// fire is invoked by the clock. One-shot timers stay registered until the
// executor has run them so a StopAll in between still cancels the callback.
func (t *Timer) fire() {
	s := t.s
	s.mu.Lock()
	if t.cancelled {
		s.mu.Unlock()
		return
	}
	if t.period > 0 {
		t.stop = s.clock.AfterFunc(t.period, t.fire)
	}
	s.mu.Unlock()

	run := func() {
		s.mu.Lock()
		if t.cancelled {
			s.mu.Unlock()
			return
		}
		if t.period == 0 {
			delete(s.timers, t.id)
		}
		s.mu.Unlock()
		t.fn()
	}

	if s.exec != nil {
		s.exec(run)
		return
	}
	run()
}

// Stop cancels the timer. It reports whether the timer was still armed.
// Stopping a nil or already stopped timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(t)
}

// Name returns the label the timer was scheduled with.
func (t *Timer) Name() string {
	return t.name
}

func (s *Scheduler) cancelLocked(t *Timer) bool {
	if t.cancelled {
		return false
	}
	if _, ok := s.timers[t.id]; !ok {
		return false
	}
	t.cancelled = true
	if t.stop != nil {
		t.stop.Stop()
	}
	delete(s.timers, t.id)
	return true
}

// StopAll cancels every armed timer and returns how many were stopped.
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if s.cancelLocked(t) {
			n++
		}
	}
	return n
}

// Active returns the number of armed timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// ActiveByName returns the number of armed timers with the given label.
func (s *Scheduler) ActiveByName(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if t.name == name {
			n++
		}
	}
	return n
}
