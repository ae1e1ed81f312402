// Package events implements the client's event bus. Inbound channel events,
// lifecycle notifications and timer callbacks all pass through one Router,
// which delivers them serially and in FIFO order on a single dispatch
// goroutine.
package events

import (
	"fmt"
	"log"
	"sync"

	"github.com/whisper/presence-sync/internal/metrics"
)

// Event is a named payload. Payload is usually one of the protocol message
// structs.
type Event struct {
	Name    string
	Payload interface{}
}

// Handler processes an event. A returned error is logged and does not affect
// other handlers.
type Handler func(Event) error

// Subscription is the opaque handle returned by Subscribe. Only the handle
// that was returned can remove the registration.
type Subscription struct {
	id      uint64
	name    string
	handler Handler
	active  bool // guarded by Router.mu
}

// Name returns the event name the subscription listens to.
func (s *Subscription) Name() string {
	return s.name
}

type task struct {
	event   *Event
	fn      func()
	barrier chan struct{}
}

// Router fans events out to subscribed handlers.
type Router struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	count  int
	nextID uint64
	queue  []task
	closed bool
	busy   chan struct{} // closed when the running task returns; nil when idle

	wake chan struct{}
	done chan struct{}
}

// NewRouter creates a Router and starts its dispatch goroutine.
func NewRouter() *Router {
	r := &Router{
		subs: make(map[string][]*Subscription),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go r.loop()
	return r
}

// Subscribe registers handler for events called name. Handlers for the same
// name run in subscription order.
func (r *Router) Subscribe(name string, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{id: r.nextID, name: name, handler: handler, active: true}
	r.subs[name] = append(r.subs[name], sub)
	r.count++
	return sub
}

// Unsubscribe removes a subscription. It reports whether the subscription
// was still registered; a second call returns false.
func (r *Router) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !sub.active {
		return false
	}
	sub.active = false
	list := r.subs[sub.name]
	for i, s := range list {
		if s == sub {
			r.subs[sub.name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.name]) == 0 {
		delete(r.subs, sub.name)
	}
	r.count--
	return true
}

// Reset removes every subscription and returns how many were removed.
// Events already queued are still dispatched, but find no handlers.
func (r *Router) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	for _, list := range r.subs {
		for _, s := range list {
			s.active = false
		}
	}
	r.subs = make(map[string][]*Subscription)
	r.count = 0
	return n
}

// Subscriptions returns the number of registered subscriptions.
func (r *Router) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Publish queues an event for dispatch. It never blocks on handlers.
func (r *Router) Publish(ev Event) {
	r.enqueue(task{event: &ev})
}

// Post queues fn to run on the dispatch goroutine, ordered with events.
func (r *Router) Post(fn func()) {
	r.enqueue(task{fn: fn})
}

// Sync blocks until every task queued before the call has been processed.
// It must not be called from a handler.
func (r *Router) Sync() {
	ch := make(chan struct{})
	if !r.enqueue(task{barrier: ch}) {
		return
	}
	select {
	case <-ch:
	case <-r.done:
	}
}

// Drain blocks until the task running on the dispatch goroutine, if any,
// has returned. Unlike Sync it does not wait for queued tasks. Together with
// Reset it guarantees no handler of the detached subscriptions is still
// executing. It must not be called from a handler.
func (r *Router) Drain() {
	r.mu.Lock()
	busy := r.busy
	r.mu.Unlock()
	if busy == nil {
		return
	}
	select {
	case <-busy:
	case <-r.done:
	}
}

func (r *Router) enqueue(t task) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, t)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops the dispatch goroutine. Queued tasks are dropped and later
// publishes are ignored.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.queue = nil
	r.mu.Unlock()
	close(r.done)
}

func (r *Router) loop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			if r.closed || len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			t := r.queue[0]
			r.queue[0] = task{}
			r.queue = r.queue[1:]
			busy := make(chan struct{})
			r.busy = busy
			r.mu.Unlock()

			switch {
			case t.barrier != nil:
				close(t.barrier)
			case t.fn != nil:
				r.runFunc(t.fn)
			case t.event != nil:
				r.dispatch(*t.event)
			}

			r.mu.Lock()
			r.busy = nil
			r.mu.Unlock()
			close(busy)
		}
	}
}

func (r *Router) dispatch(ev Event) {
	r.mu.Lock()
	list := make([]*Subscription, len(r.subs[ev.Name]))
	copy(list, r.subs[ev.Name])
	r.mu.Unlock()

	metrics.EventsDispatched.WithLabelValues(ev.Name).Inc()

	for _, sub := range list {
		// A previous handler may have unsubscribed this one.
		r.mu.Lock()
		active := sub.active
		r.mu.Unlock()
		if !active {
			continue
		}
		if err := invoke(sub.handler, ev); err != nil {
			metrics.HandlerErrors.WithLabelValues(ev.Name).Inc()
			log.Printf("[events] handler error event=%s sub=%d: %v", ev.Name, sub.id, err)
		}
	}
}

func (r *Router) runFunc(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[events] posted task panic: %v", p)
		}
	}()
	fn()
}

// invoke runs a handler, converting a panic into an error.
func invoke(h Handler, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("events: handler panic: %v", p)
		}
	}()
	return h(ev)
}

// On subscribes a handler that receives the payload already asserted to T.
// An event whose payload is not a T is reported as a handler error.
func On[T any](r *Router, name string, fn func(T) error) *Subscription {
	return r.Subscribe(name, func(ev Event) error {
		p, ok := ev.Payload.(T)
		if !ok {
			return fmt.Errorf("events: %s: unexpected payload %T", name, ev.Payload)
		}
		return fn(p)
	})
}
