// Package ratelimit provides in-process, per-key token buckets for throttling
// outbound events such as typing indicators. Each key gets its own
// golang.org/x/time/rate limiter created on first use.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule defines a rate limiting policy: the number of events allowed per
// window, with up to Limit of them in a burst.
type Rule struct {
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleTyping allows one typing_start per conversation every 3 seconds.
var RuleTyping = Rule{Limit: 1, Window: 3 * time.Second}

// Limiter performs per-key rate limiting checks.
type Limiter struct {
	rule Rule
	now  func() time.Time

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

// NewLimiter creates a Limiter enforcing rule. A nil now uses time.Now.
func NewLimiter(rule Rule, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if rule.Limit < 1 {
		rule.Limit = 1
	}
	return &Limiter{rule: rule, now: now, keys: make(map[string]*rate.Limiter)}
}

// Allow reports whether an event for key is within the rule, consuming a
// token if it is.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.keys[key]
	if !ok {
		every := rate.Every(l.rule.Window / time.Duration(l.rule.Limit))
		lim = rate.NewLimiter(every, l.rule.Limit)
		l.keys[key] = lim
	}
	return lim.AllowN(l.now(), 1)
}

// Remaining returns the number of whole tokens key has left right now.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.keys[key]
	if !ok {
		return l.rule.Limit
	}
	n := int(lim.TokensAt(l.now()))
	if n < 0 {
		n = 0
	}
	return n
}

// Forget drops the bucket for key so the next event starts fresh.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.keys, key)
	l.mu.Unlock()
}

// Reset drops every bucket.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.keys = make(map[string]*rate.Limiter)
	l.mu.Unlock()
}
