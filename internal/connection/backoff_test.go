package connection

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{50, 5 * time.Second},
		{5000, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	low := Backoff{Base: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.2, Rand: func() float64 { return 0 }}
	high := low
	high.Rand = func() float64 { return 0.999999 }

	if got := low.Delay(1); got != 1600*time.Millisecond {
		t.Errorf("low jitter Delay(1) = %s, want 1.6s", got)
	}
	if got := high.Delay(1); got < 2390*time.Millisecond || got > 2400*time.Millisecond {
		t.Errorf("high jitter Delay(1) = %s, want ~2.4s", got)
	}
}

func TestBackoffJitterNeverExceedsMax(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Factor: 2, Jitter: 0.5, Rand: func() float64 { return 0.99 }}
	if got := b.Delay(10); got > 10*time.Second {
		t.Errorf("Delay exceeded Max: %s", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(0); got != 500*time.Millisecond {
		t.Errorf("zero Backoff Delay(0) = %s", got)
	}
}
