package bridge

import (
	"time"

	"campbridge/internal/feed"
)

// Backoff is the sleep before the next fetch. It starts at base, doubles on
// every consecutive rate limit (and on unreachable upstream) up to max, and
// resets to base on any other HTTP outcome, server errors included.
type Backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, cur: base}
}

// Interval is the current delay.
func (b *Backoff) Interval() time.Duration { return b.cur }

// Observe updates the delay after a fetch with outcome k.
func (b *Backoff) Observe(k feed.Kind) {
	switch k {
	case feed.OutcomeRateLimited, feed.OutcomeUnreachable:
		b.cur = min(b.cur*2, b.max)
	case feed.OutcomeEvents, feed.OutcomeServerError, feed.OutcomeUnexpected:
		b.cur = b.base
	}
}
