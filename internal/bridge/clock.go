package bridge

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time so the loop can be driven without real delays.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock is the wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pacer spaces out sends. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// NewPacer allows one send per pace with no bursting. pace <= 0 disables pacing.
func NewPacer(pace time.Duration) *rate.Limiter {
	return rate.NewLimiter(paceLimit(pace), 1)
}

// SetPace changes the spacing of a pacer built by NewPacer.
func SetPace(l *rate.Limiter, pace time.Duration) {
	l.SetLimit(paceLimit(pace))
}

func paceLimit(pace time.Duration) rate.Limit {
	if pace <= 0 {
		return rate.Inf
	}
	return rate.Every(pace)
}
