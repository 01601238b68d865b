package bridge

import (
	"math/rand"
	"time"
)

// retryDelay is the wait before send attempt attempt+1: exponential from base,
// capped at maxD, with 0.7..1.3 jitter.
func retryDelay(base, maxD time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
