package infra

import (
	"math/rand"
	"time"
)

// Backoff computes exponential delays with full jitter.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter bool
}

// Delay returns the wait before retry number attempt (0-based).
// Without jitter it is min(cap, base*2^attempt); with jitter it is uniform in [base/2, that].
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	ceiling := b.Cap
	if ceiling <= 0 {
		ceiling = b.Base
	}
	delay := b.Base
	for i := 0; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	if !b.Jitter {
		return delay
	}
	floor := b.Base / 2
	if delay <= floor {
		return delay
	}
	return floor + time.Duration(rand.Int63n(int64(delay-floor)+1))
}
