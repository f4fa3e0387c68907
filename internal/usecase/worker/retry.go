package worker

import (
	"math/rand"
	"time"
)

// RetryPolicy computes the wait before re-attempt number attempt+2
// (attempt is zero-based and counts completed failures).
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedDelay waits the same interval before every re-attempt.
type FixedDelay time.Duration

func (d FixedDelay) Delay(int) time.Duration { return time.Duration(d) }

// ExponentialBackoff doubles the base delay per attempt, caps it at Max,
// and adds 0-25% jitter to spread synchronized retries.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := b.Base * time.Duration(1<<uint(attempt))
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
