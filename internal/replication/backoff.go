package replication

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Schedule computes the delay before the next push attempt of an outbox
// entry: exponential from base, capped at max.
type Schedule struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given number of failed attempts.
// Attempts below 1 are treated as 1.
func (s Schedule) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	b := retry.NewExponential(s.Base)
	if s.Max > 0 {
		b = retry.WithCappedDuration(s.Max, b)
	}

	var d time.Duration
	for i := 0; i < attempts; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
		if s.Max > 0 && d >= s.Max {
			break
		}
	}
	return d
}
