package retry

import (
	"context"
	"time"
)

// sleepFunc is replaced in tests to record delays without waiting.
var sleepFunc = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CappedExponentialBackoff returns currentBackoff multiplied by backoffFactor,
// never exceeding maxBackoff.
func CappedExponentialBackoff(currentBackoff time.Duration, backoffFactor float64, maxBackoff time.Duration) time.Duration {
	next := time.Duration(float64(currentBackoff) * backoffFactor)
	if maxBackoff > 0 && next > maxBackoff {
		return maxBackoff
	}
	return next
}
