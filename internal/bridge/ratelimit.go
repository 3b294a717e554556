package bridge

import "time"

// byteLimiter is a token bucket capping throughput at rate bytes per
// second. Wait blocks until n bytes may pass. A nil limiter passes
// everything through. Used only by the single read loop, so no locking.
type byteLimiter struct {
	rate      float64 // bytes per second
	allowance float64
	last      time.Time
}

// newByteLimiter returns nil when rate <= 0 (no ceiling).
func newByteLimiter(rate int) *byteLimiter {
	if rate <= 0 {
		return nil
	}
	return &byteLimiter{
		rate:      float64(rate),
		allowance: float64(rate),
		last:      time.Now(),
	}
}

// Wait consumes n tokens, sleeping for the deficit when the bucket is dry.
func (l *byteLimiter) Wait(n int) {
	if l == nil || n <= 0 {
		return
	}

	now := time.Now()
	l.allowance += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.allowance > l.rate {
		l.allowance = l.rate
	}

	l.allowance -= float64(n)
	if l.allowance < 0 {
		deficit := -l.allowance / l.rate
		time.Sleep(time.Duration(deficit * float64(time.Second)))
		l.allowance = 0
		l.last = time.Now()
	}
}
