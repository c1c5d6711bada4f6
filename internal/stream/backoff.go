package stream

import "time"

const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultIdleTimeout = 75 * time.Second

	maxBackoffShift = 30
)

// Delay returns the wait before the next attempt after n consecutive
// failures: min(base * 2^n, max).
func Delay(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > maxBackoffShift {
		return max
	}
	d := base << uint(n)
	if d > max || d <= 0 {
		return max
	}
	return d
}
