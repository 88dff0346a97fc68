package sdk

import "time"

// Backoff computes exponential retry delays:
//
//	delay(attempt) = min(Base * 2^min(attempt-1, MaxExponent), Cap)
type Backoff struct {
	Base        time.Duration
	MaxExponent int
	Cap         time.Duration
}

// DefaultBackoff is used by Delay
var DefaultBackoff = Backoff{
	Base:        200 * time.Millisecond,
	MaxExponent: 6,
	Cap:         10 * time.Second,
}

// Delay returns the wait before retry number attempt (1-based).
// Attempts below 1 are treated as the first attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := min(attempt-1, b.MaxExponent)
	if exp < 0 {
		exp = 0
	}
	if exp > 62 {
		return b.Cap
	}

	d := b.Base << exp
	// Shifting past the int64 range wraps around
	if d < b.Base || (b.Cap > 0 && d > b.Cap) {
		return b.Cap
	}
	return d
}

// Delay returns DefaultBackoff.Delay(attempt)
func Delay(attempt int) time.Duration {
	return DefaultBackoff.Delay(attempt)
}
