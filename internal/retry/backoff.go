package retry

import (
	"math"
	"time"
)

// Backoff computes the wait before a retry. attempt is 1 for the first retry.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Linear waits Factor × attempt seconds.
type Linear struct {
	Factor float64
	Max    time.Duration
}

// Delay implements Backoff.
func (b Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return clampDelay(b.Factor*float64(attempt)*float64(time.Second), b.Max)
}

// Exponential waits Initial × Factor^(attempt-1).
type Exponential struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// Delay implements Backoff.
func (b Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	return clampDelay(float64(b.Initial)*math.Pow(factor, float64(attempt-1)), b.Max)
}

// Constant always waits the same duration.
type Constant time.Duration

// Delay implements Backoff.
func (b Constant) Delay(int) time.Duration { return time.Duration(b) }

// clampDelay bounds d in float space. float64(math.MaxInt64) rounds up to
// 2^63, which would overflow time.Duration on conversion.
func clampDelay(d float64, max time.Duration) time.Duration {
	if math.IsNaN(d) || d <= 0 {
		return 0
	}
	if max > 0 && d >= float64(max) {
		return max
	}
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
