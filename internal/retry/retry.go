// Package retry re-issues adapter calls that fail with transient errors.
package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"monollm/internal/core"
)

// Policy decides how many times and how often a call is retried.
type Policy struct {
	// MaxAttempts includes the first attempt. Values below 1 mean one attempt.
	MaxAttempts int
	// RetryOn is the set of retry-eligible HTTP statuses.
	RetryOn map[int]bool
	// Backoff computes the wait between attempts.
	Backoff Backoff
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// FromConfig builds a Policy from configuration. An exponential curve starts
// at BackoffFactor seconds and doubles per attempt.
func FromConfig(cfg core.RetryConfig) Policy {
	statuses := make(map[int]bool, len(cfg.RetryOnStatus))
	for _, s := range cfg.RetryOnStatus {
		statuses[s] = true
	}

	var b Backoff
	switch cfg.Backoff {
	case core.BackoffExponential:
		b = Exponential{
			Initial: time.Duration(cfg.BackoffFactor * float64(time.Second)),
			Factor:  2,
			Max:     cfg.MaxBackoff,
		}
	default:
		b = Linear{Factor: cfg.BackoffFactor, Max: cfg.MaxBackoff}
	}

	return Policy{MaxAttempts: cfg.MaxAttempts, RetryOn: statuses, Backoff: b}
}

// Default returns the policy built from core.DefaultRetryConfig.
func Default() Policy {
	return FromConfig(core.DefaultRetryConfig())
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Retryable reports whether err may be retried under p.
func (p Policy) Retryable(err error) bool {
	return core.IsRetryable(err, p.RetryOn)
}

func (p Policy) wait(ctx context.Context, attempt int, lastErr error) error {
	var d time.Duration
	if p.Backoff != nil {
		d = p.Backoff.Delay(attempt)
	}
	if e, ok := core.AsError(lastErr); ok && e.RetryAfter > d {
		d = e.RetryAfter
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged. Cancelling
// ctx stops the loop immediately, including during a backoff wait.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < p.attempts(); attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx, attempt, lastErr); err != nil {
				return zero, err
			}
			slog.Debug("retrying call", "attempt", attempt+1, "max_attempts", p.attempts(), "error", lastErr)
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !p.Retryable(err) || ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// OpenFunc opens a stream.
type OpenFunc func(ctx context.Context) (core.Stream, error)

// Stream opens a stream under p. Failures while opening, and failures of
// Recv before any event reached the caller, are retried by reopening within
// the same attempt budget. Once an event has been delivered no retry happens
// and errors surface as is.
func Stream(ctx context.Context, p Policy, open OpenFunc) (core.Stream, error) {
	attempts := 0
	counted := func(ctx context.Context) (core.Stream, error) {
		attempts++
		return open(ctx)
	}
	s, err := Do(ctx, p, counted)
	if err != nil {
		return nil, err
	}
	return &retryStream{ctx: ctx, policy: p, open: open, current: s, attempt: attempts}, nil
}

type retryStream struct {
	ctx       context.Context
	policy    Policy
	open      OpenFunc
	attempt   int
	delivered bool

	mu      sync.Mutex
	current core.Stream
	closed  bool
}

func (s *retryStream) stream() (core.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.closed
}

func (s *retryStream) Recv() (core.StreamEvent, error) {
	for {
		cur, closed := s.stream()
		if closed {
			return core.StreamEvent{}, errClosed
		}
		ev, err := cur.Recv()
		if err == nil {
			s.delivered = true
			return ev, nil
		}
		if s.delivered || errors.Is(err, io.EOF) || !s.policy.Retryable(err) {
			return core.StreamEvent{}, err
		}
		_ = cur.Close()

		next, err := s.reopen(err)
		if err != nil {
			return core.StreamEvent{}, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = next.Close()
			return core.StreamEvent{}, errClosed
		}
		s.current = next
		s.mu.Unlock()
	}
}

// reopen opens a fresh stream after lastErr, spending the remaining attempts.
func (s *retryStream) reopen(lastErr error) (core.Stream, error) {
	for {
		if s.attempt >= s.policy.attempts() {
			return nil, lastErr
		}
		if err := s.policy.wait(s.ctx, s.attempt, lastErr); err != nil {
			return nil, err
		}
		s.attempt++
		slog.Debug("reopening stream", "attempt", s.attempt, "error", lastErr)

		next, err := s.open(s.ctx)
		if err == nil {
			return next, nil
		}
		if !s.policy.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
}

func (s *retryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.current.Close()
}

var errClosed = errors.New("stream closed")
