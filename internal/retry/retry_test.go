package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monollm/internal/core"
)

// noSleep records requested waits without sleeping.
func noSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func testPolicy(waits *[]time.Duration) Policy {
	p := Default()
	p.Sleep = noSleep(waits)
	return p
}

func TestDo_RetryBoundSurfacesOriginalError(t *testing.T) {
	var waits []time.Duration
	p := testPolicy(&waits)

	var calls atomic.Int32
	original := core.NewProviderError("openai", 503, "service unavailable", nil)

	_, err := Do(context.Background(), p, func(context.Context) (*core.LLMResponse, error) {
		calls.Add(1)
		return nil, original
	})

	assert.Equal(t, int32(p.MaxAttempts), calls.Load())
	assert.Same(t, original, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestDo_SucceedsAfterTransientFailure(t *testing.T) {
	var waits []time.Duration
	p := testPolicy(&waits)

	var calls int
	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", core.NewConnectionError("anthropic", "", "connection reset", nil)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestDo_NonRetryableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"bad request", core.NewProviderError("p", 400, "bad", nil)},
		{"authentication", core.NewAuthenticationError("p", "bad key")},
		{"validation", core.NewValidationError("temperature", 1.0, "unsupported")},
		{"model not found", core.NewModelNotFoundError("m", "", nil)},
		{"configuration", core.NewConfigurationError("missing", nil)},
		{"plain error", errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var waits []time.Duration
			var calls int
			_, err := Do(context.Background(), testPolicy(&waits), func(context.Context) (int, error) {
				calls++
				return 0, tt.err
			})
			assert.Equal(t, 1, calls)
			assert.Equal(t, tt.err, err)
			assert.Empty(t, waits)
		})
	}
}

func TestDo_StopsOnCancelDuringBackoff(t *testing.T) {
	p := Default()
	p.Backoff = Constant(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(context.Context) (int, error) {
			calls.Add(1)
			return 0, core.NewProviderError("p", 502, "bad gateway", nil)
		})
		done <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not stop after cancellation")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_HonoursRetryAfter(t *testing.T) {
	var waits []time.Duration
	p := testPolicy(&waits)
	p.MaxAttempts = 2

	_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
		return 0, core.NewRateLimitError("p", "slow down", 5*time.Second)
	})
	assert.Equal(t, []time.Duration{5 * time.Second}, waits)
}

func TestDo_SingleAttemptPolicy(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), Policy{}, func(context.Context) (int, error) {
		calls++
		return 0, core.NewProviderError("p", 503, "x", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffCurves(t *testing.T) {
	lin := Linear{Factor: 1.5}
	assert.Equal(t, 1500*time.Millisecond, lin.Delay(1))
	assert.Equal(t, 3*time.Second, lin.Delay(2))
	assert.Equal(t, 1500*time.Millisecond, lin.Delay(0))

	exp := Exponential{Initial: time.Second, Factor: 2, Max: 5 * time.Second}
	assert.Equal(t, time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 4*time.Second, exp.Delay(3))
	assert.Equal(t, 5*time.Second, exp.Delay(4))
	assert.Equal(t, 5*time.Second, exp.Delay(200))

	assert.Equal(t, 30*time.Second, Linear{Factor: 100, Max: 30 * time.Second}.Delay(1))
}

func TestBackoffNeverOverflowsToZero(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"exponential capped", Exponential{Initial: time.Second, Factor: 2, Max: 5 * time.Second}, 64, 5 * time.Second},
		{"exponential uncapped", Exponential{Initial: time.Second, Factor: 2}, 200, time.Duration(math.MaxInt64)},
		{"exponential 2^63", Exponential{Initial: 1, Factor: 2}, 64, time.Duration(math.MaxInt64)},
		{"linear capped", Linear{Factor: 1e12, Max: time.Minute}, 1 << 30, time.Minute},
		{"linear uncapped", Linear{Factor: 1e12}, 1 << 30, time.Duration(math.MaxInt64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.backoff.Delay(tt.attempt)
			assert.Equal(t, tt.want, got)
			assert.Positive(t, got)
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := core.DefaultRetryConfig()
	p := FromConfig(cfg)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.True(t, p.RetryOn[429])
	assert.True(t, p.RetryOn[504])
	assert.False(t, p.RetryOn[501])
	assert.IsType(t, Linear{}, p.Backoff)

	cfg.Backoff = core.BackoffExponential
	cfg.BackoffFactor = 0.5
	p = FromConfig(cfg)
	assert.Equal(t, Exponential{Initial: 500 * time.Millisecond, Factor: 2, Max: cfg.MaxBackoff}, p.Backoff)
}

// fakeStream yields events then fails with err, or returns io.EOF when err is nil.
type fakeStream struct {
	events []core.StreamEvent
	err    error
	pos    int
	closes *atomic.Int32
}

func (s *fakeStream) Recv() (core.StreamEvent, error) {
	if s.pos < len(s.events) {
		s.pos++
		return s.events[s.pos-1], nil
	}
	if s.err != nil {
		return core.StreamEvent{}, s.err
	}
	return core.StreamEvent{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

func TestStream_NoRetryAfterPartialOutput(t *testing.T) {
	var waits []time.Duration
	var opens, closes atomic.Int32
	failure := core.NewProviderError("qwen", 503, "upstream dropped", nil)

	s, err := Stream(context.Background(), testPolicy(&waits), func(context.Context) (core.Stream, error) {
		opens.Add(1)
		return &fakeStream{events: []core.StreamEvent{{Content: "partial"}}, err: failure, closes: &closes}, nil
	})
	require.NoError(t, err)

	ev, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", ev.Content)

	_, err = s.Recv()
	assert.Same(t, failure, err)
	assert.Equal(t, int32(1), opens.Load())
	assert.Empty(t, waits)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), closes.Load())
}

func TestStream_RetriesBeforeFirstEvent(t *testing.T) {
	var waits []time.Duration
	var opens, closes atomic.Int32

	s, err := Stream(context.Background(), testPolicy(&waits), func(context.Context) (core.Stream, error) {
		n := opens.Add(1)
		if n == 1 {
			return &fakeStream{err: core.NewConnectionError("p", core.PhaseRead, "reset", nil), closes: &closes}, nil
		}
		return &fakeStream{events: []core.StreamEvent{{Content: "ok"}, {IsTerminal: true}}, closes: &closes}, nil
	})
	require.NoError(t, err)

	ev, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ok", ev.Content)
	assert.Equal(t, int32(2), opens.Load())
	assert.Equal(t, int32(1), closes.Load(), "failed attempt released")
	assert.Len(t, waits, 1)
}

func TestStream_OpenFailuresShareAttemptBudget(t *testing.T) {
	var waits []time.Duration
	var opens, closes atomic.Int32
	p := testPolicy(&waits)

	s, err := Stream(context.Background(), p, func(context.Context) (core.Stream, error) {
		n := opens.Add(1)
		if n == 1 {
			return nil, core.NewProviderError("p", 503, "busy", nil)
		}
		return &fakeStream{err: core.NewProviderError("p", 503, "busy again", nil), closes: &closes}, nil
	})
	require.NoError(t, err)

	_, err = s.Recv()
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 503, e.StatusCode)
	assert.Equal(t, int32(p.MaxAttempts), opens.Load())
}

func TestStream_OpenRetryBound(t *testing.T) {
	var waits []time.Duration
	var opens atomic.Int32
	p := testPolicy(&waits)
	original := core.NewProviderError("p", 503, "unavailable", nil)

	_, err := Stream(context.Background(), p, func(context.Context) (core.Stream, error) {
		opens.Add(1)
		return nil, original
	})
	assert.Same(t, original, err)
	assert.Equal(t, int32(p.MaxAttempts), opens.Load())
}
