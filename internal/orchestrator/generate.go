package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"monollm/internal/cache"
	"monollm/internal/core"
	"monollm/internal/retry"
	"monollm/internal/streaming"
)

// Generate performs one non-streaming generation. Models that only stream
// are collected transparently. Errors are canonical: anything an adapter
// returns that is not a *core.Error is wrapped in a UnifiedError.
func (o *Orchestrator) Generate(ctx context.Context, in Input, opts core.RequestOptions) (*core.LLMResponse, error) {
	c, err := o.prepare(ctx, in, opts, false)
	if err != nil {
		return nil, err
	}

	useCache := o.cache != nil && !c.opts.Stream && !c.res.StreamingOnly
	var key string
	if useCache {
		key = cache.Key(c.res.Provider, c.messages, c.opts)
		if hit, err := o.cache.Get(c.ctx, key); err != nil {
			slog.Warn("cache lookup failed", "request_id", c.requestID, "error", err)
		} else if hit != nil {
			hit.RequestID = c.requestID
			o.record(c, hit, true, nil)
			return hit, nil
		}
	}

	var resp *core.LLMResponse
	if c.opts.Stream || c.res.StreamingOnly {
		resp, err = o.collect(c)
	} else {
		resp, err = o.generateOnce(c)
	}
	if err != nil {
		err = wrapError(err, c.res.Provider, c.res.Model)
		o.record(c, nil, false, err)
		return nil, err
	}

	resp.Provider = c.res.Provider
	resp.Model = c.res.Model
	resp.RequestID = c.requestID
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}

	if useCache {
		if err := o.cache.Set(c.ctx, key, resp); err != nil {
			slog.Warn("cache store failed", "request_id", c.requestID, "error", err)
		}
	}
	o.record(c, resp, false, nil)
	return resp, nil
}

// generateOnce calls the adapter under the retry policy.
func (o *Orchestrator) generateOnce(c *call) (*core.LLMResponse, error) {
	attempts := 0
	resp, err := retry.Do(c.ctx, o.policyFor(c.opts), func(ctx context.Context) (*core.LLMResponse, error) {
		attempts++
		if attempts > 1 {
			o.metrics.ObserveRetry(c.res.Provider)
		}
		return c.adapter.Generate(ctx, c.messages, c.opts)
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, core.NewProviderError(c.res.Provider, 0, "adapter returned no response", nil)
	}
	return resp, nil
}

// collect opens a stream and folds it into one response.
func (o *Orchestrator) collect(c *call) (*core.LLMResponse, error) {
	s, err := o.openStream(c)
	if err != nil {
		return nil, err
	}
	return streaming.Collect(c.ctx, s)
}

// openStream opens the adapter stream under the retry policy. Every opened
// stream is guarded to end in exactly one terminal event and bounded by the
// read timeout.
func (o *Orchestrator) openStream(c *call) (core.Stream, error) {
	timeout := o.readTimeout(c.opts)
	opens := 0
	return retry.Stream(c.ctx, o.policyFor(c.opts), func(ctx context.Context) (core.Stream, error) {
		opens++
		if opens > 1 {
			o.metrics.ObserveRetry(c.res.Provider)
		}
		s, err := c.adapter.GenerateStream(ctx, c.messages, c.opts)
		if err != nil {
			return nil, err
		}
		return streaming.WithReadTimeout(streaming.Guard(s), timeout, c.res.Provider), nil
	})
}

// GenerateStream opens a streaming generation. The returned response must be
// closed; abandoning it early releases the vendor connection on Close.
func (o *Orchestrator) GenerateStream(ctx context.Context, in Input, opts core.RequestOptions) (*streaming.StreamingResponse, error) {
	c, err := o.prepare(ctx, in, opts, true)
	if err != nil {
		return nil, err
	}

	s, err := o.openStream(c)
	if err != nil {
		err = wrapError(err, c.res.Provider, c.res.Model)
		o.record(c, nil, false, err)
		return nil, err
	}

	tracked := &trackedStream{inner: s, o: o, c: c}
	return streaming.NewStreamingResponse(tracked, c.res.Provider, c.res.Model, c.requestID, nil), nil
}

// trackedStream canonicalises stream errors and records the outcome once.
type trackedStream struct {
	inner core.Stream
	o     *Orchestrator
	c     *call

	once sync.Once
}

func (s *trackedStream) Recv() (core.StreamEvent, error) {
	ev, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ev, err
		}
		err = wrapError(err, s.c.res.Provider, s.c.res.Model)
		s.finish(nil, err)
		return ev, err
	}
	if ev.IsTerminal {
		resp := &core.LLMResponse{Provider: s.c.res.Provider, Model: s.c.res.Model, RequestID: s.c.requestID}
		if u, ok := core.UsageFromMap(ev.Metadata[core.UsageMetadataKey]); ok {
			resp.Usage = u
		}
		s.finish(resp, nil)
	}
	return ev, nil
}

func (s *trackedStream) finish(resp *core.LLMResponse, err error) {
	s.once.Do(func() { s.o.record(s.c, resp, false, err) })
}

// Close records an abandoned outcome when the terminal event was never seen.
func (s *trackedStream) Close() error {
	err := s.inner.Close()
	s.finish(nil, core.ErrStreamAbandoned)
	return err
}
