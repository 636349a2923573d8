package llmclient

import (
	"context"
	"time"
)

// RequestInfo describes an outgoing vendor request.
type RequestInfo struct {
	Provider string
	Model    string
	Endpoint string
	Method   string
	Stream   bool
}

// ResponseInfo describes the outcome of a vendor request. For streams it is
// reported once the response headers arrive.
type ResponseInfo struct {
	Provider   string
	Model      string
	Endpoint   string
	StatusCode int
	Duration   time.Duration
	Stream     bool
	Error      error
}

// Hooks observe vendor requests. Either callback may be nil.
type Hooks struct {
	OnRequestStart func(ctx context.Context, info RequestInfo) context.Context
	OnRequestEnd   func(ctx context.Context, info ResponseInfo)
}

func (c *Client) observe(ctx context.Context, req Request, stream bool) (context.Context, func(status int, err error)) {
	hooks := c.config.Hooks
	if hooks.OnRequestStart == nil && hooks.OnRequestEnd == nil {
		return ctx, func(int, error) {}
	}

	if hooks.OnRequestStart != nil {
		ctx = hooks.OnRequestStart(ctx, RequestInfo{
			Provider: c.config.ProviderName,
			Model:    req.Model,
			Endpoint: req.Endpoint,
			Method:   req.Method,
			Stream:   stream,
		})
	}

	start := time.Now()
	return ctx, func(status int, err error) {
		if hooks.OnRequestEnd == nil {
			return
		}
		hooks.OnRequestEnd(ctx, ResponseInfo{
			Provider:   c.config.ProviderName,
			Model:      req.Model,
			Endpoint:   req.Endpoint,
			StatusCode: status,
			Duration:   time.Since(start),
			Stream:     stream,
			Error:      err,
		})
	}
}
