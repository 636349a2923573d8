package streaming

import (
	"context"
	"sync"
	"time"

	"monollm/internal/core"
)

// StreamingResponse is an un-collected stream tagged with the context needed
// to build an LLMResponse later without resolving anything again.
type StreamingResponse struct {
	Provider  string
	Model     string
	RequestID string
	CreatedAt time.Time

	stream       core.Stream
	onTerminal   func(core.StreamEvent)
	terminalOnce sync.Once
}

// NewStreamingResponse wraps s. onTerminal, when non-nil, runs once with the
// terminal event as it passes through Recv.
func NewStreamingResponse(s core.Stream, provider, model, requestID string, onTerminal func(core.StreamEvent)) *StreamingResponse {
	return &StreamingResponse{
		Provider:   provider,
		Model:      model,
		RequestID:  requestID,
		CreatedAt:  time.Now().UTC(),
		stream:     s,
		onTerminal: onTerminal,
	}
}

// Recv returns the next event, or io.EOF after the terminal event.
func (r *StreamingResponse) Recv() (core.StreamEvent, error) {
	ev, err := r.stream.Recv()
	if err == nil && ev.IsTerminal && r.onTerminal != nil {
		r.terminalOnce.Do(func() { r.onTerminal(ev) })
	}
	return ev, err
}

// Close releases the underlying connection. Safe to call more than once.
func (r *StreamingResponse) Close() error {
	return r.stream.Close()
}

// Collect drains the remaining events into an LLMResponse stamped with this
// stream's provider, model, request id and creation time.
func (r *StreamingResponse) Collect(ctx context.Context) (*core.LLMResponse, error) {
	resp, err := Collect(ctx, r)
	if err != nil {
		return nil, err
	}
	resp.Provider = r.Provider
	resp.Model = r.Model
	resp.RequestID = r.RequestID
	resp.CreatedAt = r.CreatedAt
	return resp, nil
}
