package core

import "context"

// Adapter is the per-vendor transport contract.
type Adapter interface {
	// Generate performs one non-streaming call.
	Generate(ctx context.Context, messages []Message, opts *RequestOptions) (*LLMResponse, error)

	// GenerateStream opens a stream. The caller must Close it.
	GenerateStream(ctx context.Context, messages []Message, opts *RequestOptions) (Stream, error)

	// Close releases held connection resources. Idempotent.
	Close() error
}

// Stream is a pull iterator over canonical stream events.
// Recv returns io.EOF once the terminal event has been consumed.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

