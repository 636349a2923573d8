// Package usage records one ledger entry per orchestrated generation and
// stores them for later summaries.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"monollm/internal/core"
)

// Outcome values other than error kinds.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeAbandoned = "abandoned"
)

// BatchFlushThreshold is the number of entries that triggers an immediate flush.
const BatchFlushThreshold = 100

// Store defines the interface for usage storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes multiple entries to storage.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Entry is a single generation record.
type Entry struct {
	ID string `json:"id" bson:"_id"`

	// RequestID is the orchestrator-assigned id, also returned on the response.
	RequestID string `json:"request_id" bson:"request_id"`

	// ResponseID is the vendor's response id (e.g. "chatcmpl-abc123", "msg_xyz"), when reported.
	ResponseID string `json:"response_id,omitempty" bson:"response_id,omitempty"`

	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	Provider string `json:"provider" bson:"provider"`
	Model    string `json:"model" bson:"model"`
	Stream   bool   `json:"stream" bson:"stream"`
	Cached   bool   `json:"cached" bson:"cached"`

	// Outcome is "success" or the error kind (e.g. "rate_limit").
	Outcome    string `json:"outcome" bson:"outcome"`
	DurationMs int64  `json:"duration_ms" bson:"duration_ms"`

	PromptTokens     int `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" bson:"completion_tokens"`
	TotalTokens      int `json:"total_tokens" bson:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens" bson:"reasoning_tokens"`
}

// Generation describes a finished call for the ledger.
type Generation struct {
	RequestID string
	Provider  string
	Model     string
	Stream    bool
	Cached    bool
	Duration  time.Duration
	Response  *core.LLMResponse
	Err       error
}

// NewEntry builds a ledger entry with a fresh id.
func NewEntry(g Generation) *Entry {
	e := &Entry{
		ID:         uuid.NewString(),
		RequestID:  g.RequestID,
		Timestamp:  time.Now().UTC(),
		Provider:   g.Provider,
		Model:      g.Model,
		Stream:     g.Stream,
		Cached:     g.Cached,
		Outcome:    outcome(g.Err),
		DurationMs: g.Duration.Milliseconds(),
	}
	if g.Response == nil {
		return e
	}
	if id, ok := g.Response.Metadata["id"].(string); ok {
		e.ResponseID = id
	}
	if u := g.Response.Usage; u != nil {
		e.PromptTokens = u.PromptTokens
		e.CompletionTokens = u.CompletionTokens
		e.TotalTokens = u.TotalTokens
		if u.ReasoningTokens != nil {
			e.ReasoningTokens = *u.ReasoningTokens
		}
	}
	return e
}

func outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, core.ErrStreamAbandoned) {
		return OutcomeAbandoned
	}
	if e, ok := core.AsError(err); ok {
		return string(e.Kind)
	}
	return OutcomeError
}

// Config holds usage tracking configuration
type Config struct {
	// Enabled controls whether usage tracking is active
	Enabled bool

	// BufferSize is the number of entries to buffer before dropping
	BufferSize int

	// FlushInterval is how often to flush buffered entries
	FlushInterval time.Duration

	// RetentionDays is how long to keep usage data (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 90,
	}
}
