package usage

import (
	"context"
	"fmt"
	"time"
)

// Query filters a usage summary. Zero values match everything.
type Query struct {
	Since    time.Time
	Provider string
}

// ModelUsage aggregates ledger entries for one provider/model pair.
type ModelUsage struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	Errors           int64  `json:"errors"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// Reader provides read access to the ledger.
type Reader interface {
	// Summary returns per provider/model totals ordered by provider then model.
	Summary(ctx context.Context, q Query) ([]ModelUsage, error)
}

// ParseSince reads the lower bound of a query: an RFC 3339 time, or a
// positive duration such as 24h counted back from now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("since must be an RFC 3339 time or a positive duration, got %q", s)
	}
	return now.Add(-d), nil
}
