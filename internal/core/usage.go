package core

import (
	"encoding/json"
	"math"
)

// Usage is vendor-reported token accounting.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	ReasoningTokens  *int `json:"reasoning_tokens,omitempty"`
}

// NewUsage builds a Usage, deriving the total when the vendor omitted it.
func NewUsage(prompt, completion, total int) *Usage {
	if total == 0 {
		total = prompt + completion
	}
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

// UsageFromMap parses a usage payload found under UsageMetadataKey.
// It accepts Usage values and generic maps, including the input/output
// token names some vendors use. The vendor total is trusted as given.
func UsageFromMap(v any) (*Usage, bool) {
	switch u := v.(type) {
	case nil:
		return nil, false
	case Usage:
		return &u, true
	case *Usage:
		if u == nil {
			return nil, false
		}
		c := *u
		return &c, true
	case map[string]any:
		return usageFromFields(u)
	case map[string]int:
		m := make(map[string]any, len(u))
		for k, n := range u {
			m[k] = n
		}
		return usageFromFields(m)
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(u, &m); err != nil {
			return nil, false
		}
		return usageFromFields(m)
	}
	return nil, false
}

func usageFromFields(m map[string]any) (*Usage, bool) {
	prompt, okP := firstInt(m, "prompt_tokens", "input_tokens")
	completion, okC := firstInt(m, "completion_tokens", "output_tokens")
	total, okT := firstInt(m, "total_tokens")
	if !okP && !okC && !okT {
		return nil, false
	}
	u := NewUsage(prompt, completion, total)
	if r, ok := firstInt(m, "reasoning_tokens"); ok {
		u.ReasoningTokens = &r
	}
	return u, true
}

func firstInt(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		if n, ok := toInt(v); ok {
			return n, true
		}
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
