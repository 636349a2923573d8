package streaming

import (
	"context"
	"errors"
	"io"
	"strings"

	"monollm/internal/core"
)

// Collect drains s and folds it into one response. Content and thinking
// fragments are concatenated in arrival order, metadata maps are merged with
// the last write winning, and usage is taken from the terminal event.
// Collect always closes s. Identity fields (provider, model, request id,
// creation time) are left for the caller to stamp.
func Collect(ctx context.Context, s core.Stream) (*core.LLMResponse, error) {
	defer func() { _ = s.Close() }()

	var (
		content     strings.Builder
		thinking    strings.Builder
		hasThinking bool
		metadata    map[string]any
		usage       *core.Usage
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		content.WriteString(ev.Content)
		if ev.Thinking != "" {
			thinking.WriteString(ev.Thinking)
			hasThinking = true
		}
		if len(ev.Metadata) > 0 {
			if metadata == nil {
				metadata = make(map[string]any, len(ev.Metadata))
			}
			for k, v := range ev.Metadata {
				metadata[k] = v
			}
		}
		if ev.IsTerminal {
			if u, ok := core.UsageFromMap(ev.Metadata[core.UsageMetadataKey]); ok {
				usage = u
			}
		}
	}

	resp := &core.LLMResponse{
		Content:  content.String(),
		Usage:    usage,
		Metadata: metadata,
	}
	if hasThinking {
		t := thinking.String()
		resp.Thinking = &t
	}
	return resp, nil
}
