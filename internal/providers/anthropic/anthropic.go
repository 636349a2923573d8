// Package anthropic provides Anthropic Messages API integration.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"monollm/config"
	"monollm/internal/core"
	"monollm/internal/llmclient"
	"monollm/internal/providers"
	"monollm/internal/streaming"
)

// Registration provides factory registration for the Anthropic provider.
var Registration = providers.Registration{
	Type: "anthropic",
	New:  New,
}

const (
	defaultBaseURL      = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
	minThinkingBudget   = 1024
)

// Adapter implements core.Adapter for Anthropic
type Adapter struct {
	client   *llmclient.Client
	provider string
	apiKey   string
	headers  map[string]string
}

// New creates a new Anthropic adapter
func New(cfg config.ProviderConfig, opts providers.Options) (core.Adapter, error) {
	a := &Adapter{provider: cfg.ID, apiKey: cfg.APIKey, headers: cfg.Headers}
	client, err := llmclient.New(opts.ClientConfig(cfg, defaultBaseURL), a.setHeaders)
	if err != nil {
		return nil, err
	}
	a.client = client
	return a, nil
}

// NewWithHTTPClient creates a new Anthropic adapter with a custom HTTP client
func NewWithHTTPClient(cfg config.ProviderConfig, httpClient *http.Client, hooks llmclient.Hooks) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	a := &Adapter{provider: cfg.ID, apiKey: cfg.APIKey, headers: cfg.Headers}
	ccfg := providers.Options{Hooks: hooks}.ClientConfig(cfg, defaultBaseURL)
	a.client = llmclient.NewWithHTTPClient(httpClient, ccfg, a.setHeaders)
	return a
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
}

// anthropicRequest represents the Anthropic API request format
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

// anthropicMessage represents a message in Anthropic format
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// anthropicResponse represents the Anthropic API response format
type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

// anthropicContent represents a content block
type anthropicContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// anthropicUsage represents token usage in Anthropic response
type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent represents a streaming event from Anthropic
type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

// anthropicDelta represents a delta in streaming response
type anthropicDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// convertRequest maps canonical messages to the Messages API. System turns
// move to the top-level system field.
func convertRequest(messages []core.Message, opts *core.RequestOptions, stream bool) *anthropicRequest {
	req := &anthropicRequest{
		Model:       opts.Model,
		Messages:    make([]anthropicMessage, 0, len(messages)),
		MaxTokens:   defaultMaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}

	var system []string
	for _, m := range messages {
		if m.Role == core.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	req.System = strings.Join(system, "\n\n")

	if opts.ShowThinking {
		budget := req.MaxTokens / 2
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		if req.MaxTokens <= budget {
			req.MaxTokens = budget + minThinkingBudget
		}
		req.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		// Extended thinking rejects any temperature other than the default.
		req.Temperature = nil
	}
	return req
}

func usageFrom(u anthropicUsage) *core.Usage {
	return core.NewUsage(u.InputTokens, u.OutputTokens, 0)
}

func metadata(id, stopReason string) map[string]any {
	md := make(map[string]any, 2)
	if id != "" {
		md["id"] = id
	}
	if stopReason != "" {
		md["finish_reason"] = stopReason
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// Generate sends a Messages API request
func (a *Adapter) Generate(ctx context.Context, messages []core.Message, opts *core.RequestOptions) (*core.LLMResponse, error) {
	client, err := a.client.ForOptions(opts)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	err = client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     convertRequest(messages, opts, false),
		Model:    opts.Model,
	}, &resp)
	if err != nil {
		return nil, err
	}

	var content, thinking strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		}
	}

	out := &core.LLMResponse{
		Content:   content.String(),
		Provider:  a.provider,
		Model:     opts.Model,
		Usage:     usageFrom(resp.Usage),
		Metadata:  metadata(resp.ID, resp.StopReason),
		CreatedAt: time.Now().UTC(),
	}
	if opts.ShowThinking && thinking.Len() > 0 {
		t := thinking.String()
		out.Thinking = &t
	}
	return out, nil
}

// GenerateStream opens a Messages API stream (caller must close).
func (a *Adapter) GenerateStream(ctx context.Context, messages []core.Message, opts *core.RequestOptions) (core.Stream, error) {
	client, err := a.client.ForOptions(opts)
	if err != nil {
		return nil, err
	}
	body, err := client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     convertRequest(messages, opts, true),
		Model:    opts.Model,
	})
	if err != nil {
		return nil, err
	}
	sc := &streamConverter{
		sse:          streaming.NewSSEDecoder(body),
		provider:     a.provider,
		showThinking: opts.ShowThinking,
	}
	return streaming.NewBodyStream(body, sc.decode), nil
}

// streamConverter maps typed Messages API events to canonical events.
type streamConverter struct {
	sse          *streaming.SSEDecoder
	provider     string
	showThinking bool

	id         string
	stopReason string
	usage      anthropicUsage
	hasUsage   bool
}

func (sc *streamConverter) terminal() core.StreamEvent {
	var usage *core.Usage
	if sc.hasUsage {
		usage = usageFrom(sc.usage)
	}
	return core.TerminalEvent(usage, metadata(sc.id, sc.stopReason))
}

func (sc *streamConverter) decode() ([]core.StreamEvent, error) {
	ev, err := sc.sse.Next()
	if errors.Is(err, io.EOF) {
		return []core.StreamEvent{sc.terminal()}, io.EOF
	}
	if err != nil {
		return nil, err
	}

	var event anthropicStreamEvent
	if err := json.Unmarshal(ev.Data, &event); err != nil {
		return nil, core.NewProviderError(sc.provider, http.StatusBadGateway, "invalid JSON in stream event: "+err.Error(), err)
	}
	return sc.convertEvent(&event)
}

func (sc *streamConverter) convertEvent(event *anthropicStreamEvent) ([]core.StreamEvent, error) {
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			sc.id = event.Message.ID
			sc.usage.InputTokens = event.Message.Usage.InputTokens
			sc.usage.OutputTokens = event.Message.Usage.OutputTokens
			sc.hasUsage = true
		}

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				return []core.StreamEvent{{Content: event.Delta.Text}}, nil
			}
		case "thinking_delta":
			if sc.showThinking && event.Delta.Thinking != "" {
				return []core.StreamEvent{{Thinking: event.Delta.Thinking}}, nil
			}
		}

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			sc.stopReason = event.Delta.StopReason
		}
		if event.Usage != nil {
			sc.usage.OutputTokens = event.Usage.OutputTokens
			if event.Usage.InputTokens > 0 {
				sc.usage.InputTokens = event.Usage.InputTokens
			}
			sc.hasUsage = true
		}

	case "message_stop":
		return []core.StreamEvent{sc.terminal()}, io.EOF

	case "error":
		msg, status := "stream error", http.StatusBadGateway
		if event.Error != nil {
			msg = event.Error.Message
			if event.Error.Type == "overloaded_error" {
				status = http.StatusServiceUnavailable
			}
		}
		return nil, core.NewProviderError(sc.provider, status, msg, nil)
	}
	return nil, nil
}

// Close releases idle connections.
func (a *Adapter) Close() error {
	a.client.Close()
	return nil
}
