// Package openai provides the adapter for OpenAI and every vendor that speaks
// the OpenAI chat completions protocol (DeepSeek, Qwen, Volcengine, Groq, xAI).
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"monollm/config"
	"monollm/internal/core"
	"monollm/internal/llmclient"
	"monollm/internal/providers"
	"monollm/internal/streaming"
)

// Registration provides factory registration for OpenAI-compatible providers.
var Registration = providers.Registration{
	Type: "openai",
	New:  New,
}

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter implements core.Adapter for OpenAI-compatible chat completions.
type Adapter struct {
	client   *llmclient.Client
	provider string
	apiKey   string
	headers  map[string]string
}

// New creates an adapter for one provider declaration.
func New(cfg config.ProviderConfig, opts providers.Options) (core.Adapter, error) {
	a := newAdapter(cfg)
	client, err := llmclient.New(opts.ClientConfig(cfg, defaultBaseURL), a.setHeaders)
	if err != nil {
		return nil, err
	}
	a.client = client
	return a, nil
}

// NewWithHTTPClient creates an adapter over a caller-supplied HTTP client.
func NewWithHTTPClient(cfg config.ProviderConfig, httpClient *http.Client, hooks llmclient.Hooks) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	a := newAdapter(cfg)
	ccfg := providers.Options{Hooks: hooks}.ClientConfig(cfg, defaultBaseURL)
	a.client = llmclient.NewWithHTTPClient(httpClient, ccfg, a.setHeaders)
	return a
}

func newAdapter(cfg config.ProviderConfig) *Adapter {
	return &Adapter{
		provider: cfg.ID,
		apiKey:   cfg.APIKey,
		headers:  cfg.Headers,
	}
}

// setHeaders sets the required headers for OpenAI-compatible requests
func (a *Adapter) setHeaders(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	// OpenAI requires ASCII-only characters and max 512 bytes, otherwise returns 400.
	if requestID := core.GetRequestID(req.Context()); requestID != "" && isValidClientRequestID(requestID) {
		req.Header.Set("X-Client-Request-Id", requestID)
	}
}

// isValidClientRequestID checks if the request ID is valid for OpenAI's X-Client-Request-Id header.
func isValidClientRequestID(id string) bool {
	if len(id) > 512 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 127 {
			return false
		}
	}
	return true
}

// isOSeriesModel reports whether the model is an OpenAI o-series model
// (o1, o3, o4) that requires max_completion_tokens instead of max_tokens
// and does not support the temperature parameter.
func isOSeriesModel(model string) bool {
	m := strings.ToLower(model)
	return len(m) >= 2 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []chatMessage  `json:"messages"`
	Temperature         *float64       `json:"temperature,omitempty"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *streamOptions `json:"stream_options,omitempty"`
}

func buildRequest(messages []core.Message, opts *core.RequestOptions, stream bool) *chatRequest {
	req := &chatRequest{
		Model:       opts.Model,
		Messages:    make([]chatMessage, 0, len(messages)),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if isOSeriesModel(opts.Model) {
		req.MaxCompletionTokens = req.MaxTokens
		req.MaxTokens = nil
		req.Temperature = nil
	}
	if stream {
		req.Stream = true
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

// Generate sends a chat completion request. Streaming-only models never reach
// it; the orchestrator collects GenerateStream for them.
func (a *Adapter) Generate(ctx context.Context, messages []core.Message, opts *core.RequestOptions) (*core.LLMResponse, error) {
	client, err := a.client.ForOptions(opts)
	if err != nil {
		return nil, err
	}
	raw, err := client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     buildRequest(messages, opts, false),
		Model:    opts.Model,
	})
	if err != nil {
		return nil, err
	}
	return a.parseResponse(raw.Body, opts)
}

func (a *Adapter) parseResponse(body []byte, opts *core.RequestOptions) (*core.LLMResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewProviderError(a.provider, http.StatusBadGateway, "invalid JSON in chat completion response", nil)
	}
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")
	if !choice.Exists() {
		return nil, core.NewProviderError(a.provider, http.StatusBadGateway, "chat completion response has no choices", nil)
	}

	resp := &core.LLMResponse{
		Content:   choice.Get("message.content").String(),
		Provider:  a.provider,
		Model:     opts.Model,
		Usage:     parseUsage(r.Get("usage")),
		Metadata:  responseMetadata(r.Get("id").String(), choice.Get("finish_reason").String()),
		CreatedAt: time.Now().UTC(),
	}
	if opts.ShowThinking {
		if t := reasoningText(choice.Get("message")); t != "" {
			resp.Thinking = &t
		}
	}
	return resp, nil
}

// reasoningText reads the reasoning channel, which vendors name either
// reasoning_content (DeepSeek, Qwen, Volcengine) or reasoning (Groq, xAI).
func reasoningText(msg gjson.Result) string {
	if v := msg.Get("reasoning_content"); v.Type == gjson.String {
		return v.String()
	}
	if v := msg.Get("reasoning"); v.Type == gjson.String {
		return v.String()
	}
	return ""
}

func parseUsage(u gjson.Result) *core.Usage {
	if !u.IsObject() {
		return nil
	}
	usage := core.NewUsage(
		int(u.Get("prompt_tokens").Int()),
		int(u.Get("completion_tokens").Int()),
		int(u.Get("total_tokens").Int()),
	)
	if r := u.Get("completion_tokens_details.reasoning_tokens"); r.Exists() {
		n := int(r.Int())
		usage.ReasoningTokens = &n
	}
	return usage
}

func responseMetadata(id, finishReason string) map[string]any {
	md := make(map[string]any, 2)
	if id != "" {
		md["id"] = id
	}
	if finishReason != "" {
		md["finish_reason"] = finishReason
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// GenerateStream opens a chat completion stream (caller must close).
func (a *Adapter) GenerateStream(ctx context.Context, messages []core.Message, opts *core.RequestOptions) (core.Stream, error) {
	client, err := a.client.ForOptions(opts)
	if err != nil {
		return nil, err
	}
	body, err := client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     buildRequest(messages, opts, true),
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

// streamConverter turns chat completion chunks into canonical events.
type streamConverter struct {
	sse          *streaming.SSEDecoder
	provider     string
	showThinking bool

	id           string
	finishReason string
	usage        *core.Usage
}

func (sc *streamConverter) terminal() core.StreamEvent {
	return core.TerminalEvent(sc.usage, responseMetadata(sc.id, sc.finishReason))
}

func (sc *streamConverter) decode() ([]core.StreamEvent, error) {
	ev, err := sc.sse.Next()
	if errors.Is(err, io.EOF) {
		return []core.StreamEvent{sc.terminal()}, io.EOF
	}
	if err != nil {
		return nil, err
	}
	if streaming.IsDone(ev.Data) {
		return []core.StreamEvent{sc.terminal()}, io.EOF
	}
	if !gjson.ValidBytes(ev.Data) {
		return nil, core.NewProviderError(sc.provider, http.StatusBadGateway, "invalid JSON in stream chunk", nil)
	}

	chunk := gjson.ParseBytes(ev.Data)
	if e := chunk.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return nil, core.NewProviderError(sc.provider, http.StatusBadGateway, msg, nil)
	}

	if id := chunk.Get("id").String(); id != "" {
		sc.id = id
	}
	if u := parseUsage(chunk.Get("usage")); u != nil {
		sc.usage = u
	}

	choice := chunk.Get("choices.0")
	if fr := choice.Get("finish_reason").String(); fr != "" {
		sc.finishReason = fr
	}

	delta := choice.Get("delta")
	out := core.StreamEvent{Content: delta.Get("content").String()}
	if sc.showThinking {
		out.Thinking = reasoningText(delta)
	}
	if out.Content == "" && out.Thinking == "" {
		return nil, nil
	}
	return []core.StreamEvent{out}, nil
}

// Close releases idle connections.
func (a *Adapter) Close() error {
	a.client.Close()
	return nil
}
