// Package ollama provides integration with a local Ollama server through its
// native chat API.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"monollm/config"
	"monollm/internal/core"
	"monollm/internal/llmclient"
	"monollm/internal/providers"
	"monollm/internal/streaming"
)

// Registration provides factory registration for the Ollama provider.
var Registration = providers.Registration{
	Type: "ollama",
	New:  New,
}

const defaultBaseURL = "http://localhost:11434"

// Adapter implements core.Adapter for Ollama
type Adapter struct {
	client   *llmclient.Client
	provider string
	apiKey   string // Accepted but ignored by Ollama
	headers  map[string]string
}

// New creates a new Ollama adapter.
func New(cfg config.ProviderConfig, opts providers.Options) (core.Adapter, error) {
	a := &Adapter{provider: cfg.ID, apiKey: cfg.APIKey, headers: cfg.Headers}
	client, err := llmclient.New(opts.ClientConfig(cfg, defaultBaseURL), a.setHeaders)
	if err != nil {
		return nil, err
	}
	a.client = client
	return a, nil
}

// NewWithHTTPClient creates a new Ollama adapter with a custom HTTP client.
// If httpClient is nil, http.DefaultClient is used.
func NewWithHTTPClient(cfg config.ProviderConfig, httpClient *http.Client, hooks llmclient.Hooks) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	a := &Adapter{provider: cfg.ID, apiKey: cfg.APIKey, headers: cfg.Headers}
	ccfg := providers.Options{Hooks: hooks}.ClientConfig(cfg, defaultBaseURL)
	a.client = llmclient.NewWithHTTPClient(httpClient, ccfg, a.setHeaders)
	return a
}

// setHeaders sets the required headers for Ollama API requests
func (a *Adapter) setHeaders(req *http.Request) {
	// Ollama doesn't require authentication, but accepts Bearer token if provided
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	// Forward request ID if present in context
	if requestID := core.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
}

type chatMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	// Stream is always sent: Ollama streams unless told otherwise.
	Stream  bool         `json:"stream"`
	Think   bool         `json:"think,omitempty"`
	Options *chatOptions `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       string      `json:"created_at"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error,omitempty"`
}

func buildRequest(messages []core.Message, opts *core.RequestOptions, stream bool) *chatRequest {
	req := &chatRequest{
		Model:    opts.Model,
		Messages: make([]chatMessage, 0, len(messages)),
		Stream:   stream,
		Think:    opts.ShowThinking,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if opts.Temperature != nil || opts.MaxTokens != nil {
		req.Options = &chatOptions{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
	}
	return req
}

func (r *chatResponse) usage() *core.Usage {
	if r.PromptEvalCount == 0 && r.EvalCount == 0 {
		return nil
	}
	return core.NewUsage(r.PromptEvalCount, r.EvalCount, 0)
}

func (r *chatResponse) metadata() map[string]any {
	if r.DoneReason == "" {
		return nil
	}
	return map[string]any{"finish_reason": r.DoneReason}
}

// Generate sends a non-streaming chat request.
func (a *Adapter) Generate(ctx context.Context, messages []core.Message, opts *core.RequestOptions) (*core.LLMResponse, error) {
	client, err := a.client.ForOptions(opts)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	err = client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/api/chat",
		Body:     buildRequest(messages, opts, false),
		Model:    opts.Model,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, core.NewProviderError(a.provider, http.StatusBadGateway, resp.Error, nil)
	}

	out := &core.LLMResponse{
		Content:   resp.Message.Content,
		Provider:  a.provider,
		Model:     opts.Model,
		Usage:     resp.usage(),
		Metadata:  resp.metadata(),
		CreatedAt: time.Now().UTC(),
	}
	if opts.ShowThinking && resp.Message.Thinking != "" {
		t := resp.Message.Thinking
		out.Thinking = &t
	}
	return out, nil
}

// GenerateStream opens an NDJSON chat stream (caller must close).
func (a *Adapter) GenerateStream(ctx context.Context, messages []core.Message, opts *core.RequestOptions) (core.Stream, error) {
	client, err := a.client.ForOptions(opts)
	if err != nil {
		return nil, err
	}
	body, err := client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/api/chat",
		Body:     buildRequest(messages, opts, true),
		Model:    opts.Model,
	})
	if err != nil {
		return nil, err
	}

	dec := streaming.NewNDJSONDecoder(body)
	showThinking := opts.ShowThinking
	decode := func() ([]core.StreamEvent, error) {
		var chunk chatResponse
		if err := dec.Next(&chunk); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				return nil, core.NewProviderError(a.provider, http.StatusBadGateway, "invalid stream chunk: "+err.Error(), err)
			}
			return nil, err
		}
		if chunk.Error != "" {
			return nil, core.NewProviderError(a.provider, http.StatusBadGateway, chunk.Error, nil)
		}

		var events []core.StreamEvent
		ev := core.StreamEvent{Content: chunk.Message.Content}
		if showThinking {
			ev.Thinking = chunk.Message.Thinking
		}
		if ev.Content != "" || ev.Thinking != "" {
			events = append(events, ev)
		}
		if chunk.Done {
			events = append(events, core.TerminalEvent(chunk.usage(), chunk.metadata()))
			return events, io.EOF
		}
		return events, nil
	}
	return streaming.NewBodyStream(body, decode), nil
}

// Close releases idle connections.
func (a *Adapter) Close() error {
	a.client.Close()
	return nil
}
