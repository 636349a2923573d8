// Package gemini provides Google Gemini generateContent integration.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"monollm/config"
	"monollm/internal/core"
	"monollm/internal/llmclient"
	"monollm/internal/providers"
	"monollm/internal/streaming"
)

// Registration provides factory registration for the Gemini provider.
var Registration = providers.Registration{
	Type: "gemini",
	New:  New,
}

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Adapter implements core.Adapter for Google Gemini
type Adapter struct {
	client   *llmclient.Client
	provider string
	apiKey   string
	headers  map[string]string
}

// New creates a new Gemini adapter
func New(cfg config.ProviderConfig, opts providers.Options) (core.Adapter, error) {
	a := &Adapter{provider: cfg.ID, apiKey: cfg.APIKey, headers: cfg.Headers}
	client, err := llmclient.New(opts.ClientConfig(cfg, defaultBaseURL), a.setHeaders)
	if err != nil {
		return nil, err
	}
	a.client = client
	return a, nil
}

// NewWithHTTPClient creates a new Gemini adapter with a custom HTTP client
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
	req.Header.Set("x-goog-api-key", a.apiKey)
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
}

type part struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type thinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int  `json:"promptTokenCount"`
	CandidatesTokenCount int  `json:"candidatesTokenCount"`
	TotalTokenCount      int  `json:"totalTokenCount"`
	ThoughtsTokenCount   *int `json:"thoughtsTokenCount,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata"`
	ResponseID    string         `json:"responseId"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// convertRequest maps canonical roles onto Gemini's user/model turns.
func convertRequest(messages []core.Message, opts *core.RequestOptions) *generateRequest {
	req := &generateRequest{Contents: make([]content, 0, len(messages))}

	var system []part
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			system = append(system, part{Text: m.Content})
		case core.RoleAssistant:
			req.Contents = append(req.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		req.SystemInstruction = &content{Parts: system}
	}

	if opts.Temperature != nil || opts.MaxTokens != nil || opts.ShowThinking {
		gc := &generationConfig{Temperature: opts.Temperature, MaxOutputTokens: opts.MaxTokens}
		if opts.ShowThinking {
			gc.ThinkingConfig = &thinkingConfig{IncludeThoughts: true}
		}
		req.GenerationConfig = gc
	}
	return req
}

func (u *usageMetadata) usage() *core.Usage {
	if u == nil {
		return nil
	}
	out := core.NewUsage(u.PromptTokenCount, u.CandidatesTokenCount, u.TotalTokenCount)
	if u.ThoughtsTokenCount != nil {
		n := *u.ThoughtsTokenCount
		out.ReasoningTokens = &n
	}
	return out
}

func metadata(id, finishReason string) map[string]any {
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

// splitParts separates answer text from thought summaries.
func splitParts(parts []part) (text, thoughts string) {
	var t, th strings.Builder
	for _, p := range parts {
		if p.Thought {
			th.WriteString(p.Text)
		} else {
			t.WriteString(p.Text)
		}
	}
	return t.String(), th.String()
}

func modelPath(model, method string) string {
	return "/models/" + url.PathEscape(model) + ":" + method
}

// Generate sends a generateContent request
func (a *Adapter) Generate(ctx context.Context, messages []core.Message, opts *core.RequestOptions) (*core.LLMResponse, error) {
	client, err := a.client.ForOptions(opts)
	if err != nil {
		return nil, err
	}

	var resp generateResponse
	err = client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: modelPath(opts.Model, "generateContent"),
		Body:     convertRequest(messages, opts),
		Model:    opts.Model,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, core.NewProviderError(a.provider, http.StatusBadGateway, "generateContent response has no candidates", nil)
	}

	c := resp.Candidates[0]
	text, thoughts := splitParts(c.Content.Parts)
	out := &core.LLMResponse{
		Content:   text,
		Provider:  a.provider,
		Model:     opts.Model,
		Usage:     resp.UsageMetadata.usage(),
		Metadata:  metadata(resp.ResponseID, c.FinishReason),
		CreatedAt: time.Now().UTC(),
	}
	if opts.ShowThinking && thoughts != "" {
		out.Thinking = &thoughts
	}
	return out, nil
}

// GenerateStream opens a streamGenerateContent SSE stream (caller must close).
func (a *Adapter) GenerateStream(ctx context.Context, messages []core.Message, opts *core.RequestOptions) (core.Stream, error) {
	client, err := a.client.ForOptions(opts)
	if err != nil {
		return nil, err
	}
	body, err := client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: modelPath(opts.Model, "streamGenerateContent") + "?alt=sse",
		Body:     convertRequest(messages, opts),
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

// streamConverter maps streamed generateContent chunks to canonical events.
// Gemini has no end sentinel, so the terminal event is emitted at end of body.
type streamConverter struct {
	sse          *streaming.SSEDecoder
	provider     string
	showThinking bool

	id           string
	finishReason string
	usage        *core.Usage
}

func (sc *streamConverter) decode() ([]core.StreamEvent, error) {
	ev, err := sc.sse.Next()
	if errors.Is(err, io.EOF) {
		return []core.StreamEvent{core.TerminalEvent(sc.usage, metadata(sc.id, sc.finishReason))}, io.EOF
	}
	if err != nil {
		return nil, err
	}

	var chunk generateResponse
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, core.NewProviderError(sc.provider, http.StatusBadGateway, "invalid JSON in stream chunk: "+err.Error(), err)
	}
	if chunk.Error != nil {
		status := chunk.Error.Code
		if status == 0 {
			status = http.StatusBadGateway
		}
		return nil, core.NewProviderError(sc.provider, status, chunk.Error.Message, nil)
	}

	if chunk.ResponseID != "" {
		sc.id = chunk.ResponseID
	}
	if u := chunk.UsageMetadata.usage(); u != nil {
		sc.usage = u
	}
	if len(chunk.Candidates) == 0 {
		return nil, nil
	}
	c := chunk.Candidates[0]
	if c.FinishReason != "" {
		sc.finishReason = c.FinishReason
	}

	text, thoughts := splitParts(c.Content.Parts)
	out := core.StreamEvent{Content: text}
	if sc.showThinking {
		out.Thinking = thoughts
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
