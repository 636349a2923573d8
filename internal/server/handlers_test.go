package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monollm/internal/core"
	"monollm/internal/orchestrator"
	"monollm/internal/streaming"
	"monollm/internal/usage"
)

// mockBackend implements Backend for testing
type mockBackend struct {
	response *core.LLMResponse
	events   []core.StreamEvent
	err      error

	lastOpts core.RequestOptions
}

func (m *mockBackend) Generate(_ context.Context, _ orchestrator.Input, opts core.RequestOptions) (*core.LLMResponse, error) {
	m.lastOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockBackend) GenerateStream(_ context.Context, _ orchestrator.Input, opts core.RequestOptions) (*streaming.StreamingResponse, error) {
	m.lastOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	return streaming.NewStreamingResponse(streaming.FromEvents(m.events), "openai", opts.Model, "req-1", nil), nil
}

func (m *mockBackend) ListProviders() map[string]core.ProviderInfo {
	return map[string]core.ProviderInfo{"openai": {Name: "OpenAI", SupportsStreaming: true}}
}

func (m *mockBackend) AvailableProviders() []string { return []string{"openai"} }

func (m *mockBackend) ListModels(provider string) (map[string]map[string]core.ModelInfo, error) {
	if provider != "" && provider != "openai" {
		return nil, core.NewModelNotFoundError("", provider, []string{"openai"})
	}
	return map[string]map[string]core.ModelInfo{"openai": {"gpt-4o": {Name: "GPT-4o"}}}, nil
}

func (m *mockBackend) GetModelInfo(model, _ string) (string, core.ModelInfo, error) {
	if model != "gpt-4o" {
		return "", core.ModelInfo{}, core.NewModelNotFoundError(model, "", []string{"openai/gpt-4o"})
	}
	return "openai", core.ModelInfo{Name: "GPT-4o", SupportsTemperature: true}, nil
}

type mockReader struct {
	rows []usage.ModelUsage
	q    usage.Query
}

func (r *mockReader) Summary(_ context.Context, q usage.Query) ([]usage.ModelUsage, error) {
	r.q = q
	return r.rows, nil
}

func serve(t *testing.T, h echo.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(req, rec)))
	return rec
}

func TestGenerate(t *testing.T) {
	mock := &mockBackend{response: &core.LLMResponse{
		Content: "Hello!", Provider: "openai", Model: "gpt-4o", RequestID: "req-1",
		Usage: core.NewUsage(10, 5, 0),
	}}
	handler := NewHandler(mock, nil)

	rec := serve(t, handler.Generate, http.MethodPost, "/v1/generate",
		`{"model": "gpt-4o", "prompt": "Hi", "temperature": 0.3, "max_tokens": 64}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp core.LLMResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	require.NotNil(t, mock.lastOpts.Temperature)
	assert.Equal(t, 0.3, *mock.lastOpts.Temperature)
	require.NotNil(t, mock.lastOpts.MaxTokens)
	assert.Equal(t, 64, *mock.lastOpts.MaxTokens)
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"validation", core.NewValidationError("temperature", 0.5, "Model 'o3' does not support temperature control"), http.StatusBadRequest, "validation_error"},
		{"model not found", core.NewModelNotFoundError("nope", "", []string{"openai/gpt-4o"}), http.StatusNotFound, "model_not_found"},
		{"rate limit", core.NewRateLimitError("openai", "slow down", time.Second), http.StatusTooManyRequests, "rate_limit_error"},
		{"unavailable provider", core.NewConfigurationError("Provider 'x' is not available.", nil), http.StatusServiceUnavailable, "configuration_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(&mockBackend{err: tt.err}, nil)
			rec := serve(t, handler.Generate, http.MethodPost, "/v1/generate", `{"model": "gpt-4o", "prompt": "Hi"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body struct {
				Error map[string]any `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body.Error["type"])
		})
	}

	t.Run("structured fields", func(t *testing.T) {
		handler := NewHandler(&mockBackend{err: core.NewModelNotFoundError("nope", "", []string{"openai/gpt-4o"})}, nil)
		rec := serve(t, handler.Generate, http.MethodPost, "/v1/generate", `{"model": "nope", "prompt": "Hi"}`)
		assert.Contains(t, rec.Body.String(), `"available_models":["openai/gpt-4o"]`)
	})

	t.Run("malformed body", func(t *testing.T) {
		handler := NewHandler(&mockBackend{}, nil)
		rec := serve(t, handler.Generate, http.MethodPost, "/v1/generate", `{"model": `)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGenerateStreaming(t *testing.T) {
	mock := &mockBackend{events: []core.StreamEvent{
		{Content: "Hel"},
		{Content: "lo"},
		core.TerminalEvent(core.NewUsage(1, 2, 0), nil),
	}}
	handler := NewHandler(mock, nil)

	rec := serve(t, handler.Generate, http.MethodPost, "/v1/generate", `{"model": "gpt-4o", "prompt": "Hi", "stream": true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-1", rec.Header().Get("X-Generation-ID"))
	assert.True(t, mock.lastOpts.Stream)

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"content":"Hel"}`)
	assert.Contains(t, body, `"is_terminal":true`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestGenerateRequestOptions(t *testing.T) {
	opts := (&GenerateRequest{Model: "m", Provider: "p", ShowThinking: true, Metadata: map[string]any{"k": "v"}}).options()
	assert.Equal(t, "m", opts.Model)
	assert.Equal(t, "p", opts.Provider)
	assert.True(t, opts.ShowThinking)
	assert.False(t, opts.Stream)
	assert.Equal(t, "v", opts.Metadata["k"])
}

func TestHealth(t *testing.T) {
	handler := NewHandler(&mockBackend{}, nil)
	rec := serve(t, handler.Health, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","providers":["openai"]}`, rec.Body.String())
}

func TestListModels(t *testing.T) {
	handler := NewHandler(&mockBackend{}, nil)

	rec := serve(t, handler.ListModels, http.MethodGet, "/v1/models", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpt-4o")

	rec = serve(t, handler.ListModels, http.MethodGet, "/v1/models?provider=nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageSummary(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		handler := NewHandler(&mockBackend{}, nil)
		rec := serve(t, handler.UsageSummary, http.MethodGet, "/v1/usage", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("filters", func(t *testing.T) {
		reader := &mockReader{rows: []usage.ModelUsage{{Provider: "openai", Model: "gpt-4o", Requests: 3, TotalTokens: 42}}}
		handler := NewHandler(&mockBackend{}, reader)

		rec := serve(t, handler.UsageSummary, http.MethodGet, "/v1/usage?provider=openai&since=24h", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"total_tokens":42`)
		assert.Equal(t, "openai", reader.q.Provider)
		assert.WithinDuration(t, time.Now().Add(-24*time.Hour), reader.q.Since, time.Minute)
	})

	t.Run("bad since", func(t *testing.T) {
		handler := NewHandler(&mockBackend{}, &mockReader{})
		rec := serve(t, handler.UsageSummary, http.MethodGet, "/v1/usage?since=yesterday", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
