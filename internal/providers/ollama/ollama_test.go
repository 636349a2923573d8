package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monollm/config"
	"monollm/internal/core"
	"monollm/internal/llmclient"
	"monollm/internal/providers"
	"monollm/internal/streaming"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewWithHTTPClient(config.ProviderConfig{ID: "ollama", BaseURL: server.URL}, server.Client(), llmclient.Hooks{})
}

func TestNew_DefaultBaseURL(t *testing.T) {
	a, err := New(config.ProviderConfig{ID: "ollama"}, providers.Options{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", a.(*Adapter).client.BaseURL())
}

func TestBuildRequest(t *testing.T) {
	temp := 0.1
	maxTokens := 50

	req := buildRequest([]core.Message{core.NewUserMessage("hi")},
		&core.RequestOptions{Model: "qwen3", Temperature: &temp, MaxTokens: &maxTokens, ShowThinking: true}, false)

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model": "qwen3",
		"messages": [{"role": "user", "content": "hi"}],
		"stream": false,
		"think": true,
		"options": {"temperature": 0.1, "num_predict": 50}
	}`, string(raw))
}

func TestGenerate(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "req-9", r.Header.Get("X-Request-ID"))
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{
			"model": "qwen3", "created_at": "2025-01-01T00:00:00Z",
			"message": {"role": "assistant", "content": "4", "thinking": "2+2=4"},
			"done": true, "done_reason": "stop", "prompt_eval_count": 8, "eval_count": 3
		}`)
	})

	ctx := core.WithRequestID(context.Background(), "req-9")
	resp, err := a.Generate(ctx, []core.Message{core.NewUserMessage("2+2")},
		&core.RequestOptions{Model: "qwen3", ShowThinking: true})
	require.NoError(t, err)

	assert.Equal(t, "4", resp.Content)
	require.NotNil(t, resp.Thinking)
	assert.Equal(t, "2+2=4", *resp.Thinking)
	assert.Equal(t, &core.Usage{PromptTokens: 8, CompletionTokens: 3, TotalTokens: 11}, resp.Usage)
	assert.Equal(t, "stop", resp.Metadata["finish_reason"])
}

func TestGenerate_ErrorBody(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error": "model \"nope\" not found, try pulling it first"}`)
	})

	_, err := a.Generate(context.Background(), []core.Message{core.NewUserMessage("hi")}, &core.RequestOptions{Model: "nope"})
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindProvider, e.Kind)
	assert.Equal(t, http.StatusNotFound, e.StatusCode)
	assert.Contains(t, e.Message, "not found")
}

func TestGenerateStream(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"","thinking":"hm"},"done":false}
{"message":{"role":"assistant","content":"Hel"},"done":false}

{"message":{"role":"assistant","content":"lo"},"done":false}
{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":2}
`)
	})

	s, err := a.GenerateStream(context.Background(), []core.Message{core.NewUserMessage("hi")},
		&core.RequestOptions{Model: "qwen3", Stream: true, ShowThinking: true})
	require.NoError(t, err)

	resp, err := streaming.Collect(context.Background(), streaming.Guard(s))
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	require.NotNil(t, resp.Thinking)
	assert.Equal(t, "hm", *resp.Thinking)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.Metadata["finish_reason"])
}

func TestGenerateStream_ThinkingHidden(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":{"content":"","thinking":"hm"},"done":false}
{"message":{"content":"ok"},"done":true}
`)
	})

	s, err := a.GenerateStream(context.Background(), []core.Message{core.NewUserMessage("hi")}, &core.RequestOptions{Model: "qwen3"})
	require.NoError(t, err)

	var events []core.StreamEvent
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Content)
	assert.True(t, events[1].IsTerminal)
	assert.Nil(t, events[1].Metadata, "no usage and no reason means no metadata")
}

func TestGenerateStream_ErrorLine(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{\"error\":\"out of memory\"}\n")
	})

	s, err := a.GenerateStream(context.Background(), []core.Message{core.NewUserMessage("hi")}, &core.RequestOptions{Model: "qwen3"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "out of memory", e.Message)
}

func TestGenerateStream_MalformedLine(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{not json\n")
	})

	s, err := a.GenerateStream(context.Background(), []core.Message{core.NewUserMessage("hi")}, &core.RequestOptions{Model: "qwen3"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindProvider, e.Kind)
}
