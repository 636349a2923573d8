package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"monollm/internal/core"
	"monollm/internal/llmclient"
)

func TestHooksRecordRequests(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.Hooks()

	ctx := h.OnRequestStart(context.Background(), llmclient.RequestInfo{Provider: "openai", Model: "gpt-4o"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight.WithLabelValues("openai")))

	h.OnRequestEnd(ctx, llmclient.ResponseInfo{Provider: "openai", Model: "gpt-4o", StatusCode: 200, Duration: time.Second})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight.WithLabelValues("openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerRequests.WithLabelValues("openai", "gpt-4o", "false", "200")))

	h.OnRequestStart(ctx, llmclient.RequestInfo{Provider: "openai"})
	h.OnRequestEnd(ctx, llmclient.ResponseInfo{
		Provider: "openai",
		Stream:   true,
		Error:    core.NewConnectionError("openai", core.PhaseConnect, "connect timeout", nil),
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerRequests.WithLabelValues("openai", "", "true", "connection_error")))
}

func TestObserveGeneration(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveGeneration("anthropic", "claude", false, nil)
	m.ObserveGeneration("anthropic", "claude", false, core.NewRateLimitError("anthropic", "slow", 0))
	m.ObserveGeneration("anthropic", "claude", true, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("anthropic", "claude", "false", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("anthropic", "claude", "false", "rate_limit_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("anthropic", "claude", "true", "error")))
}

func TestObserveUsage(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	reasoning := 4
	m.ObserveUsage("qwen", "qwq", &core.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, ReasoningTokens: &reasoning})
	m.ObserveUsage("qwen", "qwq", nil)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.tokens.WithLabelValues("qwen", "qwq", "prompt")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.tokens.WithLabelValues("qwen", "qwq", "completion")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.tokens.WithLabelValues("qwen", "qwq", "reasoning")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveGeneration("p", "m", false, nil)
	m.ObserveRetry("p")
	m.ObserveUsage("p", "m", &core.Usage{})
}
