// Package observability exports Prometheus metrics for vendor calls and
// orchestrated generations.
package observability

import (
	"context"
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"monollm/internal/core"
	"monollm/internal/llmclient"
)

// Metrics holds the collectors. Create it once per registry.
type Metrics struct {
	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	generations      *prometheus.CounterVec
	retries          *prometheus.CounterVec
	tokens           *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monollm_provider_requests_total",
			Help: "Total number of HTTP requests sent to providers",
		}, []string{"provider", "model", "stream", "status"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "monollm_provider_request_duration_seconds",
			Help:    "Time until the provider response headers arrived",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "stream"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "monollm_provider_requests_in_flight",
			Help: "Provider requests awaiting response headers",
		}, []string{"provider"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monollm_generations_total",
			Help: "Total number of orchestrated generations by outcome",
		}, []string{"provider", "model", "stream", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monollm_retries_total",
			Help: "Total number of retried provider attempts",
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monollm_tokens_total",
			Help: "Tokens reported by providers",
		}, []string{"provider", "model", "kind"}),
	}
	reg.MustRegister(m.providerRequests, m.providerDuration, m.inFlight, m.generations, m.retries, m.tokens)
	return m
}

// Hooks returns llmclient hooks recording per-request metrics.
func (m *Metrics) Hooks() llmclient.Hooks {
	return llmclient.Hooks{
		OnRequestStart: func(ctx context.Context, info llmclient.RequestInfo) context.Context {
			m.inFlight.WithLabelValues(info.Provider).Inc()
			return ctx
		},
		OnRequestEnd: func(ctx context.Context, info llmclient.ResponseInfo) {
			m.inFlight.WithLabelValues(info.Provider).Dec()
			stream := strconv.FormatBool(info.Stream)
			m.providerRequests.WithLabelValues(info.Provider, info.Model, stream, statusLabel(info)).Inc()
			m.providerDuration.WithLabelValues(info.Provider, stream).Observe(info.Duration.Seconds())
		},
	}
}

func statusLabel(info llmclient.ResponseInfo) string {
	if info.StatusCode != 0 {
		return strconv.Itoa(info.StatusCode)
	}
	if e, ok := core.AsError(info.Error); ok {
		return string(e.Kind)
	}
	if info.Error != nil {
		return "error"
	}
	return "unknown"
}

// ObserveGeneration records the outcome of one orchestrated call.
func (m *Metrics) ObserveGeneration(provider, model string, stream bool, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, core.ErrStreamAbandoned):
		outcome = "abandoned"
	default:
		outcome = "error"
		if e, ok := core.AsError(err); ok {
			outcome = string(e.Kind)
		}
	}
	m.generations.WithLabelValues(provider, model, strconv.FormatBool(stream), outcome).Inc()
}

// ObserveRetry counts one retried attempt.
func (m *Metrics) ObserveRetry(provider string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(provider).Inc()
}

// ObserveUsage adds reported token counts.
func (m *Metrics) ObserveUsage(provider, model string, usage *core.Usage) {
	if m == nil || usage == nil {
		return
	}
	m.tokens.WithLabelValues(provider, model, "prompt").Add(float64(usage.PromptTokens))
	m.tokens.WithLabelValues(provider, model, "completion").Add(float64(usage.CompletionTokens))
	if usage.ReasoningTokens != nil {
		m.tokens.WithLabelValues(provider, model, "reasoning").Add(float64(*usage.ReasoningTokens))
	}
}
