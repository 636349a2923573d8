// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"monollm/internal/core"
	"monollm/internal/orchestrator"
	"monollm/internal/streaming"
	"monollm/internal/usage"
)

// Backend is the orchestrator surface the server needs.
type Backend interface {
	Generate(ctx context.Context, in orchestrator.Input, opts core.RequestOptions) (*core.LLMResponse, error)
	GenerateStream(ctx context.Context, in orchestrator.Input, opts core.RequestOptions) (*streaming.StreamingResponse, error)
	ListProviders() map[string]core.ProviderInfo
	AvailableProviders() []string
	ListModels(provider string) (map[string]map[string]core.ModelInfo, error)
	GetModelInfo(model, provider string) (string, core.ModelInfo, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	backend Backend
	usage   usage.Reader
}

// NewHandler creates a new handler. reader may be nil.
func NewHandler(backend Backend, reader usage.Reader) *Handler {
	return &Handler{backend: backend, usage: reader}
}

// GenerateRequest is the body of POST /v1/generate. Either Prompt or
// Messages carries the input; System is prepended when set.
type GenerateRequest struct {
	Model        string         `json:"model"`
	Provider     string         `json:"provider,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	System       string         `json:"system,omitempty"`
	Messages     []core.Message `json:"messages,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    *int           `json:"max_tokens,omitempty"`
	Stream       bool           `json:"stream,omitempty"`
	ShowThinking bool           `json:"show_thinking,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (r *GenerateRequest) input() orchestrator.Input {
	if len(r.Messages) == 0 && r.System == "" {
		return orchestrator.Text(r.Prompt)
	}
	var msgs []core.Message
	if r.System != "" {
		msgs = append(msgs, core.Message{Role: core.RoleSystem, Content: r.System})
	}
	msgs = append(msgs, r.Messages...)
	if r.Prompt != "" {
		msgs = append(msgs, core.NewUserMessage(r.Prompt))
	}
	return orchestrator.Messages(msgs...)
}

func (r *GenerateRequest) options() core.RequestOptions {
	return core.RequestOptions{
		Model:        r.Model,
		Provider:     r.Provider,
		Temperature:  r.Temperature,
		MaxTokens:    r.MaxTokens,
		Stream:       r.Stream,
		ShowThinking: r.ShowThinking,
		Metadata:     r.Metadata,
	}
}

// Generate handles POST /v1/generate
func (h *Handler) Generate(c echo.Context) error {
	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewValidationError("body", nil, "invalid request body: "+err.Error()))
	}

	ctx := c.Request().Context()
	if req.Stream {
		stream, err := h.backend.GenerateStream(ctx, req.input(), req.options())
		if err != nil {
			return handleError(c, err)
		}
		return writeStream(c, stream)
	}

	resp, err := h.backend.Generate(ctx, req.input(), req.options())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// writeStream relays events as server-sent events. Errors after the headers
// are sent become an "error" event.
func writeStream(c echo.Context, stream *streaming.StreamingResponse) error {
	defer func() {
		_ = stream.Close() //nolint:errcheck
	}()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Generation-ID", stream.RequestID)
	w.WriteHeader(http.StatusOK)

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Warn("stream aborted", "request_id", stream.RequestID, "error", err)
			payload, _ := json.Marshal(errorBody(err))
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			w.Flush()
			return nil
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Client went away; closing the stream releases the vendor connection.
			return nil
		}
		w.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()
	return nil
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": h.backend.AvailableProviders(),
	})
}

// ListProviders handles GET /v1/providers
func (h *Handler) ListProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, h.backend.ListProviders())
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	models, err := h.backend.ListModels(c.QueryParam("provider"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, models)
}

// GetModel handles GET /v1/models/:model
func (h *Handler) GetModel(c echo.Context) error {
	provider, info, err := h.backend.GetModelInfo(c.Param("model"), c.QueryParam("provider"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":       c.Param("model"),
		"provider": provider,
		"info":     info,
	})
}

// UsageSummary handles GET /v1/usage. The optional since parameter is an
// RFC 3339 time or a duration such as 24h.
func (h *Handler) UsageSummary(c echo.Context) error {
	if h.usage == nil {
		return handleError(c, core.NewConfigurationError("usage tracking is disabled", nil))
	}

	q := usage.Query{Provider: c.QueryParam("provider")}
	if s := c.QueryParam("since"); s != "" {
		since, err := usage.ParseSince(s, time.Now())
		if err != nil {
			return handleError(c, core.NewValidationError("since", s, err.Error()))
		}
		q.Since = since
	}

	rows, err := h.usage.Summary(c.Request().Context(), q)
	if err != nil {
		slog.Error("usage summary failed", "error", err)
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": rows})
}

// errorBody renders err as the JSON error envelope.
func errorBody(err error) map[string]any {
	if e, ok := core.AsError(err); ok {
		return map[string]any{"error": e}
	}
	return map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	}
}

// handleError converts canonical errors to HTTP responses
func handleError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	if e, ok := core.AsError(err); ok {
		status = e.HTTPStatusCode()
	}
	return c.JSON(status, errorBody(err))
}
