package core

import (
	"fmt"
	"maps"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single conversation turn.
type Message struct {
	Role     Role           `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewUserMessage wraps bare text as a single user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// ModelInfo is the static capability declaration of a model.
type ModelInfo struct {
	Name                string `json:"name"`
	MaxTokens           int    `json:"max_tokens"`
	SupportsTemperature bool   `json:"supports_temperature"`
	SupportsStreaming   bool   `json:"supports_streaming"`
	IsReasoningModel    bool   `json:"is_reasoning_model"`
	SupportsThinking    bool   `json:"supports_thinking"`
}

// ProviderInfo is the static declaration of a provider and its models.
type ProviderInfo struct {
	Name               string               `json:"name"`
	BaseURL            string               `json:"base_url"`
	UsesOpenAIProtocol bool                 `json:"uses_openai_protocol"`
	SupportsStreaming  bool                 `json:"supports_streaming"`
	SupportsMCP        bool                 `json:"supports_mcp"`
	Models             map[string]ModelInfo `json:"models"`
}

// ProxyConfig describes an outbound proxy for vendor calls.
type ProxyConfig struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// Proxy schemes accepted by ProxyConfig.
const (
	ProxyHTTP   = "http"
	ProxyHTTPS  = "https"
	ProxySOCKS5 = "socks5"
)

// URL returns the proxy as a URL, or nil when the proxy is disabled.
func (p ProxyConfig) URL() (*url.URL, error) {
	if !p.Enabled {
		return nil, nil
	}
	switch p.Type {
	case ProxyHTTP, ProxyHTTPS, ProxySOCKS5:
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", p.Type)
	}
	if p.Host == "" || p.Port <= 0 {
		return nil, fmt.Errorf("proxy host and port are required")
	}
	u := &url.URL{
		Scheme: p.Type,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// TimeoutConfig holds the three independent timeout phases.
type TimeoutConfig struct {
	Connect time.Duration `json:"connect"`
	Read    time.Duration `json:"read"`
	Write   time.Duration `json:"write"`
}

// DefaultTimeoutConfig returns connect 30s, read 60s, write 60s.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Connect: 30 * time.Second,
		Read:    60 * time.Second,
		Write:   60 * time.Second,
	}
}

// Backoff curve names accepted by RetryConfig.
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryConfig controls how transient vendor failures are retried.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`
	BackoffFactor float64       `json:"backoff_factor"`
	Backoff       string        `json:"backoff"`
	MaxBackoff    time.Duration `json:"max_backoff"`
	RetryOnStatus []int         `json:"retry_on_status"`
}

// DefaultRetryConfig returns 3 attempts, linear backoff with factor 1.0,
// retrying on 429, 500, 502, 503 and 504.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BackoffFactor: 1.0,
		Backoff:       BackoffLinear,
		MaxBackoff:    30 * time.Second,
		RetryOnStatus: []int{429, 500, 502, 503, 504},
	}
}

// RequestOptions are the per-call generation options.
type RequestOptions struct {
	Model        string         `json:"model"`
	Provider     string         `json:"provider,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    *int           `json:"max_tokens,omitempty"`
	Stream       bool           `json:"stream,omitempty"`
	ShowThinking bool           `json:"show_thinking,omitempty"`
	Proxy        *ProxyConfig   `json:"-"`
	Timeout      *TimeoutConfig `json:"-"`
	Retry        *RetryConfig   `json:"-"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RequestIDMetadataKey is the options metadata key carrying the request id.
const RequestIDMetadataKey = "request_id"

// Validate checks option ranges that do not depend on the resolved model.
func (o *RequestOptions) Validate() error {
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return NewValidationError("temperature", *o.Temperature, "temperature must be between 0.0 and 2.0")
	}
	if o.MaxTokens != nil && *o.MaxTokens <= 0 {
		return NewValidationError("max_tokens", *o.MaxTokens, "max_tokens must be a positive integer")
	}
	return nil
}

// Clone returns a copy that owns its metadata map.
func (o RequestOptions) Clone() *RequestOptions {
	c := o
	if o.Metadata != nil {
		c.Metadata = maps.Clone(o.Metadata)
	}
	return &c
}

// RequestID returns the request id stored in the metadata, if any.
func (o *RequestOptions) RequestID() string {
	if o == nil || o.Metadata == nil {
		return ""
	}
	id, _ := o.Metadata[RequestIDMetadataKey].(string)
	return id
}

// LLMResponse is the canonical generation result.
type LLMResponse struct {
	Content   string         `json:"content"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Usage     *Usage         `json:"usage,omitempty"`
	Thinking  *string        `json:"thinking,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	RequestID string         `json:"request_id,omitempty"`
}

// StreamEvent is one element of a canonical stream.
type StreamEvent struct {
	Content    string         `json:"content"`
	Thinking   string         `json:"thinking,omitempty"`
	IsTerminal bool           `json:"is_terminal,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UsageMetadataKey is the reserved terminal-event metadata key for usage.
const UsageMetadataKey = "usage"

// TerminalEvent builds the final event of a stream, attaching usage when known.
func TerminalEvent(usage *Usage, metadata map[string]any) StreamEvent {
	if usage != nil {
		if metadata == nil {
			metadata = make(map[string]any, 1)
		}
		metadata[UsageMetadataKey] = *usage
	}
	return StreamEvent{IsTerminal: true, Metadata: metadata}
}
