// Package core provides the canonical types, errors and adapter contract.
package core

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrStreamAbandoned is the outcome of a stream closed by its consumer
// before the terminal event.
var ErrStreamAbandoned = errors.New("stream closed before completion")

// ErrorKind represents the kind of error that occurred
type ErrorKind string

const (
	// KindConfiguration: configuration unusable or provider has no live adapter
	KindConfiguration ErrorKind = "configuration_error"
	// KindValidation: option unsupported by the resolved model
	KindValidation ErrorKind = "validation_error"
	// KindModelNotFound: model id absent from the registry
	KindModelNotFound ErrorKind = "model_not_found"
	// KindProvider: vendor-side failure
	KindProvider ErrorKind = "provider_error"
	// KindRateLimit: vendor returned 429
	KindRateLimit ErrorKind = "rate_limit_error"
	// KindAuthentication: vendor rejected the credential
	KindAuthentication ErrorKind = "authentication_error"
	// KindQuotaExceeded: vendor quota or billing exhausted
	KindQuotaExceeded ErrorKind = "quota_exceeded_error"
	// KindConnection: transport-level failure independent of HTTP status
	KindConnection ErrorKind = "connection_error"
	// KindUnified: any other adapter failure
	KindUnified ErrorKind = "unified_error"
)

// Timeout phases carried by connection errors.
const (
	PhaseConnect = "connect"
	PhaseRead    = "read"
	PhaseWrite   = "write"
)

// Error is the canonical error type returned by every component.
type Error struct {
	Kind       ErrorKind      `json:"type"`
	Message    string         `json:"message"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Validation
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`
	// Model not found
	AvailableModels []string `json:"available_models,omitempty"`
	// Rate limit
	RetryAfter time.Duration `json:"-"`
	// Quota exceeded
	QuotaType string `json:"quota_type,omitempty"`
	// Connection
	Phase string `json:"phase,omitempty"`

	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Err
}

// IsProviderError reports whether e belongs to the provider error family.
func (e *Error) IsProviderError() bool {
	switch e.Kind {
	case KindProvider, KindRateLimit, KindAuthentication, KindQuotaExceeded:
		return true
	}
	return false
}

// HTTPStatusCode returns the status used when the error is served over HTTP.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindModelNotFound:
		return http.StatusNotFound
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindConfiguration:
		return http.StatusServiceUnavailable
	case KindConnection:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// WithModel tags the error with a model id and returns it.
func (e *Error) WithModel(model string) *Error {
	if e.Model == "" {
		e.Model = model
	}
	return e
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: err}
}

// NewValidationError creates a validation error naming the offending field.
func NewValidationError(field string, value any, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Field: field, Value: value, StatusCode: http.StatusBadRequest}
}

// NewModelNotFoundError creates a model-not-found error carrying the known catalog.
func NewModelNotFoundError(model, provider string, available []string) *Error {
	msg := fmt.Sprintf("Model '%s' not found in any provider", model)
	if provider != "" {
		msg = fmt.Sprintf("Model '%s' not found in provider '%s'", model, provider)
	}
	return &Error{
		Kind:            KindModelNotFound,
		Message:         msg,
		Provider:        provider,
		Model:           model,
		StatusCode:      http.StatusNotFound,
		AvailableModels: available,
	}
}

// NewProviderError creates a vendor-side failure.
func NewProviderError(provider string, statusCode int, message string, err error) *Error {
	return &Error{Kind: KindProvider, Message: message, Provider: provider, StatusCode: statusCode, Err: err}
}

// NewRateLimitError creates a rate limit error (429)
func NewRateLimitError(provider, message string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    message,
		Provider:   provider,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewAuthenticationError creates an authentication error (401)
func NewAuthenticationError(provider, message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Provider: provider, StatusCode: http.StatusUnauthorized}
}

// NewQuotaExceededError creates a quota error (402)
func NewQuotaExceededError(provider, message, quotaType string) *Error {
	return &Error{
		Kind:       KindQuotaExceeded,
		Message:    message,
		Provider:   provider,
		StatusCode: http.StatusPaymentRequired,
		QuotaType:  quotaType,
	}
}

// NewConnectionError creates a transport failure. phase is empty unless a timeout fired.
func NewConnectionError(provider, phase, message string, err error) *Error {
	return &Error{Kind: KindConnection, Message: message, Provider: provider, Phase: phase, Err: err}
}

// NewUnifiedError wraps an arbitrary adapter failure.
func NewUnifiedError(provider, model string, err error) *Error {
	return &Error{
		Kind:     KindUnified,
		Message:  "Unexpected error during generation: " + err.Error(),
		Provider: provider,
		Model:    model,
		Err:      err,
	}
}

// IsRetryable reports whether err is a transient failure under the given
// status set. Connection errors are always transient.
func IsRetryable(err error, statuses map[int]bool) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	if e.Kind == KindConnection {
		return true
	}
	return e.IsProviderError() && statuses[e.StatusCode]
}

// ErrorFromStatus maps a failed vendor HTTP response to a canonical error.
func ErrorFromStatus(provider string, statusCode int, body []byte, header http.Header) *Error {
	message, code := vendorMessage(body)
	if message == "" {
		message = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		err := NewAuthenticationError(provider, message)
		err.StatusCode = statusCode
		return err
	case statusCode == http.StatusPaymentRequired:
		return NewQuotaExceededError(provider, message, quotaType(code))
	case (statusCode == http.StatusTooManyRequests || statusCode == http.StatusBadRequest) && mentionsQuota(message, code):
		err := NewQuotaExceededError(provider, message, quotaType(code))
		err.StatusCode = statusCode
		return err
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(provider, message, ParseRetryAfter(header))
	default:
		return NewProviderError(provider, statusCode, message, nil)
	}
}

func vendorMessage(body []byte) (message, code string) {
	if len(body) == 0 {
		return "", ""
	}
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body)), ""
	}
	res := gjson.GetManyBytes(body, "error.message", "message", "error", "error.code", "error.type", "code")
	switch {
	case res[0].Exists():
		message = res[0].String()
	case res[1].Exists():
		message = res[1].String()
	case res[2].Type == gjson.String:
		message = res[2].String()
	default:
		message = strings.TrimSpace(string(body))
	}
	for _, r := range res[3:] {
		if r.Type == gjson.String && r.String() != "" {
			code = r.String()
			break
		}
	}
	return message, code
}

func mentionsQuota(message, code string) bool {
	s := strings.ToLower(message + " " + code)
	return strings.Contains(s, "quota") || strings.Contains(s, "insufficient") || strings.Contains(s, "billing")
}

func quotaType(code string) string {
	if code == "" {
		return "billing"
	}
	return code
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
