// Package llmclient provides a base HTTP client for LLM providers with:
// - Request marshaling/unmarshaling
// - Standardized error mapping (auth, quota, 429, 5xx, phase-tagged timeouts)
// - Circuit breaking
// - Observability hooks
//
// Retries are not performed here; callers wrap calls with package retry.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"monollm/internal/core"
	"monollm/internal/httpclient"
)

// Config holds configuration for the LLM client
type Config struct {
	// ProviderName identifies the provider for error messages
	ProviderName string

	// BaseURL is the API base URL
	BaseURL string

	// HTTP holds transport settings: pool sizes, timeout phases and proxy.
	HTTP httpclient.ClientConfig

	// Circuit breaker configuration
	CircuitBreaker *CircuitBreakerConfig

	// Hooks observe every request. Zero value disables observation.
	Hooks Hooks
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close an open circuit
	SuccessThreshold int
	// Timeout is how long to wait before attempting to close an open circuit
	Timeout time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig(providerName, baseURL string) Config {
	return Config{
		ProviderName: providerName,
		BaseURL:      baseURL,
		HTTP:         httpclient.DefaultConfig(),
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// HeaderSetter is a function that sets headers on an HTTP request
type HeaderSetter func(req *http.Request)

// Client is a base HTTP client for LLM providers
type Client struct {
	httpClient     *http.Client
	config         Config
	headerSetter   HeaderSetter
	circuitBreaker *circuitBreaker

	// derived clients own a one-off transport released after each call.
	derived bool
}

// New creates a new LLM client with the given configuration
func New(config Config, headerSetter HeaderSetter) (*Client, error) {
	hc, err := httpclient.NewHTTPClient(&config.HTTP)
	if err != nil {
		return nil, core.NewConfigurationError("invalid transport configuration for "+config.ProviderName, err)
	}
	return NewWithHTTPClient(hc, config, headerSetter), nil
}

// NewWithHTTPClient creates a new LLM client with a custom HTTP client
func NewWithHTTPClient(httpClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	c := &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}

	if config.CircuitBreaker != nil {
		c.circuitBreaker = newCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.SuccessThreshold,
			config.CircuitBreaker.Timeout,
		)
	}

	return c
}

// ForOptions returns a client honouring per-request proxy and timeout
// overrides. Without overrides c itself is returned. The derived client
// shares the circuit breaker and hooks of c.
func (c *Client) ForOptions(opts *core.RequestOptions) (*Client, error) {
	if opts == nil || (opts.Proxy == nil && opts.Timeout == nil) {
		return c, nil
	}
	cfg := c.config.HTTP
	if opts.Proxy != nil {
		cfg.Proxy = *opts.Proxy
	}
	if opts.Timeout != nil {
		cfg.Timeout = *opts.Timeout
	}
	hc, err := httpclient.NewHTTPClient(&cfg)
	if err != nil {
		return nil, core.NewConfigurationError("invalid per-request transport options", err)
	}
	dc := *c
	dc.httpClient = hc
	dc.config.HTTP = cfg
	dc.derived = true
	return &dc, nil
}

// SetBaseURL updates the base URL
func (c *Client) SetBaseURL(url string) {
	c.config.BaseURL = url
}

// BaseURL returns the current base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Provider returns the provider name used in errors.
func (c *Client) Provider() string {
	return c.config.ProviderName
}

// Close releases idle connections held by the transport.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Request represents an HTTP request to be made
type Request struct {
	Method   string
	Endpoint string
	Body     any // Will be JSON marshaled if not nil
	Headers  map[string]string
	// Model is reported to hooks only.
	Model string
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Do executes a request with circuit breaking, then unmarshals the response
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
		}
	}

	return nil
}

// DoRaw executes a single request with circuit breaking, returning the raw response
func (c *Client) DoRaw(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, finish := c.observe(ctx, req, false)
	if c.derived {
		defer c.Close()
	}
	defer func() {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		finish(status, err)
	}()

	if err := c.allow(); err != nil {
		return nil, err
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		c.recordStatus(httpResp.StatusCode)
		return nil, core.ErrorFromStatus(c.config.ProviderName, httpResp.StatusCode, body, httpResp.Header)
	}

	c.recordSuccess()
	return &Response{StatusCode: httpResp.StatusCode, Body: body, Header: httpResp.Header}, nil
}

// DoStream executes a streaming request, returning the response body. Read
// failures on the body surface as canonical connection errors.
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	ctx, finish := c.observe(ctx, req, true)
	fail := func(status int, err error) (io.ReadCloser, error) {
		finish(status, err)
		if c.derived {
			c.Close()
		}
		return nil, err
	}

	if err := c.allow(); err != nil {
		return fail(0, err)
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return fail(0, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fail(0, c.transportError(ctx, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			respBody = []byte("failed to read error response")
		}
		_ = resp.Body.Close()

		c.recordStatus(resp.StatusCode)
		return fail(resp.StatusCode, core.ErrorFromStatus(c.config.ProviderName, resp.StatusCode, respBody, resp.Header))
	}

	c.recordSuccess()
	finish(resp.StatusCode, nil)
	return &streamBody{body: resp.Body, ctx: ctx, client: c}, nil
}

// buildRequest creates an HTTP request from a Request
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	url := c.config.BaseURL + req.Endpoint

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewValidationError("body", nil, "failed to marshal request: "+err.Error())
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return nil, core.NewConfigurationError("failed to create request for "+c.config.ProviderName, err)
	}

	// Set default content type for requests with body
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Apply provider-specific headers
	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}

	// Apply request-specific headers
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

// transportError maps a failed round trip. Caller cancellation is returned
// as the context error so it is never mistaken for a vendor failure.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordFailure()
	}
	return httpclient.ClassifyError(c.config.ProviderName, err)
}

func (c *Client) allow() error {
	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return core.NewProviderError(c.config.ProviderName, http.StatusServiceUnavailable,
			"circuit breaker is open - provider temporarily unavailable", nil)
	}
	return nil
}

func (c *Client) recordStatus(status int) {
	if c.circuitBreaker == nil {
		return
	}
	// Only server errors and throttling count against the provider.
	if status >= 500 || status == http.StatusTooManyRequests {
		c.circuitBreaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
}

// streamBody maps read failures of a streaming body to canonical errors.
type streamBody struct {
	body   io.ReadCloser
	ctx    context.Context
	client *Client
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctxErr := b.ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		if _, ok := core.AsError(err); !ok {
			err = httpclient.ClassifyError(b.client.config.ProviderName, err)
		}
	}
	return n, err
}

func (b *streamBody) Close() error {
	err := b.body.Close()
	if b.client.derived {
		b.client.Close()
	}
	return err
}
