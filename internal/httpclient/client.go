// Package httpclient builds the HTTP clients adapters use to reach vendors.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"monollm/internal/core"
)

// ClientConfig holds configuration options for creating HTTP clients
type ClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections to keep per-host
	MaxIdleConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive) connection will remain idle before closing itself
	IdleConnTimeout time.Duration

	// KeepAlive specifies the interval between keep-alive messages for an active network connection
	KeepAlive time.Duration

	// Timeout holds the connect, read and write phases. Connect bounds dialing
	// and the TLS handshake, Write bounds each write of the request, and Read
	// bounds the wait for response headers and every read of the body.
	Timeout core.TimeoutConfig

	// Proxy routes vendor traffic through an http, https or socks5 proxy.
	Proxy core.ProxyConfig
}

// getEnvDuration reads a duration from an environment variable, returning the default if not set or invalid.
// Accepts either plain integers (interpreted as seconds) or Go duration strings (e.g., "10m", "1h30m").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultVal
}

// DefaultConfig returns a ClientConfig with connect 30s, read 60s and write 60s.
// The phases can be overridden via environment variables (seconds or Go duration format):
//   - HTTP_CONNECT_TIMEOUT
//   - HTTP_READ_TIMEOUT
//   - HTTP_WRITE_TIMEOUT
func DefaultConfig() ClientConfig {
	t := core.DefaultTimeoutConfig()
	return ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		KeepAlive:           30 * time.Second,
		Timeout: core.TimeoutConfig{
			Connect: getEnvDuration("HTTP_CONNECT_TIMEOUT", t.Connect),
			Read:    getEnvDuration("HTTP_READ_TIMEOUT", t.Read),
			Write:   getEnvDuration("HTTP_WRITE_TIMEOUT", t.Write),
		},
	}
}

// NewHTTPClient creates a new HTTP client with the provided configuration.
// If config is nil, DefaultConfig() is used. The client has no overall
// timeout: streams may run for as long as data keeps arriving within the
// read phase.
func NewHTTPClient(config *ClientConfig) (*http.Client, error) {
	if config == nil {
		cfg := DefaultConfig()
		config = &cfg
	}

	dialer := &net.Dialer{
		Timeout:   config.Timeout.Connect,
		KeepAlive: config.KeepAlive,
	}
	dial := dialer.DialContext

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.Timeout.Connect,
		ResponseHeaderTimeout: config.Timeout.Read,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	proxyURL, err := config.Proxy.URL()
	if err != nil {
		return nil, fmt.Errorf("invalid proxy configuration: %w", err)
	}
	if proxyURL != nil {
		switch proxyURL.Scheme {
		case core.ProxySOCKS5:
			var auth *proxy.Auth
			if config.Proxy.Username != "" {
				auth = &proxy.Auth{User: config.Proxy.Username, Password: config.Proxy.Password}
			}
			socks, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, dialer)
			if err != nil {
				return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
			}
			cd, ok := socks.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 dialer does not support contexts")
			}
			dial = cd.DialContext
			transport.Proxy = nil
		default:
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	transport.DialContext = phaseDialer(dial, config.Timeout)

	return &http.Client{
		Transport: &decompressTransport{next: transport},
	}, nil
}

// NewDefaultHTTPClient creates a new HTTP client with default configuration.
func NewDefaultHTTPClient() *http.Client {
	c, err := NewHTTPClient(nil)
	if err != nil {
		// The default configuration has no proxy and cannot fail.
		panic(err)
	}
	return c
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func phaseDialer(dial dialFunc, t core.TimeoutConfig) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			if isTimeout(err) {
				return nil, &TimeoutError{Phase: core.PhaseConnect, Err: err}
			}
			return nil, err
		}
		return &deadlineConn{Conn: conn, read: t.Read, write: t.Write}, nil
	}
}
