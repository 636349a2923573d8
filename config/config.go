// Package config provides configuration management for the application.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"monollm/internal/core"
)

//go:embed default.yaml
var defaultCatalog []byte

// DefaultPath is read when no path and no MONOLLM_CONFIG are given.
const DefaultPath = "config.yaml"

// Config holds the application configuration
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Proxy     ProxyConfig      `yaml:"proxy"`
	Timeout   TimeoutConfig    `yaml:"timeout"`
	Retry     RetryConfig      `yaml:"retry"`
	Logging   LogConfig        `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Cache     CacheConfig      `yaml:"cache"`
	Usage     UsageConfig      `yaml:"usage"`
	Storage   StorageConfig    `yaml:"storage"`
	Server    ServerConfig     `yaml:"server"`
}

// ProviderConfig declares one provider and its model catalog.
type ProviderConfig struct {
	ID                 string            `yaml:"id"`
	Name               string            `yaml:"name"`
	Type               string            `yaml:"type"`
	BaseURL            string            `yaml:"base_url"`
	APIKey             string            `yaml:"api_key"`
	UsesOpenAIProtocol bool              `yaml:"uses_openai_protocol"`
	SupportsStreaming  bool              `yaml:"supports_streaming"`
	SupportsMCP        bool              `yaml:"supports_mcp"`
	StreamingOnly      bool              `yaml:"streaming_only"`
	Headers            map[string]string `yaml:"headers"`
	Models             []ModelConfig     `yaml:"models"`
}

// ModelConfig declares the capabilities of one model.
type ModelConfig struct {
	ID                  string `yaml:"id"`
	Name                string `yaml:"name"`
	MaxTokens           int    `yaml:"max_tokens"`
	SupportsTemperature bool   `yaml:"supports_temperature"`
	SupportsStreaming   bool   `yaml:"supports_streaming"`
	IsReasoningModel    bool   `yaml:"is_reasoning_model"`
	SupportsThinking    bool   `yaml:"supports_thinking"`
	StreamingOnly       bool   `yaml:"streaming_only"`
}

// ProxyConfig holds outbound proxy settings.
type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TimeoutConfig holds the timeout phases in seconds.
type TimeoutConfig struct {
	Connect int `yaml:"connect"`
	Read    int `yaml:"read"`
	Write   int `yaml:"write"`
}

// RetryConfig holds the retry policy. MaxBackoff is in seconds.
type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	Backoff       string  `yaml:"backoff"`
	MaxBackoff    int     `yaml:"max_backoff"`
	RetryOnStatus []int   `yaml:"retry_on_status"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is one of auto, text, json. Auto picks text on a terminal.
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// CacheConfig holds the response cache settings. An empty type disables it.
type CacheConfig struct {
	// Type is "", "memory" or "redis".
	Type string `yaml:"type"`
	// TTL in seconds.
	TTL   int         `yaml:"ttl"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// UsageConfig holds usage ledger settings.
type UsageConfig struct {
	Enabled bool `yaml:"enabled"`
	// BufferSize is the number of entries held before writes are dropped.
	BufferSize int `yaml:"buffer_size"`
	// FlushInterval in seconds.
	FlushInterval int `yaml:"flush_interval"`
	// RetentionDays deletes older entries. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// StorageConfig selects the usage ledger backend.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings.
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey, when set, is required as a bearer token on every API route.
	MasterKey string `yaml:"master_key"`
	// BodySizeLimit uses echo's size syntax, e.g. "10M".
	BodySizeLimit string `yaml:"body_size_limit"`
}

// buildDefaultConfig returns the settings used for anything the YAML omits.
func buildDefaultConfig() *Config {
	t := core.DefaultTimeoutConfig()
	r := core.DefaultRetryConfig()
	return &Config{
		Timeout: TimeoutConfig{
			Connect: int(t.Connect / time.Second),
			Read:    int(t.Read / time.Second),
			Write:   int(t.Write / time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:   r.MaxAttempts,
			BackoffFactor: r.BackoffFactor,
			Backoff:       r.Backoff,
			MaxBackoff:    int(r.MaxBackoff / time.Second),
			RetryOnStatus: r.RetryOnStatus,
		},
		Logging: LogConfig{Level: "info", Format: "auto"},
		Metrics: MetricsConfig{Endpoint: "/metrics"},
		Cache: CacheConfig{
			TTL:   300,
			Redis: RedisConfig{Key: "monollm:responses"},
		},
		Usage: UsageConfig{
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 90,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "data/monollm.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "monollm"},
		},
		Server: ServerConfig{Port: "8080", BodySizeLimit: "10M"},
	}
}

// Load reads configuration from path, or from MONOLLM_CONFIG, or from
// config.yaml. When no file is named and none exists, the built-in provider
// catalog is used. A .env file in the working directory is loaded first and
// never overrides variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	explicit := path != ""
	if path == "" {
		path = os.Getenv("MONOLLM_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		slog.Debug("loaded config file", "path", path)
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		raw = defaultCatalog
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(raw)
}

// Parse builds a Config from YAML, expanding ${VAR} and ${VAR:-default}
// placeholders and applying environment overrides.
func Parse(raw []byte) (*Config, error) {
	cfg := buildDefaultConfig()
	if err := yaml.Unmarshal([]byte(expandString(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyProviderDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in provider catalog with environment overrides.
func Default() (*Config, error) {
	return Parse(defaultCatalog)
}

// applyProviderDefaults fills display names and the adapter type from ids.
func applyProviderDefaults(cfg *Config) {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.Type == "" {
			p.Type = p.ID
		}
		for j := range p.Models {
			if p.Models[j].Name == "" {
				p.Models[j].Name = p.Models[j].ID
			}
		}
	}
}

// Provider returns the provider declared with id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// CoreProxy converts the proxy section.
func (c *Config) CoreProxy() core.ProxyConfig {
	return core.ProxyConfig(c.Proxy)
}

// CoreTimeout converts the timeout section to durations.
func (c *Config) CoreTimeout() core.TimeoutConfig {
	return core.TimeoutConfig{
		Connect: time.Duration(c.Timeout.Connect) * time.Second,
		Read:    time.Duration(c.Timeout.Read) * time.Second,
		Write:   time.Duration(c.Timeout.Write) * time.Second,
	}
}

// CoreRetry converts the retry section.
func (c *Config) CoreRetry() core.RetryConfig {
	return core.RetryConfig{
		MaxAttempts:   c.Retry.MaxAttempts,
		BackoffFactor: c.Retry.BackoffFactor,
		Backoff:       c.Retry.Backoff,
		MaxBackoff:    time.Duration(c.Retry.MaxBackoff) * time.Second,
		RetryOnStatus: append([]int(nil), c.Retry.RetryOnStatus...),
	}
}

// Info converts a model declaration to its capability record.
func (m ModelConfig) Info() core.ModelInfo {
	return core.ModelInfo{
		Name:                m.Name,
		MaxTokens:           m.MaxTokens,
		SupportsTemperature: m.SupportsTemperature,
		SupportsStreaming:   m.SupportsStreaming,
		IsReasoningModel:    m.IsReasoningModel,
		SupportsThinking:    m.SupportsThinking,
	}
}

// Info converts a provider declaration to its capability record.
func (p ProviderConfig) Info() core.ProviderInfo {
	models := make(map[string]core.ModelInfo, len(p.Models))
	for _, m := range p.Models {
		models[m.ID] = m.Info()
	}
	return core.ProviderInfo{
		Name:               p.Name,
		BaseURL:            p.BaseURL,
		UsesOpenAIProtocol: p.UsesOpenAIProtocol,
		SupportsStreaming:  p.SupportsStreaming,
		SupportsMCP:        p.SupportsMCP,
		Models:             models,
	}
}
