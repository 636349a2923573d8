package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monollm/internal/core"
)

// clearProviderEnv unsets every variable that could leak a real key into a test.
func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, pe := range providerEnv {
		for _, k := range pe.apiKeyEnvs {
			t.Setenv(k, "")
		}
		t.Setenv(pe.baseURLEnv, "")
	}
	t.Setenv("MONOLLM_CONFIG", "")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultCatalog(t *testing.T) {
	clearProviderEnv(t)

	cfg, err := Default()
	require.NoError(t, err)

	ids := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"openai", "anthropic", "google", "qwen", "deepseek", "volcengine", "ollama"}, ids)

	qwen, ok := cfg.Provider("qwen")
	require.True(t, ok)
	assert.Equal(t, "openai", qwen.Type)
	assert.Empty(t, qwen.APIKey)

	var qwq ModelConfig
	for _, m := range qwen.Models {
		if m.ID == "qwq-32b" {
			qwq = m
		}
	}
	assert.True(t, qwq.StreamingOnly)
	assert.True(t, qwq.SupportsThinking)

	assert.Equal(t, core.DefaultTimeoutConfig(), cfg.CoreTimeout())
	assert.Equal(t, core.DefaultRetryConfig(), cfg.CoreRetry())
	assert.False(t, cfg.Proxy.Enabled)
}

func TestDefaultCatalog_APIKeyFromEnv(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("DASHSCOPE_API_KEY", "sk-qwen")
	t.Setenv("GEMINI_API_KEY", "g-key")

	cfg, err := Default()
	require.NoError(t, err)

	qwen, _ := cfg.Provider("qwen")
	assert.Equal(t, "sk-qwen", qwen.APIKey)

	google, _ := cfg.Provider("google")
	assert.Equal(t, "g-key", google.APIKey, "alias variable fills an empty key")
}

func TestLoad_FileWithDefaultsAndExpansion(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("TEST_KEY_DEFAULTS", "")
	t.Setenv("TEST_PORT_DEFAULTS", "")

	path := writeConfig(t, `
server:
  port: "${TEST_PORT_DEFAULTS:-9999}"
providers:
  - id: openai-primary
    type: openai
    api_key: "${TEST_KEY_DEFAULTS:-default-key}"
    models:
      - id: gpt-4o
        supports_temperature: true
timeout:
  read: 120
retry:
  backoff: exponential
  backoff_factor: 0.5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	require.Len(t, cfg.Providers, 1)
	p := cfg.Providers[0]
	assert.Equal(t, "default-key", p.APIKey)
	assert.Equal(t, "openai-primary", p.Name, "name defaults to id")
	assert.Equal(t, "gpt-4o", p.Models[0].Name)

	assert.Equal(t, 120*time.Second, cfg.CoreTimeout().Read)
	assert.Equal(t, 30*time.Second, cfg.CoreTimeout().Connect, "omitted values keep defaults")
	assert.Equal(t, core.BackoffExponential, cfg.CoreRetry().Backoff)
	assert.Equal(t, 3, cfg.CoreRetry().MaxAttempts)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("TEST_PORT_DEFAULTS", "1111")

	path := writeConfig(t, `
server:
  port: "${TEST_PORT_DEFAULTS:-9999}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1111", cfg.Server.Port)
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_FromEnvironmentPath(t *testing.T) {
	clearProviderEnv(t)
	path := writeConfig(t, `
providers:
  - id: local
    type: ollama
    base_url: http://localhost:11434
`)
	t.Setenv("MONOLLM_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "local", cfg.Providers[0].ID)
}

func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "PORT override",
			envVars: map[string]string{"PORT": "3000"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "3000", cfg.Server.Port)
			},
		},
		{
			name:    "storage overrides",
			envVars: map[string]string{"STORAGE_TYPE": "postgresql", "POSTGRES_URL": "postgres://localhost/test", "POSTGRES_MAX_CONNS": "20"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgresql", cfg.Storage.Type)
				assert.Equal(t, "postgres://localhost/test", cfg.Storage.PostgreSQL.URL)
				assert.Equal(t, 20, cfg.Storage.PostgreSQL.MaxConns)
			},
		},
		{
			name:    "bool overrides",
			envVars: map[string]string{"METRICS_ENABLED": "true", "USAGE_ENABLED": "1", "PROXY_ENABLED": "false"},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Metrics.Enabled)
				assert.True(t, cfg.Usage.Enabled)
				assert.False(t, cfg.Proxy.Enabled)
			},
		},
		{
			name:    "timeout overrides",
			envVars: map[string]string{"READ_TIMEOUT": "90", "CONNECT_TIMEOUT": "5"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 90, cfg.Timeout.Read)
				assert.Equal(t, 5, cfg.Timeout.Connect)
			},
		},
		{
			name:    "no env vars set preserves defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "8080", cfg.Server.Port)
				assert.Equal(t, 60, cfg.Timeout.Read)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	t.Setenv("POSTGRES_MAX_CONNS", "many")
	assert.Error(t, applyEnvOverrides(buildDefaultConfig()))

	t.Setenv("POSTGRES_MAX_CONNS", "")
	t.Setenv("METRICS_ENABLED", "perhaps")
	assert.Error(t, applyEnvOverrides(buildDefaultConfig()))
}

func TestApplyEnvOverrides_ProviderKeys(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OLLAMA_BASE_URL", "http://gpu-box:11434")

	cfg := buildDefaultConfig()
	cfg.Providers = []ProviderConfig{
		{ID: "openai", Type: "openai"},
		{ID: "openai-yaml", Type: "openai", APIKey: "sk-yaml"},
		{ID: "ollama", Type: "ollama", BaseURL: "http://localhost:11434"},
	}
	require.NoError(t, applyEnvOverrides(cfg))

	assert.Equal(t, "sk-env", cfg.Providers[0].APIKey)
	assert.Equal(t, "sk-yaml", cfg.Providers[1].APIKey, "unrelated ids are untouched")
	assert.Equal(t, "http://gpu-box:11434", cfg.Providers[2].BaseURL)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := buildDefaultConfig()
		cfg.Providers = []ProviderConfig{{ID: "openai", Type: "openai", Models: []ModelConfig{{ID: "gpt-4o"}}}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{"valid", func(cfg *Config) {}, ""},
		{"duplicate provider", func(cfg *Config) {
			cfg.Providers = append(cfg.Providers, ProviderConfig{ID: "openai", Type: "openai"})
		}, "declared more than once"},
		{"duplicate model", func(cfg *Config) {
			cfg.Providers[0].Models = append(cfg.Providers[0].Models, ModelConfig{ID: "gpt-4o"})
		}, `model "gpt-4o" is declared more than once`},
		{"unknown type", func(cfg *Config) { cfg.Providers[0].Type = "cohere" }, "unknown type"},
		{"bad proxy", func(cfg *Config) {
			cfg.Proxy = ProxyConfig{Enabled: true, Type: "ftp", Host: "h", Port: 1}
		}, "proxy"},
		{"zero timeout", func(cfg *Config) { cfg.Timeout.Read = 0 }, "timeout"},
		{"bad backoff", func(cfg *Config) { cfg.Retry.Backoff = "fibonacci" }, "unknown backoff"},
		{"bad status", func(cfg *Config) { cfg.Retry.RetryOnStatus = []int{429, 700} }, "invalid status 700"},
		{"redis without url", func(cfg *Config) { cfg.Cache.Type = "redis" }, "redis.url"},
		{"unknown storage", func(cfg *Config) {
			cfg.Usage.Enabled = true
			cfg.Storage.Type = "cassandra"
		}, "storage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProviderConfigInfo(t *testing.T) {
	p := ProviderConfig{
		ID:                 "qwen",
		Name:               "Alibaba Qwen",
		BaseURL:            "https://dashscope",
		UsesOpenAIProtocol: true,
		SupportsStreaming:  true,
		Models: []ModelConfig{
			{ID: "qwq-32b", Name: "QwQ", MaxTokens: 8192, SupportsThinking: true, IsReasoningModel: true},
		},
	}

	info := p.Info()
	assert.Equal(t, "Alibaba Qwen", info.Name)
	assert.True(t, info.UsesOpenAIProtocol)
	assert.Equal(t, core.ModelInfo{Name: "QwQ", MaxTokens: 8192, SupportsThinking: true, IsReasoningModel: true}, info.Models["qwq-32b"])
}
