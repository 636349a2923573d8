package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// expandString replaces ${VAR} and ${VAR:-default} placeholders with
// environment values. A placeholder without a default whose variable is
// unset or empty is left untouched.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		end += start

		b.WriteString(s[:start])
		expr := s[start+2 : end]
		name, def, hasDefault := strings.Cut(expr, ":-")
		switch val := os.Getenv(name); {
		case val != "":
			b.WriteString(val)
		case hasDefault:
			b.WriteString(def)
		default:
			b.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
}

// providerEnv maps well-known provider ids to the variables that fill an
// empty api_key or override the base URL.
var providerEnv = []struct {
	id         string
	apiKeyEnvs []string
	baseURLEnv string
}{
	{"openai", []string{"OPENAI_API_KEY"}, "OPENAI_BASE_URL"},
	{"anthropic", []string{"ANTHROPIC_API_KEY"}, "ANTHROPIC_BASE_URL"},
	{"google", []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"}, "GEMINI_BASE_URL"},
	{"qwen", []string{"DASHSCOPE_API_KEY", "QWEN_API_KEY"}, "QWEN_BASE_URL"},
	{"deepseek", []string{"DEEPSEEK_API_KEY"}, "DEEPSEEK_BASE_URL"},
	{"volcengine", []string{"ARK_API_KEY", "VOLCENGINE_API_KEY"}, "VOLCENGINE_BASE_URL"},
	{"groq", []string{"GROQ_API_KEY"}, "GROQ_BASE_URL"},
	{"xai", []string{"XAI_API_KEY"}, "XAI_BASE_URL"},
	{"ollama", nil, "OLLAMA_BASE_URL"},
}

// applyEnvOverrides overlays well-known environment variables.
func applyEnvOverrides(cfg *Config) error {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		for _, pe := range providerEnv {
			if pe.id != p.ID {
				continue
			}
			if p.APIKey == "" || strings.Contains(p.APIKey, "${") {
				for _, key := range pe.apiKeyEnvs {
					if v := os.Getenv(key); v != "" {
						p.APIKey = v
						break
					}
				}
			}
			if v := os.Getenv(pe.baseURLEnv); v != "" {
				p.BaseURL = v
			}
		}
	}

	overrideString(&cfg.Server.Port, "PORT")
	overrideString(&cfg.Server.MasterKey, "MONOLLM_MASTER_KEY")
	overrideString(&cfg.Logging.Level, "LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "LOG_FORMAT")
	overrideString(&cfg.Metrics.Endpoint, "METRICS_ENDPOINT")
	overrideString(&cfg.Cache.Type, "CACHE_TYPE")
	overrideString(&cfg.Cache.Redis.URL, "REDIS_URL")
	overrideString(&cfg.Cache.Redis.Key, "REDIS_KEY")
	overrideString(&cfg.Storage.Type, "STORAGE_TYPE")
	overrideString(&cfg.Storage.SQLite.Path, "SQLITE_PATH")
	overrideString(&cfg.Storage.PostgreSQL.URL, "POSTGRES_URL")
	overrideString(&cfg.Storage.MongoDB.URL, "MONGODB_URL")
	overrideString(&cfg.Storage.MongoDB.Database, "MONGODB_DATABASE")
	overrideString(&cfg.Proxy.Type, "PROXY_TYPE")
	overrideString(&cfg.Proxy.Host, "PROXY_HOST")
	overrideString(&cfg.Proxy.Username, "PROXY_USERNAME")
	overrideString(&cfg.Proxy.Password, "PROXY_PASSWORD")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Storage.PostgreSQL.MaxConns, "POSTGRES_MAX_CONNS"},
		{&cfg.Cache.TTL, "CACHE_TTL"},
		{&cfg.Proxy.Port, "PROXY_PORT"},
		{&cfg.Timeout.Connect, "CONNECT_TIMEOUT"},
		{&cfg.Timeout.Read, "READ_TIMEOUT"},
		{&cfg.Timeout.Write, "WRITE_TIMEOUT"},
		{&cfg.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS"},
		{&cfg.Usage.RetentionDays, "USAGE_RETENTION_DAYS"},
	}
	for _, o := range ints {
		if err := overrideInt(o.dst, o.key); err != nil {
			return err
		}
	}

	bools := []struct {
		dst *bool
		key string
	}{
		{&cfg.Metrics.Enabled, "METRICS_ENABLED"},
		{&cfg.Usage.Enabled, "USAGE_ENABLED"},
		{&cfg.Proxy.Enabled, "PROXY_ENABLED"},
	}
	for _, o := range bools {
		if err := overrideBool(o.dst, o.key); err != nil {
			return err
		}
	}
	return nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func overrideBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q is not a boolean", key, v)
	}
	*dst = b
	return nil
}
