package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
port: "8080"
store: memory
jwtSecret: "dev-secret"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Dispatcher != DispatcherLocal {
		t.Fatalf("dispatcher = %q, want local", cfg.Dispatcher)
	}
	if cfg.Completion.Model != "gpt-3.5-turbo" {
		t.Fatalf("model = %q", cfg.Completion.Model)
	}
	if cfg.AuthCookieName != "auth_token" {
		t.Fatalf("cookie name = %q", cfg.AuthCookieName)
	}
	if cfg.ExtractionTemperature != nil {
		t.Fatalf("temperature should stay unset, got %v", *cfg.ExtractionTemperature)
	}
	if cfg.ExtractionTimeoutSeconds != 120 || cfg.ChatTimeoutSeconds != 60 {
		t.Fatalf("timeouts = %d/%d, want 120/60", cfg.ExtractionTimeoutSeconds, cfg.ChatTimeoutSeconds)
	}
	if cfg.QueueClaimIdleSeconds != 150 {
		t.Fatalf("queueClaimIdleSeconds = %d, want 150", cfg.QueueClaimIdleSeconds)
	}
	if cfg.WriteTimeout() != 90*time.Second {
		t.Fatalf("write timeout = %s, want 90s", cfg.WriteTimeout())
	}
}

func TestLoadDerivesTimeoutsFromChatAndExtraction(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
port: "8080"
store: memory
dispatcher: redis
redisAddr: "localhost:6379"
jwtSecret: "dev-secret"
extractionTimeoutSeconds: 600
chatTimeoutSeconds: 300
chatMaxTokens: 512
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.QueueClaimIdleSeconds <= cfg.ExtractionTimeoutSeconds+terminalWriteSeconds {
		t.Fatalf("queueClaimIdleSeconds = %d does not outlast a 600s extraction", cfg.QueueClaimIdleSeconds)
	}
	if cfg.WriteTimeout() <= Seconds(cfg.ChatTimeoutSeconds) {
		t.Fatalf("write timeout %s does not outlast a 300s chat turn", cfg.WriteTimeout())
	}
	if cfg.ChatMaxTokens != 512 {
		t.Fatalf("chatMaxTokens = %d, want 512", cfg.ChatMaxTokens)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("COMPLETION_PROVIDER", "ollama")
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("COMPLETION_API_KEY", "completion-key")
	t.Setenv("COMPLETION_MODEL", "llama3")
	t.Setenv("ASSISTANT_DISPATCHER", "redis")
	t.Setenv("ASSISTANT_WORKER_CONCURRENCY", "6")
	t.Setenv("ASSISTANT_CORS_ORIGINS", "http://localhost:5173, https://ai.chatlinker.cloud")

	cfg, err := Load(writeConfig(t, `
port: "8080"
databaseURL: "postgres://file/db"
jwtSecret: "dev-secret"
extractionTemperature: 0
completion:
  provider: openai
  model: gpt-4o-mini
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Fatalf("databaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.Store != StorePostgres || cfg.Dispatcher != DispatcherRedis {
		t.Fatalf("store/dispatcher = %q/%q", cfg.Store, cfg.Dispatcher)
	}
	if cfg.Completion.Provider != "ollama" || cfg.Completion.Model != "llama3" {
		t.Fatalf("completion = %+v", cfg.Completion)
	}
	if cfg.Completion.APIKey != "completion-key" {
		t.Fatalf("apiKey = %q, want COMPLETION_API_KEY to win", cfg.Completion.APIKey)
	}
	if cfg.WorkerConcurrency != 6 {
		t.Fatalf("workerConcurrency = %d, want 6", cfg.WorkerConcurrency)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://ai.chatlinker.cloud" {
		t.Fatalf("corsOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.ExtractionTemperature == nil || *cfg.ExtractionTemperature != 0 {
		t.Fatalf("explicit zero temperature was lost")
	}
}

func TestValidateConfigRejectsInvalidSettings(t *testing.T) {
	base := FileConfig{
		Port:       "8080",
		Store:      StoreMemory,
		Dispatcher: DispatcherLocal,
		JWTSecret:  "secret",
	}
	if err := validateConfig(base); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*FileConfig)
		want   string
	}{
		{"missing port", func(c *FileConfig) { c.Port = "" }, "port"},
		{"postgres without url", func(c *FileConfig) { c.Store = StorePostgres }, "databaseURL"},
		{"unknown store", func(c *FileConfig) { c.Store = "sqlite" }, "unknown store"},
		{"redis without addr", func(c *FileConfig) { c.Dispatcher = DispatcherRedis }, "redisAddr"},
		{"no token config", func(c *FileConfig) { c.JWTSecret = "" }, "jwtSecret"},
		{"both token configs", func(c *FileConfig) { c.AuthJWKSURL = "http://auth/jwks.json" }, "only one"},
		{"bad leeway", func(c *FileConfig) { c.JWTLeeway = "soon" }, "jwtLeeway"},
		{"rate limit without redis", func(c *FileConfig) { c.ChatRateLimitPerMinute = 10 }, "rate limiting"},
		{"negative rate limit", func(c *FileConfig) { c.ExtractRateLimitPerMinute = -1 }, "rate limits"},
		{"negative chat max tokens", func(c *FileConfig) { c.ChatMaxTokens = -1 }, "limits"},
		{"claim idle shorter than extraction", func(c *FileConfig) {
			c.Dispatcher = DispatcherRedis
			c.RedisAddr = "localhost:6379"
			c.ExtractionTimeoutSeconds = 120
			c.QueueClaimIdleSeconds = 30
		}, "queueClaimIdleSeconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := validateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
