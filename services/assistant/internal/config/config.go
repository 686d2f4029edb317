package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const (
	// terminalWriteSeconds matches the bound on an extraction's status write.
	terminalWriteSeconds = 10

	// writeTimeoutMarginSeconds covers the store round trips around a chat
	// model call.
	writeTimeoutMarginSeconds = 30
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	DispatcherLocal = "local"
	DispatcherRedis = "redis"
)

// CompletionConfig selects the language-model backend.
type CompletionConfig struct {
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"baseURL"`
	APIKey         string `yaml:"apiKey"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string           `yaml:"port"`
	LogLevel                  string           `yaml:"logLevel"`
	LogsDir                   string           `yaml:"logsDir"`
	Store                     string           `yaml:"store"`
	DatabaseURL               string           `yaml:"databaseURL"`
	Dispatcher                string           `yaml:"dispatcher"`
	RedisAddr                 string           `yaml:"redisAddr"`
	RedisPassword             string           `yaml:"redisPassword"`
	QueueName                 string           `yaml:"queueName"`
	QueueGroup                string           `yaml:"queueGroup"`
	WorkerConcurrency         int              `yaml:"workerConcurrency"`
	QueueMaxRetries           int              `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds    int              `yaml:"queueRetryDelaySeconds"`
	QueueClaimIdleSeconds     int              `yaml:"queueClaimIdleSeconds"`
	Completion                CompletionConfig `yaml:"completion"`
	ExtractionMaxTokens       int              `yaml:"extractionMaxTokens"`
	ExtractionTemperature     *float64         `yaml:"extractionTemperature"`
	ExtractionTimeoutSeconds  int              `yaml:"extractionTimeoutSeconds"`
	ChatMaxTokens             int              `yaml:"chatMaxTokens"`
	ChatTimeoutSeconds        int              `yaml:"chatTimeoutSeconds"`
	MaxTextBytes              int              `yaml:"maxTextBytes"`
	JWTSecret                 string           `yaml:"jwtSecret"`
	AuthJWKSURL               string           `yaml:"authJwksURL"`
	JWTIssuer                 string           `yaml:"jwtIssuer"`
	JWTAudience               string           `yaml:"jwtAudience"`
	JWTLeeway                 string           `yaml:"jwtLeeway"`
	AuthCookieName            string           `yaml:"authCookieName"`
	CORSOrigins               []string         `yaml:"corsOrigins"`
	TrustedProxyCIDRs         []string         `yaml:"trustedProxyCidrs"`
	ChatRateLimitPerMinute    int              `yaml:"chatRateLimitPerMinute"`
	ExtractRateLimitPerMinute int              `yaml:"extractRateLimitPerMinute"`
	ShutdownTimeoutSeconds    int              `yaml:"shutdownTimeoutSeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("COMPLETION_PROVIDER"); v != "" {
		cfg.Completion.Provider = v
	}
	if v := os.Getenv("COMPLETION_BASE_URL"); v != "" {
		cfg.Completion.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Completion.APIKey = v
	}
	if v := os.Getenv("COMPLETION_API_KEY"); v != "" {
		cfg.Completion.APIKey = v
	}
	if v := os.Getenv("COMPLETION_MODEL"); v != "" {
		cfg.Completion.Model = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("ASSISTANT_DISPATCHER"); v != "" {
		cfg.Dispatcher = v
	}
	if v := os.Getenv("ASSISTANT_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("ASSISTANT_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("ASSISTANT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if cfg.Store == "" {
		cfg.Store = StorePostgres
	}
	cfg.Dispatcher = strings.ToLower(strings.TrimSpace(cfg.Dispatcher))
	if cfg.Dispatcher == "" {
		cfg.Dispatcher = DispatcherLocal
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = "gpt-3.5-turbo"
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "chatlinker:extractions"
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 2
	}
	if cfg.ExtractionTimeoutSeconds == 0 {
		cfg.ExtractionTimeoutSeconds = 120
	}
	if cfg.ChatTimeoutSeconds == 0 {
		cfg.ChatTimeoutSeconds = 60
	}
	if cfg.QueueClaimIdleSeconds == 0 {
		cfg.QueueClaimIdleSeconds = cfg.ExtractionTimeoutSeconds + terminalWriteSeconds + 20
	}
	if cfg.AuthCookieName == "" {
		cfg.AuthCookieName = "auth_token"
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 30
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for store=postgres (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown store %q (memory|postgres)", cfg.Store)
	}
	switch cfg.Dispatcher {
	case DispatcherLocal:
	case DispatcherRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for dispatcher=redis (set in config.yaml or REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("config: unknown dispatcher %q (local|redis)", cfg.Dispatcher)
	}
	secret := strings.TrimSpace(cfg.JWTSecret)
	jwks := strings.TrimSpace(cfg.AuthJWKSURL)
	if secret == "" && jwks == "" {
		return errors.New("config: jwtSecret or authJwksURL is required (set in config.yaml, JWT_SECRET or AUTH_JWKS_URL)")
	}
	if secret != "" && jwks != "" {
		return errors.New("config: set only one of jwtSecret or authJwksURL")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.ChatRateLimitPerMinute < 0 || cfg.ExtractRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if (cfg.ChatRateLimitPerMinute > 0 || cfg.ExtractRateLimitPerMinute > 0) && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting")
	}
	if cfg.ExtractionTemperature != nil && (*cfg.ExtractionTemperature < 0 || *cfg.ExtractionTemperature > 2) {
		return errors.New("config: extractionTemperature must be between 0 and 2")
	}
	if cfg.ExtractionMaxTokens < 0 || cfg.ChatMaxTokens < 0 || cfg.MaxTextBytes < 0 || cfg.ExtractionTimeoutSeconds < 0 || cfg.ChatTimeoutSeconds < 0 {
		return errors.New("config: extraction and chat limits must be >= 0")
	}
	if cfg.Dispatcher == DispatcherRedis && cfg.QueueClaimIdleSeconds <= cfg.ExtractionTimeoutSeconds+terminalWriteSeconds {
		return fmt.Errorf("config: queueClaimIdleSeconds must exceed extractionTimeoutSeconds + %d", terminalWriteSeconds)
	}
	return nil
}

// WriteTimeout bounds an HTTP response. It outlasts the chat model call so a
// slow turn still gets its reply written.
func (c FileConfig) WriteTimeout() time.Duration {
	return Seconds(c.ChatTimeoutSeconds + writeTimeoutMarginSeconds)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// Seconds converts a whole-second setting to a duration; zero stays zero.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
