// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The gateway is a control plane over customer-supplied provider keys, so no
// upstream LLM keys are configured here. The only first-party key is
// EMBEDDING_API_KEY, which the semantic cache uses for prompt vectors.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// MasterSecret derives the AES key that encrypts customer provider keys
	// at rest. Required; rotating it invalidates every stored key.
	MasterSecret string

	// CronSecret authenticates scheduled jobs (cost alert sweeps). Required.
	CronSecret string

	// DatabaseURL is the Postgres DSN for control-plane state. Required.
	DatabaseURL string

	// RedisURL backs rate limiting and quota counters. Required.
	RedisURL string

	// ClickHouseURL is the telemetry sink DSN. Optional: when empty the
	// gateway runs without analytics.
	ClickHouseURL string

	// Embedding configures the semantic cache's embedder.
	Embedding EmbeddingConfig

	// CircuitBreaker controls per-provider-key circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Providers holds base URL overrides for upstream providers, useful for
	// local mocks. Keys are provider names (openai, anthropic, groq,
	// openrouter).
	Providers ProvidersConfig

	// ReplayDelay paces synthetic SSE chunks when a cached completion is
	// replayed to a streaming client. Default: 0 (no pacing).
	ReplayDelay time.Duration

	// SweepInterval is how often expired cache entries are collected.
	// Default: 60s.
	SweepInterval time.Duration

	// CORSOrigins is the list of allowed CORS origins. Use ["*"] to allow
	// any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute dashboard URLs in responses.
	AppBaseURL string
}

// EmbeddingConfig configures the prompt embedder.
type EmbeddingConfig struct {
	// APIKey is the gateway's own embeddings key. Required.
	APIKey string

	// Model is the embeddings model name. Default: text-embedding-3-small.
	Model string

	// Dim is the expected vector dimension. Default: 1536.
	Dim int

	// BaseURL overrides the embeddings API endpoint. Leave empty for the
	// default.
	BaseURL string
}

// CircuitBreakerConfig controls per-key circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trip
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// ProvidersConfig holds per-provider base URL overrides.
type ProvidersConfig struct {
	OpenAIBaseURL     string
	AnthropicBaseURL  string
	GroqBaseURL       string
	OpenRouterBaseURL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("EMBEDDING_DIM", 1536)

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("REPLAY_DELAY", "0s")
	v.SetDefault("SWEEP_INTERVAL", "60s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		MasterSecret: v.GetString("MASTER_SECRET"),
		CronSecret:   v.GetString("CRON_SECRET"),

		DatabaseURL:   v.GetString("DATABASE_URL"),
		RedisURL:      v.GetString("REDIS_URL"),
		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),

		Embedding: EmbeddingConfig{
			APIKey:  v.GetString("EMBEDDING_API_KEY"),
			Model:   v.GetString("EMBEDDING_MODEL"),
			Dim:     v.GetInt("EMBEDDING_DIM"),
			BaseURL: v.GetString("EMBEDDING_BASE_URL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Providers: ProvidersConfig{
			OpenAIBaseURL:     v.GetString("OPENAI_BASE_URL"),
			AnthropicBaseURL:  v.GetString("ANTHROPIC_BASE_URL"),
			GroqBaseURL:       v.GetString("GROQ_BASE_URL"),
			OpenRouterBaseURL: v.GetString("OPENROUTER_BASE_URL"),
		},

		ReplayDelay:   v.GetDuration("REPLAY_DELAY"),
		SweepInterval: v.GetDuration("SWEEP_INTERVAL"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"MASTER_SECRET", c.MasterSecret},
		{"CRON_SECRET", c.CronSecret},
		{"DATABASE_URL", c.DatabaseURL},
		{"REDIS_URL", c.RedisURL},
		{"EMBEDDING_API_KEY", c.Embedding.APIKey},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required variables: %s", strings.Join(missing, ", "))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("config: EMBEDDING_DIM must be positive, got %d", c.Embedding.Dim)
	}
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be a positive duration")
	}
	if c.ReplayDelay < 0 {
		return fmt.Errorf("config: REPLAY_DELAY must not be negative")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
