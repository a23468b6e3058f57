package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Long-term backend selectors accepted by MEMORY_LONG_TERM_BACKEND.
const (
	LongTermAuto     = "auto"
	LongTermPGVector = "pgvector"
	LongTermChromem  = "chromem"
	LongTermDisabled = "disabled"
)

// Config contains all runtime settings for the memory service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogFormat                string

	// Short-term tier.
	RedisURL           string
	WindowSize         int
	ShortTermTTL       time.Duration
	ShortTermKeyPrefix string

	// Long-term tier.
	LongTermBackend     string
	DatabaseURL         string
	ChromemPath         string
	Namespace           string
	MaxResults          int
	RelevanceThreshold  float64
	SessionScopedRecall bool

	// Embeddings.
	EmbeddingDim   int
	EmbeddingModel string
	OpenAIAPIKey   string
	OpenAIBaseURL  string

	MaxContextMessages int
	IOTimeout          time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "ambi"),
		LogLevel:           envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("APP_LOG_FORMAT", "console"),
		RedisURL:           stringsTrimSpace("REDIS_URL"),
		ShortTermKeyPrefix: envOrDefault("MEMORY_SHORT_TERM_KEY_PREFIX", "ambi:memory:short-term:"),
		LongTermBackend:    strings.ToLower(envOrDefault("MEMORY_LONG_TERM_BACKEND", LongTermAuto)),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		ChromemPath:        stringsTrimSpace("MEMORY_CHROMEM_PATH"),
		Namespace:          envOrDefault("MEMORY_NAMESPACE", "ambi-memory"),
		EmbeddingModel:     envOrDefault("MEMORY_EMBEDDING_MODEL", "text-embedding-ada-002"),
		OpenAIAPIKey:       stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:      stringsTrimSpace("OPENAI_BASE_URL"),
		// WindowSize counts exchanges; the window holds twice as many messages.
		WindowSize:               5,
		ShortTermTTL:             7 * 24 * time.Hour,
		MaxResults:               5,
		RelevanceThreshold:       0.7,
		EmbeddingDim:             1536,
		MaxContextMessages:       10,
		IOTimeout:                2 * time.Second,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShortTermTTL, err = durationFromEnv("MEMORY_SHORT_TERM_TTL", cfg.ShortTermTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.IOTimeout, err = durationFromEnv("MEMORY_IO_TIMEOUT", cfg.IOTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WindowSize, err = intFromEnv("MEMORY_WINDOW_SIZE", cfg.WindowSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxResults, err = intFromEnv("MEMORY_MAX_RESULTS", cfg.MaxResults)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxContextMessages, err = intFromEnv("MEMORY_MAX_CONTEXT_MESSAGES", cfg.MaxContextMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.RelevanceThreshold, err = floatFromEnv("MEMORY_RELEVANCE_THRESHOLD", cfg.RelevanceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionScopedRecall, err = boolFromEnv("MEMORY_SESSION_SCOPED_RECALL", cfg.SessionScopedRecall)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("MEMORY_WINDOW_SIZE must be positive")
	}
	if c.ShortTermTTL < 0 {
		return fmt.Errorf("MEMORY_SHORT_TERM_TTL must be >= 0")
	}
	if c.MaxResults <= 0 {
		return fmt.Errorf("MEMORY_MAX_RESULTS must be positive")
	}
	if c.MaxContextMessages <= 0 {
		return fmt.Errorf("MEMORY_MAX_CONTEXT_MESSAGES must be positive")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if c.RelevanceThreshold < -1 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("MEMORY_RELEVANCE_THRESHOLD must be within [-1, 1]")
	}
	if c.RelevanceThreshold == 0 {
		return fmt.Errorf("MEMORY_RELEVANCE_THRESHOLD must be non-zero (use -1 to disable filtering)")
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("MEMORY_IO_TIMEOUT must be positive")
	}
	switch c.LongTermBackend {
	case LongTermAuto, LongTermPGVector, LongTermChromem, LongTermDisabled:
	default:
		return fmt.Errorf("invalid MEMORY_LONG_TERM_BACKEND: %q (expected auto|pgvector|chromem|disabled)", c.LongTermBackend)
	}
	return nil
}

// ResolvedLongTermBackend resolves "auto" against the available credentials.
func (c Config) ResolvedLongTermBackend() string {
	if c.LongTermBackend != LongTermAuto {
		return c.LongTermBackend
	}
	if c.DatabaseURL != "" {
		return LongTermPGVector
	}
	return LongTermDisabled
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
