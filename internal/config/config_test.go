package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.WindowSize != 5 {
		t.Fatalf("WindowSize = %d, want 5", cfg.WindowSize)
	}
	if cfg.ShortTermTTL != 168*time.Hour {
		t.Fatalf("ShortTermTTL = %s, want 168h", cfg.ShortTermTTL)
	}
	if cfg.ShortTermKeyPrefix != "ambi:memory:short-term:" {
		t.Fatalf("ShortTermKeyPrefix = %q", cfg.ShortTermKeyPrefix)
	}
	if cfg.Namespace != "ambi-memory" {
		t.Fatalf("Namespace = %q, want %q", cfg.Namespace, "ambi-memory")
	}
	if cfg.RelevanceThreshold != 0.7 {
		t.Fatalf("RelevanceThreshold = %v, want 0.7", cfg.RelevanceThreshold)
	}
	if cfg.MaxResults != 5 {
		t.Fatalf("MaxResults = %d, want 5", cfg.MaxResults)
	}
	if cfg.MaxContextMessages != 10 {
		t.Fatalf("MaxContextMessages = %d, want 10", cfg.MaxContextMessages)
	}
	if cfg.EmbeddingDim != 1536 {
		t.Fatalf("EmbeddingDim = %d, want 1536", cfg.EmbeddingDim)
	}
	if cfg.EmbeddingModel != "text-embedding-ada-002" {
		t.Fatalf("EmbeddingModel = %q", cfg.EmbeddingModel)
	}
	if cfg.SessionScopedRecall {
		t.Fatalf("SessionScopedRecall = true, want false by default")
	}
	if cfg.LongTermBackend != LongTermAuto {
		t.Fatalf("LongTermBackend = %q, want %q", cfg.LongTermBackend, LongTermAuto)
	}
	if got := cfg.ResolvedLongTermBackend(); got != LongTermDisabled {
		t.Fatalf("ResolvedLongTermBackend() = %q, want %q without DATABASE_URL", got, LongTermDisabled)
	}
}

func TestLoadExplicitOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("MEMORY_WINDOW_SIZE", "3")
	t.Setenv("MEMORY_RELEVANCE_THRESHOLD", "0.55")
	t.Setenv("MEMORY_SESSION_SCOPED_RECALL", "yes")
	t.Setenv("MEMORY_IO_TIMEOUT", "750ms")
	t.Setenv("MEMORY_LONG_TERM_BACKEND", "Chromem")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want explicit value", cfg.BindAddr)
	}
	if cfg.WindowSize != 3 {
		t.Fatalf("WindowSize = %d, want 3", cfg.WindowSize)
	}
	if cfg.RelevanceThreshold != 0.55 {
		t.Fatalf("RelevanceThreshold = %v, want 0.55", cfg.RelevanceThreshold)
	}
	if !cfg.SessionScopedRecall {
		t.Fatalf("SessionScopedRecall = false, want true")
	}
	if cfg.IOTimeout != 750*time.Millisecond {
		t.Fatalf("IOTimeout = %s, want 750ms", cfg.IOTimeout)
	}
	if got := cfg.ResolvedLongTermBackend(); got != LongTermChromem {
		t.Fatalf("ResolvedLongTermBackend() = %q, want %q", got, LongTermChromem)
	}
}

func TestResolvedLongTermBackendAutoPrefersPGVector(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/ambi")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.ResolvedLongTermBackend(); got != LongTermPGVector {
		t.Fatalf("ResolvedLongTermBackend() = %q, want %q", got, LongTermPGVector)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"MEMORY_LONG_TERM_BACKEND":     "pinecone",
		"MEMORY_WINDOW_SIZE":           "0",
		"MEMORY_RELEVANCE_THRESHOLD":   "1.5",
		"MEMORY_MAX_CONTEXT_MESSAGES":  "-1",
		"MEMORY_SESSION_SCOPED_RECALL": "maybe",
		"MEMORY_SHORT_TERM_TTL":        "forever",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"REDIS_URL",
		"MEMORY_WINDOW_SIZE",
		"MEMORY_SHORT_TERM_TTL",
		"MEMORY_SHORT_TERM_KEY_PREFIX",
		"MEMORY_LONG_TERM_BACKEND",
		"DATABASE_URL",
		"MEMORY_CHROMEM_PATH",
		"MEMORY_NAMESPACE",
		"MEMORY_EMBEDDING_DIM",
		"MEMORY_EMBEDDING_MODEL",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"MEMORY_MAX_RESULTS",
		"MEMORY_RELEVANCE_THRESHOLD",
		"MEMORY_MAX_CONTEXT_MESSAGES",
		"MEMORY_SESSION_SCOPED_RECALL",
		"MEMORY_IO_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadRejectsZeroRelevanceThreshold(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_RELEVANCE_THRESHOLD", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want error for zero threshold")
	}
}
