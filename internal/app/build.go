package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"

	"github.com/kazuki-shin/ambi/internal/config"
	"github.com/kazuki-shin/ambi/internal/embedding"
	"github.com/kazuki-shin/ambi/internal/httpapi"
	"github.com/kazuki-shin/ambi/internal/logging"
	"github.com/kazuki-shin/ambi/internal/longterm"
	"github.com/kazuki-shin/ambi/internal/memory"
	"github.com/kazuki-shin/ambi/internal/observability"
	"github.com/kazuki-shin/ambi/internal/session"
	"github.com/kazuki-shin/ambi/internal/shortterm"
)

const embeddingCacheEntries = 4096

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Memory     *memory.Manager
	Sessions   *session.Manager
	ShortTerm  *shortterm.Store
	LongTerm   *longterm.Store
	Embeddings *embedding.Provider
	Metrics    *observability.Metrics

	// Cleanup releases Redis, the vector index and the embedding cache.
	Cleanup func() error
}

// Build wires every component from cfg. Optional backends that cannot be
// reached at startup are logged and replaced by their in-process fallback;
// only an explicitly requested long-term backend is fatal.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	logger = logging.OrDefault(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	embeddings, err := buildEmbeddings(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	shortTerm := buildShortTerm(ctx, cfg, logger, metrics)

	index, err := buildIndex(ctx, cfg, logger)
	if err != nil {
		_ = shortTerm.Close()
		embeddings.Close()
		return nil, err
	}
	longTerm := longterm.New(index, embeddings, longterm.Options{
		Namespace:          cfg.Namespace,
		MaxResults:         cfg.MaxResults,
		RelevanceThreshold: cfg.RelevanceThreshold,
		Timeout:            cfg.IOTimeout,
		Logger:             logger,
		Metrics:            metrics,
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s session.Session) {
		logger.Debug("session expired", slog.String("session_id", s.ID), slog.Int("exchanges", s.Exchanges))
		metrics.SetTrackedSessions(sessions.ActiveCount())
	})

	mgr := memory.NewManager(shortTerm, longTermOrNil(longTerm), memory.Options{
		MaxContextMessages:  cfg.MaxContextMessages,
		SessionScopedRecall: cfg.SessionScopedRecall,
		Sessions:            sessions,
		Logger:              logger,
		Metrics:             metrics,
	})

	status := func() httpapi.Status {
		return httpapi.Status{
			ShortTermMode:       shortTerm.Mode(),
			ShortTermPersistent: shortTerm.Persistent(),
			LongTermBackend:     longTerm.Backend(),
			EmbeddingMode:       embeddings.Mode(),
			TrackedSessions:     sessions.ActiveCount(),
		}
	}
	api := httpapi.New(mgr, longTerm, status, metrics, logger)

	logger.Info("memory configured",
		slog.String("short_term", shortTerm.Mode()),
		slog.String("long_term", longTerm.Backend()),
		slog.String("namespace", longTerm.Namespace()),
		slog.String("embeddings", embeddings.Mode()),
		slog.Int("window_size", cfg.WindowSize),
	)

	cleanup := func() error {
		var errs []error
		if err := shortTerm.Close(); err != nil {
			errs = append(errs, goerr.Wrap(err, "close short-term store"))
		}
		if err := longTerm.Close(); err != nil {
			errs = append(errs, goerr.Wrap(err, "close long-term store"))
		}
		embeddings.Close()
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Memory:     mgr,
		Sessions:   sessions,
		ShortTerm:  shortTerm,
		LongTerm:   longTerm,
		Embeddings: embeddings,
		Metrics:    metrics,
		Cleanup:    cleanup,
	}, nil
}

// Start launches the background janitors. They stop when ctx is done.
func (b *BuildResult) Start(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, 0)
	b.ShortTerm.StartJanitor(ctx, 0)
}

func buildEmbeddings(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) (*embedding.Provider, error) {
	var remote embedding.Client
	if cfg.OpenAIAPIKey != "" {
		client, err := embedding.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
		if err != nil {
			return nil, goerr.Wrap(err, "init embedding client")
		}
		remote = client
	} else {
		logger.Warn("OPENAI_API_KEY not set; using hash embeddings")
	}
	p, err := embedding.NewProvider(remote, embedding.Options{
		Dimensions:   cfg.EmbeddingDim,
		Timeout:      cfg.IOTimeout,
		CacheEntries: embeddingCacheEntries,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "init embedding provider")
	}
	return p, nil
}

func buildShortTerm(ctx context.Context, cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) *shortterm.Store {
	opts := shortterm.Options{
		WindowSize: cfg.WindowSize,
		TTL:        cfg.ShortTermTTL,
		Timeout:    cfg.IOTimeout,
		Logger:     logger,
		Metrics:    metrics,
	}
	if cfg.RedisURL == "" {
		return shortterm.New(nil, opts)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.IOTimeout)
	defer cancel()
	client, err := shortterm.DialRedis(dialCtx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable; short-term memory is in-process only", slog.Any("error", err))
		metrics.ObserveFallback("short_term", "dial")
		return shortterm.New(nil, opts)
	}
	window := shortterm.NewRedisWindow(client, cfg.ShortTermKeyPrefix, 2*cfg.WindowSize, cfg.ShortTermTTL)
	return shortterm.New(window, opts)
}

func buildIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (longterm.Index, error) {
	switch backend := cfg.ResolvedLongTermBackend(); backend {
	case config.LongTermPGVector:
		idx, err := longterm.NewPGVectorIndex(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
		if err == nil {
			return idx, nil
		}
		if cfg.LongTermBackend != config.LongTermAuto {
			return nil, goerr.Wrap(err, "init pgvector index")
		}
		logger.Warn("pgvector unavailable; long-term memory disabled", slog.Any("error", err))
		return nil, nil
	case config.LongTermChromem:
		idx, err := longterm.NewChromemIndex(cfg.ChromemPath)
		if err != nil {
			return nil, goerr.Wrap(err, "init chromem index")
		}
		return idx, nil
	default:
		logger.Info("long-term memory disabled", slog.String("backend", backend))
		return nil, nil
	}
}

// longTermOrNil keeps a disabled store out of the manager so recall is
// skipped instead of embedding queries nobody will search.
func longTermOrNil(s *longterm.Store) memory.LongTermStore {
	if !s.Enabled() {
		return nil
	}
	return s
}
