// Package embedding turns text into fixed-length unit vectors. A remote
// model is used when configured; every failure degrades to HashEmbedder so
// callers never see an error.
package embedding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"

	"github.com/kazuki-shin/ambi/internal/logging"
	"github.com/kazuki-shin/ambi/internal/observability"
	"github.com/kazuki-shin/ambi/internal/reliability"
)

const (
	DefaultDimensions = 1536

	ModeRemote = "openai"
	ModeHash   = "hash"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Client is a remote embedding model. Implementations return one vector
// per input text, in input order.
type Client interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Dimensions   int
	Timeout      time.Duration
	RetryBackoff time.Duration
	// CacheEntries bounds the remote-vector cache. Zero disables caching.
	CacheEntries int64
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

// Provider produces embeddings with at most one retry against the remote
// client and a deterministic fallback.
type Provider struct {
	remote       Client
	hash         HashEmbedder
	timeout      time.Duration
	retryBackoff time.Duration
	cache        *ristretto.Cache
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewProvider builds a provider. A nil remote yields a hash-only provider.
func NewProvider(remote Client, opts Options) (*Provider, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	p := &Provider{
		remote:       remote,
		hash:         NewHashEmbedder(opts.Dimensions),
		timeout:      opts.Timeout,
		retryBackoff: opts.RetryBackoff,
		logger:       logging.OrDefault(opts.Logger),
		metrics:      opts.Metrics,
	}
	if remote != nil && opts.CacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters:        opts.CacheEntries * 10,
			MaxCost:            opts.CacheEntries,
			BufferItems:        64,
			IgnoreInternalCost: true, // cost counts entries, not bytes
		})
		if err != nil {
			return nil, goerr.Wrap(err, "create embedding cache")
		}
		p.cache = cache
	}
	return p, nil
}

func (p *Provider) Dimensions() int { return p.hash.Dimensions() }

// Mode reports which embedder serves requests when the remote is healthy.
func (p *Provider) Mode() string {
	if p == nil || p.remote == nil {
		return ModeHash
	}
	return ModeRemote
}

// Embed returns a unit vector of Dimensions() entries for text.
func (p *Provider) Embed(ctx context.Context, text string) []float32 {
	return p.EmbedBatch(ctx, []string{text})[0]
}

// EmbedBatch embeds every text in one remote call. The result has one
// vector per input, identical to calling Embed on each.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}
	start := time.Now()
	defer func() {
		p.metrics.ObserveStage(observability.StageEmbed, time.Since(start))
	}()

	pending := make([]int, 0, len(texts))
	for i, text := range texts {
		if text == "" {
			out[i] = basisVector(p.Dimensions())
			continue
		}
		if vec, ok := p.cached(text); ok {
			out[i] = vec
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return out
	}

	if p.remote == nil {
		p.fillHash(out, texts, pending)
		return out
	}

	batch := make([]string, len(pending))
	for j, idx := range pending {
		batch[j] = texts[idx]
	}
	vecs, err := p.embedRemote(ctx, batch)
	if err != nil {
		reason := fallbackReason(err)
		p.logger.Warn("embedding fallback to hash",
			slog.String("reason", reason),
			slog.Int("texts", len(batch)),
			slog.Any("error", err),
		)
		p.metrics.ObserveFallback("embedding", reason)
		p.metrics.ObserveOp("embedding", "embed", "fallback")
		p.fillHash(out, texts, pending)
		return out
	}
	for j, idx := range pending {
		out[idx] = vecs[j]
		p.store(texts[idx], vecs[j])
	}
	p.metrics.ObserveOp("embedding", "embed", "ok")
	return out
}

// Close releases the cache.
func (p *Provider) Close() {
	if p != nil && p.cache != nil {
		p.cache.Close()
	}
}

func (p *Provider) embedRemote(ctx context.Context, texts []string) ([][]float32, error) {
	return reliability.Retry(ctx, 2, p.retryBackoff, time.Second, retryable,
		func(ctx context.Context) ([][]float32, error) {
			return p.attempt(ctx, texts)
		})
}

func (p *Provider) attempt(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	vecs, err := p.remote.EmbedTexts(callCtx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, goerr.Wrap(ErrDimensionMismatch, "remote returned wrong vector count",
			goerr.V("want", len(texts)), goerr.V("got", len(vecs)))
	}
	out := make([][]float32, len(vecs))
	for i, vec := range vecs {
		if len(vec) != p.Dimensions() {
			return nil, goerr.Wrap(ErrDimensionMismatch, "remote returned wrong dimensions",
				goerr.V("want", p.Dimensions()), goerr.V("got", len(vec)))
		}
		unit, ok := normalize32(vec)
		if !ok {
			return nil, goerr.New("remote returned a zero vector", goerr.V("index", i))
		}
		out[i] = unit
	}
	return out, nil
}

func (p *Provider) fillHash(out [][]float32, texts []string, idx []int) {
	for _, i := range idx {
		out[i] = p.hash.Embed(texts[i])
	}
}

func (p *Provider) cached(text string) ([]float32, bool) {
	if p.cache == nil {
		return nil, false
	}
	v, ok := p.cache.Get(text)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (p *Provider) store(text string, vec []float32) {
	if p.cache == nil {
		return
	}
	p.cache.Set(text, vec, 1)
}

func retryable(err error) bool {
	if errors.Is(err, ErrDimensionMismatch) {
		return false
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Status > 0 {
		return reliability.IsRetryableHTTPStatus(remoteErr.Status)
	}
	return reliability.IsTransient(err)
}

func fallbackReason(err error) string {
	var remoteErr *RemoteError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.As(err, &remoteErr) && remoteErr.Status > 0:
		return "http_status"
	default:
		return "remote_error"
	}
}
