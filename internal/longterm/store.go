// Package longterm is the semantic recall tier: exchanges are embedded,
// classified and written to a vector index, then recalled by similarity
// with the assistant reply kept next to the human turn that prompted it.
package longterm

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/kazuki-shin/ambi/internal/logging"
	"github.com/kazuki-shin/ambi/internal/memory"
	"github.com/kazuki-shin/ambi/internal/observability"
	"github.com/kazuki-shin/ambi/internal/policy"
)

const (
	DefaultNamespace          = "ambi-memory"
	DefaultMaxResults         = 5
	DefaultRelevanceThreshold = 0.7
	// NoThreshold admits every match; cosine scores never fall below -1.
	NoThreshold = -1.0

	BackendDisabled = "disabled"
)

// Embedder is the subset of the embedding provider the store needs.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
	EmbedBatch(ctx context.Context, texts []string) [][]float32
}

type Options struct {
	Namespace  string
	MaxResults int
	// RelevanceThreshold is the minimum cosine score for recall. Zero means
	// DefaultRelevanceThreshold; pass NoThreshold to keep every match.
	RelevanceThreshold float64
	Timeout            time.Duration
	Logger             *slog.Logger
	Metrics            *observability.Metrics
}

// Store implements memory.LongTermStore on top of an Index. A nil index
// disables the tier: saves are dropped and queries return nothing.
type Store struct {
	index      Index
	embedder   Embedder
	namespace  string
	maxResults int
	threshold  float64
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu     sync.Mutex
	lastTS int64
	now    func() time.Time
}

var _ memory.LongTermStore = (*Store)(nil)

func New(index Index, embedder Embedder, opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.RelevanceThreshold == 0 {
		opts.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Store{
		index:      index,
		embedder:   embedder,
		namespace:  opts.Namespace,
		maxResults: opts.MaxResults,
		threshold:  opts.RelevanceThreshold,
		timeout:    opts.Timeout,
		logger:     logging.OrDefault(opts.Logger),
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

func (s *Store) Enabled() bool { return s.index != nil }

// Backend names the index serving the tier.
func (s *Store) Backend() string {
	if s.index == nil {
		return BackendDisabled
	}
	return s.index.Name()
}

func (s *Store) Namespace() string { return s.namespace }

// Save writes the human and assistant messages as two records. Failures
// are logged and dropped; the short-term tier already holds the exchange.
func (s *Store) Save(ctx context.Context, sessionID, human, assistant string) error {
	if s.index == nil || sessionID == "" {
		return nil
	}
	start := time.Now()
	defer func() {
		s.metrics.ObserveStage(observability.StageLongTermSave, time.Since(start))
	}()

	vecs := s.embedder.EmbedBatch(ctx, []string{human, assistant})
	humanTS, assistantTS := s.nextTimestamps()
	records := []memory.Record{
		s.newRecord(sessionID, memory.RoleHuman, human, vecs[0], humanTS),
		s.newRecord(sessionID, memory.RoleAssistant, assistant, vecs[1], assistantTS),
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.index.Upsert(callCtx, s.namespace, records); err != nil {
		s.metrics.ObserveOp("long_term", "save", "error")
		s.metrics.ObserveFallback("long_term", "save")
		s.logger.Warn("long-term save failed",
			slog.String("session_id", sessionID),
			slog.String("human", policy.LogPreview(human, 80)),
			slog.Any("error", err),
		)
		return nil
	}
	s.metrics.ObserveOp("long_term", "save", "ok")
	return nil
}

// Query recalls messages relevant to queryText. Index failures yield an
// empty result.
func (s *Store) Query(ctx context.Context, sessionID, queryText string, opts memory.QueryOptions) ([]memory.Message, error) {
	if s.index == nil || queryText == "" {
		return []memory.Message{}, nil
	}
	start := time.Now()
	defer func() {
		s.metrics.ObserveStage(observability.StageLongTermQuery, time.Since(start))
	}()

	vec := s.embedder.Embed(ctx, queryText)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	matches, err := s.index.Query(callCtx, s.namespace, vec, 2*s.maxResults, Predicate{
		Filter:      opts.Filter,
		MinPriority: opts.MinPriority,
	})
	if err != nil {
		s.metrics.ObserveOp("long_term", "query", "error")
		s.metrics.ObserveFallback("long_term", "query")
		s.logger.Warn("long-term query failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return []memory.Message{}, nil
	}
	s.metrics.ObserveOp("long_term", "query", "ok")
	return pairRelevant(matches, s.threshold), nil
}

// Clear deletes every record in the namespace.
func (s *Store) Clear(ctx context.Context) error {
	if s.index == nil {
		return goerr.New("long-term memory is disabled")
	}
	if err := s.index.DeleteNamespace(ctx, s.namespace); err != nil {
		s.logger.Error("long-term clear failed",
			slog.String("namespace", s.namespace),
			slog.Any("error", err),
		)
		return err
	}
	s.logger.Info("long-term namespace cleared", slog.String("namespace", s.namespace))
	return nil
}

func (s *Store) Close() error {
	if s.index == nil {
		return nil
	}
	return s.index.Close()
}

func (s *Store) newRecord(sessionID string, role memory.Role, content string, vec []float32, ts int64) memory.Record {
	return memory.Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Embedding: vec,
		Timestamp: ts,
		Category:  Classify(content),
		Priority:  PriorityOf(content),
	}
}

// nextTimestamps returns two strictly increasing millisecond timestamps,
// also strictly greater than any previously issued by this store.
func (s *Store) nextTimestamps() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts + 1
	return ts, ts + 1
}

// pairRelevant turns index hits into prompt messages. Hits are grouped by
// session in order of each session's best match, replayed in timestamp
// order, and a relevant human turn drags along the assistant reply that
// follows it regardless of the reply's own score.
func pairRelevant(matches []Match, threshold float64) []memory.Message {
	ranked := make([]Match, len(matches))
	copy(ranked, matches)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	var order []string
	groups := make(map[string][]Match)
	for _, m := range ranked {
		sid := m.Record.SessionID
		if _, ok := groups[sid]; !ok {
			order = append(order, sid)
		}
		groups[sid] = append(groups[sid], m)
	}

	out := make([]memory.Message, 0, len(matches))
	seen := make(map[memory.Message]struct{}, len(matches))
	emit := func(rec memory.Record) {
		msg := rec.Message()
		if _, dup := seen[msg]; dup {
			return
		}
		seen[msg] = struct{}{}
		out = append(out, msg)
	}

	for _, sid := range order {
		group := groups[sid]
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i].Record, group[j].Record
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
			return a.Role == memory.RoleHuman && b.Role != memory.RoleHuman
		})
		for i := 0; i < len(group); i++ {
			m := group[i]
			if m.Score < threshold {
				continue
			}
			emit(m.Record)
			if m.Record.Role != memory.RoleHuman {
				continue
			}
			if i+1 < len(group) && group[i+1].Record.Role == memory.RoleAssistant {
				emit(group[i+1].Record)
				i++
			}
		}
	}
	return out
}
