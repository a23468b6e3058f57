package memory

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kazuki-shin/ambi/internal/logging"
	"github.com/kazuki-shin/ambi/internal/observability"
	"github.com/kazuki-shin/ambi/internal/policy"
	"github.com/kazuki-shin/ambi/internal/session"
)

const DefaultMaxContextMessages = 10

type Options struct {
	MaxContextMessages int
	// SessionScopedRecall restricts long-term recall to the caller's own
	// session. By default recall spans every session in the namespace.
	SessionScopedRecall bool
	Sessions            *session.Manager
	Logger              *slog.Logger
	Metrics             *observability.Metrics
}

// Manager is the single entry point used by the conversation layer. It
// never returns errors: every failure degrades to a smaller context.
type Manager struct {
	shortTerm  ShortTermStore
	longTerm   LongTermStore
	sessions   *session.Manager
	maxContext int
	scoped     bool
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewManager wires the two tiers. longTerm may be nil to run without recall.
func NewManager(shortTerm ShortTermStore, longTerm LongTermStore, opts Options) *Manager {
	if opts.MaxContextMessages <= 0 {
		opts.MaxContextMessages = DefaultMaxContextMessages
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(0)
	}
	return &Manager{
		shortTerm:  shortTerm,
		longTerm:   longTerm,
		sessions:   opts.Sessions,
		maxContext: opts.MaxContextMessages,
		scoped:     opts.SessionScopedRecall,
		logger:     logging.OrDefault(opts.Logger),
		metrics:    opts.Metrics,
	}
}

// Record stores one completed exchange in both tiers. The short-term write
// happens first and under the session lock; a long-term failure is logged
// and does not undo it.
func (m *Manager) Record(ctx context.Context, sessionID, human, assistant string) {
	if sessionID == "" {
		m.logger.Warn("record skipped: empty session id",
			slog.String("human", policy.LogPreview(human, 60)),
		)
		return
	}

	release := m.sessions.Acquire(sessionID)
	err := m.shortTerm.Append(ctx, sessionID, human, assistant)
	m.sessions.MarkExchange(sessionID)
	release()
	m.metrics.SetTrackedSessions(m.sessions.ActiveCount())
	if err != nil {
		m.logger.Error("short-term append failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
	}

	if m.longTerm == nil {
		return
	}
	if err := m.longTerm.Save(ctx, sessionID, human, assistant); err != nil {
		m.logger.Warn("long-term save failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
	}
}

// Recent returns the session window, oldest first.
func (m *Manager) Recent(ctx context.Context, sessionID string) []Message {
	if sessionID == "" {
		return []Message{}
	}
	msgs, err := m.shortTerm.Recent(ctx, sessionID)
	if err != nil {
		m.logger.Warn("short-term read failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return []Message{}
	}
	return nonNil(msgs)
}

// Relevant returns long-term messages similar to query.
func (m *Manager) Relevant(ctx context.Context, sessionID, query string) []Message {
	if sessionID == "" || query == "" || m.longTerm == nil {
		return []Message{}
	}
	msgs, err := m.longTerm.Query(ctx, sessionID, query, m.queryOptions(sessionID))
	if err != nil {
		m.logger.Warn("long-term query failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return []Message{}
	}
	return nonNil(msgs)
}

// BuildContext assembles the prompt context for query: relevant long-term
// messages first, then the recent window, deduplicated by role and content
// and cut to the most recent MaxContextMessages.
func (m *Manager) BuildContext(ctx context.Context, sessionID, query string) []Message {
	if sessionID == "" {
		return []Message{}
	}
	start := time.Now()
	defer func() {
		m.metrics.ObserveStage(observability.StageBuildContext, time.Since(start))
	}()

	var recent, relevant []Message
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recent, err = m.shortTerm.Recent(gctx, sessionID)
		return err
	})
	if query != "" && m.longTerm != nil {
		g.Go(func() error {
			var err error
			relevant, err = m.longTerm.Query(gctx, sessionID, query, m.queryOptions(sessionID))
			return err
		})
	}

	if err := g.Wait(); err != nil {
		m.logger.Warn("build context degraded to recent window",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		m.metrics.ObserveOp("manager", "build_context", "degraded")
		m.metrics.ObserveFallback("manager", "build_context")
		out := m.Recent(ctx, sessionID)
		m.metrics.ObserveContextSize(len(out))
		return out
	}

	out := mergeContext(relevant, recent, m.maxContext)
	m.metrics.ObserveOp("manager", "build_context", "ok")
	m.metrics.ObserveContextSize(len(out))
	return out
}

// Forget clears the session's short-term history and tracking entry.
// Long-term records are kept.
func (m *Manager) Forget(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := m.shortTerm.Clear(ctx, sessionID); err != nil {
		m.logger.Warn("short-term clear failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
	}
	m.sessions.Forget(sessionID)
	m.metrics.SetTrackedSessions(m.sessions.ActiveCount())
}

func (m *Manager) queryOptions(sessionID string) QueryOptions {
	var opts QueryOptions
	if m.scoped {
		opts.Filter.SessionID = sessionID
	}
	return opts
}

// mergeContext concatenates relevant then recent, keeps the first
// occurrence of each role+content pair, and returns the last max messages.
func mergeContext(relevant, recent []Message, max int) []Message {
	seen := make(map[Message]struct{}, len(relevant)+len(recent))
	merged := make([]Message, 0, len(relevant)+len(recent))
	for _, group := range [][]Message{relevant, recent} {
		for _, msg := range group {
			if _, dup := seen[msg]; dup {
				continue
			}
			seen[msg] = struct{}{}
			merged = append(merged, msg)
		}
	}
	if len(merged) > max {
		merged = merged[len(merged)-max:]
	}
	return merged
}

func nonNil(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	return msgs
}
