// Package shortterm keeps the bounded recent window of every session.
// Redis is the primary backend; every write is mirrored in process memory
// so a Redis outage degrades the tier instead of failing it.
package shortterm

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kazuki-shin/ambi/internal/logging"
	"github.com/kazuki-shin/ambi/internal/memory"
	"github.com/kazuki-shin/ambi/internal/observability"
)

const (
	DefaultWindowSize = 5
	DefaultTTL        = 7 * 24 * time.Hour

	ModeRedis         = "redis"
	ModeInMemory      = "in-memory"
	ModeRedisDegraded = "redis-degraded"
)

type Options struct {
	// WindowSize counts exchanges; the window holds 2*WindowSize messages.
	WindowSize int
	// TTL is refreshed on every write. Zero disables expiry.
	TTL     time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Store implements memory.ShortTermStore. Its methods never return an
// error: Redis failures are logged, counted and served from the local
// window instead. Writes Redis missed are queued per session and replayed
// on the next successful call.
type Store struct {
	redis    *RedisWindow
	local    *LocalWindow
	timeout  time.Duration
	degraded atomic.Bool
	logger   *slog.Logger
	metrics  *observability.Metrics

	pendingMu sync.Mutex
	pending   map[string]*pendingWindow
}

// pendingWindow holds what Redis missed for one session during an outage.
type pendingWindow struct {
	cleared  bool
	messages []memory.Message
}

var _ memory.ShortTermStore = (*Store)(nil)

// New builds a store. A nil redis window runs the store in-memory only.
func New(redis *RedisWindow, opts Options) *Store {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.TTL < 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	s := &Store{
		redis:   redis,
		local:   NewLocalWindow(2*opts.WindowSize, opts.TTL),
		timeout: opts.Timeout,
		logger:  logging.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		pending: make(map[string]*pendingWindow),
	}
	s.metrics.SetShortTermDegraded(false)
	return s
}

// Mode reports the backend currently serving reads.
func (s *Store) Mode() string {
	switch {
	case s.redis == nil:
		return ModeInMemory
	case s.degraded.Load():
		return ModeRedisDegraded
	default:
		return ModeRedis
	}
}

// Persistent reports whether history survives a process restart.
func (s *Store) Persistent() bool {
	return s.redis != nil && !s.degraded.Load()
}

func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

func (s *Store) Append(ctx context.Context, sessionID, human, assistant string) error {
	if sessionID == "" {
		return nil
	}
	start := time.Now()
	defer func() {
		s.metrics.ObserveStage(observability.StageShortTermWrite, time.Since(start))
	}()

	s.local.Append(sessionID, human, assistant)
	if s.redis == nil {
		s.metrics.ObserveOp("short_term", "append", "ok")
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var err error
	if s.isPending(sessionID) {
		s.queuePair(sessionID, human, assistant)
		err = s.resync(callCtx, sessionID)
	} else if err = s.redis.Append(callCtx, sessionID, human, assistant); err != nil {
		s.queuePair(sessionID, human, assistant)
	}
	if err != nil {
		s.markDegraded("append", sessionID, err)
		return nil
	}
	s.markHealthy()
	s.metrics.ObserveOp("short_term", "append", "ok")
	return nil
}

func (s *Store) Recent(ctx context.Context, sessionID string) ([]memory.Message, error) {
	if sessionID == "" {
		return []memory.Message{}, nil
	}
	start := time.Now()
	defer func() {
		s.metrics.ObserveStage(observability.StageShortTermRead, time.Since(start))
	}()

	if s.redis == nil {
		s.metrics.ObserveOp("short_term", "recent", "ok")
		return s.local.Recent(sessionID), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if s.isPending(sessionID) {
		if err := s.resync(callCtx, sessionID); err != nil {
			s.markDegraded("recent", sessionID, err)
			return s.local.Recent(sessionID), nil
		}
	}
	msgs, err := s.redis.Recent(callCtx, sessionID)
	if err != nil {
		s.markDegraded("recent", sessionID, err)
		return s.local.Recent(sessionID), nil
	}
	s.markHealthy()
	s.metrics.ObserveOp("short_term", "recent", "ok")
	return msgs, nil
}

func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	s.local.Clear(sessionID)
	if s.redis == nil {
		s.metrics.ObserveOp("short_term", "clear", "ok")
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.redis.Clear(callCtx, sessionID); err != nil {
		s.queueClear(sessionID)
		s.markDegraded("clear", sessionID, err)
		return nil
	}
	s.dropPending(sessionID)
	s.markHealthy()
	s.metrics.ObserveOp("short_term", "clear", "ok")
	return nil
}

// StartJanitor periodically drops expired local windows.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.local.Sweep(); n > 0 {
					s.logger.Debug("short-term windows expired", slog.Int("count", n))
				}
				if n := s.Resync(ctx); n > 0 {
					s.logger.Info("short-term windows replayed to redis", slog.Int("count", n))
				}
			}
		}
	}()
}

// Resync replays every queued session to Redis and reports how many were
// written. Sessions that still fail stay pending.
func (s *Store) Resync(ctx context.Context) int {
	if s.redis == nil {
		return 0
	}
	s.pendingMu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.pendingMu.Unlock()

	synced := 0
	for _, id := range ids {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.resync(callCtx, id)
		cancel()
		if err != nil {
			s.markDegraded("resync", id, err)
			return synced
		}
		s.markHealthy()
		synced++
	}
	return synced
}

// Pending reports how many sessions await a copy back to Redis.
func (s *Store) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Close releases the Redis connection, if any.
func (s *Store) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

func (s *Store) markDegraded(op, sessionID string, err error) {
	s.metrics.ObserveOp("short_term", op, "fallback")
	s.metrics.ObserveFallback("short_term", op)
	if !s.degraded.Swap(true) {
		s.metrics.SetShortTermDegraded(true)
		s.logger.Warn("short-term store degraded to in-memory window",
			slog.String("op", op),
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return
	}
	s.logger.Debug("short-term redis call failed",
		slog.String("op", op),
		slog.String("session_id", sessionID),
		slog.Any("error", err),
	)
}

func (s *Store) markHealthy() {
	if s.degraded.Swap(false) {
		s.metrics.SetShortTermDegraded(false)
		s.logger.Info("short-term store recovered redis backend")
	}
}

// resync replays the exchanges Redis missed for sessionID. Queued pairs
// are kept on failure so a later call can retry them.
func (s *Store) resync(ctx context.Context, sessionID string) error {
	s.pendingMu.Lock()
	pw, ok := s.pending[sessionID]
	var (
		cleared bool
		msgs    []memory.Message
	)
	if ok {
		cleared = pw.cleared
		msgs = append([]memory.Message(nil), pw.messages...)
	}
	s.pendingMu.Unlock()
	if !ok {
		return nil
	}

	if err := s.redis.Replay(ctx, sessionID, cleared, msgs); err != nil {
		return err
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	cur, ok := s.pending[sessionID]
	if !ok || cur != pw || cur.cleared != cleared || len(cur.messages) < len(msgs) {
		// Cleared or trimmed while replaying; the next call replays it whole.
		return nil
	}
	if len(cur.messages) == len(msgs) {
		delete(s.pending, sessionID)
		return nil
	}
	cur.cleared = false
	cur.messages = append([]memory.Message(nil), cur.messages[len(msgs):]...)
	return nil
}

func (s *Store) queuePair(sessionID, human, assistant string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	pw, ok := s.pending[sessionID]
	if !ok {
		pw = &pendingWindow{}
		s.pending[sessionID] = pw
	}
	pw.messages = append(pw.messages, memory.Pair(human, assistant)...)
	// Only the newest window can survive the trim on replay.
	if over := len(pw.messages) - s.local.maxMessages; over > 0 {
		pw.messages = append([]memory.Message(nil), pw.messages[over:]...)
		pw.cleared = true
	}
}

func (s *Store) queueClear(sessionID string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[sessionID] = &pendingWindow{cleared: true}
}

func (s *Store) dropPending(sessionID string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, sessionID)
}

func (s *Store) isPending(sessionID string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, ok := s.pending[sessionID]
	return ok
}
