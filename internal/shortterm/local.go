package shortterm

import (
	"sync"
	"time"

	"github.com/kazuki-shin/ambi/internal/memory"
)

// LocalWindow keeps each session's window in process memory. It mirrors
// the Redis contract: a capped FIFO per session with a TTL that is
// refreshed on every write.
type LocalWindow struct {
	mu          sync.RWMutex
	windows     map[string]*localEntry
	maxMessages int
	ttl         time.Duration
	now         func() time.Time
}

type localEntry struct {
	messages  []memory.Message
	expiresAt time.Time
}

func NewLocalWindow(maxMessages int, ttl time.Duration) *LocalWindow {
	if maxMessages <= 0 {
		maxMessages = 2 * DefaultWindowSize
	}
	return &LocalWindow{
		windows:     make(map[string]*localEntry),
		maxMessages: maxMessages,
		ttl:         ttl,
		now:         time.Now,
	}
}

func (w *LocalWindow) Append(sessionID, human, assistant string) {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.windows[sessionID]
	if !ok || w.expired(e, now) {
		e = &localEntry{}
		w.windows[sessionID] = e
	}
	e.messages = append(e.messages, memory.Pair(human, assistant)...)
	if over := len(e.messages) - w.maxMessages; over > 0 {
		e.messages = append([]memory.Message(nil), e.messages[over:]...)
	}
	if w.ttl > 0 {
		e.expiresAt = now.Add(w.ttl)
	}
}

// Recent returns a copy of the session window, oldest first.
func (w *LocalWindow) Recent(sessionID string) []memory.Message {
	now := w.now()

	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.windows[sessionID]
	if !ok || w.expired(e, now) {
		return []memory.Message{}
	}
	out := make([]memory.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

func (w *LocalWindow) Clear(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.windows, sessionID)
}

// Sweep drops expired windows and reports how many were removed.
func (w *LocalWindow) Sweep() int {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for id, e := range w.windows {
		if w.expired(e, now) {
			delete(w.windows, id)
			removed++
		}
	}
	return removed
}

func (w *LocalWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.windows)
}

func (w *LocalWindow) expired(e *localEntry, now time.Time) bool {
	return w.ttl > 0 && !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
