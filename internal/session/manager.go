// Package session tracks conversations the process has seen recently and
// serialises writes per session.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

type entry struct {
	lock    sync.Mutex
	holders int
	info    Session
}

// Manager is a registry of per-session locks. Entries are created on first
// use and reaped by the janitor once idle and unheld.
type Manager struct {
	mu                sync.Mutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Acquire blocks until the caller holds the session's lock and returns the
// function that releases it. Release is idempotent.
func (m *Manager) Acquire(sessionID string) func() {
	now := m.now()

	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		e = &entry{info: Session{ID: sessionID, StartedAt: now}}
		m.sessions[sessionID] = e
	}
	e.holders++
	e.info.LastActivityAt = now
	m.mu.Unlock()

	e.lock.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.lock.Unlock()
			m.mu.Lock()
			e.holders--
			e.info.LastActivityAt = m.now()
			m.mu.Unlock()
		})
	}
}

// MarkExchange counts one recorded exchange against the session.
func (m *Manager) MarkExchange(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.info.Exchanges++
		e.info.LastActivityAt = m.now()
	}
}

func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return snapshot(e), nil
}

// Forget drops the tracking entry. Holders keep their lock until release.
func (m *Manager) Forget(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	delete(m.sessions, sessionID)
	return true
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []Session

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.holders > 0 {
			continue
		}
		if now.Sub(e.info.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		expired = append(expired, snapshot(e))
		delete(m.sessions, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func snapshot(e *entry) Session {
	s := e.info
	s.Holders = e.holders
	return s
}
