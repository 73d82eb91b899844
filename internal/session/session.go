// Package session tracks per-client session statistics, grounded on
// original_source/src/proxy.rs's SessionManager: a session-id maps to a
// client-id/server-id pair and accumulates a request count and recency,
// exposed through the health/metrics surface per §4.O.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stats is one session's bookkeeping.
type Stats struct {
	SessionID    uuid.UUID
	ClientID     uuid.UUID
	ServerID     uuid.UUID
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RequestCount uint64
}

// Manager owns every session by id and indexes the current session for a
// client-id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Stats
	byClient map[uuid.UUID]uuid.UUID
}

// New constructs an empty session manager.
func New() *Manager {
	return &Manager{
		sessions: make(map[uuid.UUID]*Stats),
		byClient: make(map[uuid.UUID]uuid.UUID),
	}
}

// Create starts a new session for a freshly generated key pair.
func (m *Manager) Create(clientID, serverID uuid.UUID) uuid.UUID {
	sessionID := uuid.New()
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &Stats{
		SessionID:  sessionID,
		ClientID:   clientID,
		ServerID:   serverID,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	m.byClient[clientID] = sessionID
	return sessionID
}

// Touch records one more request against sessionID.
func (m *Manager) Touch(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastUsedAt = time.Now()
		s.RequestCount++
	}
}

// Get returns a snapshot of one session's stats.
func (m *Manager) Get(sessionID uuid.UUID) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// ForClient returns the current session-id for a client-id, if any.
func (m *Manager) ForClient(clientID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byClient[clientID]
	return id, ok
}

// Count returns the number of live sessions, used by the health endpoint's
// capacity reporting (mirroring proxy.rs's total_client_keys warning).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
