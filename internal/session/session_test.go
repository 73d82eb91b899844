package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCreateThenGetReturnsStats(t *testing.T) {
	m := New()
	clientID, serverID := uuid.New(), uuid.New()

	sessionID := m.Create(clientID, serverID)
	stats, ok := m.Get(sessionID)
	require.True(t, ok)
	require.Equal(t, clientID, stats.ClientID)
	require.Equal(t, serverID, stats.ServerID)
	require.Equal(t, uint64(0), stats.RequestCount)
}

func TestTouchIncrementsRequestCount(t *testing.T) {
	m := New()
	sessionID := m.Create(uuid.New(), uuid.New())

	m.Touch(sessionID)
	m.Touch(sessionID)
	stats, ok := m.Get(sessionID)
	require.True(t, ok)
	require.Equal(t, uint64(2), stats.RequestCount)
}

func TestTouchUnknownSessionIsNoOp(t *testing.T) {
	m := New()
	m.Touch(uuid.New())
}

func TestForClientFollowsMostRecentSession(t *testing.T) {
	m := New()
	clientID := uuid.New()

	first := m.Create(clientID, uuid.New())
	second := m.Create(clientID, uuid.New())

	got, ok := m.ForClient(clientID)
	require.True(t, ok)
	require.Equal(t, second, got)
	require.NotEqual(t, first, got)
}

func TestCountReflectsLiveSessions(t *testing.T) {
	m := New()
	require.Equal(t, 0, m.Count())
	m.Create(uuid.New(), uuid.New())
	m.Create(uuid.New(), uuid.New())
	require.Equal(t, 2, m.Count())
}
