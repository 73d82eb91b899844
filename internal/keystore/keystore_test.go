package keystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cipherrelay/gateway/internal/engine"
	"github.com/cipherrelay/gateway/internal/enginepool"
	"github.com/cipherrelay/gateway/internal/params"
)

func testParams(t *testing.T) *params.Set {
	ps, err := params.New(params.Literal{
		Degree:        8192,
		CoeffModBits:  []int{60, 40, 40, 60},
		ScaleBits:     40,
		SecurityLevel: params.Security128,
	})
	require.NoError(t, err)
	return ps
}

func TestGenerateProducesActivePair(t *testing.T) {
	ps := testParams(t)
	pool := enginepool.New(engine.Simulated{}, 1, 4)
	s := New()

	clientID, serverID, err := s.Generate(context.Background(), pool, ps, "tester", time.Hour, time.Second)
	require.NoError(t, err)

	ckp, err := s.LookupClient(clientID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, ckp.Status)
	require.NotEmpty(t, ckp.Private)

	sk, err := s.LookupServer(serverID)
	require.NoError(t, err)
	require.Equal(t, clientID, sk.OwnerID)
}

func TestRotateGrantsGraceWindowThenFinalizes(t *testing.T) {
	ps := testParams(t)
	pool := enginepool.New(engine.Simulated{}, 1, 4)
	s := New()

	clientID, _, err := s.Generate(context.Background(), pool, ps, "tester", time.Hour, time.Second)
	require.NoError(t, err)
	before, err := s.LookupClient(clientID)
	require.NoError(t, err)

	_, err = s.Rotate(context.Background(), pool, ps, clientID, time.Hour, 20*time.Millisecond, time.Second)
	require.NoError(t, err)

	mid, err := s.LookupClient(clientID)
	require.NoError(t, err)
	require.Equal(t, StatusRotating, mid.Status)
	require.Equal(t, before.Private, mid.PrevPrivate)

	time.Sleep(40 * time.Millisecond)
	after, err := s.LookupClient(clientID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, after.Status)
	require.Empty(t, after.PrevPrivate)
}

func TestRotateAdvancesClientExpiryToNewKeyTTL(t *testing.T) {
	ps := testParams(t)
	pool := enginepool.New(engine.Simulated{}, 1, 4)
	s := New()

	clientID, _, err := s.Generate(context.Background(), pool, ps, "tester", 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	before, err := s.LookupClient(clientID)
	require.NoError(t, err)

	_, err = s.Rotate(context.Background(), pool, ps, clientID, time.Hour, time.Minute, time.Second)
	require.NoError(t, err)

	after, err := s.LookupClient(clientID)
	require.NoError(t, err)
	require.True(t, after.ExpiresAt.After(before.ExpiresAt), "rotating on schedule must push expiry out by the fresh keyTTL, not keep the Generate-time boundary")
}

func TestRevokeMakesLookupFail(t *testing.T) {
	ps := testParams(t)
	pool := enginepool.New(engine.Simulated{}, 1, 4)
	s := New()

	clientID, _, err := s.Generate(context.Background(), pool, ps, "tester", time.Hour, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(clientID))

	_, err = s.LookupClient(clientID)
	require.Error(t, err)
}

func TestServerKeyForClientFollowsRotation(t *testing.T) {
	ps := testParams(t)
	pool := enginepool.New(engine.Simulated{}, 1, 4)
	s := New()

	clientID, firstServerID, err := s.Generate(context.Background(), pool, ps, "tester", time.Hour, time.Second)
	require.NoError(t, err)
	newServerID, err := s.Rotate(context.Background(), pool, ps, clientID, time.Hour, time.Minute, time.Second)
	require.NoError(t, err)
	require.NotEqual(t, firstServerID, newServerID)

	sk, err := s.ServerKeyForClient(clientID)
	require.NoError(t, err)
	require.Equal(t, newServerID, sk.ServerID)
}
