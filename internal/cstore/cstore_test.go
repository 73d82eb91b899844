package cstore

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	owner := uuid.New()
	id, err := s.Put(owner, "ps1", []byte("payload"), OriginEncrypt, nil, NominalMaxNoise, time.Hour)
	require.NoError(t, err)

	h, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, owner, h.Owner)
	require.Equal(t, []byte("payload"), h.Payload)
	require.Equal(t, StatusActive, h.Status)
}

func TestPutBelowUsableThresholdIsImmediatelyExhausted(t *testing.T) {
	s := New()
	id, err := s.Put(uuid.New(), "ps1", []byte("x"), OriginOpResult, nil, MinimumUsableThreshold-1, time.Hour)
	require.NoError(t, err)

	_, err = s.Get(id)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exhausted")
}

func TestApplyNoiseCostExhaustsBelowThreshold(t *testing.T) {
	s := New()
	id, err := s.Put(uuid.New(), "ps1", []byte("x"), OriginEncrypt, nil, MinimumUsableThreshold+5, time.Hour)
	require.NoError(t, err)

	_, err = s.ApplyNoiseCost(id, 10)
	require.NoError(t, err)

	h, err := s.Validate(id)
	require.NoError(t, err)
	require.Equal(t, StatusExhausted, h.Status)

	_, err = s.ApplyNoiseCost(id, 1)
	require.Error(t, err)
}

func TestRestoreNoiseCapsAtNominalMax(t *testing.T) {
	s := New()
	id, err := s.Put(uuid.New(), "ps1", []byte("x"), OriginEncrypt, nil, MinimumUsableThreshold, time.Hour)
	require.NoError(t, err)

	h, err := s.RestoreNoise(id, NominalMaxNoise*2)
	require.NoError(t, err)
	require.Equal(t, NominalMaxNoise, h.NoiseBudget)
}

func TestDeleteThenGetIsUnknown(t *testing.T) {
	s := New()
	id, err := s.Put(uuid.New(), "ps1", []byte("x"), OriginEncrypt, nil, NominalMaxNoise, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Delete(id))

	_, err = s.Get(id)
	require.Error(t, err)
}

func TestLineageOverflowRejected(t *testing.T) {
	s := New()
	lineage := make([]uuid.UUID, MaxLineageDepth+1)
	for i := range lineage {
		lineage[i] = uuid.New()
	}
	_, err := s.Put(uuid.New(), "ps1", []byte("x"), OriginOpResult, lineage, NominalMaxNoise, time.Hour)
	require.Error(t, err)
}

func TestExpiryZeroesPayloadAfterTTL(t *testing.T) {
	s := New()
	id, err := s.Put(uuid.New(), "ps1", []byte("x"), OriginEncrypt, nil, NominalMaxNoise, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = s.Get(id)
	require.Error(t, err)
	require.Contains(t, err.Error(), "expired")
}

func TestSweepExpiresRecordPastTTL(t *testing.T) {
	s := New()
	id, err := s.Put(uuid.New(), "ps1", []byte("x"), OriginEncrypt, nil, NominalMaxNoise, time.Nanosecond)
	require.NoError(t, err)

	expired, _ := s.Sweep()
	require.Equal(t, 1, expired)

	h, err := s.Validate(id)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, h.Status)
}
