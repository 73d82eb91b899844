package cache

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGetPutRoundTrip(t *testing.T) {
	c := New(1, 8, 1<<20)
	id := uuid.New()
	c.Put(id, []byte("payload"))

	got, ok := c.Get(id)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
}

func TestPinnedEntrySurvivesEviction(t *testing.T) {
	c := New(1, 2, 1<<20)
	pinned := uuid.New()
	c.Put(pinned, []byte("keep"))
	c.Pin(pinned)

	for i := 0; i < 10; i++ {
		c.Put(uuid.New(), []byte("filler"))
	}

	_, ok := c.Get(pinned)
	require.True(t, ok, "a pinned entry must never be evicted")
	c.Unpin(pinned)
}

func TestInvalidateRemovesEvenWhilePinned(t *testing.T) {
	c := New(1, 8, 1<<20)
	id := uuid.New()
	c.Put(id, []byte("payload"))
	c.Pin(id)
	c.Invalidate(id)

	_, ok := c.Get(id)
	require.False(t, ok)
}

func TestWarmPromotionOnGet(t *testing.T) {
	c := New(1, 1, 1<<20)
	a := uuid.New()
	b := uuid.New()
	c.Put(a, []byte("a"))
	c.Put(b, []byte("b")) // evicts a's hot entry into warm, since hotMax=1

	got, ok := c.Get(a)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got)
}

func TestBalanceReportsShardOccupancy(t *testing.T) {
	c := New(4, 64, 1<<20)
	for i := 0; i < 16; i++ {
		c.Put(uuid.New(), []byte("x"))
	}
	bal := c.Balance()
	require.GreaterOrEqual(t, bal.MeanHotEntries, 0.0)
}
