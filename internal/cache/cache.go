// Package cache implements the Ciphertext Cache (component F): a two-tier
// cache derived from the Ciphertext Store, sharded by id so no lock is held
// across an engine call, per §5's shared-resource policy. The hot tier is
// bounded by entry count and evicted LRU; the warm tier is bounded by total
// bytes and evicted LFU. Pinned entries are excluded from both.
package cache

import (
	"container/list"
	"hash/fnv"
	"math"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

type hotEntry struct {
	id      uuid.UUID
	payload []byte
}

type warmEntry struct {
	payload []byte
	freq    int
}

type shard struct {
	mu sync.Mutex

	hotList  *list.List // front = most recently used
	hotIndex map[uuid.UUID]*list.Element
	hotMax   int

	warm     map[uuid.UUID]*warmEntry
	warmMax  int
	warmUsed int

	pins map[uuid.UUID]int
}

func newShard(hotMax, warmMax int) *shard {
	return &shard{
		hotList:  list.New(),
		hotIndex: make(map[uuid.UUID]*list.Element),
		hotMax:   hotMax,
		warm:     make(map[uuid.UUID]*warmEntry),
		warmMax:  warmMax,
		pins:     make(map[uuid.UUID]int),
	}
}

// Cache is the process-wide sharded hot/warm cache.
type Cache struct {
	shards []*shard
}

// New constructs a cache with numShards shards, each sized to a fair share
// of hotCountBound entries and warmByteBoundBytes bytes.
func New(numShards, hotCountBound, warmByteBoundBytes int) *Cache {
	if numShards < 1 {
		numShards = 1
	}
	perShardHot := hotCountBound / numShards
	if perShardHot < 1 {
		perShardHot = 1
	}
	perShardWarm := warmByteBoundBytes / numShards
	if perShardWarm < 1 {
		perShardWarm = 1
	}
	c := &Cache{shards: make([]*shard, numShards)}
	for i := range c.shards {
		c.shards[i] = newShard(perShardHot, perShardWarm)
	}
	return c
}

func (c *Cache) shardFor(id uuid.UUID) *shard {
	h := fnv.New32a()
	h.Write(id[:])
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns id's payload if resident in either tier, promoting a warm hit
// to hot.
func (c *Cache) Get(id uuid.UUID) ([]byte, bool) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.hotIndex[id]; ok {
		s.hotList.MoveToFront(el)
		return el.Value.(*hotEntry).payload, true
	}
	if w, ok := s.warm[id]; ok {
		w.freq++
		payload := w.payload
		delete(s.warm, id)
		s.warmUsed -= len(payload)
		s.insertHotLocked(id, payload)
		return payload, true
	}
	return nil, false
}

// Put inserts id into the hot tier, evicting down into warm and, if
// needed, out of warm entirely, to stay within bounds.
func (c *Cache) Put(id uuid.UUID, payload []byte) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	s.insertHotLocked(id, payload)
}

// Pin marks id as backing an in-flight operation, excluding it from
// eviction until Unpin brings its count back to zero. The orchestrator owns
// pin lifetime.
func (c *Cache) Pin(id uuid.UUID) {
	s := c.shardFor(id)
	s.mu.Lock()
	s.pins[id]++
	s.mu.Unlock()
}

// Unpin releases one pin on id.
func (c *Cache) Unpin(id uuid.UUID) {
	s := c.shardFor(id)
	s.mu.Lock()
	if n := s.pins[id] - 1; n > 0 {
		s.pins[id] = n
	} else {
		delete(s.pins, id)
	}
	s.mu.Unlock()
}

// Invalidate removes id from both tiers unconditionally — including while
// pinned — so that a delete or expiry in the Ciphertext Store can never
// leave a stale cache entry behind.
func (c *Cache) Invalidate(id uuid.UUID) {
	s := c.shardFor(id)
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
}

func (s *shard) removeLocked(id uuid.UUID) {
	if el, ok := s.hotIndex[id]; ok {
		s.hotList.Remove(el)
		delete(s.hotIndex, id)
		return
	}
	if w, ok := s.warm[id]; ok {
		s.warmUsed -= len(w.payload)
		delete(s.warm, id)
	}
}

func (s *shard) insertHotLocked(id uuid.UUID, payload []byte) {
	el := s.hotList.PushFront(&hotEntry{id: id, payload: payload})
	s.hotIndex[id] = el

	for len(s.hotIndex) > s.hotMax {
		victim := s.hotList.Back()
		for victim != nil && s.pins[victim.Value.(*hotEntry).id] > 0 {
			victim = victim.Prev()
		}
		if victim == nil {
			// Every hot entry is pinned; let the tier overflow rather than
			// evict something an in-flight op depends on.
			break
		}
		he := victim.Value.(*hotEntry)
		s.hotList.Remove(victim)
		delete(s.hotIndex, he.id)
		s.insertWarmLocked(he.id, he.payload)
	}
}

func (s *shard) insertWarmLocked(id uuid.UUID, payload []byte) {
	s.warm[id] = &warmEntry{payload: payload, freq: 1}
	s.warmUsed += len(payload)

	for s.warmUsed > s.warmMax {
		victimID, ok := s.leastFrequentUnpinnedLocked()
		if !ok {
			break
		}
		s.warmUsed -= len(s.warm[victimID].payload)
		delete(s.warm, victimID)
	}
}

func (s *shard) leastFrequentUnpinnedLocked() (uuid.UUID, bool) {
	minFreq := math.MaxInt
	var victim uuid.UUID
	found := false
	for id, w := range s.warm {
		if s.pins[id] > 0 {
			continue
		}
		if w.freq < minFreq {
			minFreq = w.freq
			victim = id
			found = true
		}
	}
	return victim, found
}

// ShardBalance reports how evenly occupancy is spread across shards, via
// gonum/stat. A hash-sharded cache with good key distribution should show a
// StdDev small relative to Mean; a persistently skewed ratio points at a
// pathological id distribution upstream (e.g. a client minting ids from a
// narrow generator) rather than a cache bug.
type ShardBalance struct {
	MeanHotEntries   float64
	StdDevHotEntries float64
}

// Balance computes ShardBalance over the cache's current shard occupancy.
func (c *Cache) Balance() ShardBalance {
	counts := make([]float64, len(c.shards))
	for i, s := range c.shards {
		s.mu.Lock()
		counts[i] = float64(len(s.hotIndex))
		s.mu.Unlock()
	}
	return ShardBalance{
		MeanHotEntries:   stat.Mean(counts, nil),
		StdDevHotEntries: stat.StdDev(counts, nil),
	}
}
