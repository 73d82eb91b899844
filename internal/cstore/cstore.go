// Package cstore implements the Ciphertext Store (component C): ciphertexts
// keyed by id, their noise-budget bookkeeping, TTL expiry and lineage DAG.
// Writes are insert-only for new ids or mutate a single id under its own
// lock, per §5's shared-resource policy; no lock is held across an engine
// call.
package cstore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cipherrelay/gateway/internal/gatewayerr"
)

// Origin is where a ciphertext's bytes came from.
type Origin string

const (
	OriginEncrypt  Origin = "encrypt"
	OriginOpResult Origin = "op-result"
	OriginUpstream Origin = "upstream"
)

// Status mirrors a ciphertext's lifecycle stage.
type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusExpired   Status = "expired"
	StatusDeleted   Status = "deleted"
)

// Noise policy constants. The exact per-operation cost is left as a policy
// knob per §9's open question; these constants are fixed in code and are not
// exposed through internal/config.
const (
	NominalMaxNoise        = 120
	MinimumUsableThreshold = 20
	MaxLineageDepth        = 64
	// AuditWindow is how long an expired record's metadata survives after
	// its payload is zeroed.
	AuditWindow = 10 * time.Minute
)

// Record is one ciphertext's full state. Payload is nil once expired or
// deleted; every other field survives until the audit window closes.
type Record struct {
	ID          uuid.UUID
	Owner       uuid.UUID
	ParamsID    string
	Payload     []byte
	SizeBytes   int
	NoiseBudget int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Origin      Origin
	Lineage     []uuid.UUID
	Status      Status
}

// Handle is the read-only view returned to callers; it never aliases the
// store's internal byte slice for payload-bearing fields outside Payload.
type Handle struct {
	Record
}

type entry struct {
	mu     sync.Mutex
	record Record
}

// Store owns ciphertexts by id. New ids are inserted without blocking
// concurrent readers of other ids; each id mutates under its own lock.
type Store struct {
	entries sync.Map // uuid.UUID -> *entry
}

// New constructs an empty store.
func New() *Store {
	return &Store{}
}

// Put assigns a fresh id and inserts a new record. initialNoise is supplied
// by the caller: nominal max for encrypt, a parent-derived value for
// op-result, whatever the upstream adapter reports for upstream origin.
func (s *Store) Put(owner uuid.UUID, paramsID string, payload []byte, origin Origin, lineage []uuid.UUID, initialNoise int, ttl time.Duration) (uuid.UUID, error) {
	if len(lineage) > MaxLineageDepth {
		return uuid.Nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "lineage-overflow: depth %d exceeds cap %d", len(lineage), MaxLineageDepth)
	}
	id := uuid.New()
	now := time.Now()
	status := StatusActive
	if initialNoise < MinimumUsableThreshold {
		status = StatusExhausted
	}
	rec := Record{
		ID:          id,
		Owner:       owner,
		ParamsID:    paramsID,
		Payload:     payload,
		SizeBytes:   len(payload),
		NoiseBudget: initialNoise,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Origin:      origin,
		Lineage:     append([]uuid.UUID(nil), lineage...),
		Status:      status,
	}
	s.entries.Store(id, &entry{record: rec})
	return id, nil
}

// Get returns the live record, applying TTL/exhaustion checks. It never
// mutates state beyond the lazy expiry sweep a read can trigger.
func (s *Store) Get(id uuid.UUID) (Handle, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return Handle{}, gatewayerr.New(gatewayerr.CodeNotFound, "unknown-ciphertext")
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	s.expireLocked(e)

	switch e.record.Status {
	case StatusDeleted:
		return Handle{}, gatewayerr.New(gatewayerr.CodeNotFound, "unknown-ciphertext")
	case StatusExpired:
		return Handle{}, gatewayerr.New(gatewayerr.CodeNotFound, "expired-ciphertext")
	case StatusExhausted:
		return Handle{}, gatewayerr.New(gatewayerr.CodeExhausted, "noise-exhausted")
	}
	return Handle{Record: cloneRecord(e.record)}, nil
}

// Validate returns the public-facing status/noise/size/params snapshot
// without any of Get's error-raising side effects.
func (s *Store) Validate(id uuid.UUID) (Handle, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return Handle{}, gatewayerr.New(gatewayerr.CodeNotFound, "unknown-ciphertext")
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.expireLocked(e)
	return Handle{Record: cloneRecord(e.record)}, nil
}

// Delete removes a ciphertext's payload and marks it deleted. Idempotent.
func (s *Store) Delete(id uuid.UUID) error {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record.Payload = nil
	e.record.Status = StatusDeleted
	return nil
}

// ApplyNoiseCost decrements id's noise budget by cost, flipping it to
// exhausted if it falls below the usable threshold. Returns the resulting
// record snapshot.
func (s *Store) ApplyNoiseCost(id uuid.UUID, cost int) (Handle, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return Handle{}, gatewayerr.New(gatewayerr.CodeNotFound, "unknown-ciphertext")
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.expireLocked(e)
	if e.record.Status != StatusActive {
		return Handle{}, gatewayerr.New(gatewayerr.CodeExhausted, "noise-exhausted")
	}
	e.record.NoiseBudget -= cost
	if e.record.NoiseBudget < MinimumUsableThreshold {
		e.record.Status = StatusExhausted
	}
	return Handle{Record: cloneRecord(e.record)}, nil
}

// RestoreNoise is used by refresh: it raises the budget back toward
// NominalMaxNoise without exceeding it, and is only legal above the
// minimum-usable threshold (a ciphertext that has already gone exhausted
// cannot be refreshed back to life in this simulation, mirroring a real
// scheme's limits on bootstrapping a fully-consumed ciphertext).
func (s *Store) RestoreNoise(id uuid.UUID, restoreTo int) (Handle, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return Handle{}, gatewayerr.New(gatewayerr.CodeNotFound, "unknown-ciphertext")
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.expireLocked(e)
	if e.record.Status != StatusActive {
		return Handle{}, gatewayerr.New(gatewayerr.CodeExhausted, "noise-exhausted")
	}
	if e.record.NoiseBudget < MinimumUsableThreshold {
		return Handle{}, gatewayerr.New(gatewayerr.CodeExhausted, "noise-exhausted")
	}
	if restoreTo > e.record.NoiseBudget {
		e.record.NoiseBudget = restoreTo
	}
	if e.record.NoiseBudget > NominalMaxNoise {
		e.record.NoiseBudget = NominalMaxNoise
	}
	return Handle{Record: cloneRecord(e.record)}, nil
}

// SetPayload overwrites the stored payload, used after op-results and
// refresh produce a new wire form for the same id... actually new ids are
// always minted for op-results (Put); SetPayload exists only for refresh,
// which mutates the same ciphertext id in place per §4.D's contract that
// refresh returns c' derived from c without introducing a new lineage edge.
func (s *Store) SetPayload(id uuid.UUID, payload []byte) error {
	v, ok := s.entries.Load(id)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeNotFound, "unknown-ciphertext")
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.Status != StatusActive {
		return gatewayerr.New(gatewayerr.CodeExhausted, "noise-exhausted")
	}
	e.record.Payload = payload
	e.record.SizeBytes = len(payload)
	return nil
}

// expireLocked must be called with e.mu held. It flips active/exhausted
// records past ExpiresAt to expired and zeroes the payload, then drops the
// record entirely once the audit window has closed.
func (s *Store) expireLocked(e *entry) {
	now := time.Now()
	if (e.record.Status == StatusActive || e.record.Status == StatusExhausted) && now.After(e.record.ExpiresAt) {
		e.record.Status = StatusExpired
		e.record.Payload = nil
	}
	if e.record.Status == StatusExpired && now.After(e.record.ExpiresAt.Add(AuditWindow)) {
		e.record.Status = StatusDeleted
	}
}

// Sweep walks every record and expires/prunes the ones past their window.
// Intended to be driven by a periodic goroutine started at process init,
// mirroring the teacher's own StartHeartbeatCleanup pattern.
func (s *Store) Sweep() (expired, pruned int) {
	s.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		before := e.record.Status
		s.expireLocked(e)
		after := e.record.Status
		e.mu.Unlock()
		if before != StatusExpired && after == StatusExpired {
			expired++
		}
		if after == StatusDeleted {
			id := key.(uuid.UUID)
			s.entries.Delete(id)
			pruned++
		}
		return true
	})
	return expired, pruned
}

// StartSweeper launches the periodic sweep goroutine and returns a stop
// function. Mirrors the teacher's heartbeat-cleanup goroutine idiom.
func (s *Store) StartSweeper(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func cloneRecord(r Record) Record {
	cp := r
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	cp.Lineage = append([]uuid.UUID(nil), r.Lineage...)
	return cp
}
