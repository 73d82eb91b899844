// Package keystore implements the Key Store (component B): client/server
// key pairs keyed by id, with rotation, revocation, expiry and the
// process-wide invariant that private-part bytes never leave this package
// except as the raw slice handed to an Engine.Decrypt call. Reads are not
// lock-free: lookups take the same per-id mutex that mutation holds, and
// mutation replaces an entry's snapshot copy-on-write under that lock.
package keystore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cipherrelay/gateway/internal/enginepool"
	"github.com/cipherrelay/gateway/internal/gatewayerr"
	"github.com/cipherrelay/gateway/internal/params"
)

// Status is shared by ClientKeyPair and ServerKey.
type Status string

const (
	StatusActive   Status = "active"
	StatusRotating Status = "rotating"
	StatusRevoked  Status = "revoked"
)

// ClientKeyPair is the client-held key material, per §3. Private is never
// transmitted off the process; callers receive it only to hand straight to
// an Engine.Decrypt call.
type ClientKeyPair struct {
	ClientID  uuid.UUID
	Tag       string
	Public    []byte
	Private   []byte
	ParamsID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    Status

	// Previous generation, populated only while Status == rotating so that
	// both old and new material can decrypt during the grace window.
	PrevPublic    []byte
	PrevPrivate   []byte
	PrevExpiresAt time.Time
}

// ServerKey is the evaluation-side material, per §3. Many server-ids may
// point at one client-id over a rotation history, but only one is current
// at a time.
type ServerKey struct {
	ServerID   uuid.UUID
	OwnerID    uuid.UUID
	Evaluation []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Status     Status
}

type clientEntry struct {
	mu      sync.Mutex
	current *ClientKeyPair
}

type serverEntry struct {
	mu      sync.Mutex
	current *ServerKey
}

// Store owns every client and server key by id.
type Store struct {
	clients sync.Map // uuid.UUID -> *clientEntry
	servers sync.Map // uuid.UUID -> *serverEntry

	// clientServer tracks each client's current server-id so Rotate can
	// find the ServerKey to age out without a linear scan.
	clientServerMu sync.Mutex
	clientServer   map[uuid.UUID]uuid.UUID
}

// New constructs an empty store.
func New() *Store {
	return &Store{clientServer: make(map[uuid.UUID]uuid.UUID)}
}

// Generate creates a fresh ClientKeyPair and paired ServerKey by checking
// out an engine from pool and running keygen on it, per §4.B.
func (s *Store) Generate(ctx context.Context, pool *enginepool.Pool, ps *params.Set, tag string, keyTTL, checkoutTimeout time.Duration) (clientID, serverID uuid.UUID, err error) {
	lease, err := pool.Checkout(ctx, ps, checkoutTimeout)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	public, private, evaluation, err := lease.Keygen()
	pool.Return(lease, err)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	now := time.Now()
	clientID = uuid.New()
	serverID = uuid.New()

	ckp := &ClientKeyPair{
		ClientID:  clientID,
		Tag:       tag,
		Public:    public,
		Private:   private,
		ParamsID:  ps.ID(),
		CreatedAt: now,
		ExpiresAt: now.Add(keyTTL),
		Status:    StatusActive,
	}
	sk := &ServerKey{
		ServerID:   serverID,
		OwnerID:    clientID,
		Evaluation: evaluation,
		CreatedAt:  now,
		ExpiresAt:  now.Add(keyTTL),
		Status:     StatusActive,
	}

	s.clients.Store(clientID, &clientEntry{current: ckp})
	s.servers.Store(serverID, &serverEntry{current: sk})

	s.clientServerMu.Lock()
	s.clientServer[clientID] = serverID
	s.clientServerMu.Unlock()

	return clientID, serverID, nil
}

// LookupClient returns a snapshot of a client key pair, applying the
// rotating->active grace finalization lazily.
func (s *Store) LookupClient(id uuid.UUID) (ClientKeyPair, error) {
	v, ok := s.clients.Load(id)
	if !ok {
		return ClientKeyPair{}, gatewayerr.New(gatewayerr.CodeNotFound, "unknown-key")
	}
	e := v.(*clientEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.finalizeClientRotationLocked(e)

	switch e.current.Status {
	case StatusRevoked:
		return ClientKeyPair{}, gatewayerr.New(gatewayerr.CodeNotFound, "revoked-key")
	}
	if time.Now().After(e.current.ExpiresAt) && e.current.Status != StatusRotating {
		return ClientKeyPair{}, gatewayerr.New(gatewayerr.CodeNotFound, "expired-key")
	}
	return cloneClient(*e.current), nil
}

// LookupServer returns a snapshot of a server key.
func (s *Store) LookupServer(id uuid.UUID) (ServerKey, error) {
	v, ok := s.servers.Load(id)
	if !ok {
		return ServerKey{}, gatewayerr.New(gatewayerr.CodeNotFound, "unknown-key")
	}
	e := v.(*serverEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current.Status == StatusRevoked {
		return ServerKey{}, gatewayerr.New(gatewayerr.CodeNotFound, "revoked-key")
	}
	if time.Now().After(e.current.ExpiresAt) && e.current.Status != StatusRotating {
		return ServerKey{}, gatewayerr.New(gatewayerr.CodeNotFound, "expired-key")
	}
	return *e.current, nil
}

// ServerKeyForClient returns the current server key backing clientID's
// evaluation material, used by concat/refresh, which only ever receive a
// client-id from the caller.
func (s *Store) ServerKeyForClient(clientID uuid.UUID) (ServerKey, error) {
	s.clientServerMu.Lock()
	serverID, ok := s.clientServer[clientID]
	s.clientServerMu.Unlock()
	if !ok {
		return ServerKey{}, gatewayerr.New(gatewayerr.CodeNotFound, "unknown-key")
	}
	return s.LookupServer(serverID)
}

// Rotate atomically transitions the current server key and client key pair
// to rotating with a bounded grace window, mints new material via pool, and
// returns the new server-id. During grace both generations decrypt and
// evaluate. keyTTL resets the rotated pair's own expiry the same way
// Generate sets it initially, so a client that rotates on schedule never
// runs into the original Generate-time boundary.
func (s *Store) Rotate(ctx context.Context, pool *enginepool.Pool, ps *params.Set, clientID uuid.UUID, keyTTL, grace, checkoutTimeout time.Duration) (newServerID uuid.UUID, err error) {
	cv, ok := s.clients.Load(clientID)
	if !ok {
		return uuid.Nil, gatewayerr.New(gatewayerr.CodeNotFound, "unknown-key")
	}
	ce := cv.(*clientEntry)

	ce.mu.Lock()
	defer ce.mu.Unlock()
	s.finalizeClientRotationLocked(ce)

	if ce.current.Status == StatusRevoked {
		return uuid.Nil, gatewayerr.New(gatewayerr.CodeNotFound, "revoked-key")
	}

	lease, err := pool.Checkout(ctx, ps, checkoutTimeout)
	if err != nil {
		return uuid.Nil, err
	}
	public, private, evaluation, err := lease.Keygen()
	pool.Return(lease, err)
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now()
	graceEnd := now.Add(grace)

	s.clientServerMu.Lock()
	oldServerID := s.clientServer[clientID]
	newServerID = uuid.New()
	s.clientServer[clientID] = newServerID
	s.clientServerMu.Unlock()

	if sv, ok := s.servers.Load(oldServerID); ok {
		se := sv.(*serverEntry)
		se.mu.Lock()
		old := *se.current
		old.Status = StatusRotating
		old.ExpiresAt = graceEnd
		se.current = &old
		se.mu.Unlock()
	}

	s.servers.Store(newServerID, &serverEntry{current: &ServerKey{
		ServerID:   newServerID,
		OwnerID:    clientID,
		Evaluation: evaluation,
		CreatedAt:  now,
		ExpiresAt:  now.Add(keyTTL), // new generation's own nominal TTL, independent of the grace window
		Status:     StatusActive,
	}})

	next := *ce.current
	next.PrevPublic = ce.current.Public
	next.PrevPrivate = ce.current.Private
	next.PrevExpiresAt = graceEnd
	next.Public = public
	next.Private = private
	next.ExpiresAt = now.Add(keyTTL)
	next.Status = StatusRotating
	ce.current = &next

	return newServerID, nil
}

// Revoke transitions a client key pair straight to revoked and zeroizes its
// private material (both generations, if mid-rotation).
func (s *Store) Revoke(clientID uuid.UUID) error {
	v, ok := s.clients.Load(clientID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeNotFound, "unknown-key")
	}
	e := v.(*clientEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	zero(e.current.Private)
	zero(e.current.PrevPrivate)
	next := *e.current
	next.Private = nil
	next.PrevPrivate = nil
	next.Status = StatusRevoked
	e.current = &next
	return nil
}

// finalizeClientRotationLocked must be called with e.mu held. Once the
// grace window closes, the previous generation's private bytes are
// zeroized in place and the pair returns to active, satisfying "after
// rotation grace ends, the previous private material no longer exists in
// process memory".
func (s *Store) finalizeClientRotationLocked(e *clientEntry) {
	if e.current.Status != StatusRotating {
		return
	}
	if time.Now().Before(e.current.PrevExpiresAt) {
		return
	}
	zero(e.current.PrevPrivate)
	next := *e.current
	next.PrevPublic = nil
	next.PrevPrivate = nil
	next.Status = StatusActive
	e.current = &next
}

// SweepRotations finalizes every client/server pair whose grace window has
// closed. Intended to run on the same periodic cadence as the ciphertext
// store's sweeper.
func (s *Store) SweepRotations() {
	s.clients.Range(func(_, value any) bool {
		e := value.(*clientEntry)
		e.mu.Lock()
		s.finalizeClientRotationLocked(e)
		e.mu.Unlock()
		return true
	})
	s.servers.Range(func(_, value any) bool {
		e := value.(*serverEntry)
		e.mu.Lock()
		if e.current.Status == StatusRotating && time.Now().After(e.current.ExpiresAt) {
			zero(e.current.Evaluation)
			next := *e.current
			next.Evaluation = nil
			next.Status = StatusRevoked
			e.current = &next
		}
		e.mu.Unlock()
		return true
	})
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func cloneClient(c ClientKeyPair) ClientKeyPair {
	cp := c
	cp.Public = append([]byte(nil), c.Public...)
	cp.Private = append([]byte(nil), c.Private...)
	cp.PrevPublic = append([]byte(nil), c.PrevPublic...)
	cp.PrevPrivate = append([]byte(nil), c.PrevPrivate...)
	return cp
}
