// Package orchestrator implements the Request Orchestrator (component I):
// it binds every other component and executes the fixed six-step request
// flow of §4.I, translating each subcomponent's error through unchanged and
// guaranteeing that partial state is never observable — either a ciphertext
// id is surfaced or the store never saw a Put for it.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cipherrelay/gateway/internal/accountant"
	"github.com/cipherrelay/gateway/internal/batch"
	"github.com/cipherrelay/gateway/internal/cache"
	"github.com/cipherrelay/gateway/internal/cstore"
	"github.com/cipherrelay/gateway/internal/enginepool"
	"github.com/cipherrelay/gateway/internal/gatewayerr"
	"github.com/cipherrelay/gateway/internal/keystore"
	"github.com/cipherrelay/gateway/internal/obslog"
	"github.com/cipherrelay/gateway/internal/params"
	"github.com/cipherrelay/gateway/internal/session"
	"github.com/cipherrelay/gateway/internal/upstream"
	"github.com/cipherrelay/gateway/internal/validate"
)

// Config carries every policy knob the orchestrator needs beyond the
// subcomponents themselves.
type Config struct {
	KeyTTL               time.Duration
	RotationGrace        time.Duration
	CheckoutTimeout      time.Duration
	CiphertextTTL        time.Duration
	ConcatCost           int
	RefreshRestoreTo     int
	UpstreamInitialNoise int
}

// Orchestrator binds components A-K and J behind the six-step flow.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	keys      *keystore.Store
	cts       *cstore.Store
	cache     *cache.Cache
	pool      *enginepool.Pool
	acct      *accountant.Accountant
	val       *validate.Validator
	up        upstream.Adapter
	sess      *session.Manager
	coalescer *batch.Coalescer

	paramsMu sync.RWMutex
	paramSet map[string]*params.Set
}

// New constructs an orchestrator over already-initialized subcomponents,
// per §5's fixed process-init-order requirement.
func New(cfg Config, keys *keystore.Store, cts *cstore.Store, c *cache.Cache, pool *enginepool.Pool, acct *accountant.Accountant, val *validate.Validator, up upstream.Adapter, sess *session.Manager, coalescer *batch.Coalescer) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		log:       obslog.For("orchestrator"),
		keys:      keys,
		cts:       cts,
		cache:     c,
		pool:      pool,
		acct:      acct,
		val:       val,
		up:        up,
		sess:      sess,
		coalescer: coalescer,
		paramSet:  make(map[string]*params.Set),
	}
}

// RegisterParameterSet makes ps resolvable by id for every operation that
// only carries a ciphertext or key record's ParamsID string.
func (o *Orchestrator) RegisterParameterSet(ps *params.Set) {
	o.paramsMu.Lock()
	o.paramSet[ps.ID()] = ps
	o.paramsMu.Unlock()
}

func (o *Orchestrator) resolveParams(id string) (*params.Set, error) {
	o.paramsMu.RLock()
	ps, ok := o.paramSet[id]
	o.paramsMu.RUnlock()
	if !ok {
		return nil, gatewayerr.Newf(gatewayerr.CodeInternal, "unregistered parameter-set id %q", id)
	}
	return ps, nil
}

func failureKind(err error) string {
	if e, ok := gatewayerr.As(err); ok {
		return string(e.Code)
	}
	return string(gatewayerr.CodeInternal)
}

// GenerateKeys runs §4.B's generate, binds a new session to it, and returns
// every id the caller needs.
func (o *Orchestrator) GenerateKeys(ctx context.Context, ps *params.Set, tag string) (clientID, serverID, sessionID uuid.UUID, err error) {
	o.RegisterParameterSet(ps)
	clientID, serverID, err = o.keys.Generate(ctx, o.pool, ps, tag, o.cfg.KeyTTL, o.cfg.CheckoutTimeout)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, err
	}
	sessionID = o.sess.Create(clientID, serverID)
	return clientID, serverID, sessionID, nil
}

// RotateKeys runs §4.B's rotate against the parameter set the client's
// current key pair was created under.
func (o *Orchestrator) RotateKeys(ctx context.Context, clientID uuid.UUID) (newServerID uuid.UUID, err error) {
	ckp, err := o.keys.LookupClient(clientID)
	if err != nil {
		return uuid.Nil, err
	}
	ps, err := o.resolveParams(ckp.ParamsID)
	if err != nil {
		return uuid.Nil, err
	}
	return o.keys.Rotate(ctx, o.pool, ps, clientID, o.cfg.KeyTTL, o.cfg.RotationGrace, o.cfg.CheckoutTimeout)
}

// RevokeKey runs §4.B's revoke.
func (o *Orchestrator) RevokeKey(clientID uuid.UUID) error {
	return o.keys.Revoke(clientID)
}

// resolvePayload implements step 3's ciphertext half: fetch the
// authoritative record from the Ciphertext Store, and keep the cache warm
// with its payload. The Ciphertext Store, not the cache, is authoritative
// for status/noise/owner checks.
func (o *Orchestrator) resolvePayload(id uuid.UUID) (cstore.Record, []byte, error) {
	h, err := o.cts.Get(id)
	if err != nil {
		return cstore.Record{}, nil, err
	}
	if cached, ok := o.cache.Get(id); ok {
		return h.Record, cached, nil
	}
	o.cache.Put(id, h.Payload)
	return h.Record, h.Payload, nil
}

// Encrypt runs the full six-step flow for §4.D's encrypt.
func (o *Orchestrator) Encrypt(ctx context.Context, principal string, clientID uuid.UUID, plaintext []byte) (uuid.UUID, error) {
	if err := o.val.Plaintext(plaintext); err != nil {
		return uuid.Nil, err
	}

	cost, err := o.acct.Admit(principal, accountant.OpEncrypt)
	if err != nil {
		return uuid.Nil, err
	}

	ckp, err := o.keys.LookupClient(clientID)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	ps, err := o.resolveParams(ckp.ParamsID)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}

	lease, err := o.pool.Checkout(ctx, ps, o.cfg.CheckoutTimeout)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	payload, err := lease.Engine().Encrypt(ckp.Public, plaintext)
	o.pool.Return(lease, err)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}

	id, err := o.cts.Put(clientID, ps.ID(), payload, cstore.OriginEncrypt, nil, cstore.NominalMaxNoise, o.cfg.CiphertextTTL)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	o.cache.Put(id, payload)
	o.acct.Settle(principal, cost, false, "")
	return id, nil
}

// Decrypt runs §4.D's decrypt, falling back to the previous key generation
// during a rotation grace window.
func (o *Orchestrator) Decrypt(ctx context.Context, principal string, clientID uuid.UUID, ciphertextID uuid.UUID) ([]byte, error) {
	cost, err := o.acct.Admit(principal, accountant.OpDecrypt)
	if err != nil {
		return nil, err
	}

	rec, payload, err := o.resolvePayload(ciphertextID)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return nil, err
	}
	if rec.Owner != clientID {
		err := gatewayerr.New(gatewayerr.CodeForbidden, "owner-mismatch")
		o.acct.Settle(principal, cost, true, failureKind(err))
		return nil, err
	}

	ckp, err := o.keys.LookupClient(clientID)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return nil, err
	}
	ps, err := o.resolveParams(rec.ParamsID)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return nil, err
	}

	o.cache.Pin(ciphertextID)
	defer o.cache.Unpin(ciphertextID)

	lease, err := o.pool.Checkout(ctx, ps, o.cfg.CheckoutTimeout)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return nil, err
	}
	plaintext, decErr := lease.Engine().Decrypt(ckp.Private, payload)
	if decErr != nil && ckp.Status == keystore.StatusRotating && len(ckp.PrevPrivate) > 0 {
		plaintext, decErr = lease.Engine().Decrypt(ckp.PrevPrivate, payload)
	}
	o.pool.Return(lease, decErr)
	if decErr != nil {
		o.acct.Settle(principal, cost, true, failureKind(decErr))
		return nil, decErr
	}
	o.acct.Settle(principal, cost, false, "")
	return plaintext, nil
}

// Concat runs §4.D's concat over two ciphertexts owned by the same client
// and sharing the same parameter set.
func (o *Orchestrator) Concat(ctx context.Context, principal string, clientID uuid.UUID, idA, idB uuid.UUID) (uuid.UUID, error) {
	cost, err := o.acct.Admit(principal, accountant.OpConcat)
	if err != nil {
		return uuid.Nil, err
	}

	recA, payloadA, err := o.resolvePayload(idA)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	recB, payloadB, err := o.resolvePayload(idB)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	if recA.Owner != clientID || recB.Owner != clientID {
		err := gatewayerr.New(gatewayerr.CodeForbidden, "owner-mismatch")
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	if recA.ParamsID != recB.ParamsID {
		err := gatewayerr.New(gatewayerr.CodeInvalidRequest, "parameter-set-mismatch")
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}

	o.cache.Pin(idA)
	defer o.cache.Unpin(idA)
	o.cache.Pin(idB)
	defer o.cache.Unpin(idB)

	sk, err := o.keys.ServerKeyForClient(clientID)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	ps, err := o.resolveParams(recA.ParamsID)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}

	result, concatErr := o.coalescer.Submit(ctx, "concat", ps, batch.Op{
		Run: func(lease *enginepool.Lease) (any, error) {
			return lease.Engine().Concat(sk.Evaluation, payloadA, payloadB)
		},
	})
	if concatErr != nil {
		o.acct.Settle(principal, cost, true, failureKind(concatErr))
		return uuid.Nil, concatErr
	}
	merged := result.([]byte)

	lineage := make([]uuid.UUID, 0, len(recA.Lineage)+len(recB.Lineage)+2)
	lineage = append(lineage, recA.Lineage...)
	lineage = append(lineage, recB.Lineage...)
	lineage = append(lineage, idA, idB)

	newNoise := recA.NoiseBudget
	if recB.NoiseBudget < newNoise {
		newNoise = recB.NoiseBudget
	}
	newNoise -= o.cfg.ConcatCost

	newID, err := o.cts.Put(clientID, recA.ParamsID, merged, cstore.OriginOpResult, lineage, newNoise, o.cfg.CiphertextTTL)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	o.cache.Put(newID, merged)
	o.acct.Settle(principal, cost, false, "")
	return newID, nil
}

// Refresh runs §4.D's refresh, mutating the ciphertext in place rather than
// minting a new id, and restores its noise budget toward the configured
// target.
func (o *Orchestrator) Refresh(ctx context.Context, principal string, clientID uuid.UUID, id uuid.UUID) error {
	cost, err := o.acct.Admit(principal, accountant.OpRefresh)
	if err != nil {
		return err
	}

	rec, payload, err := o.resolvePayload(id)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return err
	}
	if rec.Owner != clientID {
		err := gatewayerr.New(gatewayerr.CodeForbidden, "owner-mismatch")
		o.acct.Settle(principal, cost, true, failureKind(err))
		return err
	}

	o.cache.Pin(id)
	defer o.cache.Unpin(id)

	sk, err := o.keys.ServerKeyForClient(clientID)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return err
	}
	ps, err := o.resolveParams(rec.ParamsID)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return err
	}

	result, refErr := o.coalescer.Submit(ctx, "refresh", ps, batch.Op{
		Run: func(lease *enginepool.Lease) (any, error) {
			return lease.Engine().Refresh(sk.Evaluation, payload)
		},
	})
	if refErr != nil {
		o.acct.Settle(principal, cost, true, failureKind(refErr))
		return refErr
	}
	refreshed := result.([]byte)

	if err := o.cts.SetPayload(id, refreshed); err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return err
	}
	if _, err := o.cts.RestoreNoise(id, o.cfg.RefreshRestoreTo); err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return err
	}
	o.cache.Invalidate(id)
	o.cache.Put(id, refreshed)
	o.acct.Settle(principal, cost, false, "")
	return nil
}

// UpstreamSubmit runs §4.J's forwarding step: resolve and pin the
// ciphertext, hand it to the adapter, and record the provider's response as
// a fresh ciphertext with origin=upstream.
func (o *Orchestrator) UpstreamSubmit(ctx context.Context, principal string, clientID uuid.UUID, id uuid.UUID, opts upstream.SubmitOptions) (uuid.UUID, error) {
	cost, err := o.acct.Admit(principal, accountant.OpUpstream)
	if err != nil {
		return uuid.Nil, err
	}

	rec, payload, err := o.resolvePayload(id)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	if rec.Owner != clientID {
		err := gatewayerr.New(gatewayerr.CodeForbidden, "owner-mismatch")
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}

	o.cache.Pin(id)
	defer o.cache.Unpin(id)

	result, err := o.up.Submit(ctx, payload, opts)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}

	lineage := append(append([]uuid.UUID{}, rec.Lineage...), id)
	newID, err := o.cts.Put(clientID, rec.ParamsID, result.Payload, cstore.OriginUpstream, lineage, o.cfg.UpstreamInitialNoise, o.cfg.CiphertextTTL)
	if err != nil {
		o.acct.Settle(principal, cost, true, failureKind(err))
		return uuid.Nil, err
	}
	o.cache.Put(newID, result.Payload)
	o.acct.Settle(principal, cost, false, "")
	return newID, nil
}

// ValidateCiphertext is a read-only inspection with no admission or pinning
// side effects, per §4.K.
func (o *Orchestrator) ValidateCiphertext(id uuid.UUID) (cstore.Record, error) {
	h, err := o.cts.Validate(id)
	return h.Record, err
}

// PrivacyInspect exposes a principal's ledger snapshot.
func (o *Orchestrator) PrivacyInspect(principal string) accountant.Ledger {
	return o.acct.Inspect(principal)
}

// PrivacyReset runs the administrative-only reset.
func (o *Orchestrator) PrivacyReset(principal string) {
	o.acct.Reset(principal)
	o.log.Info("privacy budget reset", "principal", principal)
}
