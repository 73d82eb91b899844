// Package enginepool implements the Engine Pool (component E): a bounded
// set of engines per parameter set, checked out under a timeout and
// returned with an outcome that quarantines failed engines and lazily
// grows or shrinks the pool between a low- and high-water mark. Grounded
// on the teacher's channel-based free-list idiom in its opaque engine pool,
// generalized from a single fixed-size pool of one parameter set to many
// pools keyed by parameter-set id.
package enginepool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cipherrelay/gateway/internal/engine"
	"github.com/cipherrelay/gateway/internal/gatewayerr"
	"github.com/cipherrelay/gateway/internal/params"
)

// Stats is a point-in-time snapshot of a subpool's occupancy.
type Stats struct {
	Idle            int
	InUse           int
	Total           int
	FailedLifetime  int
}

type idleEngine struct {
	e     *engine.Engine
	since time.Time
}

// subpool is the set of engines bound to one parameter set.
type subpool struct {
	ps     *params.Set
	scheme engine.Scheme

	mu             sync.Mutex
	total          int
	nextID         int
	failedLifetime int

	low, high int
	idle      chan idleEngine
}

func newSubpool(ps *params.Set, scheme engine.Scheme, low, high int) *subpool {
	return &subpool{
		ps:     ps,
		scheme: scheme,
		low:    low,
		high:   high,
		idle:   make(chan idleEngine, high),
	}
}

func (sp *subpool) spawnLocked() *engine.Engine {
	id := fmt.Sprintf("%s/%d", sp.ps.ID(), sp.nextID)
	sp.nextID++
	sp.total++
	return engine.New(id, sp.ps, sp.scheme)
}

// Lease is a checked-out engine. Callers must call Pool.Return exactly once
// per lease.
type Lease struct {
	engine *engine.Engine
	sp     *subpool
}

// Engine exposes the underlying engine for encrypt/decrypt/concat/refresh
// calls.
func (l *Lease) Engine() *engine.Engine { return l.engine }

// Keygen runs a single keygen call on the leased engine.
func (l *Lease) Keygen() (public, private, evaluation []byte, err error) {
	return l.engine.Keygen()
}

// Pool owns one subpool per distinct parameter set.
type Pool struct {
	scheme engine.Scheme
	low    int
	high   int

	mu       sync.Mutex
	subpools map[string]*subpool
}

// New constructs a pool that lazily creates a subpool, bounded to
// [low, high] live engines, for every distinct parameter set it is asked to
// serve.
func New(scheme engine.Scheme, low, high int) *Pool {
	if low < 0 {
		low = 0
	}
	if high < 1 {
		high = 1
	}
	if low > high {
		low = high
	}
	return &Pool{scheme: scheme, low: low, high: high, subpools: make(map[string]*subpool)}
}

func (p *Pool) subpoolFor(ps *params.Set) *subpool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.subpools[ps.ID()]
	if !ok {
		sp = newSubpool(ps, p.scheme, p.low, p.high)
		p.subpools[ps.ID()] = sp
	}
	return sp
}

// Checkout returns an idle engine for ps, growing the subpool up to the
// high-water mark before blocking, and blocking (subject to ctx and
// timeout) once the pool is saturated. This is an explicit suspension
// point, per §5.
func (p *Pool) Checkout(ctx context.Context, ps *params.Set, timeout time.Duration) (*Lease, error) {
	sp := p.subpoolFor(ps)

	select {
	case ie := <-sp.idle:
		return &Lease{engine: ie.e, sp: sp}, nil
	default:
	}

	sp.mu.Lock()
	if sp.total < sp.high {
		e := sp.spawnLocked()
		sp.mu.Unlock()
		return &Lease{engine: e, sp: sp}, nil
	}
	sp.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case ie := <-sp.idle:
		return &Lease{engine: ie.e, sp: sp}, nil
	case <-cctx.Done():
		return nil, gatewayerr.New(gatewayerr.CodeExhausted, "engine-pool-exhausted: checkout timed out")
	}
}

// Return hands a leased engine back. outcome is informational only — the
// Engine wrapper (internal/engine) already transitions the engine itself to
// StateFailed on a genuine scheme failure and leaves it alone on an
// ordinary domain error (bad input, exhausted budget, and similar), so
// quarantine decisions key off State, not off whether the caller's op
// happened to fail.
func (p *Pool) Return(lease *Lease, outcome error) {
	sp := lease.sp
	_ = outcome
	if lease.engine.State() == engine.StateFailed {
		sp.mu.Lock()
		sp.total--
		sp.failedLifetime++
		sp.mu.Unlock()
		return
	}

	select {
	case sp.idle <- idleEngine{e: lease.engine, since: time.Now()}:
	default:
		// Idle channel is at the high-water-mark capacity already; this
		// should not happen since total never exceeds high, but fail safe
		// by dropping the engine rather than leaking a goroutine-blocking
		// send.
		sp.mu.Lock()
		sp.total--
		sp.mu.Unlock()
	}
}

// Shrink drains each subpool's idle engines, keeping at least its
// low-water mark and dropping anything idle longer than idleTTL beyond
// that. Intended to run on a periodic sweep alongside the ciphertext
// store's own sweeper.
func (p *Pool) Shrink(idleTTL time.Duration) {
	p.mu.Lock()
	pools := make([]*subpool, 0, len(p.subpools))
	for _, sp := range p.subpools {
		pools = append(pools, sp)
	}
	p.mu.Unlock()

	for _, sp := range pools {
		sp.shrink(idleTTL)
	}
}

func (sp *subpool) shrink(idleTTL time.Duration) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	now := time.Now()
	var keep []idleEngine
	for {
		select {
		case ie := <-sp.idle:
			if len(keep) < sp.low || now.Sub(ie.since) < idleTTL {
				keep = append(keep, ie)
				continue
			}
			sp.total--
		default:
			for _, ie := range keep {
				sp.idle <- ie
			}
			return
		}
	}
}

// StartSweeper launches the periodic shrink goroutine and returns a stop
// function, mirroring the ciphertext store's sweeper idiom.
func (p *Pool) StartSweeper(interval, idleTTL time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Shrink(idleTTL)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// StatsFor reports the current occupancy for ps's subpool, or a zero Stats
// if no subpool has been created for it yet.
func (p *Pool) StatsFor(ps *params.Set) Stats {
	p.mu.Lock()
	sp, ok := p.subpools[ps.ID()]
	p.mu.Unlock()
	if !ok {
		return Stats{}
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	idle := len(sp.idle)
	return Stats{
		Idle:           idle,
		InUse:          sp.total - idle,
		Total:          sp.total,
		FailedLifetime: sp.failedLifetime,
	}
}
