// Package batch implements the Batch Coalescer (component G): a
// single-threaded coordinator per operation-kind that accepts submissions
// into an open batch, seals it on a size or wait-time threshold, and
// dispatches all sealed ops on one checked-out engine — sequentially, or in
// parallel when the engine declares thread-safety — fanning results back
// to each submitter in submission order.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/cipherrelay/gateway/internal/enginepool"
	"github.com/cipherrelay/gateway/internal/gatewayerr"
	"github.com/cipherrelay/gateway/internal/params"
)

// Op is one unit of work submitted into a batch. Run executes the op
// against the leased engine and returns its result.
type Op struct {
	Run func(lease *enginepool.Lease) (any, error)
}

type submission struct {
	op     Op
	result chan opResult
}

type opResult struct {
	value any
	err   error
}

// Kind names one operation-kind's coalescer, e.g. "concat" or "refresh".
type Kind string

// Coalescer runs one single-threaded coordinator goroutine per (kind,
// parameter-set) pair it is asked to serve.
type Coalescer struct {
	pool         *enginepool.Pool
	sizeThresh   int
	waitThresh   time.Duration
	leaseTimeout time.Duration

	mu    sync.Mutex
	lines map[string]*coordinatorLine
}

type coordinatorLine struct {
	ps     *params.Set
	submit chan *submission
}

// New constructs a coalescer dispatching through pool, sealing a batch once
// it reaches sizeThresh submissions or waitThresh has elapsed since the
// first submission in the open batch, whichever comes first.
func New(pool *enginepool.Pool, sizeThresh int, waitThresh, leaseTimeout time.Duration) *Coalescer {
	if sizeThresh < 1 {
		sizeThresh = 1
	}
	return &Coalescer{
		pool:         pool,
		sizeThresh:   sizeThresh,
		waitThresh:   waitThresh,
		leaseTimeout: leaseTimeout,
		lines:        make(map[string]*coordinatorLine),
	}
}

func (c *Coalescer) lineFor(kind Kind, ps *params.Set) *coordinatorLine {
	key := string(kind) + "/" + ps.ID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lines[key]; ok {
		return l
	}
	l := &coordinatorLine{ps: ps, submit: make(chan *submission, c.sizeThresh*4)}
	c.lines[key] = l
	go c.run(l)
	return l
}

// Submit enqueues op into the open batch for (kind, ps) and blocks until
// the batch it lands in completes or ctx is done. If ctx is done before the
// op is enqueued, the op is not enqueued. Once enqueued, the op is never
// removed from its batch, sealed or not: if ctx is done later, Submit
// returns ctx.Err() at once without waiting for the batch, and the op still
// runs with its result discarded.
func (c *Coalescer) Submit(ctx context.Context, kind Kind, ps *params.Set, op Op) (any, error) {
	l := c.lineFor(kind, ps)
	sub := &submission{op: op, result: make(chan opResult, 1)}

	select {
	case l.submit <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-sub.result:
		return r.value, r.err
	case <-ctx.Done():
		// The batch itself runs to completion regardless; this submitter
		// simply stops waiting on it.
		return nil, ctx.Err()
	}
}

// run is the single-threaded coordinator goroutine for one (kind,
// parameter-set) line. It owns batch sealing and dispatch exclusively; no
// other goroutine ever touches the open batch.
func (c *Coalescer) run(l *coordinatorLine) {
	for {
		open := make([]*submission, 0, c.sizeThresh)
		first, ok := <-l.submit
		if !ok {
			return
		}
		open = append(open, first)

		deadline := time.NewTimer(c.waitThresh)
	collect:
		for len(open) < c.sizeThresh {
			select {
			case s, ok := <-l.submit:
				if !ok {
					break collect
				}
				open = append(open, s)
			case <-deadline.C:
				break collect
			}
		}
		deadline.Stop()

		c.dispatch(l.ps, open)
	}
}

// dispatch checks out one engine, runs every op in the sealed batch against
// it — sequentially, or concurrently if the engine is thread-safe — and
// fans results back in submission order. A failed checkout is an
// all-or-nothing batch failure: every submitter observes the same error.
func (c *Coalescer) dispatch(ps *params.Set, open []*submission) {
	lease, err := c.pool.Checkout(context.Background(), ps, c.leaseTimeout)
	if err != nil {
		for _, s := range open {
			s.result <- opResult{err: err}
		}
		return
	}

	errs := make([]error, len(open))
	if lease.Engine().ThreadSafe() {
		results := make([]opResult, len(open))
		var wg sync.WaitGroup
		wg.Add(len(open))
		for i, s := range open {
			i, s := i, s
			go func() {
				defer wg.Done()
				v, err := s.op.Run(lease)
				results[i] = opResult{value: v, err: err}
				errs[i] = err
			}()
		}
		wg.Wait()
		for i, s := range open {
			s.result <- results[i]
		}
	} else {
		for i, s := range open {
			v, err := s.op.Run(lease)
			s.result <- opResult{value: v, err: err}
			errs[i] = err
		}
	}

	var dispatchErr error
	for _, err := range errs {
		if err != nil {
			dispatchErr = err
			break
		}
	}
	c.pool.Return(lease, dispatchErr)
}

// ErrPoolUnavailable is a convenience for callers constructing synthetic Op
// failures before a batch ever reaches dispatch (e.g. a validator
// rejection that must still occupy a response-slot shape upstream code
// expects).
var ErrPoolUnavailable = gatewayerr.New(gatewayerr.CodeEngineFailed, "batch dispatch failed")
