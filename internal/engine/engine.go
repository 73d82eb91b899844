// Package engine implements the FHE Engine (component D): the scheme
// contract (keygen, encrypt, decrypt, concat, refresh) behind a small fixed
// interface, per §9's "tagged variant or interface with a fixed, small
// method set" guidance. The repository simulates the scheme rather than
// performing sound lattice cryptography — the spec's own non-goal, and the
// posture the retrieved original_source/src/fhe.rs stub (a literal
// "TODO: Add SEAL or similar FHE library" with every method returning "Not
// implemented") was already written to. Scheme is the seam a real library
// would plug into.
package engine

import (
	"sync"

	"github.com/cipherrelay/gateway/internal/gatewayerr"
	"github.com/cipherrelay/gateway/internal/params"
)

// State is an engine's lifecycle state, owned exclusively by the Engine
// Pool (component E); no other component keeps a long-lived reference.
type State int

const (
	StateIdle State = iota
	StateInUse
	StateDraining
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Scheme is the fixed method set every FHE backend must implement. All
// inputs are validated by the caller; outputs are opaque bytes the
// Ciphertext Store owns. An engine call must not retain pointers to its
// inputs after return.
type Scheme interface {
	Keygen(ps *params.Set) (public, private, evaluation []byte, err error)
	Encrypt(ps *params.Set, public []byte, plaintext []byte) (payload []byte, err error)
	Decrypt(ps *params.Set, private []byte, payload []byte) (plaintext []byte, err error)
	Concat(ps *params.Set, evaluation []byte, a, b []byte) (payload []byte, err error)
	Refresh(ps *params.Set, evaluation []byte, payload []byte) (payload2 []byte, err error)
	// ThreadSafe reports whether this scheme's methods may be called
	// concurrently on ops sharing one Engine. The Batch Coalescer (§4.G)
	// dispatches sequentially unless this returns true.
	ThreadSafe() bool
}

// Engine binds one Parameter Set and a reusable scratch buffer, as §4.D
// requires. It is synchronous and blocking to the caller; parallelism comes
// from the Engine Pool running many engines and, when the scheme reports
// ThreadSafe, from the Batch Coalescer running one sealed batch's ops
// concurrently on a single engine.
type Engine struct {
	mu      sync.Mutex
	id      string
	ps      *params.Set
	scheme  Scheme
	scratch []byte
	state   State
}

// New constructs an idle engine bound to ps, using scheme for its
// operations.
func New(id string, ps *params.Set, scheme Scheme) *Engine {
	return &Engine{
		id:      id,
		ps:      ps,
		scheme:  scheme,
		scratch: make([]byte, 0, 4096),
		state:   StateIdle,
	}
}

// ID returns the engine's pool-assigned identifier.
func (e *Engine) ID() string { return e.id }

// ParameterSet returns the parameter set this engine is bound to.
func (e *Engine) ParameterSet() *params.Set { return e.ps }

// ThreadSafe reports whether the Batch Coalescer may dispatch concurrent
// ops against this engine.
func (e *Engine) ThreadSafe() bool { return e.scheme.ThreadSafe() }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// fail marks the engine failed; the pool quarantines and reconstructs it.
func (e *Engine) fail() {
	e.setState(StateFailed)
}

// Keygen runs a single keygen call. Per §4.D this must only be called once
// per key material.
func (e *Engine) Keygen() (public, private, evaluation []byte, err error) {
	public, private, evaluation, err = e.scheme.Keygen(e.ps)
	if err != nil {
		e.fail()
		return nil, nil, nil, gatewayerr.Newf(gatewayerr.CodeEngineFailed, "keygen: %v", err)
	}
	return public, private, evaluation, nil
}

// Encrypt runs a single encrypt call.
func (e *Engine) Encrypt(public, plaintext []byte) ([]byte, error) {
	payload, err := e.scheme.Encrypt(e.ps, public, plaintext)
	if err != nil {
		if pe, ok := gatewayerr.As(err); ok {
			return nil, pe
		}
		e.fail()
		return nil, gatewayerr.Newf(gatewayerr.CodeEngineFailed, "encrypt: %v", err)
	}
	return payload, nil
}

// Decrypt runs a single decrypt call.
func (e *Engine) Decrypt(private, payload []byte) ([]byte, error) {
	plaintext, err := e.scheme.Decrypt(e.ps, private, payload)
	if err != nil {
		if pe, ok := gatewayerr.As(err); ok {
			return nil, pe
		}
		e.fail()
		return nil, gatewayerr.Newf(gatewayerr.CodeEngineFailed, "decrypt: %v", err)
	}
	return plaintext, nil
}

// Concat runs a single homomorphic-concatenation call.
func (e *Engine) Concat(evaluation, a, b []byte) ([]byte, error) {
	payload, err := e.scheme.Concat(e.ps, evaluation, a, b)
	if err != nil {
		if pe, ok := gatewayerr.As(err); ok {
			return nil, pe
		}
		e.fail()
		return nil, gatewayerr.Newf(gatewayerr.CodeEngineFailed, "concat: %v", err)
	}
	return payload, nil
}

// Refresh runs a single noise-reducing transformation.
func (e *Engine) Refresh(evaluation, payload []byte) ([]byte, error) {
	out, err := e.scheme.Refresh(e.ps, evaluation, payload)
	if err != nil {
		if pe, ok := gatewayerr.As(err); ok {
			return nil, pe
		}
		e.fail()
		return nil, gatewayerr.Newf(gatewayerr.CodeEngineFailed, "refresh: %v", err)
	}
	return out, nil
}

// InjectFailure forces the engine into the failed state, used by tests that
// exercise the quarantine-and-replace path (scenario S5).
func (e *Engine) InjectFailure() {
	e.fail()
}
