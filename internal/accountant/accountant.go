// Package accountant implements the Privacy Accountant (component H): a
// per-principal epsilon ledger gating admission. Cost lookup is a pure
// function of op-kind; admission is atomic per principal, and a failed
// operation's cost is retained against the budget unless its failure kind
// is configured free, to prevent budget-probing attacks per §4.H.
package accountant

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/cipherrelay/gateway/internal/gatewayerr"
)

// OpKind names a billable operation for cost-table lookup.
type OpKind string

const (
	OpEncrypt  OpKind = "encrypt"
	OpDecrypt  OpKind = "decrypt"
	OpConcat   OpKind = "concat"
	OpRefresh  OpKind = "refresh"
	OpUpstream OpKind = "upstream-submit"
)

// CostTable is a pure function of op-kind to epsilon cost, configured at
// process start.
type CostTable map[OpKind]float64

// DefaultCostTable mirrors the per-op weights used in the scenario walk
// through in §8: encrypt is cheap, evaluation ops cost more than a bare
// encrypt because they consume more of the noise budget they're gating.
var DefaultCostTable = CostTable{
	OpEncrypt:  0.1,
	OpDecrypt:  0.1,
	OpConcat:   0.15,
	OpRefresh:  0.2,
	OpUpstream: 0.25,
}

// Ledger is one principal's budget state, per §3's Privacy-Budget Ledger.
type Ledger struct {
	TotalEpsilon    float64
	ConsumedEpsilon float64
	WindowStart     time.Time
}

// RemainingEpsilon reports the unconsumed budget, which is negative when
// SetBudget has lowered the total below what was already consumed; callers
// should treat non-positive as exhausted.
func (l Ledger) RemainingEpsilon() float64 { return l.TotalEpsilon - l.ConsumedEpsilon }

type entry struct {
	mu     sync.Mutex
	ledger Ledger
}

// Accountant owns one ledger per principal.
type Accountant struct {
	costs               CostTable
	defaultTotalEpsilon float64
	freeFailureKinds    map[string]bool

	principals sync.Map // string -> *entry
}

// New constructs an accountant. defaultTotalEpsilon seeds every principal's
// budget the first time it is seen; freeFailureKinds names failure kinds
// (e.g. "invalid-request") whose cost is refunded instead of retained.
func New(costs CostTable, defaultTotalEpsilon float64, freeFailureKinds []string) *Accountant {
	free := make(map[string]bool, len(freeFailureKinds))
	for _, k := range freeFailureKinds {
		free[k] = true
	}
	return &Accountant{costs: costs, defaultTotalEpsilon: defaultTotalEpsilon, freeFailureKinds: free}
}

// PrincipalID derives a principal-id from a client-id and optional user
// tag, per §3.
func PrincipalID(clientID uuid.UUID, userTag string) string {
	if userTag == "" {
		return clientID.String()
	}
	return clientID.String() + "|" + userTag
}

func (a *Accountant) entryFor(principal string) *entry {
	v, _ := a.principals.LoadOrStore(principal, &entry{
		ledger: Ledger{TotalEpsilon: a.defaultTotalEpsilon, WindowStart: time.Now()},
	})
	return v.(*entry)
}

// Admit looks up op-kind's cost and, if the principal's ledger has room,
// increments consumed-epsilon before returning. Only one admission per
// principal is ever in flight, since the entire check-and-increment runs
// under that principal's lock.
func (a *Accountant) Admit(principal string, opKind OpKind) (cost float64, err error) {
	cost, ok := a.costs[opKind]
	if !ok {
		return 0, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "unknown op-kind %q has no configured cost", opKind)
	}

	e := a.entryFor(principal)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ledger.ConsumedEpsilon+cost > e.ledger.TotalEpsilon {
		return cost, gatewayerr.New(gatewayerr.CodeForbidden, "exhausted").
			WithDetail("remaining_epsilon", e.ledger.TotalEpsilon-e.ledger.ConsumedEpsilon)
	}
	e.ledger.ConsumedEpsilon += cost
	return cost, nil
}

// Settle is called once the admitted operation has run. If it failed and
// failureKind is configured free, the cost is refunded; otherwise the
// increment Admit already applied is retained, per §4.H.
func (a *Accountant) Settle(principal string, cost float64, failed bool, failureKind string) {
	if !failed || !a.freeFailureKinds[failureKind] {
		return
	}
	e := a.entryFor(principal)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.ConsumedEpsilon -= cost
	if e.ledger.ConsumedEpsilon < 0 {
		e.ledger.ConsumedEpsilon = 0
	}
}

// Inspect returns a principal's current ledger snapshot.
func (a *Accountant) Inspect(principal string) Ledger {
	e := a.entryFor(principal)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger
}

// Reset is the administrative-only operation that zeroes consumed-epsilon
// and restarts the window. Nothing else in this package ever decreases
// consumed-epsilon back past what Settle's refund path allows.
func (a *Accountant) Reset(principal string) {
	e := a.entryFor(principal)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.ConsumedEpsilon = 0
	e.ledger.WindowStart = time.Now()
}

// SetBudget overrides a principal's total-epsilon, used by administrative
// tooling to grant or shrink a budget without touching consumed-epsilon.
func (a *Accountant) SetBudget(principal string, totalEpsilon float64) {
	e := a.entryFor(principal)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.TotalEpsilon = totalEpsilon
}

// FleetStats summarizes consumption across every principal the accountant
// has ever admitted, for the /metrics endpoint. Mean and StdDev are
// computed with gonum/stat the same way the teacher's differential-privacy
// noise calibration (pkg/network's DP-SGD accountant) characterizes a
// distribution of per-step privacy costs, applied here to consumed-epsilon
// across principals instead of across training steps.
type FleetStats struct {
	Principals         int
	MeanConsumedEpsilon float64
	StdDevConsumedEpsilon float64
	MaxConsumedEpsilon float64
}

// Fleet computes FleetStats over every currently tracked principal.
func (a *Accountant) Fleet() FleetStats {
	var consumed []float64
	a.principals.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		consumed = append(consumed, e.ledger.ConsumedEpsilon)
		e.mu.Unlock()
		return true
	})
	if len(consumed) == 0 {
		return FleetStats{}
	}
	maxC := consumed[0]
	for _, c := range consumed {
		if c > maxC {
			maxC = c
		}
	}
	mean := stat.Mean(consumed, nil)
	return FleetStats{
		Principals:            len(consumed),
		MeanConsumedEpsilon:   mean,
		StdDevConsumedEpsilon: stat.StdDev(consumed, nil),
		MaxConsumedEpsilon:    maxC,
	}
}
