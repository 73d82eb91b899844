// Package params implements the immutable Parameter Set (component A):
// degree, coefficient-modulus chain, scale bits and security level, with
// the admissibility table the implementation embeds. A real CKKS parameter
// object from the teacher's own scheme library is constructed alongside the
// literal so the handle can be handed to anything that understands lattigo
// parameters, even though the Engine (component D) never performs real
// lattice arithmetic with it — see internal/engine for why.
package params

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/ring"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/cipherrelay/gateway/internal/gatewayerr"
)

// SecurityLevel is one of the three bit-strengths the admissibility table
// recognizes.
type SecurityLevel int

const (
	Security128 SecurityLevel = 128
	Security192 SecurityLevel = 192
	Security256 SecurityLevel = 256
)

// SchemeTag names the single scheme this process loads. The spec allows
// exactly one per process (§9, "one scheme is loaded per process").
const SchemeTag = "ckks-sim"

// Literal is the unchecked, user-supplied representation of a parameter
// set, mirroring the teacher's ckks.ParametersLiteral but restricted to the
// fields this spec names.
type Literal struct {
	Degree        uint32        // polynomial degree, power of two
	CoeffModBits  []int         // ordered 30-60 bit entries
	ScaleBits     int           // 20-50
	SecurityLevel SecurityLevel // 128|192|256
}

// maxCoeffBitsForSecurity is the published table the implementation embeds:
// maximum total coefficient-modulus bit budget admissible at a given degree
// and security level, modeled on the standard homomorphic-encryption
// security recommendations lattigo itself ships defaults for. Entries are
// intentionally conservative; an implementation replacing the simulated
// scheme with a real one should swap this table for the one its library
// publishes.
var maxCoeffBitsForSecurity = map[uint32]map[SecurityLevel]int{
	4096: {
		Security128: 109,
		Security192: 75,
		Security256: 58,
	},
	8192: {
		Security128: 218,
		Security192: 152,
		Security256: 118,
	},
	16384: {
		Security128: 438,
		Security192: 305,
		Security256: 237,
	},
	32768: {
		Security128: 881,
		Security192: 613,
		Security256: 476,
	},
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// Set is the immutable handle produced by New. Its zero value is not valid.
type Set struct {
	literal Literal
	ckks    ckks.Parameters
}

// New validates a Literal against the admissibility table and constructs
// the immutable handle. It has no side effects beyond the construction
// itself and returns gatewayerr.CodeInvalidRequest on any violation.
func New(lit Literal) (*Set, error) {
	if !isPowerOfTwo(lit.Degree) || lit.Degree < 4096 || lit.Degree > 32768 {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "degree %d is not a supported power of two", lit.Degree)
	}
	table, ok := maxCoeffBitsForSecurity[lit.Degree]
	if !ok {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "no admissibility table entry for degree %d", lit.Degree)
	}
	maxBits, ok := table[lit.SecurityLevel]
	if !ok {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "unsupported security level %d", lit.SecurityLevel)
	}

	total := 0
	logQ := make([]int, 0, len(lit.CoeffModBits))
	for _, bits := range lit.CoeffModBits {
		if bits < 30 || bits > 60 {
			return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "coefficient-modulus entry %d bits out of [30,60]", bits)
		}
		total += bits
		logQ = append(logQ, bits)
	}
	if len(logQ) == 0 {
		return nil, gatewayerr.New(gatewayerr.CodeInvalidRequest, "coefficient-modulus chain must not be empty")
	}
	if total > maxBits {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest,
			"coefficient-modulus chain sums to %d bits, exceeding the %d-bit security envelope for degree %d at %d-bit security",
			total, maxBits, lit.Degree, lit.SecurityLevel)
	}

	if lit.ScaleBits < 20 || lit.ScaleBits > 50 {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "scale-bits %d outside allowed window [20,50]", lit.ScaleBits)
	}

	logN := 0
	for d := lit.Degree; d > 1; d >>= 1 {
		logN++
	}

	ckksLit := ckks.ParametersLiteral{
		LogN:            logN,
		LogQ:            logQ,
		LogP:            []int{61},
		LogDefaultScale: lit.ScaleBits,
		RingType:        ring.Standard,
	}
	ckksParams, err := ckks.NewParametersFromLiteral(ckksLit)
	if err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "invalid-parameters: %v", err)
	}

	return &Set{literal: lit, ckks: ckksParams}, nil
}

// Literal returns the validated literal representation, safe to expose
// read-only to clients.
func (s *Set) Literal() Literal { return s.literal }

// Degree returns the polynomial degree.
func (s *Set) Degree() uint32 { return s.literal.Degree }

// SecurityLevel returns the configured security level.
func (s *Set) SecurityLevel() SecurityLevel { return s.literal.SecurityLevel }

// ScaleBits returns the configured scale bits.
func (s *Set) ScaleBits() int { return s.literal.ScaleBits }

// CKKS exposes the underlying lattigo parameters for components that need
// level/scale bookkeeping.
func (s *Set) CKKS() ckks.Parameters { return s.ckks }

// Equal reports whether two sets describe the same admissible parameters,
// used to enforce "both inputs must share parameter-set" invariants.
func (s *Set) Equal(other *Set) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.literal.Degree == other.literal.Degree &&
		s.literal.ScaleBits == other.literal.ScaleBits &&
		s.literal.SecurityLevel == other.literal.SecurityLevel &&
		equalInts(s.literal.CoeffModBits, other.literal.CoeffModBits)
}

// ID is a short stable identifier for logging and cache keys; it does not
// need to be a UUID since parameter sets are process-wide singletons, not
// externally addressable entities.
func (s *Set) ID() string {
	return fmt.Sprintf("ckks-sim:%d:%d:%d", s.literal.Degree, s.literal.ScaleBits, s.literal.SecurityLevel)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
