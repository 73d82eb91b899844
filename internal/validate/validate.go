// Package validate implements the Validator (component K): structural id
// checks, size bounds on plaintext and binary-encoded ciphertext, and
// denylist screening of plaintext content. Per §4.K the denylist is policy,
// not security — it mirrors the source system's external surface and is
// never relied on for cryptographic guarantees.
package validate

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/cipherrelay/gateway/internal/gatewayerr"
)

// Validator holds the configured bounds and denylist an operator sets at
// process start.
type Validator struct {
	MaxPlaintextBytes  int
	MaxCiphertextBytes int
	Denylist           [][]byte
}

// New constructs a Validator. denylist entries are matched as raw byte
// substrings of a plaintext.
func New(maxPlaintextBytes, maxCiphertextBytes int, denylist [][]byte) *Validator {
	return &Validator{
		MaxPlaintextBytes:  maxPlaintextBytes,
		MaxCiphertextBytes: maxCiphertextBytes,
		Denylist:           denylist,
	}
}

// ID checks that s is a structurally valid UUID and returns it parsed.
func (v *Validator) ID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "malformed id %q: %v", s, err)
	}
	return id, nil
}

// Plaintext checks size and denylist screening.
func (v *Validator) Plaintext(p []byte) error {
	if len(p) > v.MaxPlaintextBytes {
		return gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "plaintext-too-large: %d > %d", len(p), v.MaxPlaintextBytes)
	}
	for _, entry := range v.Denylist {
		if len(entry) > 0 && bytes.Contains(p, entry) {
			return gatewayerr.New(gatewayerr.CodeInvalidRequest, "plaintext-denylisted")
		}
	}
	return nil
}

// Ciphertext checks the binary-encoded payload's size bound. It never
// inspects content — only the Engine understands ciphertext structure.
func (v *Validator) Ciphertext(payload []byte) error {
	if len(payload) > v.MaxCiphertextBytes {
		return gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "ciphertext-too-large: %d > %d", len(payload), v.MaxCiphertextBytes)
	}
	return nil
}
