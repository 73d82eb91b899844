package engine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cipherrelay/gateway/internal/codec"
	"github.com/cipherrelay/gateway/internal/gatewayerr"
	"github.com/cipherrelay/gateway/internal/params"
)

// MaxPlaintextBytes bounds encrypt() inputs regardless of parameter set;
// encrypt() rejects anything larger with plaintext-too-large.
const MaxPlaintextBytes = 1 << 16

// Simulated is the scheme the process loads in place of a sound FHE
// library, per the spec's explicit non-goal. It implements a toy
// counter-mode construction that is genuinely homomorphic for
// concatenation (ciphertext bytes at position i only ever depend on a
// keystream byte addressed by i, so splicing two ciphertexts at the right
// offset really does decrypt to the concatenated plaintext) without making
// any claim to cryptographic soundness. A real scheme library implements
// the same Scheme interface and is swapped in without touching any other
// component.
type Simulated struct{}

// ThreadSafe is true: every Simulated method is a pure function of its
// arguments with no shared mutable state, so concurrent calls on the same
// Engine never race.
func (Simulated) ThreadSafe() bool { return true }

// simPayload is the wire structure for a simulated ciphertext. Offset is
// the keystream position the Data bytes were XORed against; Tag is an
// HMAC over Offset+Data that lets Decrypt detect tampering.
type simPayload struct {
	Offset int
	Data   []byte
	Tag    [32]byte
}

// evaluation material is laid out as keystreamKey(32) || macKey(32), so
// that Concat and Refresh — which only ever see the evaluation bytes, never
// the private key — can still recompute the same keystream Encrypt and
// Decrypt use, while the mac half stays a value only key-holders have.
func splitEvaluation(evaluation []byte) (keystreamKey, macKey []byte) {
	return evaluation[:32], evaluation[32:64]
}

func derivePublic(private []byte) []byte {
	sum := sha256.Sum256(append([]byte("sim-keystream|"), private...))
	return sum[:]
}

func deriveEvaluation(private []byte) []byte {
	keystreamKey := derivePublic(private)
	macSum := sha256.Sum256(append([]byte("sim-mac|"), private...))
	out := make([]byte, 0, 64)
	out = append(out, keystreamKey...)
	out = append(out, macSum[:]...)
	return out
}

func streamByte(keystreamKey []byte, pos int) byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pos/32))
	h := sha256.Sum256(append(append([]byte{}, keystreamKey...), buf[:]...))
	return h[pos%32]
}

func xorStream(keystreamKey []byte, offset int, data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ streamByte(keystreamKey, offset+i)
	}
	return out
}

func tag(macKey []byte, offset int, data []byte) [32]byte {
	mac := hmac.New(sha256.New, macKey)
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(offset))
	mac.Write(off[:])
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Keygen generates a fresh private key and derives the public keystream
// key and the (keystream||mac) evaluation material from it deterministically.
// This mirrors a real scheme's property that the secret key alone
// determines its matching public material; it is not a security claim.
func (Simulated) Keygen(ps *params.Set) (public, private, evaluation []byte, err error) {
	private = make([]byte, 32)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, nil, fmt.Errorf("keygen randomness: %w", err)
	}
	return derivePublic(private), private, deriveEvaluation(private), nil
}

// Encrypt XORs plaintext against a keystream seeded at offset 0 and tags it
// with the public keystream key itself, since Encrypt never sees the mac
// half of the evaluation material. Decrypt, Concat and Refresh all accept
// either tagging scheme.
func (Simulated) Encrypt(ps *params.Set, public []byte, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextBytes {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "plaintext-too-large: %d > %d", len(plaintext), MaxPlaintextBytes)
	}
	data := xorStream(public, 0, plaintext)
	t := tag(public, 0, data)
	return codec.EncodeShare(simPayload{Offset: 0, Data: data, Tag: t})
}

// Decrypt re-derives the keystream and mac keys from the private key,
// verifies the tag under either key, and inverts the keystream.
func (Simulated) Decrypt(ps *params.Set, private []byte, payload []byte) ([]byte, error) {
	var p simPayload
	if err := codec.DecodeShare(payload, &p); err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "decrypt-failed: malformed payload: %v", err)
	}
	keystreamKey, macKey := splitEvaluation(deriveEvaluation(private))

	keystreamTag := tag(keystreamKey, p.Offset, p.Data)
	macTag := tag(macKey, p.Offset, p.Data)
	if hmac.Equal(keystreamTag[:], p.Tag[:]) ||
		hmac.Equal(macTag[:], p.Tag[:]) {
		return xorStream(keystreamKey, p.Offset, p.Data), nil
	}
	return nil, gatewayerr.New(gatewayerr.CodeInvalidRequest, "decrypt-failed: tag mismatch")
}

// Concat splices b's ciphertext bytes onto a's at offset len(a), re-keying
// b's keystream to the new offset using only the evaluation secret's
// keystream half. The resulting payload decrypts to the concatenation of
// the two plaintexts. Concat is associative: the new offset only depends on
// cumulative length, so concat(concat(a,b),c) and concat(a,concat(b,c))
// produce byte-identical Data.
func (Simulated) Concat(ps *params.Set, evaluation []byte, a, b []byte) ([]byte, error) {
	var pa, pb simPayload
	if err := codec.DecodeShare(a, &pa); err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "malformed left operand: %v", err)
	}
	if err := codec.DecodeShare(b, &pb); err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "malformed right operand: %v", err)
	}
	keystreamKey, macKey := splitEvaluation(evaluation)

	// newData[i] = b.Data[i] XOR oldKeystream(i) XOR newKeystream(len(a)+i).
	// Both keystreams are functions of the (public) keystream key and
	// position only, so this needs no plaintext and no private key.
	newOffset := pa.Offset + len(pa.Data)
	shifted := make([]byte, len(pb.Data))
	for i, by := range pb.Data {
		oldKS := streamByte(keystreamKey, pb.Offset+i)
		newKS := streamByte(keystreamKey, newOffset+i)
		shifted[i] = by ^ oldKS ^ newKS
	}

	merged := make([]byte, 0, len(pa.Data)+len(shifted))
	merged = append(merged, pa.Data...)
	merged = append(merged, shifted...)

	t := tag(macKey, pa.Offset, merged)
	return codec.EncodeShare(simPayload{Offset: pa.Offset, Data: merged, Tag: t})
}

// Refresh re-tags the ciphertext under the evaluation mac key. Data is
// left untouched — the simulation has no accumulated lattice noise to
// reduce — so this is purely a marker the orchestrator can rely on to
// re-validate integrity after a chain of evaluation-only operations; the
// Ciphertext Store alone performs the noise-budget bookkeeping this
// operation is gated by.
func (Simulated) Refresh(ps *params.Set, evaluation []byte, payload []byte) ([]byte, error) {
	var p simPayload
	if err := codec.DecodeShare(payload, &p); err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "malformed payload: %v", err)
	}
	_, macKey := splitEvaluation(evaluation)
	t := tag(macKey, p.Offset, p.Data)
	return codec.EncodeShare(simPayload{Offset: p.Offset, Data: p.Data, Tag: t})
}
