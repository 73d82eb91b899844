package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cipherrelay/gateway/internal/codec"
	"github.com/cipherrelay/gateway/internal/params"
)

func testParams(t *testing.T) *params.Set {
	ps, err := params.New(params.Literal{
		Degree:        8192,
		CoeffModBits:  []int{60, 40, 40, 60},
		ScaleBits:     40,
		SecurityLevel: params.Security128,
	})
	require.NoError(t, err)
	return ps
}

func TestSimulatedEncryptDecryptRoundTrip(t *testing.T) {
	ps := testParams(t)
	sim := Simulated{}
	public, private, _, err := sim.Keygen(ps)
	require.NoError(t, err)

	payload, err := sim.Encrypt(ps, public, []byte("hello"))
	require.NoError(t, err)

	plaintext, err := sim.Decrypt(ps, private, payload)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)
}

func TestSimulatedConcatPreservesOrderAndDecrypts(t *testing.T) {
	ps := testParams(t)
	sim := Simulated{}
	public, private, evaluation, err := sim.Keygen(ps)
	require.NoError(t, err)

	a, err := sim.Encrypt(ps, public, []byte("foo"))
	require.NoError(t, err)
	b, err := sim.Encrypt(ps, public, []byte("bar"))
	require.NoError(t, err)

	ab, err := sim.Concat(ps, evaluation, a, b)
	require.NoError(t, err)
	plaintext, err := sim.Decrypt(ps, private, ab)
	require.NoError(t, err)
	require.Equal(t, []byte("foobar"), plaintext)

	ba, err := sim.Concat(ps, evaluation, b, a)
	require.NoError(t, err)
	plaintext, err = sim.Decrypt(ps, private, ba)
	require.NoError(t, err)
	require.Equal(t, []byte("barfoo"), plaintext)
}

func TestSimulatedConcatIsAssociative(t *testing.T) {
	ps := testParams(t)
	sim := Simulated{}
	public, private, evaluation, err := sim.Keygen(ps)
	require.NoError(t, err)

	a, err := sim.Encrypt(ps, public, []byte("a"))
	require.NoError(t, err)
	b, err := sim.Encrypt(ps, public, []byte("b"))
	require.NoError(t, err)
	c, err := sim.Encrypt(ps, public, []byte("c"))
	require.NoError(t, err)

	ab, err := sim.Concat(ps, evaluation, a, b)
	require.NoError(t, err)
	abc1, err := sim.Concat(ps, evaluation, ab, c)
	require.NoError(t, err)

	bc, err := sim.Concat(ps, evaluation, b, c)
	require.NoError(t, err)
	abc2, err := sim.Concat(ps, evaluation, a, bc)
	require.NoError(t, err)

	p1, err := sim.Decrypt(ps, private, abc1)
	require.NoError(t, err)
	p2, err := sim.Decrypt(ps, private, abc2)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
	require.Equal(t, []byte("abc"), p1)
}

func TestSimulatedDecryptRejectsTamperedPayload(t *testing.T) {
	ps := testParams(t)
	sim := Simulated{}
	public, private, _, err := sim.Keygen(ps)
	require.NoError(t, err)

	payload, err := sim.Encrypt(ps, public, []byte("hello"))
	require.NoError(t, err)

	var p simPayload
	require.NoError(t, codec.DecodeShare(payload, &p))
	p.Data[0] ^= 0xFF
	tampered, err := codec.EncodeShare(p)
	require.NoError(t, err)

	_, err = sim.Decrypt(ps, private, tampered)
	require.Error(t, err)
}

func TestSimulatedRefreshPreservesPlaintext(t *testing.T) {
	ps := testParams(t)
	sim := Simulated{}
	public, private, evaluation, err := sim.Keygen(ps)
	require.NoError(t, err)

	payload, err := sim.Encrypt(ps, public, []byte("hello"))
	require.NoError(t, err)

	refreshed, err := sim.Refresh(ps, evaluation, payload)
	require.NoError(t, err)

	plaintext, err := sim.Decrypt(ps, private, refreshed)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)
}
