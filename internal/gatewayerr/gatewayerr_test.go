package gatewayerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndErrorFormatting(t *testing.T) {
	err := New(CodeNotFound, "ciphertext-not-found")
	require.Equal(t, "not-found: ciphertext-not-found", err.Error())
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(CodeInvalidRequest, "degree %d is invalid", 123)
	require.Equal(t, "invalid-request: degree 123 is invalid", err.Error())
}

func TestWithDetailChainsWithoutMutatingOriginal(t *testing.T) {
	base := New(CodeExhausted, "noise-exhausted")
	withOne := base.WithDetail("remaining_epsilon", 0.5)
	withTwo := withOne.WithDetail("principal", "p1")

	require.Empty(t, base.Details)
	require.Len(t, withOne.Details, 1)
	require.Len(t, withTwo.Details, 2)
	require.Equal(t, 0.5, withTwo.Details["remaining_epsilon"])
	require.Equal(t, "p1", withTwo.Details["principal"])
}

func TestHTTPStatusMapsEveryCode(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidRequest: 400,
		CodeUnauthorized:   401,
		CodeForbidden:      403,
		CodeNotFound:       404,
		CodeConflict:       409,
		CodeExhausted:      429,
		CodeEngineFailed:   500,
		CodeUpstreamFailed: 502,
		CodeInternal:       500,
	}
	for code, want := range cases {
		require.Equal(t, want, code.HTTPStatus(), "code %s", code)
	}
}

func TestAsDistinguishesTaxonomyErrors(t *testing.T) {
	tagged := New(CodeConflict, "already-rotating")
	got, ok := As(tagged)
	require.True(t, ok)
	require.Same(t, tagged, got)

	_, ok = As(errors.New("plain error"))
	require.False(t, ok)
}
