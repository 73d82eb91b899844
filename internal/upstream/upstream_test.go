package upstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cipherrelay/gateway/internal/codec"
)

func TestSubmitRoundTripsCiphertext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := codec.FromBase64(req.Ciphertext)
		require.NoError(t, err)
		require.Equal(t, "bearer-token", r.Header.Get("Authorization")[len("Bearer "):])
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(wireResponse{Ciphertext: codec.ToBase64(raw)})
	}))
	defer srv.Close()

	up := NewHTTP(srv.URL, "bearer-token", "tag", time.Second, 0)
	result, err := up.Submit(t.Context(), []byte("ciphertext-blob"), SubmitOptions{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext-blob"), result.Payload)
	require.Equal(t, "tag", result.ProviderTag)
}

func TestSubmitRetriesOn503ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(wireResponse{Ciphertext: codec.ToBase64([]byte("ok"))})
	}))
	defer srv.Close()

	up := NewHTTP(srv.URL, "key", "tag", time.Second, 1)
	result, err := up.Submit(t.Context(), []byte("x"), SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), result.Payload)
	require.Equal(t, 2, attempts)
}

func TestSubmitExhaustsRetryBudgetAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	up := NewHTTP(srv.URL, "key", "tag", time.Second, 2)
	_, err := up.Submit(t.Context(), []byte("x"), SubmitOptions{})
	require.Error(t, err)
}

func TestSubmitNonOKStatusFailsWithoutRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	up := NewHTTP(srv.URL, "key", "tag", time.Second, 3)
	_, err := up.Submit(t.Context(), []byte("x"), SubmitOptions{})
	require.Error(t, err)
	require.Equal(t, 1, attempts, "a non-503 error must not consume the retry budget")
}
