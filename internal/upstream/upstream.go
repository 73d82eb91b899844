// Package upstream implements the Upstream Adapter (component J): forwards
// a ciphertext blob to a provider and returns a blob. It is an explicit
// external collaborator per §1 — thin, no crypto, swappable — concretized
// per §4.L with an httpUpstream grounded on original_source/src/proxy.rs's
// reqwest-based provider call and the teacher's own postJSON helper.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cipherrelay/gateway/internal/codec"
	"github.com/cipherrelay/gateway/internal/gatewayerr"
)

// SubmitOptions names the provider-specific request shape, mirroring
// proxy.rs's ProcessRequest.
type SubmitOptions struct {
	Provider string
	Model    string
	Stream   bool
}

// Result is what comes back from a provider: an opaque blob the orchestrator
// hands straight to the Ciphertext Store with origin=upstream.
type Result struct {
	Payload     []byte
	ProviderTag string
}

// Adapter is the fixed interface §4.J names. A provider swap never touches
// any other component.
type Adapter interface {
	Submit(ctx context.Context, ciphertext []byte, opts SubmitOptions) (Result, error)
}

type wireRequest struct {
	Ciphertext string `json:"ciphertext"`
	Model      string `json:"model"`
	Stream     bool   `json:"stream"`
}

type wireResponse struct {
	Ciphertext string `json:"ciphertext"`
}

// HTTPUpstream forwards ciphertext blobs over HTTP to a configured
// provider endpoint.
type HTTPUpstream struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	providerTag string
	retryBudget int
}

// NewHTTP constructs an HTTPUpstream. retryBudget bounds the narrow set of
// idempotent retries (a provider 503 returned before any homomorphic
// mutation has been applied), per §6's propagation policy.
func NewHTTP(baseURL, apiKey, providerTag string, timeout time.Duration, retryBudget int) *HTTPUpstream {
	if retryBudget < 0 {
		retryBudget = 0
	}
	return &HTTPUpstream{
		client:      &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		apiKey:      apiKey,
		providerTag: providerTag,
		retryBudget: retryBudget,
	}
}

// Submit posts ciphertext to the provider's submit endpoint and returns its
// response blob, retrying only on a 503 seen before any response body was
// read.
func (h *HTTPUpstream) Submit(ctx context.Context, ciphertext []byte, opts SubmitOptions) (Result, error) {
	body, err := json.Marshal(wireRequest{
		Ciphertext: codec.ToBase64(ciphertext),
		Model:      opts.Model,
		Stream:     opts.Stream,
	})
	if err != nil {
		return Result{}, gatewayerr.Newf(gatewayerr.CodeInternal, "encode upstream request: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt <= h.retryBudget; attempt++ {
		resp, err := h.doOnce(ctx, body)
		if err != nil {
			return Result{}, err
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			resp.Body.Close()
			lastErr = gatewayerr.New(gatewayerr.CodeUpstreamFailed, "upstream-failed: provider unavailable")
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return Result{}, gatewayerr.Newf(gatewayerr.CodeUpstreamFailed, "upstream-failed: status %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, gatewayerr.Newf(gatewayerr.CodeUpstreamFailed, "upstream-failed: reading response: %v", err)
		}
		var wr wireResponse
		if err := json.Unmarshal(raw, &wr); err != nil {
			return Result{}, gatewayerr.Newf(gatewayerr.CodeUpstreamFailed, "upstream-failed: malformed response: %v", err)
		}
		payload, err := codec.FromBase64(wr.Ciphertext)
		if err != nil {
			return Result{}, gatewayerr.Newf(gatewayerr.CodeUpstreamFailed, "upstream-failed: malformed ciphertext encoding: %v", err)
		}
		return Result{Payload: payload, ProviderTag: h.providerTag}, nil
	}
	if lastErr == nil {
		lastErr = gatewayerr.New(gatewayerr.CodeUpstreamFailed, "upstream-failed: retry budget exhausted")
	}
	return Result{}, lastErr
}

func (h *HTTPUpstream) doOnce(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/submit", bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeUpstreamFailed, "upstream-failed: building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeUpstreamFailed, "upstream-failed: %v", err)
	}
	return resp, nil
}
