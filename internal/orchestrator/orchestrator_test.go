package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cipherrelay/gateway/internal/accountant"
	"github.com/cipherrelay/gateway/internal/batch"
	"github.com/cipherrelay/gateway/internal/cache"
	"github.com/cipherrelay/gateway/internal/cstore"
	"github.com/cipherrelay/gateway/internal/engine"
	"github.com/cipherrelay/gateway/internal/enginepool"
	"github.com/cipherrelay/gateway/internal/keystore"
	"github.com/cipherrelay/gateway/internal/params"
	"github.com/cipherrelay/gateway/internal/session"
	"github.com/cipherrelay/gateway/internal/upstream"
	"github.com/cipherrelay/gateway/internal/validate"
)

type stubUpstream struct{}

func (stubUpstream) Submit(ctx context.Context, ciphertext []byte, opts upstream.SubmitOptions) (upstream.Result, error) {
	return upstream.Result{Payload: ciphertext, ProviderTag: "stub"}, nil
}

func newTestOrchestrator(t *testing.T, costs accountant.CostTable, totalEpsilon float64) (*Orchestrator, *params.Set) {
	ps, err := params.New(params.Literal{
		Degree:        8192,
		CoeffModBits:  []int{60, 40, 40, 60},
		ScaleBits:     40,
		SecurityLevel: params.Security128,
	})
	require.NoError(t, err)

	pool := enginepool.New(engine.Simulated{}, 1, 4)
	coalescer := batch.New(pool, 8, 10*time.Millisecond, time.Second)
	o := New(Config{
		KeyTTL:               time.Hour,
		RotationGrace:        50 * time.Millisecond,
		CheckoutTimeout:      time.Second,
		CiphertextTTL:        time.Hour,
		ConcatCost:           5,
		RefreshRestoreTo:     120,
		UpstreamInitialNoise: 100,
	}, keystore.New(), cstore.New(), cache.New(4, 64, 1<<20), pool, accountant.New(costs, totalEpsilon, nil), validate.New(1<<16, 1<<16, nil), stubUpstream{}, session.New(), coalescer)
	o.RegisterParameterSet(ps)
	return o, ps
}

func TestS1GenerateEncryptDecryptRoundTrip(t *testing.T) {
	o, ps := newTestOrchestrator(t, accountant.DefaultCostTable, 10.0)
	ctx := context.Background()

	clientID, _, _, err := o.GenerateKeys(ctx, ps, "tester")
	require.NoError(t, err)

	id, err := o.Encrypt(ctx, "p1", clientID, []byte("hello"))
	require.NoError(t, err)

	plaintext, err := o.Decrypt(ctx, "p1", clientID, id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)
}

func TestS2ConcatPreservesOrder(t *testing.T) {
	o, ps := newTestOrchestrator(t, accountant.DefaultCostTable, 10.0)
	ctx := context.Background()

	clientID, _, _, err := o.GenerateKeys(ctx, ps, "tester")
	require.NoError(t, err)

	x1, err := o.Encrypt(ctx, "p1", clientID, []byte("foo"))
	require.NoError(t, err)
	x2, err := o.Encrypt(ctx, "p1", clientID, []byte("bar"))
	require.NoError(t, err)

	x3, err := o.Concat(ctx, "p1", clientID, x1, x2)
	require.NoError(t, err)
	plaintext, err := o.Decrypt(ctx, "p1", clientID, x3)
	require.NoError(t, err)
	require.Equal(t, []byte("foobar"), plaintext)

	recBefore, err := o.ValidateCiphertext(x1)
	require.NoError(t, err)
	recAfter, err := o.ValidateCiphertext(x3)
	require.NoError(t, err)
	require.Equal(t, recBefore.NoiseBudget-5, recAfter.NoiseBudget)

	x4, err := o.Concat(ctx, "p1", clientID, x2, x1)
	require.NoError(t, err)
	plaintext, err = o.Decrypt(ctx, "p1", clientID, x4)
	require.NoError(t, err)
	require.Equal(t, []byte("barfoo"), plaintext)
}

func TestS3BudgetExhaustion(t *testing.T) {
	o, ps := newTestOrchestrator(t, accountant.CostTable{accountant.OpEncrypt: 0.1}, 0.25)
	ctx := context.Background()

	clientID, _, _, err := o.GenerateKeys(ctx, ps, "tester")
	require.NoError(t, err)

	_, err = o.Encrypt(ctx, "p1", clientID, []byte("a"))
	require.NoError(t, err)
	_, err = o.Encrypt(ctx, "p1", clientID, []byte("b"))
	require.NoError(t, err)

	_, err = o.Encrypt(ctx, "p1", clientID, []byte("c"))
	require.Error(t, err)

	ledger := o.PrivacyInspect("p1")
	require.InDelta(t, 0.2, ledger.ConsumedEpsilon, 1e-9)
}

func TestS4RotationGrace(t *testing.T) {
	o, ps := newTestOrchestrator(t, accountant.DefaultCostTable, 10.0)
	ctx := context.Background()

	clientID, _, _, err := o.GenerateKeys(ctx, ps, "tester")
	require.NoError(t, err)
	id, err := o.Encrypt(ctx, "p1", clientID, []byte("hello"))
	require.NoError(t, err)

	_, err = o.RotateKeys(ctx, clientID)
	require.NoError(t, err)

	plaintext, err := o.Decrypt(ctx, "p1", clientID, id)
	require.NoError(t, err, "decrypt must still succeed inside the rotation grace window")
	require.Equal(t, []byte("hello"), plaintext)

	time.Sleep(100 * time.Millisecond)
	_, err = o.Decrypt(ctx, "p1", clientID, id)
	require.Error(t, err, "decrypt must fail once the rotation grace window has closed")
}

func TestS6CacheCoherenceOnDelete(t *testing.T) {
	o, ps := newTestOrchestrator(t, accountant.DefaultCostTable, 10.0)
	ctx := context.Background()

	clientID, _, _, err := o.GenerateKeys(ctx, ps, "tester")
	require.NoError(t, err)
	id, err := o.Encrypt(ctx, "p1", clientID, []byte("hello"))
	require.NoError(t, err)

	_, err = o.Decrypt(ctx, "p1", clientID, id) // promote into the hot tier
	require.NoError(t, err)

	require.NoError(t, o.cts.Delete(id))
	o.cache.Invalidate(id)

	_, err = o.Decrypt(ctx, "p1", clientID, id)
	require.Error(t, err)
}

func TestOwnerMismatchRejectsConcatAcrossClients(t *testing.T) {
	o, ps := newTestOrchestrator(t, accountant.DefaultCostTable, 10.0)
	ctx := context.Background()

	clientA, _, _, err := o.GenerateKeys(ctx, ps, "a")
	require.NoError(t, err)
	clientB, _, _, err := o.GenerateKeys(ctx, ps, "b")
	require.NoError(t, err)

	idA, err := o.Encrypt(ctx, "a", clientA, []byte("a"))
	require.NoError(t, err)
	idB, err := o.Encrypt(ctx, "b", clientB, []byte("b"))
	require.NoError(t, err)

	_, err = o.Concat(ctx, "a", clientA, idA, idB)
	require.Error(t, err)
}

func TestUpstreamSubmitRecordsNewCiphertext(t *testing.T) {
	o, ps := newTestOrchestrator(t, accountant.DefaultCostTable, 10.0)
	ctx := context.Background()

	clientID, _, _, err := o.GenerateKeys(ctx, ps, "tester")
	require.NoError(t, err)
	id, err := o.Encrypt(ctx, "p1", clientID, []byte("hello"))
	require.NoError(t, err)

	newID, err := o.UpstreamSubmit(ctx, "p1", clientID, id, upstream.SubmitOptions{Provider: "stub"})
	require.NoError(t, err)
	require.NotEqual(t, id, newID)

	rec, err := o.ValidateCiphertext(newID)
	require.NoError(t, err)
	require.Equal(t, cstore.OriginUpstream, rec.Origin)
	require.Contains(t, rec.Lineage, id)
}
