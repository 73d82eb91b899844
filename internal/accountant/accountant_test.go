package accountant

import (
	"testing"

	"github.com/cipherrelay/gateway/internal/gatewayerr"
	"github.com/stretchr/testify/require"
)

func TestAdmitRejectsOnceBudgetExhausted(t *testing.T) {
	a := New(CostTable{OpEncrypt: 0.1}, 0.25, nil)

	cost, err := a.Admit("p1", OpEncrypt)
	require.NoError(t, err)
	require.Equal(t, 0.1, cost)

	cost, err = a.Admit("p1", OpEncrypt)
	require.NoError(t, err)

	_, err = a.Admit("p1", OpEncrypt)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, "forbidden", string(ge.Code))
	remaining, ok := ge.Details["remaining_epsilon"].(float64)
	require.True(t, ok)
	require.Less(t, remaining, 0.1)

	ledger := a.Inspect("p1")
	require.InDelta(t, 0.2, ledger.ConsumedEpsilon, 1e-9)
	_ = cost
}

func TestSettleRefundsOnlyFreeFailureKinds(t *testing.T) {
	a := New(CostTable{OpEncrypt: 0.1}, 1.0, []string{"invalid-request"})

	cost, err := a.Admit("p1", OpEncrypt)
	require.NoError(t, err)
	a.Settle("p1", cost, true, "invalid-request")
	require.Zero(t, a.Inspect("p1").ConsumedEpsilon)

	cost, err = a.Admit("p1", OpEncrypt)
	require.NoError(t, err)
	a.Settle("p1", cost, true, "engine-failed")
	require.InDelta(t, 0.1, a.Inspect("p1").ConsumedEpsilon, 1e-9)
}

func TestResetZeroesConsumedButNotTotal(t *testing.T) {
	a := New(CostTable{OpEncrypt: 0.1}, 1.0, nil)
	_, err := a.Admit("p1", OpEncrypt)
	require.NoError(t, err)
	a.Reset("p1")
	ledger := a.Inspect("p1")
	require.Zero(t, ledger.ConsumedEpsilon)
	require.Equal(t, 1.0, ledger.TotalEpsilon)
}

func TestFleetAggregatesAcrossPrincipals(t *testing.T) {
	a := New(CostTable{OpEncrypt: 0.1}, 1.0, nil)
	_, err := a.Admit("p1", OpEncrypt)
	require.NoError(t, err)
	_, err = a.Admit("p2", OpEncrypt)
	require.NoError(t, err)
	_, err = a.Admit("p2", OpEncrypt)
	require.NoError(t, err)

	fleet := a.Fleet()
	require.Equal(t, 2, fleet.Principals)
	require.InDelta(t, 0.15, fleet.MeanConsumedEpsilon, 1e-9)
	require.InDelta(t, 0.2, fleet.MaxConsumedEpsilon, 1e-9)
}

func TestAdmitUnknownOpKind(t *testing.T) {
	a := New(CostTable{}, 1.0, nil)
	_, err := a.Admit("p1", OpKind("mystery"))
	require.Error(t, err)
}
