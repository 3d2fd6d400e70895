package core_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"inventory-core/internal/core"
	"inventory-core/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStock_ReceiptThenFIFOConsumption(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 100, "10")
	env.receive(t, "P1", "W1", 50, "12")
	issue := env.issue(t, "P1", "W1", 120, core.MethodFIFO)

	assert.True(t, dec("1240").Equal(issue.TotalCost), "cost consumed %s", issue.TotalCost)
	assert.Equal(t, int64(150), issue.OnHandBefore)
	assert.Equal(t, int64(30), issue.OnHandAfter)

	row := env.row(t, "P1", "W1")
	assert.Equal(t, int64(30), row.OnHand)
	assert.True(t, dec("12").Equal(row.WeightedAvgCost), "wac %s", row.WeightedAvgCost)
	assert.Equal(t, issue.ID, row.LastLedgerID)

	layers := env.layers(t, "P1", "W1")
	require.Len(t, layers, 1)
	assert.Equal(t, int64(30), layers[0].RemainingQty)
	assert.True(t, dec("12").Equal(layers[0].UnitCost))

	env.requireVerified(t)
}

func TestStock_OverConsumptionRejected(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 5, "2")
	before := env.row(t, "P1", "W1")
	entriesBefore := len(env.ledger(t))

	_, err := env.stock.ApplyDelta(env.ctx, core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: -10})
	require.ErrorIs(t, err, core.ErrInsufficientStock)
	assert.Equal(t, "INSUFFICIENT_STOCK", core.CodeOf(err))

	assert.Equal(t, before, env.row(t, "P1", "W1"))
	assert.Len(t, env.ledger(t), entriesBefore)
}

func TestStock_IssueCannotTouchReservedStock(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 10, "1")
	_, err := env.res.Reserve(env.ctx, core.ReserveRequest{ProductID: "P1", WarehouseID: "W1", Qty: 8, Reference: "SO-1"})
	require.NoError(t, err)

	_, err = env.stock.ApplyDelta(env.ctx, core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: -3})
	assert.ErrorIs(t, err, core.ErrInsufficientStock)
	env.issue(t, "P1", "W1", 2, "")
	assert.Equal(t, int64(0), env.row(t, "P1", "W1").Available())
}

func TestStock_Validation(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 5, "1")

	cases := []struct {
		name string
		req  core.ApplyDeltaRequest
		want error
	}{
		{"zero delta", core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1"}, core.ErrInvalidDelta},
		{"missing key", core.ApplyDeltaRequest{ProductID: "P1", Delta: 1, UnitCost: decp("1")}, core.ErrMissingKey},
		{"receipt without cost", core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: 1}, core.ErrInvalidCost},
		{"negative cost", core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: 1, UnitCost: decp("-1")}, core.ErrInvalidCost},
		{"issue kind on receipt", core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: 1, Kind: core.MovementIssue, UnitCost: decp("1")}, core.ErrInvalidKind},
		{"receive kind on decrement", core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: -1, Kind: core.MovementReceive}, core.ErrInvalidKind},
		{"unknown method", core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: -1, Method: "HIFO"}, core.ErrUnknownMethod},
		{"unknown row", core.ApplyDeltaRequest{ProductID: "P9", WarehouseID: "W1", Delta: -1}, core.ErrUnknownRow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.stock.ApplyDelta(env.ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Len(t, env.ledger(t), 1)
}

func TestStock_ConcurrentDecrementNeverGoesNegative(t *testing.T) {
	for round := 0; round < 20; round++ {
		env := newEnv(t)
		env.receive(t, "P1", "W1", 5, "1")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = env.stock.ApplyDelta(env.ctx, core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: -3})
			}(i)
		}
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				require.ErrorIs(t, err, core.ErrInsufficientStock)
				failures++
			}
		}
		assert.Equal(t, 1, failures)
		assert.Equal(t, int64(2), env.row(t, "P1", "W1").OnHand)
	}
}

func TestStock_AverageIssueKeepsWAC(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 10, "10")
	env.receive(t, "P1", "W1", 10, "20")
	issue := env.issue(t, "P1", "W1", 5, core.MethodAverage)

	assert.True(t, dec("75").Equal(issue.TotalCost), "got %s", issue.TotalCost)
	assert.Equal(t, core.MethodAverage, issue.CostMethod)
	row := env.row(t, "P1", "W1")
	assert.True(t, dec("15").Equal(row.WeightedAvgCost))

	qty, _ := core.LayerValuation(env.layers(t, "P1", "W1"))
	assert.Equal(t, row.OnHand, qty)
	env.requireVerified(t)
}

func TestStock_RowMethodUsedByDefault(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 10, "10")
	env.receive(t, "P1", "W1", 10, "20")
	_, err := env.stock.UpdatePolicy(env.ctx, core.UpdatePolicyRequest{ProductID: "P1", WarehouseID: "W1", CostingMethod: core.MethodLIFO})
	require.NoError(t, err)

	issue := env.issue(t, "P1", "W1", 5, "")
	assert.Equal(t, core.MethodLIFO, issue.CostMethod)
	assert.True(t, dec("100").Equal(issue.TotalCost))
}

func TestStock_PublishesStockAndMovementAfterCommit(t *testing.T) {
	env := newEnv(t)
	var entry core.LedgerEntry
	evs := collect(t, env.bus, 2, nil, func() {
		entry = env.receive(t, "P1", "W1", 7, "3")
	})

	sc, ok := evs[0].(events.StockChanged)
	require.True(t, ok, "first event %T", evs[0])
	assert.Equal(t, entry.ID, sc.LedgerID)
	assert.Equal(t, int64(7), sc.OnHand)
	assert.Equal(t, int64(7), sc.Available)

	ml, ok := evs[1].(events.MovementLogged)
	require.True(t, ok, "second event %T", evs[1])
	assert.Equal(t, entry.ID, ml.LedgerID)
	assert.Equal(t, "receive", ml.MovementKind)
}

func TestStock_FailedMutationPublishesNothing(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 1, "1")
	sub := env.bus.Subscribe("probe", nil, 0)
	defer sub.Close()

	_, err := env.stock.ApplyDelta(env.ctx, core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: -2})
	require.Error(t, err)
	assert.Equal(t, 0, sub.Len())
}

func TestStock_RetriesConflicts(t *testing.T) {
	env := newEnv(t)
	var commits atomic.Int32
	env.store.SetFault(func(op string, _ any) error {
		if op == "commit" && commits.Add(1) <= 2 {
			return core.ErrConcurrencyConflict
		}
		return nil
	})

	env.receive(t, "P1", "W1", 4, "1")
	assert.Equal(t, int32(3), commits.Load())
	assert.Equal(t, int64(4), env.row(t, "P1", "W1").OnHand)
	assert.Len(t, env.ledger(t), 1)
}

func TestStock_ConflictSurfacesAfterRetryBudget(t *testing.T) {
	env := newEnv(t, func(p *core.Policy) { p.RetryMaxAttempts = 3 })
	var commits atomic.Int32
	env.store.SetFault(func(op string, _ any) error {
		if op == "commit" {
			commits.Add(1)
			return core.ErrConcurrencyConflict
		}
		return nil
	})

	_, err := env.stock.ApplyDelta(env.ctx, core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: 1, UnitCost: decp("1")})
	require.ErrorIs(t, err, core.ErrConcurrencyConflict)
	assert.True(t, core.IsRetryable(err))
	assert.Equal(t, int32(3), commits.Load())
}

func TestStock_StoreErrorsAreNotRetried(t *testing.T) {
	env := newEnv(t)
	var calls atomic.Int32
	broken := errors.New("connection reset")
	env.store.SetFault(func(op string, _ any) error {
		if op == "begin" {
			calls.Add(1)
			return broken
		}
		return nil
	})

	_, err := env.stock.ApplyDelta(env.ctx, core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: 1, UnitCost: decp("1")})
	require.ErrorIs(t, err, broken)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStock_InconsistentLayersRecordIncident(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 5, "1")
	env.store.CorruptLayers(core.Key{ProductID: "P1", WarehouseID: "W1"}, 0)

	_, err := env.stock.ApplyDelta(env.ctx, core.ApplyDeltaRequest{ProductID: "P1", WarehouseID: "W1", Delta: -2})
	require.ErrorIs(t, err, core.ErrInsufficientLayers)

	incidents := env.store.Incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, "insufficient_layers", incidents[0].Kind)
	assert.Equal(t, "P1", incidents[0].ProductID)
	assert.Equal(t, int64(5), env.row(t, "P1", "W1").OnHand)
}

// ── SetOnHand ─────────────────────────────────────────────────────────────────

func TestSetOnHand_AdjustsBothWays(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 10, "4")

	up, err := env.stock.SetOnHand(env.ctx, core.SetOnHandRequest{ProductID: "P1", WarehouseID: "W1", NewQty: 13, Reason: "count"})
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, core.MovementAdjustUp, up.Kind)
	assert.Equal(t, int64(3), up.QtyDelta)
	assert.True(t, dec("4").Equal(up.UnitCostApplied), "found units valued at the average")

	down, err := env.stock.SetOnHand(env.ctx, core.SetOnHandRequest{ProductID: "P1", WarehouseID: "W1", NewQty: 9})
	require.NoError(t, err)
	require.NotNil(t, down)
	assert.Equal(t, core.MovementAdjustDown, down.Kind)
	assert.Equal(t, int64(-4), down.QtyDelta)

	same, err := env.stock.SetOnHand(env.ctx, core.SetOnHandRequest{ProductID: "P1", WarehouseID: "W1", NewQty: 9})
	require.NoError(t, err)
	assert.Nil(t, same)

	assert.Equal(t, int64(9), env.row(t, "P1", "W1").OnHand)
	env.requireVerified(t)
}

func TestSetOnHand_CreatesRowOnFirstCount(t *testing.T) {
	env := newEnv(t)
	entry, err := env.stock.SetOnHand(env.ctx, core.SetOnHandRequest{ProductID: "P2", WarehouseID: "W1", NewQty: 6, UnitCost: decp("2.5")})
	require.NoError(t, err)
	require.NotNil(t, entry)
	row := env.row(t, "P2", "W1")
	assert.Equal(t, int64(6), row.OnHand)
	assert.True(t, dec("2.5").Equal(row.WeightedAvgCost))
}

func TestSetOnHand_BelowReservedRejectedByDefault(t *testing.T) {
	env := newEnv(t)
	env.receive(t, "P1", "W1", 10, "1")
	_, err := env.res.Reserve(env.ctx, core.ReserveRequest{ProductID: "P1", WarehouseID: "W1", Qty: 6, Reference: "SO-1"})
	require.NoError(t, err)

	_, err = env.stock.SetOnHand(env.ctx, core.SetOnHandRequest{ProductID: "P1", WarehouseID: "W1", NewQty: 4})
	assert.ErrorIs(t, err, core.ErrInsufficientStock)
	assert.Equal(t, int64(10), env.row(t, "P1", "W1").OnHand)
}

func TestSetOnHand_ShrinksNewestReservationsWhenAllowed(t *testing.T) {
	env := newEnv(t, func(p *core.Policy) { p.CountShrinksReservations = true })
	env.receive(t, "P1", "W1", 10, "1")
	older, err := env.res.Reserve(env.ctx, core.ReserveRequest{ProductID: "P1", WarehouseID: "W1", Qty: 3, Reference: "SO-1"})
	require.NoError(t, err)
	newer, err := env.res.Reserve(env.ctx, core.ReserveRequest{ProductID: "P1", WarehouseID: "W1", Qty: 4, Reference: "SO-2"})
	require.NoError(t, err)

	// Count of 5 leaves 5 reservable units; 7 are reserved, so 2 must go from the newest.
	_, err = env.stock.SetOnHand(env.ctx, core.SetOnHandRequest{ProductID: "P1", WarehouseID: "W1", NewQty: 5})
	require.NoError(t, err)

	row := env.row(t, "P1", "W1")
	assert.Equal(t, int64(5), row.OnHand)
	assert.Equal(t, int64(5), row.Reserved)

	gotNewer, err := env.res.Get(env.ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gotNewer.Qty)
	assert.Equal(t, core.ReservationActive, gotNewer.Status)
	gotOlder, err := env.res.Get(env.ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), gotOlder.Qty)

	env.requireVerified(t)
}

func TestUpdatePolicy(t *testing.T) {
	env := newEnv(t)
	_, err := env.stock.UpdatePolicy(env.ctx, core.UpdatePolicyRequest{ProductID: "P1", WarehouseID: "W1", ReorderPoint: 5})
	assert.ErrorIs(t, err, core.ErrUnknownRow)
	_, err = env.stock.UpdatePolicy(env.ctx, core.UpdatePolicyRequest{ProductID: "P1"})
	assert.ErrorIs(t, err, core.ErrMissingKey)

	env.receive(t, "P1", "W1", 3, "1")
	row, err := env.stock.UpdatePolicy(env.ctx, core.UpdatePolicyRequest{
		ProductID: "P1", WarehouseID: "W1", ReorderPoint: 5, ReorderQuantity: 20, MaxStock: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), row.ReorderPoint)
	assert.Equal(t, core.MethodFIFO, row.CostingMethod)

	_, err = env.stock.UpdatePolicy(env.ctx, core.UpdatePolicyRequest{ProductID: "P1", WarehouseID: "W1", ReorderPoint: -1})
	assert.ErrorIs(t, err, core.ErrInvalidQuantity)
}
