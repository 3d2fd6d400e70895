package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"inventory-core/internal/core"
	"inventory-core/internal/memstore"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyA = core.Key{ProductID: "P1", WarehouseID: "W1"}

func seedRow(t *testing.T, s *memstore.Store, key core.Key, onHand int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	row, err := tx.LockOrCreateRow(ctx, key, core.MethodFIFO, time.Now())
	require.NoError(t, err)
	row.OnHand = onHand
	require.NoError(t, tx.UpdateRow(ctx, *row))
	if onHand > 0 {
		_, err = tx.InsertLayer(ctx, core.CostLayer{
			ProductID: key.ProductID, WarehouseID: key.WarehouseID,
			ReceivedAt: time.Now(), OriginalQty: onHand, RemainingQty: onHand, UnitCost: decimal.NewFromInt(1),
		})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(ctx))
}

func TestStore_RollbackDiscardsStagedWrites(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockOrCreateRow(ctx, keyA, core.MethodFIFO, time.Now())
	require.NoError(t, err)
	_, err = tx.AppendLedger(ctx, core.LedgerEntry{ProductID: "P1", WarehouseID: "W1", Kind: core.MovementReceive, QtyDelta: 1})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	rows, err := s.ListInventory(ctx, core.InventoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	entries, err := s.ListLedger(ctx, core.LedgerFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_LockRowUnknown(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = tx.LockRow(ctx, keyA)
	assert.ErrorIs(t, err, core.ErrUnknownRow)
}

func TestStore_LockTimeoutIsConflict(t *testing.T) {
	s := memstore.New(memstore.WithLockTimeout(20 * time.Millisecond))
	seedRow(t, s, keyA, 5)
	ctx := context.Background()

	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = holder.LockRow(ctx, keyA)
	require.NoError(t, err)

	waiter, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = waiter.LockRow(ctx, keyA)
	assert.ErrorIs(t, err, core.ErrConcurrencyConflict)
	require.NoError(t, waiter.Rollback(ctx))

	require.NoError(t, holder.Rollback(ctx))
	again, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = again.LockRow(ctx, keyA)
	assert.NoError(t, err, "lock must be free after rollback")
	require.NoError(t, again.Rollback(ctx))
}

func TestStore_LockIsReentrantWithinTx(t *testing.T) {
	s := memstore.New(memstore.WithLockTimeout(20 * time.Millisecond))
	seedRow(t, s, keyA, 5)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	_, err = tx.LockRow(ctx, keyA)
	require.NoError(t, err)
	_, err = tx.LockOrCreateRow(ctx, keyA, core.MethodFIFO, time.Now())
	assert.NoError(t, err)
}

func TestStore_UpdateRowRejectsBrokenInvariant(t *testing.T) {
	s := memstore.New()
	seedRow(t, s, keyA, 5)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	row, err := tx.LockRow(ctx, keyA)
	require.NoError(t, err)
	row.Reserved = 6
	assert.ErrorIs(t, tx.UpdateRow(ctx, *row), core.ErrStore)
}

func TestStore_LayersMergeStagedState(t *testing.T) {
	s := memstore.New()
	seedRow(t, s, keyA, 5)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	layers, err := tx.Layers(ctx, keyA)
	require.NoError(t, err)
	require.Len(t, layers, 1)

	require.NoError(t, tx.SetLayerRemaining(ctx, layers[0].ID, 0))
	_, err = tx.InsertLayer(ctx, core.CostLayer{
		ProductID: "P1", WarehouseID: "W1", ReceivedAt: time.Now(),
		OriginalQty: 3, RemainingQty: 3, UnitCost: decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	layers, err = tx.Layers(ctx, keyA)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, int64(3), layers[0].RemainingQty)

	committed, err := s.ListLayers(ctx, core.LayerFilter{})
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, int64(5), committed[0].RemainingQty, "uncommitted changes must not leak")
}

func TestStore_FaultOnCommitRollsBack(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	injected := errors.New("disk on fire")
	s.SetFault(func(op string, _ any) error {
		if op == "commit" {
			return injected
		}
		return nil
	})

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockOrCreateRow(ctx, keyA, core.MethodFIFO, time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Commit(ctx), injected)
	assert.NoError(t, tx.Rollback(ctx))

	s.SetFault(nil)
	rows, err := s.ListInventory(ctx, core.InventoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_LedgerOrderedByID(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	first, err := s.Begin(ctx)
	require.NoError(t, err)
	second, err := s.Begin(ctx)
	require.NoError(t, err)

	e1, err := first.AppendLedger(ctx, core.LedgerEntry{ProductID: "P1", WarehouseID: "W1", Kind: core.MovementReceive, QtyDelta: 1})
	require.NoError(t, err)
	e2, err := second.AppendLedger(ctx, core.LedgerEntry{ProductID: "P2", WarehouseID: "W1", Kind: core.MovementReceive, QtyDelta: 1})
	require.NoError(t, err)
	require.NoError(t, second.Commit(ctx))
	require.NoError(t, first.Commit(ctx))

	entries, err := s.ListLedger(ctx, core.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, e1.ID, entries[0].ID)
	assert.Equal(t, e2.ID, entries[1].ID)
}

func TestStore_OneOpenAlertPerRow(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	open, err := tx.OpenAlertForUpdate(ctx, keyA)
	require.NoError(t, err)
	assert.Nil(t, open)

	a := core.ReorderAlert{ID: uuid.New(), ProductID: "P1", WarehouseID: "W1", Severity: core.SeverityLow, Status: core.AlertPending}
	require.NoError(t, tx.InsertAlert(ctx, a))
	b := a
	b.ID = uuid.New()
	assert.ErrorIs(t, tx.InsertAlert(ctx, b), core.ErrStore)

	a.Status = core.AlertResolved
	require.NoError(t, tx.UpdateAlert(ctx, a))
	open, err = tx.OpenAlertForUpdate(ctx, keyA)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestStore_GetReservationNotFound(t *testing.T) {
	s := memstore.New()
	_, err := s.GetReservation(context.Background(), uuid.New())
	assert.ErrorIs(t, err, core.ErrNotFound)
}
