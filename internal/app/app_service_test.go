package app_test

import (
	"context"
	"testing"
	"time"

	"inventory-core/internal/app"
	"inventory-core/internal/core"
	"inventory-core/internal/events"
	"inventory-core/internal/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (app.ApplicationService, *core.ReorderWatcher) {
	t.Helper()
	store := memstore.New()
	bus := events.NewBus(64, nil)
	t.Cleanup(bus.Close)
	d := core.Deps{Store: store, Bus: bus, Policy: core.DefaultPolicy()}
	watcher := core.NewReorderWatcher(d, 0)
	t.Cleanup(watcher.Close)
	svc := app.NewAppService(
		core.NewStockService(d),
		core.NewReservationService(d),
		core.NewTransferService(d),
		core.NewReportingService(store),
		watcher,
		nil,
	)
	return svc, watcher
}

func cost(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestAppService_MovementFlow(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	res, err := svc.ApplyMovement(ctx, app.MovementRequest{ProductID: "P1", WarehouseID: "W1", Delta: 10, UnitCost: cost("4"), Actor: "alice"})
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "receive", res.Entry.Kind)
	assert.Equal(t, "alice", res.Entry.Actor)

	_, err = svc.ApplyMovement(ctx, app.MovementRequest{ProductID: "P1", WarehouseID: "W1", Delta: -2, Method: "hifo"})
	assert.ErrorIs(t, err, core.ErrUnknownMethod)

	_, err = svc.ApplyMovement(ctx, app.MovementRequest{ProductID: "P1", WarehouseID: "W1", Delta: -2, Kind: "teleport"})
	assert.ErrorIs(t, err, core.ErrInvalidKind)

	count, err := svc.CountStock(ctx, app.CountRequest{ProductID: "P1", WarehouseID: "W1", NewQty: 10})
	require.NoError(t, err)
	assert.True(t, count.Unchanged)
	assert.Nil(t, count.Entry)

	count, err = svc.CountStock(ctx, app.CountRequest{ProductID: "P1", WarehouseID: "W1", NewQty: 7})
	require.NoError(t, err)
	require.NotNil(t, count.Entry)
	assert.Equal(t, "adjust-", count.Entry.Kind)

	inv, err := svc.ReadInventory(ctx, app.InventoryQuery{ProductID: "P1"})
	require.NoError(t, err)
	require.Len(t, inv.Rows, 1)
	assert.Equal(t, int64(7), inv.Rows[0].Available)
	assert.NotNil(t, inv.Rows[0].LastMovementAt)
}

func TestAppService_TransferAndLedgerPaging(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, app.MovementRequest{ProductID: "P1", WarehouseID: "A", Delta: 10, UnitCost: cost("2")})
	require.NoError(t, err)
	tr, err := svc.Transfer(ctx, app.TransferRequest{ProductID: "P1", FromWarehouse: "A", ToWarehouse: "B", Qty: 4})
	require.NoError(t, err)
	assert.Equal(t, tr.Out.ID, tr.OutID)
	require.NotNil(t, tr.In.RelatedEntryID)
	assert.Equal(t, tr.OutID, *tr.In.RelatedEntryID)

	page, err := svc.ReadLedger(ctx, app.LedgerQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, page.Entries[1].ID, page.NextAfterID)

	rest, err := svc.ReadLedger(ctx, app.LedgerQuery{AfterID: page.NextAfterID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rest.Entries, 1)
	assert.Zero(t, rest.NextAfterID)

	outs, err := svc.ReadLedger(ctx, app.LedgerQuery{Kinds: []string{"transfer-out"}})
	require.NoError(t, err)
	require.Len(t, outs.Entries, 1)

	val, err := svc.ReadValuation(ctx, "B", "")
	require.NoError(t, err)
	assert.Equal(t, "FIFO", val.Method)
	assert.True(t, decimal.NewFromInt(8).Equal(val.TotalValue))

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verify.OK)
	assert.Equal(t, 3, verify.EntriesChecked)
}

func TestAppService_Reservations(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, app.MovementRequest{ProductID: "P1", WarehouseID: "W1", Delta: 5, UnitCost: cost("1")})
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour)
	r, err := svc.Reserve(ctx, app.ReserveRequest{ProductID: "P1", WarehouseID: "W1", Qty: 3, Reference: "SO-1", ExpiresAt: &exp})
	require.NoError(t, err)
	assert.Equal(t, "active", r.Status)

	got, err := svc.GetReservation(ctx, r.ID.String())
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	consumed, err := svc.Consume(ctx, r.ID.String(), "bob", "shipped")
	require.NoError(t, err)
	assert.Equal(t, "consumed", consumed.Reservation.Status)
	assert.Equal(t, int64(-3), consumed.Entry.QtyDelta)

	rel, err := svc.Release(ctx, r.ID.String(), "bob")
	require.NoError(t, err)
	assert.Equal(t, string(core.AlreadyTerminal), rel.Outcome)

	_, err = svc.GetReservation(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, app.ErrBadRequest)
}

func TestAppService_Alerts(t *testing.T) {
	svc, watcher := newService(t)
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, app.MovementRequest{ProductID: "P1", WarehouseID: "W1", Delta: 3, UnitCost: cost("1")})
	require.NoError(t, err)
	_, err = svc.UpdatePolicy(ctx, app.PolicyRequest{ProductID: "P1", WarehouseID: "W1", ReorderPoint: 10, ReorderQuantity: 5, CostingMethod: "lifo"})
	require.NoError(t, err)
	require.NoError(t, watcher.Reconcile(ctx))

	list, err := svc.ListAlerts(ctx, app.AlertQuery{Status: "open"})
	require.NoError(t, err)
	require.Len(t, list.Alerts, 1)
	assert.Equal(t, "pending", list.Alerts[0].Status)

	acked, err := svc.AckAlert(ctx, list.Alerts[0].ID.String(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "acknowledged", acked.Status)
	assert.Equal(t, "carol", acked.AcknowledgedBy)

	_, err = svc.ListAlerts(ctx, app.AlertQuery{Status: "snoozed"})
	assert.ErrorIs(t, err, app.ErrBadRequest)

	inv, err := svc.ReadInventory(ctx, app.InventoryQuery{BelowReorder: true})
	require.NoError(t, err)
	require.Len(t, inv.Rows, 1)
	assert.Equal(t, "LIFO", inv.Rows[0].CostingMethod)
}
