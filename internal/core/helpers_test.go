package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"inventory-core/internal/core"
	"inventory-core/internal/events"
	"inventory-core/internal/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// tb is the part of testing.TB that both *testing.T and *rapid.T provide.
type tb interface {
	require.TestingT
	Helper()
}

// tickClock advances by one millisecond on every read so timestamps stay distinct.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickClock() *tickClock {
	return &tickClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *tickClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	ctx       context.Context
	store     *memstore.Store
	bus       *events.Bus
	clock     *tickClock
	deps      core.Deps
	stock     core.StockService
	res       core.ReservationService
	transfers core.TransferService
	reports   core.ReportingService
}

func newEnv(t tb, tweak ...func(*core.Policy)) *testEnv {
	t.Helper()
	policy := core.DefaultPolicy()
	policy.RetryInitialInterval = time.Millisecond
	policy.RetryMaxInterval = 5 * time.Millisecond
	for _, f := range tweak {
		f(&policy)
	}

	store := memstore.New(memstore.WithLockTimeout(time.Second))
	bus := events.NewBus(256, nil)
	clock := newTickClock()
	d := core.Deps{Store: store, Bus: bus, Clock: clock, Policy: policy}
	return &testEnv{
		ctx:       context.Background(),
		store:     store,
		bus:       bus,
		clock:     clock,
		deps:      d,
		stock:     core.NewStockService(d),
		res:       core.NewReservationService(d),
		transfers: core.NewTransferService(d),
		reports:   core.NewReportingService(store),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func (e *testEnv) receive(t tb, pid, wid string, qty int64, cost string) core.LedgerEntry {
	t.Helper()
	entry, err := e.stock.ApplyDelta(e.ctx, core.ApplyDeltaRequest{
		ProductID: pid, WarehouseID: wid, Delta: qty, UnitCost: decp(cost), Actor: "test",
	})
	require.NoError(t, err)
	return *entry
}

func (e *testEnv) issue(t tb, pid, wid string, qty int64, method core.CostingMethod) core.LedgerEntry {
	t.Helper()
	entry, err := e.stock.ApplyDelta(e.ctx, core.ApplyDeltaRequest{
		ProductID: pid, WarehouseID: wid, Delta: -qty, Method: method, Actor: "test",
	})
	require.NoError(t, err)
	return *entry
}

func (e *testEnv) row(t tb, pid, wid string) core.InventoryRow {
	t.Helper()
	rows, err := e.store.ListInventory(e.ctx, core.InventoryFilter{ProductID: pid, WarehouseID: wid})
	require.NoError(t, err)
	require.Len(t, rows, 1, "row %s@%s", pid, wid)
	return rows[0]
}

func (e *testEnv) layers(t tb, pid, wid string) []core.CostLayer {
	t.Helper()
	layers, err := e.store.ListLayers(e.ctx, core.LayerFilter{ProductID: pid, WarehouseID: wid})
	require.NoError(t, err)
	return layers
}

func (e *testEnv) ledger(t tb) []core.LedgerEntry {
	t.Helper()
	entries, err := e.store.ListLedger(e.ctx, core.LedgerFilter{})
	require.NoError(t, err)
	return entries
}

func (e *testEnv) requireVerified(t tb) {
	t.Helper()
	report, err := e.reports.Verify(e.ctx)
	require.NoError(t, err)
	require.Empty(t, report.Drifts)
}

// collect subscribes before the action runs and returns the matching events it produced.
func collect(t *testing.T, bus *events.Bus, want int, filter events.Filter, action func()) []events.Event {
	t.Helper()
	sub := bus.Subscribe(t.Name(), filter, 0)
	defer sub.Close()
	action()

	out := make([]events.Event, 0, want)
	for len(out) < want {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ev, err := sub.Next(ctx)
		cancel()
		require.NoError(t, err, "waiting for event %d of %d", len(out)+1, want)
		out = append(out, ev)
	}
	return out
}
