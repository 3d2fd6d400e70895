package core_test

import (
	"testing"

	"inventory-core/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

var (
	propProducts   = []string{"P1", "P2"}
	propWarehouses = []string{"W1", "W2", "W3"}
	propMethods    = []core.CostingMethod{core.MethodFIFO, core.MethodLIFO, core.MethodAverage}
)

// expectedFailure reports whether err is a refusal a random workload may legitimately hit.
func expectedFailure(err error) bool {
	k := core.KindOf(err)
	return k == core.KindDomain || k == core.KindValidation
}

// checkRows asserts the per-row invariants against committed state.
func checkRows(t *rapid.T, env *testEnv) {
	rows, err := env.store.ListInventory(env.ctx, core.InventoryFilter{})
	if err != nil {
		t.Fatalf("list inventory: %v", err)
	}
	active, err := env.store.ListReservations(env.ctx, core.ReservationFilter{Status: core.ReservationActive})
	if err != nil {
		t.Fatalf("list reservations: %v", err)
	}
	reserved := make(map[core.Key]int64)
	for _, r := range active {
		reserved[r.Key()] += r.Qty
	}

	for _, row := range rows {
		if row.Reserved < 0 || row.OnHand < row.Reserved {
			t.Fatalf("%s: on_hand=%d reserved=%d", row.Key(), row.OnHand, row.Reserved)
		}
		if row.WeightedAvgCost.IsNegative() {
			t.Fatalf("%s: negative average cost %s", row.Key(), row.WeightedAvgCost)
		}
		if reserved[row.Key()] != row.Reserved {
			t.Fatalf("%s: active reservations sum to %d, row says %d", row.Key(), reserved[row.Key()], row.Reserved)
		}
		layers, err := env.store.ListLayers(env.ctx, core.LayerFilter{ProductID: row.ProductID, WarehouseID: row.WarehouseID})
		if err != nil {
			t.Fatalf("list layers: %v", err)
		}
		if qty, _ := core.LayerValuation(layers); qty != row.OnHand {
			t.Fatalf("%s: layers hold %d, on_hand %d", row.Key(), qty, row.OnHand)
		}
	}
}

func TestInventoryInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := newEnv(t, func(p *core.Policy) {
			p.CountShrinksReservations = rapid.Bool().Draw(t, "shrink")
		})
		var reservations []uuid.UUID
		// Net units that entered or left the system per product; transfers must not move it.
		external := make(map[string]int64)

		drawKey := func(t *rapid.T) (string, string) {
			return rapid.SampledFrom(propProducts).Draw(t, "pid"), rapid.SampledFrom(propWarehouses).Draw(t, "wid")
		}
		mustBeExpected := func(t *rapid.T, op string, err error) {
			if err != nil && !expectedFailure(err) {
				t.Fatalf("%s: unexpected %v (%s)", op, err, core.KindOf(err))
			}
		}

		t.Repeat(map[string]func(*rapid.T){
			"receive": func(t *rapid.T) {
				pid, wid := drawKey(t)
				qty := int64(rapid.IntRange(1, 40).Draw(t, "qty"))
				cost := decimal.New(int64(rapid.IntRange(0, 100000).Draw(t, "cents")), -2)
				_, err := env.stock.ApplyDelta(env.ctx, core.ApplyDeltaRequest{ProductID: pid, WarehouseID: wid, Delta: qty, UnitCost: &cost})
				mustBeExpected(t, "receive", err)
				if err == nil {
					external[pid] += qty
				}
			},
			"issue": func(t *rapid.T) {
				pid, wid := drawKey(t)
				qty := int64(rapid.IntRange(1, 30).Draw(t, "qty"))
				method := rapid.SampledFrom(propMethods).Draw(t, "method")
				_, err := env.stock.ApplyDelta(env.ctx, core.ApplyDeltaRequest{ProductID: pid, WarehouseID: wid, Delta: -qty, Method: method})
				mustBeExpected(t, "issue", err)
				if err == nil {
					external[pid] -= qty
				}
			},
			"count": func(t *rapid.T) {
				pid, wid := drawKey(t)
				target := int64(rapid.IntRange(0, 60).Draw(t, "target"))
				rows, _ := env.store.ListInventory(env.ctx, core.InventoryFilter{ProductID: pid, WarehouseID: wid})
				entry, err := env.stock.SetOnHand(env.ctx, core.SetOnHandRequest{ProductID: pid, WarehouseID: wid, NewQty: target})
				mustBeExpected(t, "count", err)
				if err == nil && entry != nil {
					var before int64
					if len(rows) == 1 {
						before = rows[0].OnHand
					}
					external[pid] += target - before
				}
			},
			"reserve": func(t *rapid.T) {
				pid, wid := drawKey(t)
				qty := int64(rapid.IntRange(1, 20).Draw(t, "qty"))
				r, err := env.res.Reserve(env.ctx, core.ReserveRequest{ProductID: pid, WarehouseID: wid, Qty: qty, Reference: "ref"})
				mustBeExpected(t, "reserve", err)
				if err == nil {
					reservations = append(reservations, r.ID)
				}
			},
			"release": func(t *rapid.T) {
				if len(reservations) == 0 {
					t.Skip("no reservations")
				}
				id := rapid.SampledFrom(reservations).Draw(t, "reservation")
				_, _, err := env.res.Release(env.ctx, id, "")
				mustBeExpected(t, "release", err)
			},
			"consume": func(t *rapid.T) {
				if len(reservations) == 0 {
					t.Skip("no reservations")
				}
				id := rapid.SampledFrom(reservations).Draw(t, "reservation")
				res, err := env.res.Consume(env.ctx, id, "", "")
				mustBeExpected(t, "consume", err)
				if err == nil {
					external[res.Reservation.ProductID] -= res.Reservation.Qty
				}
			},
			"transfer": func(t *rapid.T) {
				pid := rapid.SampledFrom(propProducts).Draw(t, "pid")
				from := rapid.SampledFrom(propWarehouses).Draw(t, "from")
				to := rapid.SampledFrom(propWarehouses).Draw(t, "to")
				qty := int64(rapid.IntRange(1, 30).Draw(t, "qty"))
				method := rapid.SampledFrom(append([]core.CostingMethod{""}, propMethods...)).Draw(t, "method")
				_, err := env.transfers.Transfer(env.ctx, core.TransferRequest{ProductID: pid, FromWarehouse: from, ToWarehouse: to, Qty: qty, Method: method})
				mustBeExpected(t, "transfer", err)
			},
			"": func(t *rapid.T) {
				checkRows(t, env)
				for _, pid := range propProducts {
					rows, err := env.store.ListInventory(env.ctx, core.InventoryFilter{ProductID: pid})
					if err != nil {
						t.Fatalf("list inventory: %v", err)
					}
					var total int64
					for _, r := range rows {
						total += r.OnHand
					}
					if total != external[pid] {
						t.Fatalf("%s: on_hand across warehouses is %d, receipts minus issues is %d", pid, total, external[pid])
					}
				}
			},
		})

		report, err := env.reports.Verify(env.ctx)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if !report.OK() {
			t.Fatalf("ledger replay drifted: %+v", report.Drifts)
		}

		entries := env.ledger(t)
		last := make(map[core.Key]core.LedgerEntry)
		for _, e := range entries {
			if prev, ok := last[e.Key()]; ok {
				if e.ID <= prev.ID {
					t.Fatalf("ledger ids not increasing for %s", e.Key())
				}
				if e.Kind.AffectsOnHand() && prev.OnHandAfter != e.OnHandBefore {
					t.Fatalf("%s: entry %d starts at %d, previous ended at %d", e.Key(), e.ID, e.OnHandBefore, prev.OnHandAfter)
				}
			}
			last[e.Key()] = e
		}
	})
}
