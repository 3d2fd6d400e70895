package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ── Report types ──────────────────────────────────────────────────────────────

// RowValuation is the value of one row's stock under a valuation method.
// FIFO and LIFO value the remaining cost layers; AVERAGE values on_hand at the
// row's weighted average cost.
type RowValuation struct {
	ProductID   string
	WarehouseID string
	OnHand      int64
	UnitCost    decimal.Decimal
	Value       decimal.Decimal
}

// ValuationReport sums RowValuation over the selected rows.
type ValuationReport struct {
	Method      CostingMethod
	WarehouseID string
	Rows        []RowValuation
	TotalQty    int64
	TotalValue  decimal.Decimal
}

// Drift is one disagreement between stored state and the ledger replay.
type Drift struct {
	ProductID   string
	WarehouseID string
	Field       string
	Stored      string
	Replayed    string
}

// VerifyReport is the result of replaying the whole ledger against stored rows.
type VerifyReport struct {
	RowsChecked    int
	EntriesChecked int
	Drifts         []Drift
}

// OK reports whether no drift was found.
func (r VerifyReport) OK() bool { return len(r.Drifts) == 0 }

// ── Interface ─────────────────────────────────────────────────────────────────

// ReportingService provides the read-only queries of the inventory core.
type ReportingService interface {
	// ReadInventory returns rows matching f ordered by (pid, wid).
	ReadInventory(ctx context.Context, f InventoryFilter) ([]InventoryRow, error)

	// ReadLedger returns ledger entries matching f in id order.
	ReadLedger(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error)

	// ReadValuation values stock per row under method, optionally for one warehouse.
	ReadValuation(ctx context.Context, warehouseID string, method CostingMethod) (*ValuationReport, error)

	// Verify replays the ledger and reports every row whose on_hand, reserved, average
	// cost or cost layers disagree with it, plus rows whose layers or active
	// reservations do not add up.
	Verify(ctx context.Context) (*VerifyReport, error)
}

type reportingService struct {
	store  Store
	ledger *Ledger
}

// NewReportingService constructs a ReportingService.
func NewReportingService(store Store) ReportingService {
	return &reportingService{store: store, ledger: NewLedger(store)}
}

func (s *reportingService) ReadInventory(ctx context.Context, f InventoryFilter) ([]InventoryRow, error) {
	rows, err := s.store.ListInventory(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return rows, nil
}

func (s *reportingService) ReadLedger(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error) {
	entries, err := s.ledger.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return entries, nil
}

func (s *reportingService) ReadValuation(ctx context.Context, warehouseID string, method CostingMethod) (*ValuationReport, error) {
	if err := method.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.store.ListInventory(ctx, InventoryFilter{WarehouseID: warehouseID})
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	report := &ValuationReport{Method: method, WarehouseID: warehouseID, TotalValue: decimal.Zero}
	var layers map[Key][]CostLayer
	if method != MethodAverage {
		all, err := s.store.ListLayers(ctx, LayerFilter{WarehouseID: warehouseID})
		if err != nil {
			return nil, fmt.Errorf("failed to read cost layers: %w", err)
		}
		layers = make(map[Key][]CostLayer)
		for _, l := range all {
			k := Key{l.ProductID, l.WarehouseID}
			layers[k] = append(layers[k], l)
		}
	}

	for _, r := range rows {
		rv := RowValuation{ProductID: r.ProductID, WarehouseID: r.WarehouseID, OnHand: r.OnHand}
		if method == MethodAverage {
			rv.UnitCost = r.WeightedAvgCost
			rv.Value = r.WeightedAvgCost.Mul(decimal.NewFromInt(r.OnHand))
		} else {
			_, rv.Value = LayerValuation(layers[r.Key()])
			rv.UnitCost = decimal.Zero
			if r.OnHand > 0 {
				rv.UnitCost = RoundCost(rv.Value.Div(decimal.NewFromInt(r.OnHand)))
			}
		}
		rv.Value = RoundCost(rv.Value)
		report.Rows = append(report.Rows, rv)
		report.TotalQty += rv.OnHand
		report.TotalValue = report.TotalValue.Add(rv.Value)
	}
	return report, nil
}

func (s *reportingService) Verify(ctx context.Context) (*VerifyReport, error) {
	entries, err := s.store.ListLedger(ctx, LedgerFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	replayed, err := Replay(entries)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListInventory(ctx, InventoryFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	allLayers, err := s.store.ListLayers(ctx, LayerFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read cost layers: %w", err)
	}
	active, err := s.store.ListReservations(ctx, ReservationFilter{Status: ReservationActive})
	if err != nil {
		return nil, fmt.Errorf("failed to read reservations: %w", err)
	}

	layersByKey := make(map[Key][]CostLayer)
	for _, l := range allLayers {
		k := Key{l.ProductID, l.WarehouseID}
		layersByKey[k] = append(layersByKey[k], l)
	}
	reservedByKey := make(map[Key]int64)
	for _, r := range active {
		reservedByKey[r.Key()] += r.Qty
	}

	report := &VerifyReport{RowsChecked: len(rows), EntriesChecked: len(entries)}
	drift := func(k Key, field string, stored, replayed any) {
		report.Drifts = append(report.Drifts, Drift{
			ProductID:   k.ProductID,
			WarehouseID: k.WarehouseID,
			Field:       field,
			Stored:      fmt.Sprint(stored),
			Replayed:    fmt.Sprint(replayed),
		})
	}

	seen := make(map[Key]bool, len(rows))
	for _, row := range rows {
		k := row.Key()
		seen[k] = true
		st, ok := replayed[k]
		if !ok {
			st = &ReplayState{WeightedAvgCost: decimal.Zero}
		}
		if row.OnHand != st.OnHand {
			drift(k, "on_hand", row.OnHand, st.OnHand)
		}
		if row.Reserved != st.Reserved {
			drift(k, "reserved", row.Reserved, st.Reserved)
		}
		if !row.WeightedAvgCost.Equal(st.WeightedAvgCost) {
			drift(k, "weighted_avg_cost", row.WeightedAvgCost, st.WeightedAvgCost)
		}

		stored := layersByKey[k]
		SortLayers(stored)
		if got, want := layerShape(stored), layerShape(st.Layers); got != want {
			drift(k, "cost_layers", got, want)
		}
		if qty, _ := LayerValuation(stored); qty != row.OnHand {
			drift(k, "layer_total", qty, row.OnHand)
		}
		if reservedByKey[k] != row.Reserved {
			drift(k, "active_reservations", reservedByKey[k], row.Reserved)
		}
	}

	missing := make([]Key, 0)
	for k, st := range replayed {
		if !seen[k] && (st.OnHand != 0 || st.Reserved != 0) {
			missing = append(missing, k)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Less(missing[j]) })
	for _, k := range missing {
		drift(k, "row", "missing", fmt.Sprintf("on_hand=%d reserved=%d", replayed[k].OnHand, replayed[k].Reserved))
	}
	return report, nil
}

// layerShape renders layers as "qty@cost,..." in FIFO order for comparison.
func layerShape(layers []CostLayer) string {
	ordered := make([]CostLayer, len(layers))
	copy(ordered, layers)
	SortLayers(ordered)
	out := ""
	for i, l := range ordered {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d@%s", l.RemainingQty, l.UnitCost.StringFixed(CostScale))
	}
	return out
}
