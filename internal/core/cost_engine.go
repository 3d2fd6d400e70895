package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConsumedSlice is the part of one cost layer drawn by a consumption.
type ConsumedSlice struct {
	LayerID    int64
	Qty        int64
	UnitCost   decimal.Decimal
	ReceivedAt time.Time
}

// Consumption is the costed result of removing Qty units from a row.
type Consumption struct {
	Method CostingMethod
	Qty    int64
	// Slices are the layer draw-downs in the order they were consumed. Under AVERAGE
	// they are bookkeeping only and do not determine TotalCost.
	Slices    []ConsumedSlice
	TotalCost decimal.Decimal
	UnitCost  decimal.Decimal
}

// SortLayers orders layers by (ReceivedAt, ID) ascending, the canonical FIFO order.
func SortLayers(layers []CostLayer) {
	sort.SliceStable(layers, func(i, j int) bool {
		if !layers[i].ReceivedAt.Equal(layers[j].ReceivedAt) {
			return layers[i].ReceivedAt.Before(layers[j].ReceivedAt)
		}
		return layers[i].ID < layers[j].ID
	})
}

// PlanConsumption decides which layers cover qty under method without mutating anything.
// FIFO draws the oldest layer first (smaller id on equal timestamps), LIFO the newest
// (larger id on equal timestamps). AVERAGE charges wac per unit and drains the oldest
// layers so remaining quantities keep matching on_hand.
func PlanConsumption(layers []CostLayer, method CostingMethod, qty int64, wac decimal.Decimal) (Consumption, error) {
	if qty <= 0 {
		return Consumption{}, ErrInvalidQuantity
	}
	if err := method.Validate(); err != nil {
		return Consumption{}, err
	}

	ordered := make([]CostLayer, len(layers))
	copy(ordered, layers)
	SortLayers(ordered)
	if method == MethodLIFO {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	c := Consumption{Method: method, Qty: qty, TotalCost: decimal.Zero}
	need := qty
	for _, l := range ordered {
		if need == 0 {
			break
		}
		if l.RemainingQty <= 0 {
			continue
		}
		take := min(l.RemainingQty, need)
		c.Slices = append(c.Slices, ConsumedSlice{
			LayerID:    l.ID,
			Qty:        take,
			UnitCost:   l.UnitCost,
			ReceivedAt: l.ReceivedAt,
		})
		c.TotalCost = c.TotalCost.Add(l.UnitCost.Mul(decimal.NewFromInt(take)))
		need -= take
	}
	if need > 0 {
		return Consumption{}, fmt.Errorf("%w: requested %d, layers hold %d", ErrInsufficientLayers, qty, qty-need)
	}

	if method == MethodAverage {
		c.TotalCost = wac.Mul(decimal.NewFromInt(qty))
		c.UnitCost = wac
	} else {
		c.UnitCost = RoundCost(c.TotalCost.Div(decimal.NewFromInt(qty)))
	}
	c.TotalCost = RoundCost(c.TotalCost)
	return c, nil
}

// ApplyConsumption returns layers with c's slices removed; emptied layers are dropped.
func ApplyConsumption(layers []CostLayer, c Consumption) []CostLayer {
	taken := make(map[int64]int64, len(c.Slices))
	for _, s := range c.Slices {
		taken[s.LayerID] += s.Qty
	}
	out := make([]CostLayer, 0, len(layers))
	for _, l := range layers {
		l.RemainingQty -= taken[l.ID]
		if l.RemainingQty > 0 {
			out = append(out, l)
		}
	}
	return out
}

// WeightedAverageAfterReceipt folds a receipt of qty units worth value into the running
// average: (onHand*wac + value) / (onHand + qty).
func WeightedAverageAfterReceipt(onHand int64, wac decimal.Decimal, qty int64, value decimal.Decimal) decimal.Decimal {
	total := onHand + qty
	if total <= 0 {
		return wac
	}
	num := wac.Mul(decimal.NewFromInt(onHand)).Add(value)
	return RoundCost(num.Div(decimal.NewFromInt(total)))
}

// ReceiptSlice is one layer to create on receipt.
type ReceiptSlice struct {
	Qty      int64
	UnitCost decimal.Decimal
}

// ReceiptValue sums qty and qty*unit cost over slices, costs rounded to CostScale first.
func ReceiptValue(slices []ReceiptSlice) (int64, decimal.Decimal) {
	var qty int64
	value := decimal.Zero
	for _, s := range slices {
		qty += s.Qty
		value = value.Add(RoundCost(s.UnitCost).Mul(decimal.NewFromInt(s.Qty)))
	}
	return qty, value
}

// LayerValuation sums remaining quantity and remaining value over layers.
func LayerValuation(layers []CostLayer) (int64, decimal.Decimal) {
	var qty int64
	value := decimal.Zero
	for _, l := range layers {
		qty += l.RemainingQty
		value = value.Add(l.UnitCost.Mul(decimal.NewFromInt(l.RemainingQty)))
	}
	return qty, value
}

// WeightedAverageAfterConsumption is the row average once c has been taken from a row
// whose layers were before. FIFO and LIFO re-derive it from what remains; AVERAGE and an
// emptied row keep the previous figure.
func WeightedAverageAfterConsumption(before []CostLayer, c Consumption, wac decimal.Decimal) decimal.Decimal {
	if c.Method == MethodAverage {
		return wac
	}
	qty, value := LayerValuation(ApplyConsumption(before, c))
	if qty == 0 {
		return wac
	}
	return RoundCost(value.Div(decimal.NewFromInt(qty)))
}

// CostEngine owns cost layers. It reads and writes them only inside the caller's transaction.
type CostEngine struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

func NewCostEngine(store Store, clock Clock, logger *zap.Logger) *CostEngine {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CostEngine{store: store, clock: clock, logger: logger}
}

// Receive creates one layer per slice, all stamped at, and folds their total value into
// row's weighted average. It returns the new layer ids and the received value.
// The caller updates row.OnHand.
func (e *CostEngine) Receive(ctx context.Context, tx Tx, row *InventoryRow, slices []ReceiptSlice, at time.Time) ([]int64, decimal.Decimal, error) {
	if len(slices) == 0 {
		return nil, decimal.Zero, ErrInvalidQuantity
	}
	for _, s := range slices {
		if s.Qty <= 0 {
			return nil, decimal.Zero, ErrInvalidQuantity
		}
		if s.UnitCost.IsNegative() {
			return nil, decimal.Zero, ErrInvalidCost
		}
	}

	ids := make([]int64, 0, len(slices))
	for _, s := range slices {
		id, err := tx.InsertLayer(ctx, CostLayer{
			ProductID:    row.ProductID,
			WarehouseID:  row.WarehouseID,
			ReceivedAt:   at,
			OriginalQty:  s.Qty,
			RemainingQty: s.Qty,
			UnitCost:     RoundCost(s.UnitCost),
		})
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to insert cost layer: %w", err)
		}
		ids = append(ids, id)
	}
	qty, value := ReceiptValue(slices)
	row.WeightedAvgCost = WeightedAverageAfterReceipt(row.OnHand, row.WeightedAvgCost, qty, value)
	return ids, value, nil
}

// Consume draws qty from row's layers under method and updates row's weighted average.
// The caller updates row.OnHand.
func (e *CostEngine) Consume(ctx context.Context, tx Tx, row *InventoryRow, qty int64, method CostingMethod) (Consumption, error) {
	layers, err := tx.Layers(ctx, row.Key())
	if err != nil {
		return Consumption{}, fmt.Errorf("failed to load cost layers: %w", err)
	}
	c, err := PlanConsumption(layers, method, qty, row.WeightedAvgCost)
	if err != nil {
		return Consumption{}, err
	}

	remaining := make(map[int64]int64, len(layers))
	for _, l := range layers {
		remaining[l.ID] = l.RemainingQty
	}
	for _, s := range c.Slices {
		remaining[s.LayerID] -= s.Qty
		if err := tx.SetLayerRemaining(ctx, s.LayerID, remaining[s.LayerID]); err != nil {
			return Consumption{}, fmt.Errorf("failed to update cost layer %d: %w", s.LayerID, err)
		}
	}
	row.WeightedAvgCost = WeightedAverageAfterConsumption(layers, c, row.WeightedAvgCost)
	return c, nil
}

// ReportIfInconsistent persists an incident and logs at error level when err is a
// consistency failure. It never changes err.
func (e *CostEngine) ReportIfInconsistent(ctx context.Context, key Key, op string, err error) {
	if !errors.Is(err, ErrInsufficientLayers) {
		return
	}
	inc := Incident{
		ID:          uuid.New(),
		At:          e.clock.Now(),
		Kind:        "insufficient_layers",
		ProductID:   key.ProductID,
		WarehouseID: key.WarehouseID,
		Detail:      fmt.Sprintf("%s: %v", op, err),
	}
	e.logger.Error("cost layers inconsistent with on_hand",
		zap.String("pid", key.ProductID),
		zap.String("wid", key.WarehouseID),
		zap.String("op", op),
		zap.Stringer("incident_id", inc.ID),
		zap.Error(err),
	)
	// The business context may already be cancelled; the incident must still land.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if recErr := e.store.RecordIncident(recCtx, inc); recErr != nil {
		e.logger.Error("failed to record incident", zap.Stringer("incident_id", inc.ID), zap.Error(recErr))
	}
}
