package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger is the append-only movement journal. Entries are written inside the mutating
// transaction and never updated or deleted afterwards.
type Ledger struct {
	store Store
}

// NewLedger constructs a Ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append validates entry and stores it in tx, returning it with its assigned id.
func (l *Ledger) Append(ctx context.Context, tx Tx, entry LedgerEntry) (LedgerEntry, error) {
	if entry.ProductID == "" || entry.WarehouseID == "" {
		return LedgerEntry{}, fmt.Errorf("ledger entry requires product and warehouse")
	}
	if _, err := ParseMovementKind(string(entry.Kind)); err != nil {
		return LedgerEntry{}, err
	}
	if entry.QtyDelta == 0 {
		return LedgerEntry{}, ErrInvalidDelta
	}
	if entry.Kind.AffectsOnHand() && entry.OnHandAfter-entry.OnHandBefore != entry.QtyDelta {
		return LedgerEntry{}, fmt.Errorf("ledger entry on_hand %d -> %d does not match delta %d",
			entry.OnHandBefore, entry.OnHandAfter, entry.QtyDelta)
	}
	if entry.At.IsZero() {
		return LedgerEntry{}, fmt.Errorf("ledger entry requires a timestamp")
	}

	stored, err := tx.AppendLedger(ctx, entry)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return stored, nil
}

// ByProduct returns the entries of one row, optionally bounded in time, oldest first.
func (l *Ledger) ByProduct(ctx context.Context, key Key, from, to *time.Time) ([]LedgerEntry, error) {
	return l.store.ListLedger(ctx, LedgerFilter{
		ProductID:   key.ProductID,
		WarehouseID: key.WarehouseID,
		From:        from,
		To:          to,
	})
}

// ByReference returns every entry carrying reference, oldest first.
func (l *Ledger) ByReference(ctx context.Context, reference string) ([]LedgerEntry, error) {
	if reference == "" {
		return nil, fmt.Errorf("reference is required")
	}
	return l.store.ListLedger(ctx, LedgerFilter{Reference: reference})
}

// Query returns entries matching f, oldest first.
func (l *Ledger) Query(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error) {
	return l.store.ListLedger(ctx, f)
}

// ── Replay ────────────────────────────────────────────────────────────────────

// ReplayState is a row position rebuilt from the ledger alone.
type ReplayState struct {
	OnHand          int64
	Reserved        int64
	WeightedAvgCost decimal.Decimal
	Layers          []CostLayer
}

// Replay rebuilds every row's on_hand, reserved, weighted average and remaining cost
// layers by folding entries in id order through the cost rules.
func Replay(entries []LedgerEntry) (map[Key]*ReplayState, error) {
	ordered := make([]LedgerEntry, len(entries))
	copy(ordered, entries)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	states := make(map[Key]*ReplayState)
	transferSlices := make(map[int64][]ConsumedSlice)
	var nextLayerID int64

	for _, e := range ordered {
		st, ok := states[e.Key()]
		if !ok {
			st = &ReplayState{WeightedAvgCost: decimal.Zero}
			states[e.Key()] = st
		}

		switch e.Kind {
		case MovementReserve, MovementRelease:
			st.Reserved += e.QtyDelta

		case MovementReceive, MovementAdjustUp, MovementTransferIn:
			slices := []ReceiptSlice{{Qty: e.QtyDelta, UnitCost: e.UnitCostApplied}}
			if e.Kind == MovementTransferIn && e.RelatedEntryID != nil {
				if src, ok := transferSlices[*e.RelatedEntryID]; ok {
					slices = slices[:0]
					for _, s := range src {
						slices = append(slices, ReceiptSlice{Qty: s.Qty, UnitCost: s.UnitCost})
					}
				}
			}
			qty, value := ReceiptValue(slices)
			st.WeightedAvgCost = WeightedAverageAfterReceipt(st.OnHand, st.WeightedAvgCost, qty, value)
			for _, s := range slices {
				nextLayerID++
				st.Layers = append(st.Layers, CostLayer{
					ID:           nextLayerID,
					ProductID:    e.ProductID,
					WarehouseID:  e.WarehouseID,
					ReceivedAt:   e.At,
					OriginalQty:  s.Qty,
					RemainingQty: s.Qty,
					UnitCost:     RoundCost(s.UnitCost),
				})
			}
			st.OnHand += e.QtyDelta

		case MovementIssue, MovementAdjustDown, MovementTransferOut:
			c, err := PlanConsumption(st.Layers, e.CostMethod, -e.QtyDelta, st.WeightedAvgCost)
			if err != nil {
				return nil, fmt.Errorf("replay of ledger entry %d: %w", e.ID, err)
			}
			st.WeightedAvgCost = WeightedAverageAfterConsumption(st.Layers, c, st.WeightedAvgCost)
			st.Layers = ApplyConsumption(st.Layers, c)
			st.OnHand += e.QtyDelta
			if e.Kind == MovementTransferOut && e.CostMethod != MethodAverage {
				transferSlices[e.ID] = c.Slices
			}
		}
	}
	return states, nil
}
