package core

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ApplyDeltaRequest moves stock on one row. A positive Delta is a receipt and needs
// UnitCost; a negative Delta is an issue bounded by the row's available quantity.
type ApplyDeltaRequest struct {
	ProductID   string
	WarehouseID string
	Delta       int64
	// Kind defaults to receive for positive and issue for negative deltas.
	Kind     MovementKind
	UnitCost *decimal.Decimal
	// Method overrides the row's costing method for a decrement.
	Method    CostingMethod
	Reference string
	Actor     string
	Reason    string
}

// SetOnHandRequest reconciles a row to a physical count.
type SetOnHandRequest struct {
	ProductID   string
	WarehouseID string
	NewQty      int64
	// UnitCost values found units; the row's weighted average is used when nil.
	UnitCost  *decimal.Decimal
	Reference string
	Actor     string
	Reason    string
}

// UpdatePolicyRequest changes the reorder policy and costing method of a row.
type UpdatePolicyRequest struct {
	ProductID       string
	WarehouseID     string
	ReorderPoint    int64
	ReorderQuantity int64
	MaxStock        int64
	// CostingMethod keeps the current method when empty.
	CostingMethod CostingMethod
}

// StockService is the only writer of inventory rows.
type StockService interface {
	// ApplyDelta applies one receipt, issue or adjustment and returns its ledger entry.
	ApplyDelta(ctx context.Context, req ApplyDeltaRequest) (*LedgerEntry, error)

	// SetOnHand applies new_qty - on_hand as adjust+ or adjust-. It returns nil when the
	// count already matches.
	SetOnHand(ctx context.Context, req SetOnHandRequest) (*LedgerEntry, error)

	// UpdatePolicy changes reorder parameters of an existing row.
	UpdatePolicy(ctx context.Context, req UpdatePolicyRequest) (*InventoryRow, error)
}

type stockService struct {
	*runner
}

// NewStockService constructs a StockService.
func NewStockService(d Deps) StockService {
	return &stockService{runner: newRunner(d)}
}

// movement is a validated single-row stock change.
type movement struct {
	delta     int64
	kind      MovementKind
	unitCost  decimal.Decimal
	method    CostingMethod
	reference string
	actor     string
	reason    string
}

func (r ApplyDeltaRequest) validate() (movement, error) {
	if r.ProductID == "" || r.WarehouseID == "" {
		return movement{}, ErrMissingKey
	}
	if r.Delta == 0 {
		return movement{}, ErrInvalidDelta
	}
	m := movement{
		delta:     r.Delta,
		kind:      r.Kind,
		method:    r.Method,
		reference: r.Reference,
		actor:     r.Actor,
		reason:    r.Reason,
	}
	if m.method != "" {
		if err := m.method.Validate(); err != nil {
			return movement{}, err
		}
	}

	if r.Delta > 0 {
		if m.kind == "" {
			m.kind = MovementReceive
		}
		if m.kind != MovementReceive && m.kind != MovementAdjustUp {
			return movement{}, fmt.Errorf("%w: %s with positive delta", ErrInvalidKind, m.kind)
		}
		if r.UnitCost == nil || r.UnitCost.IsNegative() {
			return movement{}, ErrInvalidCost
		}
		m.unitCost = *r.UnitCost
		return m, nil
	}

	if m.kind == "" {
		m.kind = MovementIssue
	}
	if m.kind != MovementIssue && m.kind != MovementAdjustDown {
		return movement{}, fmt.Errorf("%w: %s with negative delta", ErrInvalidKind, m.kind)
	}
	return m, nil
}

// ApplyDelta locks the row, validates, costs, updates the row and appends the ledger
// entry in one transaction, then publishes StockChanged and MovementLogged.
func (s *stockService) ApplyDelta(ctx context.Context, req ApplyDeltaRequest) (*LedgerEntry, error) {
	m, err := req.validate()
	if err != nil {
		return nil, err
	}
	key := Key{req.ProductID, req.WarehouseID}

	var entry LedgerEntry
	err = s.run(ctx, "StockService.ApplyDelta", key, func(ctx context.Context, tx Tx, cs *changeSet) error {
		var row *InventoryRow
		var err error
		if m.delta > 0 {
			row, err = tx.LockOrCreateRow(ctx, key, s.deps.Policy.DefaultMethod, s.now())
		} else {
			row, err = tx.LockRow(ctx, key)
		}
		if err != nil {
			return err
		}
		entry, err = s.applyLocked(ctx, tx, row, m, s.now(), cs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// applyLocked applies m to a row whose lock tx already holds.
func (r *runner) applyLocked(ctx context.Context, tx Tx, row *InventoryRow, m movement, now time.Time, cs *changeSet) (LedgerEntry, error) {
	before := row.OnHand
	method := m.method
	if method == "" {
		method = row.CostingMethod
	}
	if method == "" {
		method = r.deps.Policy.DefaultMethod
	}

	var unitCost, totalCost decimal.Decimal
	if m.delta > 0 {
		_, value, err := r.costs.Receive(ctx, tx, row, []ReceiptSlice{{Qty: m.delta, UnitCost: m.unitCost}}, now)
		if err != nil {
			return LedgerEntry{}, err
		}
		unitCost, totalCost = RoundCost(m.unitCost), value
	} else {
		qty := -m.delta
		if qty > row.Available() {
			return LedgerEntry{}, fmt.Errorf("%w: %s has %d available, %d requested",
				ErrInsufficientStock, row.Key(), row.Available(), qty)
		}
		c, err := r.costs.Consume(ctx, tx, row, qty, method)
		if err != nil {
			return LedgerEntry{}, err
		}
		unitCost, totalCost = c.UnitCost, c.TotalCost
	}

	row.OnHand += m.delta
	row.LastMovementAt = now

	entry, err := r.ledger.Append(ctx, tx, LedgerEntry{
		At:              now,
		ProductID:       row.ProductID,
		WarehouseID:     row.WarehouseID,
		Kind:            m.kind,
		QtyDelta:        m.delta,
		UnitCostApplied: unitCost,
		TotalCost:       totalCost,
		OnHandBefore:    before,
		OnHandAfter:     row.OnHand,
		ReservedAfter:   row.Reserved,
		CostMethod:      method,
		Reference:       m.reference,
		Actor:           m.actor,
		Reason:          m.reason,
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	row.LastLedgerID = entry.ID
	if err := tx.UpdateRow(ctx, *row); err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to update inventory row: %w", err)
	}

	cs.stock(*row, now)
	cs.movement(entry)
	return entry, nil
}

// SetOnHand reconciles a row to a count under its lock so the delta reflects the
// committed quantity at the time of the adjustment.
func (s *stockService) SetOnHand(ctx context.Context, req SetOnHandRequest) (*LedgerEntry, error) {
	if req.ProductID == "" || req.WarehouseID == "" {
		return nil, ErrMissingKey
	}
	if req.NewQty < 0 {
		return nil, fmt.Errorf("%w: count cannot be negative", ErrInvalidQuantity)
	}
	if req.UnitCost != nil && req.UnitCost.IsNegative() {
		return nil, ErrInvalidCost
	}
	key := Key{req.ProductID, req.WarehouseID}

	var result *LedgerEntry
	err := s.run(ctx, "StockService.SetOnHand", key, func(ctx context.Context, tx Tx, cs *changeSet) error {
		result = nil
		var row *InventoryRow
		var err error
		if req.NewQty > 0 {
			row, err = tx.LockOrCreateRow(ctx, key, s.deps.Policy.DefaultMethod, s.now())
		} else {
			row, err = tx.LockRow(ctx, key)
		}
		if err != nil {
			return err
		}
		now := s.now()

		delta := req.NewQty - row.OnHand
		if delta == 0 {
			return nil
		}

		m := movement{delta: delta, reference: req.Reference, actor: req.Actor, reason: req.Reason}
		if delta > 0 {
			m.kind = MovementAdjustUp
			m.unitCost = row.WeightedAvgCost
			if req.UnitCost != nil {
				m.unitCost = *req.UnitCost
			}
		} else {
			m.kind = MovementAdjustDown
			if short := -delta - row.Available(); short > 0 {
				if !s.deps.Policy.CountShrinksReservations {
					return fmt.Errorf("%w: count %d is below reserved %d for %s",
						ErrInsufficientStock, req.NewQty, row.Reserved, key)
				}
				if err := s.shrinkReservations(ctx, tx, row, short, now, req.Actor, cs); err != nil {
					return err
				}
			}
		}

		entry, err := s.applyLocked(ctx, tx, row, m, now, cs)
		if err != nil {
			return err
		}
		result = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// shrinkReservations frees short units of reserved stock, newest reservation first.
// Fully covered reservations are released; the last one touched may only shrink.
func (s *stockService) shrinkReservations(ctx context.Context, tx Tx, row *InventoryRow, short int64, now time.Time, actor string, cs *changeSet) error {
	active, err := tx.ActiveReservations(ctx, row.Key())
	if err != nil {
		return fmt.Errorf("failed to list active reservations: %w", err)
	}
	for _, res := range active {
		if short <= 0 {
			break
		}
		take := min(res.Qty, short)
		if take == res.Qty {
			res.Status = ReservationReleased
			closed := now
			res.ClosedAt = &closed
		} else {
			res.Qty -= take
		}
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return fmt.Errorf("failed to update reservation %s: %w", res.ID, err)
		}
		if _, err := s.reservedMovement(ctx, tx, row, res, -take, now, actor, "count reconciliation", cs); err != nil {
			return err
		}
		short -= take
	}
	if short > 0 {
		return fmt.Errorf("%w: reservations of %s do not cover the count", ErrInsufficientStock, row.Key())
	}
	return nil
}

// reservedMovement changes row.Reserved by delta, appends the reserve/release entry and
// queues the reservation and stock events.
func (r *runner) reservedMovement(ctx context.Context, tx Tx, row *InventoryRow, res Reservation, delta int64, now time.Time, actor, reason string, cs *changeSet) (LedgerEntry, error) {
	kind := MovementReserve
	if delta < 0 {
		kind = MovementRelease
	}
	row.Reserved += delta
	if row.Reserved < 0 || row.Reserved > row.OnHand {
		return LedgerEntry{}, fmt.Errorf("%w: reserved would become %d with on_hand %d",
			ErrInsufficientAvailable, row.Reserved, row.OnHand)
	}

	id := res.ID
	entry, err := r.ledger.Append(ctx, tx, LedgerEntry{
		At:              now,
		ProductID:       row.ProductID,
		WarehouseID:     row.WarehouseID,
		Kind:            kind,
		QtyDelta:        delta,
		UnitCostApplied: decimal.Zero,
		TotalCost:       decimal.Zero,
		OnHandBefore:    row.OnHand,
		OnHandAfter:     row.OnHand,
		ReservedAfter:   row.Reserved,
		CostMethod:      row.CostingMethod,
		Reference:       res.Reference,
		ReservationID:   &id,
		Actor:           actor,
		Reason:          reason,
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	row.LastLedgerID = entry.ID
	if err := tx.UpdateRow(ctx, *row); err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to update inventory row: %w", err)
	}

	cs.reservation(res, *row, entry.ID, now)
	cs.stock(*row, now)
	cs.movement(entry)
	return entry, nil
}

// UpdatePolicy publishes StockChanged so the reorder watcher re-evaluates the row.
func (s *stockService) UpdatePolicy(ctx context.Context, req UpdatePolicyRequest) (*InventoryRow, error) {
	if req.ProductID == "" || req.WarehouseID == "" {
		return nil, ErrMissingKey
	}
	if req.ReorderPoint < 0 || req.ReorderQuantity < 0 || req.MaxStock < 0 {
		return nil, fmt.Errorf("%w: policy values cannot be negative", ErrInvalidQuantity)
	}
	if req.CostingMethod != "" {
		if err := req.CostingMethod.Validate(); err != nil {
			return nil, err
		}
	}
	key := Key{req.ProductID, req.WarehouseID}

	var updated InventoryRow
	err := s.run(ctx, "StockService.UpdatePolicy", key, func(ctx context.Context, tx Tx, cs *changeSet) error {
		row, err := tx.LockRow(ctx, key)
		if err != nil {
			return err
		}
		row.ReorderPoint = req.ReorderPoint
		row.ReorderQuantity = req.ReorderQuantity
		row.MaxStock = req.MaxStock
		if req.CostingMethod != "" {
			row.CostingMethod = req.CostingMethod
		}
		if err := tx.UpdateRow(ctx, *row); err != nil {
			return fmt.Errorf("failed to update inventory row: %w", err)
		}
		updated = *row
		cs.stock(*row, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
