package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inventory-core/internal/core"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type pgTx struct {
	tx   pgx.Tx
	done bool
}

func (t *pgTx) Commit(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "db.Commit")
	defer func() { endSpan(span, err) }()

	if t.done {
		return core.ErrTxAborted
	}
	t.done = true
	return mapError(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return mapError(err)
	}
	return nil
}

// ── Rows ──────────────────────────────────────────────────────────────────────

func (t *pgTx) LockRow(ctx context.Context, key core.Key) (*core.InventoryRow, error) {
	row, err := scanRow(t.tx.QueryRow(ctx,
		"SELECT "+rowColumns+" FROM inventory_rows WHERE product_id = $1 AND warehouse_id = $2 FOR UPDATE",
		key.ProductID, key.WarehouseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, core.ErrUnknownRow)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &row, nil
}

func (t *pgTx) LockOrCreateRow(ctx context.Context, key core.Key, method core.CostingMethod, now time.Time) (*core.InventoryRow, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory_rows (product_id, warehouse_id, costing_method, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, warehouse_id) DO NOTHING
	`, key.ProductID, key.WarehouseID, string(method), now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert inventory row: %w", mapError(err))
	}
	return t.LockRow(ctx, key)
}

func (t *pgTx) UpdateRow(ctx context.Context, row core.InventoryRow) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE inventory_rows
		SET on_hand = $3, reserved = $4, weighted_avg_cost = $5,
		    reorder_point = $6, reorder_quantity = $7, max_stock = $8,
		    costing_method = $9, last_ledger_id = $10, last_movement_at = $11
		WHERE product_id = $1 AND warehouse_id = $2
	`, row.ProductID, row.WarehouseID, row.OnHand, row.Reserved, row.WeightedAvgCost,
		row.ReorderPoint, row.ReorderQuantity, row.MaxStock,
		string(row.CostingMethod), row.LastLedgerID, nullTime(row.LastMovementAt))
	if err != nil {
		return fmt.Errorf("failed to update inventory row: %w", mapError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%s: %w", row.Key(), core.ErrUnknownRow)
	}
	return nil
}

// ── Layers ────────────────────────────────────────────────────────────────────

func (t *pgTx) Layers(ctx context.Context, key core.Key) ([]core.CostLayer, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+layerColumns+" FROM cost_layers WHERE product_id = $1 AND warehouse_id = $2 ORDER BY received_at, id",
		key.ProductID, key.WarehouseID)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := collect(rows, scanLayer)
	return out, mapError(err)
}

func (t *pgTx) InsertLayer(ctx context.Context, l core.CostLayer) (int64, error) {
	if l.RemainingQty <= 0 || l.RemainingQty > l.OriginalQty || l.UnitCost.IsNegative() {
		return 0, fmt.Errorf("%w: invalid cost layer %+v", core.ErrStore, l)
	}
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO cost_layers (product_id, warehouse_id, received_at, original_qty, remaining_qty, unit_cost)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, l.ProductID, l.WarehouseID, l.ReceivedAt, l.OriginalQty, l.RemainingQty, l.UnitCost).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert cost layer: %w", mapError(err))
	}
	return id, nil
}

func (t *pgTx) SetLayerRemaining(ctx context.Context, id int64, remaining int64) error {
	if remaining < 0 {
		return fmt.Errorf("%w: negative remaining %d for layer %d", core.ErrStore, remaining, id)
	}
	var (
		affected int64
		err      error
	)
	if remaining == 0 {
		tag, e := t.tx.Exec(ctx, "DELETE FROM cost_layers WHERE id = $1", id)
		affected, err = tag.RowsAffected(), e
	} else {
		tag, e := t.tx.Exec(ctx, "UPDATE cost_layers SET remaining_qty = $2 WHERE id = $1", id, remaining)
		affected, err = tag.RowsAffected(), e
	}
	if err != nil {
		return fmt.Errorf("failed to update cost layer %d: %w", id, mapError(err))
	}
	if affected != 1 {
		return fmt.Errorf("cost layer %d: %w", id, core.ErrNotFound)
	}
	return nil
}

// ── Ledger ────────────────────────────────────────────────────────────────────

func (t *pgTx) AppendLedger(ctx context.Context, e core.LedgerEntry) (core.LedgerEntry, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (
			at, product_id, warehouse_id, kind, qty_delta, unit_cost_applied, total_cost,
			on_hand_before, on_hand_after, reserved_after, cost_method, reference,
			related_entry_id, reservation_id, actor, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`, e.At, e.ProductID, e.WarehouseID, string(e.Kind), e.QtyDelta, e.UnitCostApplied, e.TotalCost,
		e.OnHandBefore, e.OnHandAfter, e.ReservedAfter, string(e.CostMethod), e.Reference,
		e.RelatedEntryID, e.ReservationID, e.Actor, e.Reason).Scan(&e.ID)
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("failed to append ledger entry: %w", mapError(err))
	}
	return e, nil
}

// ── Reservations ──────────────────────────────────────────────────────────────

func (t *pgTx) InsertReservation(ctx context.Context, r core.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reservations (id, product_id, warehouse_id, qty, reference, status, created_at, expires_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.ProductID, r.WarehouseID, r.Qty, r.Reference, string(r.Status), r.CreatedAt, r.ExpiresAt, r.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) ReservationForUpdate(ctx context.Context, id uuid.UUID) (*core.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (t *pgTx) UpdateReservation(ctx context.Context, r core.Reservation) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reservations SET qty = $2, status = $3, expires_at = $4, closed_at = $5
		WHERE id = $1
	`, r.ID, r.Qty, string(r.Status), r.ExpiresAt, r.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", mapError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("reservation %s: %w", r.ID, core.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ActiveReservations(ctx context.Context, key core.Key) ([]core.Reservation, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+reservationColumns+` FROM reservations
		WHERE product_id = $1 AND warehouse_id = $2 AND status = 'active'
		ORDER BY created_at DESC, id DESC`, key.ProductID, key.WarehouseID)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := collect(rows, scanReservation)
	return out, mapError(err)
}

// ── Alerts ────────────────────────────────────────────────────────────────────

// lockAlertKey serialises alert evaluation for a row even when no alert exists yet.
func (t *pgTx) lockAlertKey(ctx context.Context, key core.Key) error {
	_, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))",
		"reorder_alert:"+key.ProductID+"\x1f"+key.WarehouseID)
	return mapError(err)
}

func (t *pgTx) OpenAlertForUpdate(ctx context.Context, key core.Key) (*core.ReorderAlert, error) {
	if err := t.lockAlertKey(ctx, key); err != nil {
		return nil, err
	}
	a, err := scanAlert(t.tx.QueryRow(ctx, "SELECT "+alertColumns+` FROM reorder_alerts
		WHERE product_id = $1 AND warehouse_id = $2 AND status IN ('pending', 'acknowledged')
		FOR UPDATE`, key.ProductID, key.WarehouseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

func (t *pgTx) AlertForUpdate(ctx context.Context, id uuid.UUID) (*core.ReorderAlert, error) {
	var key core.Key
	err := t.tx.QueryRow(ctx, "SELECT product_id, warehouse_id FROM reorder_alerts WHERE id = $1", id).
		Scan(&key.ProductID, &key.WarehouseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, mapError(err)
	}
	if err := t.lockAlertKey(ctx, key); err != nil {
		return nil, err
	}
	a, err := scanAlert(t.tx.QueryRow(ctx, "SELECT "+alertColumns+" FROM reorder_alerts WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

func (t *pgTx) InsertAlert(ctx context.Context, a core.ReorderAlert) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reorder_alerts (
			id, product_id, warehouse_id, observed_on_hand, observed_available, threshold,
			severity, status, suggested_qty, raised_at, last_suppressed_until,
			acknowledged_by, acknowledged_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, a.ID, a.ProductID, a.WarehouseID, a.ObservedOnHand, a.ObservedAvailable, a.Threshold,
		string(a.Severity), string(a.Status), a.SuggestedQty, a.RaisedAt, a.LastSuppressedUntil,
		a.AcknowledgedBy, a.AcknowledgedAt, a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reorder alert: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) UpdateAlert(ctx context.Context, a core.ReorderAlert) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reorder_alerts
		SET observed_on_hand = $2, observed_available = $3, threshold = $4, severity = $5,
		    status = $6, suggested_qty = $7, raised_at = $8, last_suppressed_until = $9,
		    acknowledged_by = $10, acknowledged_at = $11, resolved_at = $12
		WHERE id = $1
	`, a.ID, a.ObservedOnHand, a.ObservedAvailable, a.Threshold, string(a.Severity),
		string(a.Status), a.SuggestedQty, a.RaisedAt, a.LastSuppressedUntil,
		a.AcknowledgedBy, a.AcknowledgedAt, a.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update reorder alert: %w", mapError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("alert %s: %w", a.ID, core.ErrNotFound)
	}
	return nil
}

var (
	_ core.Store = (*Store)(nil)
	_ core.Tx    = (*pgTx)(nil)
)
