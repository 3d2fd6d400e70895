package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inventory-core/internal/core"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("inventory-core/db")

// Store is the PostgreSQL core.Store. Row locks are SELECT … FOR UPDATE inside
// READ COMMITTED transactions bounded by lock_timeout.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStore wraps pool. lockTimeout <= 0 leaves the server default in place.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// SQLSTATEs that mean "try again".
const (
	sqlstateSerialization = "40001"
	sqlstateDeadlock      = "40P01"
	sqlstateLockTimeout   = "55P03"
	sqlstateUnique        = "23505"
)

// mapError classifies driver errors into the core taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateSerialization, sqlstateDeadlock, sqlstateLockTimeout:
			return fmt.Errorf("%w: %s (%s)", core.ErrConcurrencyConflict, pgErr.Message, pgErr.Code)
		case sqlstateUnique:
			if strings.Contains(pgErr.ConstraintName, "open") {
				return fmt.Errorf("%w: %s", core.ErrConcurrencyConflict, pgErr.Message)
			}
		}
	}
	return fmt.Errorf("%w: %w", core.ErrStore, err)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(append(attrs, attribute.String("db.system", "postgresql"))...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ── Column lists and scanners ─────────────────────────────────────────────────

const rowColumns = `product_id, warehouse_id, on_hand, reserved, weighted_avg_cost,
	reorder_point, reorder_quantity, max_stock, costing_method, last_ledger_id,
	last_movement_at, created_at`

func scanRow(row pgx.Row) (core.InventoryRow, error) {
	var r core.InventoryRow
	var method string
	var lastMovement *time.Time
	err := row.Scan(&r.ProductID, &r.WarehouseID, &r.OnHand, &r.Reserved, &r.WeightedAvgCost,
		&r.ReorderPoint, &r.ReorderQuantity, &r.MaxStock, &method, &r.LastLedgerID,
		&lastMovement, &r.CreatedAt)
	if err != nil {
		return core.InventoryRow{}, err
	}
	r.CostingMethod = core.CostingMethod(method)
	if lastMovement != nil {
		r.LastMovementAt = *lastMovement
	}
	return r, nil
}

const layerColumns = `id, product_id, warehouse_id, received_at, original_qty, remaining_qty, unit_cost`

func scanLayer(row pgx.Row) (core.CostLayer, error) {
	var l core.CostLayer
	err := row.Scan(&l.ID, &l.ProductID, &l.WarehouseID, &l.ReceivedAt, &l.OriginalQty, &l.RemainingQty, &l.UnitCost)
	return l, err
}

const ledgerColumns = `id, at, product_id, warehouse_id, kind, qty_delta, unit_cost_applied, total_cost,
	on_hand_before, on_hand_after, reserved_after, cost_method, reference, related_entry_id,
	reservation_id, actor, reason`

func scanLedger(row pgx.Row) (core.LedgerEntry, error) {
	var e core.LedgerEntry
	var kind, method string
	err := row.Scan(&e.ID, &e.At, &e.ProductID, &e.WarehouseID, &kind, &e.QtyDelta, &e.UnitCostApplied,
		&e.TotalCost, &e.OnHandBefore, &e.OnHandAfter, &e.ReservedAfter, &method, &e.Reference,
		&e.RelatedEntryID, &e.ReservationID, &e.Actor, &e.Reason)
	e.Kind = core.MovementKind(kind)
	e.CostMethod = core.CostingMethod(method)
	return e, err
}

const reservationColumns = `id, product_id, warehouse_id, qty, reference, status, created_at, expires_at, closed_at`

func scanReservation(row pgx.Row) (core.Reservation, error) {
	var r core.Reservation
	var status string
	err := row.Scan(&r.ID, &r.ProductID, &r.WarehouseID, &r.Qty, &r.Reference, &status,
		&r.CreatedAt, &r.ExpiresAt, &r.ClosedAt)
	r.Status = core.ReservationStatus(status)
	return r, err
}

const alertColumns = `id, product_id, warehouse_id, observed_on_hand, observed_available, threshold,
	severity, status, suggested_qty, raised_at, last_suppressed_until, acknowledged_by,
	acknowledged_at, resolved_at`

func scanAlert(row pgx.Row) (core.ReorderAlert, error) {
	var a core.ReorderAlert
	var severity, status string
	err := row.Scan(&a.ID, &a.ProductID, &a.WarehouseID, &a.ObservedOnHand, &a.ObservedAvailable,
		&a.Threshold, &severity, &status, &a.SuggestedQty, &a.RaisedAt, &a.LastSuppressedUntil,
		&a.AcknowledgedBy, &a.AcknowledgedAt, &a.ResolvedAt)
	a.Severity = core.AlertSeverity(severity)
	a.Status = core.AlertStatus(status)
	return a, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) raw(cond string) { w.conds = append(w.conds, cond) }

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

// ── Store reads ───────────────────────────────────────────────────────────────

func (s *Store) Begin(ctx context.Context) (core.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, mapError(err)
	}
	if s.lockTimeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, mapError(err)
		}
	}
	return &pgTx{tx: tx}, nil
}

func (s *Store) ListInventory(ctx context.Context, f core.InventoryFilter) (_ []core.InventoryRow, err error) {
	ctx, span := startSpan(ctx, "db.ListInventory")
	defer func() { endSpan(span, err) }()

	var w where
	if f.ProductID != "" {
		w.add("product_id = ?", f.ProductID)
	}
	if f.WarehouseID != "" {
		w.add("warehouse_id = ?", f.WarehouseID)
	}
	if f.BelowReorder {
		w.raw("reorder_point > 0 AND on_hand - reserved <= reorder_point")
	}
	query := "SELECT " + rowColumns + " FROM inventory_rows" + w.String() +
		" ORDER BY product_id, warehouse_id" + w.limit(f.Limit)
	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := collect(rows, scanRow)
	return out, mapError(err)
}

func (s *Store) ListLayers(ctx context.Context, f core.LayerFilter) (_ []core.CostLayer, err error) {
	ctx, span := startSpan(ctx, "db.ListLayers")
	defer func() { endSpan(span, err) }()

	var w where
	if f.ProductID != "" {
		w.add("product_id = ?", f.ProductID)
	}
	if f.WarehouseID != "" {
		w.add("warehouse_id = ?", f.WarehouseID)
	}
	query := "SELECT " + layerColumns + " FROM cost_layers" + w.String() +
		" ORDER BY product_id, warehouse_id, received_at, id"
	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := collect(rows, scanLayer)
	return out, mapError(err)
}

func (s *Store) ListLedger(ctx context.Context, f core.LedgerFilter) (_ []core.LedgerEntry, err error) {
	ctx, span := startSpan(ctx, "db.ListLedger")
	defer func() { endSpan(span, err) }()

	var w where
	if f.ProductID != "" {
		w.add("product_id = ?", f.ProductID)
	}
	if f.WarehouseID != "" {
		w.add("warehouse_id = ?", f.WarehouseID)
	}
	if f.Reference != "" {
		w.add("reference = ?", f.Reference)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		w.add("kind = ANY(?)", kinds)
	}
	if f.From != nil {
		w.add("at >= ?", *f.From)
	}
	if f.To != nil {
		w.add("at <= ?", *f.To)
	}
	if f.AfterID > 0 {
		w.add("id > ?", f.AfterID)
	}
	query := "SELECT " + ledgerColumns + " FROM ledger_entries" + w.String() + " ORDER BY id" + w.limit(f.Limit)
	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := collect(rows, scanLedger)
	return out, mapError(err)
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*core.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (s *Store) ListReservations(ctx context.Context, f core.ReservationFilter) (_ []core.Reservation, err error) {
	ctx, span := startSpan(ctx, "db.ListReservations")
	defer func() { endSpan(span, err) }()

	var w where
	if f.ProductID != "" {
		w.add("product_id = ?", f.ProductID)
	}
	if f.WarehouseID != "" {
		w.add("warehouse_id = ?", f.WarehouseID)
	}
	if f.Reference != "" {
		w.add("reference = ?", f.Reference)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.DueBy != nil {
		w.add("expires_at <= ?", *f.DueBy)
	}
	query := "SELECT " + reservationColumns + " FROM reservations" + w.String() +
		" ORDER BY created_at, id" + w.limit(f.Limit)
	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := collect(rows, scanReservation)
	return out, mapError(err)
}

func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*core.ReorderAlert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx, "SELECT "+alertColumns+" FROM reorder_alerts WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

func (s *Store) ListAlerts(ctx context.Context, f core.AlertFilter) (_ []core.ReorderAlert, err error) {
	ctx, span := startSpan(ctx, "db.ListAlerts")
	defer func() { endSpan(span, err) }()

	var w where
	if f.ProductID != "" {
		w.add("product_id = ?", f.ProductID)
	}
	if f.WarehouseID != "" {
		w.add("warehouse_id = ?", f.WarehouseID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.OpenOnly {
		w.raw("status IN ('pending', 'acknowledged')")
	}
	query := "SELECT " + alertColumns + " FROM reorder_alerts" + w.String() +
		" ORDER BY raised_at DESC, id" + w.limit(f.Limit)
	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := collect(rows, scanAlert)
	return out, mapError(err)
}

func (s *Store) RecordIncident(ctx context.Context, inc core.Incident) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (id, at, kind, product_id, warehouse_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, inc.ID, inc.At, inc.Kind, inc.ProductID, inc.WarehouseID, inc.Detail)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", mapError(err))
	}
	return nil
}
