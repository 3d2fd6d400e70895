package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inventory-core/internal/events"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("inventory-core/core")

// changeSet collects what a transaction will publish once it commits.
type changeSet struct {
	scopes []events.Scope
	events []events.Event
}

func (c *changeSet) touch(key Key) {
	sc := events.Scope{ProductID: key.ProductID, WarehouseID: key.WarehouseID}
	for _, s := range c.scopes {
		if s == sc {
			return
		}
	}
	c.scopes = append(c.scopes, sc)
}

func (c *changeSet) stock(row InventoryRow, at time.Time) {
	c.touch(row.Key())
	c.events = append(c.events, stockChangedEvent(row, at))
}

func (c *changeSet) movement(e LedgerEntry) {
	c.touch(e.Key())
	c.events = append(c.events, movementLoggedEvent(e))
}

func (c *changeSet) reservation(r Reservation, row InventoryRow, ledgerID int64, at time.Time) {
	c.touch(r.Key())
	c.events = append(c.events, reservationChangedEvent(r, row, ledgerID, at))
}

func (c *changeSet) add(key Key, ev events.Event) {
	c.touch(key)
	c.events = append(c.events, ev)
}

type metrics struct {
	mutations metric.Int64Counter
	conflicts metric.Int64Counter
	duration  metric.Float64Histogram
	alerts    metric.Int64Counter
}

func newMetrics(logger *zap.Logger) *metrics {
	meter := otel.Meter("inventory-core/core")
	fallback := noop.Meter{}
	m := &metrics{}
	var err error
	if m.mutations, err = meter.Int64Counter("inventory.mutations",
		metric.WithDescription("Mutating operations by outcome")); err != nil {
		logger.Warn("metric unavailable", zap.String("metric", "inventory.mutations"), zap.Error(err))
		m.mutations, _ = fallback.Int64Counter("inventory.mutations")
	}
	if m.conflicts, err = meter.Int64Counter("inventory.conflicts",
		metric.WithDescription("Transaction attempts lost to lock conflicts")); err != nil {
		logger.Warn("metric unavailable", zap.String("metric", "inventory.conflicts"), zap.Error(err))
		m.conflicts, _ = fallback.Int64Counter("inventory.conflicts")
	}
	if m.duration, err = meter.Float64Histogram("inventory.mutation.duration",
		metric.WithUnit("ms")); err != nil {
		logger.Warn("metric unavailable", zap.String("metric", "inventory.mutation.duration"), zap.Error(err))
		m.duration, _ = fallback.Float64Histogram("inventory.mutation.duration")
	}
	if m.alerts, err = meter.Int64Counter("inventory.alerts",
		metric.WithDescription("Reorder alerts raised, upgraded or cleared")); err != nil {
		logger.Warn("metric unavailable", zap.String("metric", "inventory.alerts"), zap.Error(err))
		m.alerts, _ = fallback.Int64Counter("inventory.alerts")
	}
	return m
}

// runner executes one logical mutation: begin, work, commit, publish, with conflict
// retries. It is shared by every mutating service.
type runner struct {
	deps    Deps
	ledger  *Ledger
	costs   *CostEngine
	metrics *metrics
}

func newRunner(d Deps) *runner {
	d = d.withDefaults()
	return &runner{
		deps:    d,
		ledger:  NewLedger(d.Store),
		costs:   NewCostEngine(d.Store, d.Clock, d.Logger),
		metrics: newMetrics(d.Logger),
	}
}

func (r *runner) now() time.Time { return r.deps.Clock.Now() }

// run calls fn in a fresh transaction until it commits, fails permanently or the retry
// budget for ErrConcurrencyConflict is spent. key names the row for incident reports.
func (r *runner) run(ctx context.Context, op string, key Key, fn func(ctx context.Context, tx Tx, cs *changeSet) error) error {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("inventory.pid", key.ProductID),
		attribute.String("inventory.wid", key.WarehouseID),
	))
	defer span.End()
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.deps.Policy.RetryInitialInterval
	b.MaxInterval = r.deps.Policy.RetryMaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := r.attempt(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if IsRetryable(err) {
			r.metrics.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.deps.Policy.RetryMaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.deps.Logger.Debug("retrying after conflict",
				zap.String("op", op),
				zap.Stringer("key", key),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)

	outcome := "ok"
	if err != nil {
		outcome = CodeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.costs.ReportIfInconsistent(ctx, key, op, err)
		if KindOf(err) == KindConcurrency {
			r.deps.Logger.Warn("mutation gave up after conflicts",
				zap.String("op", op), zap.Stringer("key", key), zap.Int("attempts", attempt))
		}
	}
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
	r.metrics.mutations.Add(ctx, 1, attrs)
	r.metrics.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	return err
}

func (r *runner) attempt(ctx context.Context, fn func(ctx context.Context, tx Tx, cs *changeSet) error) error {
	tx, err := r.deps.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cs := &changeSet{}
	if err := fn(ctx, tx, cs); err != nil {
		return err
	}

	commit := func() error {
		if err := tx.Commit(ctx); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				return err
			}
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
	if r.deps.Bus == nil {
		return commit()
	}
	return r.deps.Bus.CommitAndPublish(cs.scopes, commit, cs.events...)
}

// ── Event construction ───────────────────────────────────────────────────────

func stockChangedEvent(row InventoryRow, at time.Time) events.StockChanged {
	return events.StockChanged{
		ProductID:       row.ProductID,
		WarehouseID:     row.WarehouseID,
		LedgerID:        row.LastLedgerID,
		OnHand:          row.OnHand,
		Reserved:        row.Reserved,
		Available:       row.Available(),
		WeightedAvgCost: row.WeightedAvgCost,
		ReorderPoint:    row.ReorderPoint,
		ReorderQuantity: row.ReorderQuantity,
		MaxStock:        row.MaxStock,
		At:              at,
	}
}

func movementLoggedEvent(e LedgerEntry) events.MovementLogged {
	return events.MovementLogged{
		ProductID:       e.ProductID,
		WarehouseID:     e.WarehouseID,
		LedgerID:        e.ID,
		MovementKind:    string(e.Kind),
		QtyDelta:        e.QtyDelta,
		UnitCostApplied: e.UnitCostApplied,
		TotalCost:       e.TotalCost,
		OnHandBefore:    e.OnHandBefore,
		OnHandAfter:     e.OnHandAfter,
		Reference:       e.Reference,
		Actor:           e.Actor,
		Reason:          e.Reason,
		At:              e.At,
	}
}

func reservationChangedEvent(r Reservation, row InventoryRow, ledgerID int64, at time.Time) events.ReservationChanged {
	return events.ReservationChanged{
		ProductID:     r.ProductID,
		WarehouseID:   r.WarehouseID,
		LedgerID:      ledgerID,
		ReservationID: r.ID,
		Reference:     r.Reference,
		Qty:           r.Qty,
		Status:        string(r.Status),
		Reserved:      row.Reserved,
		Available:     row.Available(),
		At:            at,
	}
}
