package core

import (
	"context"
	"errors"
	"fmt"

	"inventory-core/internal/events"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Severity grades a row against its reorder point. Rows without a positive reorder
// point are not watched: they grade SeverityNone even at zero on hand, so an unplanned
// row created by a receipt or transfer never raises SeverityOut until a policy is set.
func Severity(onHand, available, reorderPoint int64) AlertSeverity {
	switch {
	case reorderPoint <= 0:
		return SeverityNone
	case onHand == 0:
		return SeverityOut
	case 2*available <= reorderPoint:
		return SeverityCritical
	case available <= reorderPoint:
		return SeverityLow
	}
	return SeverityNone
}

// SuggestedOrderQty is how much to reorder: enough to refill to MaxStock when one is
// set, otherwise the configured reorder quantity.
func SuggestedOrderQty(available, reorderQuantity, maxStock int64) int64 {
	if maxStock > 0 && maxStock-available > reorderQuantity {
		return maxStock - available
	}
	return reorderQuantity
}

// ReorderWatcher turns StockChanged events into throttled reorder alerts.
type ReorderWatcher struct {
	*runner
	sub *events.Subscription
}

// NewReorderWatcher subscribes to the bus immediately so no committed change published
// after construction is missed; call Run to start consuming.
func NewReorderWatcher(d Deps, queueSize int) *ReorderWatcher {
	w := &ReorderWatcher{runner: newRunner(d)}
	if w.deps.Bus != nil {
		w.sub = w.deps.Bus.Subscribe("reorder-watcher", func(ev events.Event) bool {
			switch ev.(type) {
			case events.StockChanged, events.GapNotice:
				return true
			}
			return false
		}, queueSize)
	}
	return w
}

// Run consumes events until ctx is done or the bus closes.
func (w *ReorderWatcher) Run(ctx context.Context) error {
	if w.sub == nil {
		return fmt.Errorf("reorder watcher has no bus subscription")
	}
	defer w.sub.Close()

	w.deps.Logger.Info("reorder watcher started")
	for {
		ev, err := w.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, events.ErrClosed) || ctx.Err() != nil {
				w.deps.Logger.Info("reorder watcher stopped")
				return nil
			}
			return err
		}

		switch e := ev.(type) {
		case events.StockChanged:
			if err := w.Evaluate(ctx, e); err != nil {
				w.deps.Logger.Error("reorder evaluation failed",
					zap.String("pid", e.ProductID), zap.String("wid", e.WarehouseID),
					zap.Int64("ledger_id", e.LedgerID), zap.Error(err))
			}
		case events.GapNotice:
			w.deps.Logger.Warn("reorder watcher missed events, reconciling", zap.Int("dropped", e.Dropped))
			if err := w.Reconcile(ctx); err != nil {
				w.deps.Logger.Error("reorder reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Evaluate applies the alert rules to one committed row state.
func (w *ReorderWatcher) Evaluate(ctx context.Context, ev events.StockChanged) error {
	key := Key{ev.ProductID, ev.WarehouseID}
	sev := Severity(ev.OnHand, ev.Available, ev.ReorderPoint)
	window := w.deps.Policy.AlertSuppression

	return w.run(ctx, "ReorderWatcher.Evaluate", key, func(ctx context.Context, tx Tx, cs *changeSet) error {
		now := w.now()
		alert, err := tx.OpenAlertForUpdate(ctx, key)
		if err != nil {
			return err
		}

		if sev == SeverityNone {
			if alert == nil {
				return nil
			}
			alert.Status = AlertResolved
			alert.ResolvedAt = &now
			if err := tx.UpdateAlert(ctx, *alert); err != nil {
				return fmt.Errorf("failed to resolve alert: %w", err)
			}
			cs.add(key, events.AlertCleared{
				ProductID:   key.ProductID,
				WarehouseID: key.WarehouseID,
				LedgerID:    ev.LedgerID,
				AlertID:     alert.ID,
				At:          now,
			})
			w.countAlert(ctx, "cleared", SeverityNone)
			return nil
		}

		var previous AlertSeverity
		switch {
		case alert == nil:
			alert = &ReorderAlert{
				ID:          uuid.New(),
				ProductID:   key.ProductID,
				WarehouseID: key.WarehouseID,
			}
		case sev.Exceeds(alert.Severity):
			previous = alert.Severity
		case alert.Status == AlertAcknowledged, now.Before(alert.LastSuppressedUntil):
			return nil
		}

		isNew := alert.Status == ""
		alert.Severity = sev
		alert.Status = AlertPending
		alert.ObservedOnHand = ev.OnHand
		alert.ObservedAvailable = ev.Available
		alert.Threshold = ev.ReorderPoint
		alert.SuggestedQty = SuggestedOrderQty(ev.Available, ev.ReorderQuantity, ev.MaxStock)
		alert.RaisedAt = now
		alert.LastSuppressedUntil = now.Add(window)
		alert.AcknowledgedBy = ""
		alert.AcknowledgedAt = nil

		if isNew {
			err = tx.InsertAlert(ctx, *alert)
		} else {
			err = tx.UpdateAlert(ctx, *alert)
		}
		if err != nil {
			return fmt.Errorf("failed to store alert: %w", err)
		}

		cs.add(key, events.AlertRaised{
			ProductID:         key.ProductID,
			WarehouseID:       key.WarehouseID,
			LedgerID:          ev.LedgerID,
			AlertID:           alert.ID,
			Severity:          string(sev),
			PreviousSeverity:  string(previous),
			ObservedOnHand:    ev.OnHand,
			ObservedAvailable: ev.Available,
			Threshold:         ev.ReorderPoint,
			SuggestedQty:      alert.SuggestedQty,
			At:                now,
		})
		w.countAlert(ctx, "raised", sev)
		return nil
	})
}

// Reconcile re-evaluates every row that is below its reorder point or still has an open
// alert, from committed state.
func (w *ReorderWatcher) Reconcile(ctx context.Context) error {
	below, err := w.deps.Store.ListInventory(ctx, InventoryFilter{BelowReorder: true})
	if err != nil {
		return fmt.Errorf("failed to list rows below reorder point: %w", err)
	}
	open, err := w.deps.Store.ListAlerts(ctx, AlertFilter{OpenOnly: true})
	if err != nil {
		return fmt.Errorf("failed to list open alerts: %w", err)
	}

	seen := make(map[Key]bool)
	rows := make([]InventoryRow, 0, len(below)+len(open))
	for _, r := range below {
		seen[r.Key()] = true
		rows = append(rows, r)
	}
	for _, a := range open {
		if seen[a.Key()] {
			continue
		}
		seen[a.Key()] = true
		found, err := w.deps.Store.ListInventory(ctx, InventoryFilter{ProductID: a.ProductID, WarehouseID: a.WarehouseID})
		if err != nil {
			return fmt.Errorf("failed to read row %s: %w", a.Key(), err)
		}
		rows = append(rows, found...)
	}

	var errs []error
	for _, r := range rows {
		if err := w.Evaluate(ctx, stockChangedEvent(r, w.now())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AckAlert moves a pending alert to acknowledged. Acknowledging twice is harmless;
// resolved alerts cannot be acknowledged.
func (w *ReorderWatcher) AckAlert(ctx context.Context, id uuid.UUID, actor string) (*ReorderAlert, error) {
	peek, err := w.deps.Store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}

	var result ReorderAlert
	err = w.run(ctx, "ReorderWatcher.AckAlert", peek.Key(), func(ctx context.Context, tx Tx, cs *changeSet) error {
		alert, err := tx.AlertForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch alert.Status {
		case AlertResolved:
			return fmt.Errorf("%w: alert %s is resolved", ErrAlreadyTerminal, id)
		case AlertPending:
			now := w.now()
			alert.Status = AlertAcknowledged
			alert.AcknowledgedBy = actor
			alert.AcknowledgedAt = &now
			if err := tx.UpdateAlert(ctx, *alert); err != nil {
				return fmt.Errorf("failed to acknowledge alert: %w", err)
			}
		}
		result = *alert
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListAlerts returns alerts matching f.
func (w *ReorderWatcher) ListAlerts(ctx context.Context, f AlertFilter) ([]ReorderAlert, error) {
	return w.deps.Store.ListAlerts(ctx, f)
}

// Close releases the bus subscription.
func (w *ReorderWatcher) Close() {
	if w.sub != nil {
		w.sub.Close()
	}
}

func (w *ReorderWatcher) countAlert(ctx context.Context, action string, sev AlertSeverity) {
	w.metrics.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("severity", string(sev)),
	))
}
