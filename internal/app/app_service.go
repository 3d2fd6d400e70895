package app

import (
	"context"
	"fmt"
	"strings"

	"inventory-core/internal/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Alerts is the part of the reorder watcher the application layer needs.
type Alerts interface {
	AckAlert(ctx context.Context, id uuid.UUID, actor string) (*core.ReorderAlert, error)
	ListAlerts(ctx context.Context, f core.AlertFilter) ([]core.ReorderAlert, error)
}

type appService struct {
	stock        core.StockService
	reservations core.ReservationService
	transfers    core.TransferService
	reports      core.ReportingService
	alerts       Alerts
	logger       *zap.Logger
}

// NewAppService constructs an appService that satisfies ApplicationService.
func NewAppService(
	stock core.StockService,
	reservations core.ReservationService,
	transfers core.TransferService,
	reports core.ReportingService,
	alerts Alerts,
	logger *zap.Logger,
) ApplicationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &appService{
		stock:        stock,
		reservations: reservations,
		transfers:    transfers,
		reports:      reports,
		alerts:       alerts,
		logger:       logger,
	}
}

// parseID reports malformed ids as ErrBadRequest.
func parseID(what, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s id %q", ErrBadRequest, what, s)
	}
	return id, nil
}

func parseMethod(s string) (core.CostingMethod, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return core.ParseCostingMethod(s)
}

// ── Stock ─────────────────────────────────────────────────────────────────────

func (s *appService) ApplyMovement(ctx context.Context, req MovementRequest) (*MovementResult, error) {
	method, err := parseMethod(req.Method)
	if err != nil {
		return nil, err
	}
	var kind core.MovementKind
	if req.Kind != "" {
		if kind, err = core.ParseMovementKind(req.Kind); err != nil {
			return nil, err
		}
	}

	entry, err := s.stock.ApplyDelta(ctx, core.ApplyDeltaRequest{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Delta:       req.Delta,
		Kind:        kind,
		UnitCost:    req.UnitCost,
		Method:      method,
		Reference:   req.Reference,
		Actor:       req.Actor,
		Reason:      req.Reason,
	})
	if err != nil {
		return nil, err
	}
	v := entryView(*entry)
	return &MovementResult{Entry: &v}, nil
}

func (s *appService) CountStock(ctx context.Context, req CountRequest) (*MovementResult, error) {
	entry, err := s.stock.SetOnHand(ctx, core.SetOnHandRequest{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		NewQty:      req.NewQty,
		UnitCost:    req.UnitCost,
		Reference:   req.Reference,
		Actor:       req.Actor,
		Reason:      req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &MovementResult{Unchanged: true}, nil
	}
	v := entryView(*entry)
	return &MovementResult{Entry: &v}, nil
}

func (s *appService) UpdatePolicy(ctx context.Context, req PolicyRequest) (*InventoryRowView, error) {
	method, err := parseMethod(req.CostingMethod)
	if err != nil {
		return nil, err
	}
	row, err := s.stock.UpdatePolicy(ctx, core.UpdatePolicyRequest{
		ProductID:       req.ProductID,
		WarehouseID:     req.WarehouseID,
		ReorderPoint:    req.ReorderPoint,
		ReorderQuantity: req.ReorderQuantity,
		MaxStock:        req.MaxStock,
		CostingMethod:   method,
	})
	if err != nil {
		return nil, err
	}
	v := rowView(*row)
	return &v, nil
}

func (s *appService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	method, err := parseMethod(req.Method)
	if err != nil {
		return nil, err
	}
	res, err := s.transfers.Transfer(ctx, core.TransferRequest{
		ProductID:     req.ProductID,
		FromWarehouse: req.FromWarehouse,
		ToWarehouse:   req.ToWarehouse,
		Qty:           req.Qty,
		Method:        method,
		Actor:         req.Actor,
		Reason:        req.Reason,
	})
	if err != nil {
		return nil, err
	}
	return &TransferResult{
		Reference: res.Reference,
		OutID:     res.Out.ID,
		InID:      res.In.ID,
		Out:       entryView(res.Out),
		In:        entryView(res.In),
	}, nil
}

// ── Reservations ──────────────────────────────────────────────────────────────

func (s *appService) Reserve(ctx context.Context, req ReserveRequest) (*ReservationView, error) {
	r, err := s.reservations.Reserve(ctx, core.ReserveRequest{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Qty:         req.Qty,
		Reference:   req.Reference,
		ExpiresAt:   req.ExpiresAt,
		Actor:       req.Actor,
	})
	if err != nil {
		return nil, err
	}
	v := reservationView(*r)
	return &v, nil
}

func (s *appService) Release(ctx context.Context, reservationID, actor string) (*ReleaseResult, error) {
	id, err := parseID("reservation", reservationID)
	if err != nil {
		return nil, err
	}
	r, outcome, err := s.reservations.Release(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return &ReleaseResult{Reservation: reservationView(*r), Outcome: string(outcome)}, nil
}

func (s *appService) Consume(ctx context.Context, reservationID, actor, reason string) (*ConsumeResult, error) {
	id, err := parseID("reservation", reservationID)
	if err != nil {
		return nil, err
	}
	res, err := s.reservations.Consume(ctx, id, actor, reason)
	if err != nil {
		return nil, err
	}
	return &ConsumeResult{Reservation: reservationView(res.Reservation), Entry: entryView(res.IssueEntry)}, nil
}

func (s *appService) GetReservation(ctx context.Context, reservationID string) (*ReservationView, error) {
	id, err := parseID("reservation", reservationID)
	if err != nil {
		return nil, err
	}
	r, err := s.reservations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := reservationView(*r)
	return &v, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

func (s *appService) ReadInventory(ctx context.Context, q InventoryQuery) (*InventoryResult, error) {
	rows, err := s.reports.ReadInventory(ctx, core.InventoryFilter{
		ProductID:    q.ProductID,
		WarehouseID:  q.WarehouseID,
		BelowReorder: q.BelowReorder,
		Limit:        q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := &InventoryResult{Rows: make([]InventoryRowView, len(rows))}
	for i, r := range rows {
		out.Rows[i] = rowView(r)
	}
	return out, nil
}

func (s *appService) ReadLedger(ctx context.Context, q LedgerQuery) (*LedgerResult, error) {
	f := core.LedgerFilter{
		ProductID:   q.ProductID,
		WarehouseID: q.WarehouseID,
		Reference:   q.Reference,
		From:        q.From,
		To:          q.To,
		AfterID:     q.AfterID,
		Limit:       q.Limit,
	}
	for _, k := range q.Kinds {
		kind, err := core.ParseMovementKind(k)
		if err != nil {
			return nil, err
		}
		f.Kinds = append(f.Kinds, kind)
	}

	entries, err := s.reports.ReadLedger(ctx, f)
	if err != nil {
		return nil, err
	}
	out := &LedgerResult{Entries: make([]LedgerEntryView, len(entries))}
	for i, e := range entries {
		out.Entries[i] = entryView(e)
	}
	if q.Limit > 0 && len(entries) == q.Limit {
		out.NextAfterID = entries[len(entries)-1].ID
	}
	return out, nil
}

func (s *appService) ReadValuation(ctx context.Context, warehouseID, method string) (*ValuationResult, error) {
	m, err := parseMethod(method)
	if err != nil {
		return nil, err
	}
	if m == "" {
		m = core.MethodFIFO
	}
	report, err := s.reports.ReadValuation(ctx, warehouseID, m)
	if err != nil {
		return nil, err
	}
	out := &ValuationResult{
		Method:      string(report.Method),
		WarehouseID: report.WarehouseID,
		Rows:        make([]ValuationRowView, len(report.Rows)),
		TotalQty:    report.TotalQty,
		TotalValue:  report.TotalValue,
	}
	for i, r := range report.Rows {
		out.Rows[i] = ValuationRowView{
			ProductID:   r.ProductID,
			WarehouseID: r.WarehouseID,
			OnHand:      r.OnHand,
			UnitCost:    r.UnitCost,
			Value:       r.Value,
		}
	}
	return out, nil
}

// ── Alerts ────────────────────────────────────────────────────────────────────

func (s *appService) ListAlerts(ctx context.Context, q AlertQuery) (*AlertListResult, error) {
	f := core.AlertFilter{
		ProductID:   q.ProductID,
		WarehouseID: q.WarehouseID,
		OpenOnly:    q.OpenOnly,
		Limit:       q.Limit,
	}
	switch status := core.AlertStatus(strings.ToLower(q.Status)); status {
	case "":
	case core.AlertPending, core.AlertAcknowledged, core.AlertResolved:
		f.Status = status
	case "open":
		f.OpenOnly = true
	default:
		return nil, fmt.Errorf("%w: unknown alert status %q", ErrBadRequest, q.Status)
	}

	alerts, err := s.alerts.ListAlerts(ctx, f)
	if err != nil {
		return nil, err
	}
	out := &AlertListResult{Alerts: make([]AlertView, len(alerts))}
	for i, a := range alerts {
		out.Alerts[i] = alertView(a)
	}
	return out, nil
}

func (s *appService) AckAlert(ctx context.Context, alertID, actor string) (*AlertView, error) {
	id, err := parseID("alert", alertID)
	if err != nil {
		return nil, err
	}
	a, err := s.alerts.AckAlert(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	v := alertView(*a)
	return &v, nil
}

func (s *appService) Verify(ctx context.Context) (*VerifyResult, error) {
	report, err := s.reports.Verify(ctx)
	if err != nil {
		return nil, err
	}
	out := &VerifyResult{
		OK:             report.OK(),
		RowsChecked:    report.RowsChecked,
		EntriesChecked: report.EntriesChecked,
		Drifts:         make([]DriftView, len(report.Drifts)),
	}
	for i, d := range report.Drifts {
		out.Drifts[i] = DriftView(d)
	}
	if !out.OK {
		s.logger.Error("ledger verification found drift", zap.Int("drifts", len(report.Drifts)))
	}
	return out, nil
}
