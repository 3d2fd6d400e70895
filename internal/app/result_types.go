package app

import (
	"time"

	"inventory-core/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InventoryRowView is the wire shape of core.InventoryRow.
type InventoryRowView struct {
	ProductID       string          `json:"pid"`
	WarehouseID     string          `json:"wid"`
	OnHand          int64           `json:"on_hand"`
	Reserved        int64           `json:"reserved"`
	Available       int64           `json:"available"`
	WeightedAvgCost decimal.Decimal `json:"weighted_avg_cost"`
	ReorderPoint    int64           `json:"reorder_point"`
	ReorderQuantity int64           `json:"reorder_quantity"`
	MaxStock        int64           `json:"max_stock"`
	CostingMethod   string          `json:"costing_method"`
	LastLedgerID    int64           `json:"last_ledger_id"`
	LastMovementAt  *time.Time      `json:"last_movement_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func rowView(r core.InventoryRow) InventoryRowView {
	v := InventoryRowView{
		ProductID:       r.ProductID,
		WarehouseID:     r.WarehouseID,
		OnHand:          r.OnHand,
		Reserved:        r.Reserved,
		Available:       r.Available(),
		WeightedAvgCost: r.WeightedAvgCost,
		ReorderPoint:    r.ReorderPoint,
		ReorderQuantity: r.ReorderQuantity,
		MaxStock:        r.MaxStock,
		CostingMethod:   string(r.CostingMethod),
		LastLedgerID:    r.LastLedgerID,
		CreatedAt:       r.CreatedAt,
	}
	if !r.LastMovementAt.IsZero() {
		t := r.LastMovementAt
		v.LastMovementAt = &t
	}
	return v
}

// LedgerEntryView is the wire shape of core.LedgerEntry.
type LedgerEntryView struct {
	ID              int64           `json:"id"`
	At              time.Time       `json:"at"`
	ProductID       string          `json:"pid"`
	WarehouseID     string          `json:"wid"`
	Kind            string          `json:"kind"`
	QtyDelta        int64           `json:"qty_delta"`
	UnitCostApplied decimal.Decimal `json:"unit_cost_applied"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	OnHandBefore    int64           `json:"on_hand_before"`
	OnHandAfter     int64           `json:"on_hand_after"`
	ReservedAfter   int64           `json:"reserved_after"`
	CostMethod      string          `json:"cost_method"`
	Reference       string          `json:"reference,omitempty"`
	RelatedEntryID  *int64          `json:"related_entry_id,omitempty"`
	ReservationID   *uuid.UUID      `json:"reservation_id,omitempty"`
	Actor           string          `json:"actor,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

func entryView(e core.LedgerEntry) LedgerEntryView {
	return LedgerEntryView{
		ID:              e.ID,
		At:              e.At,
		ProductID:       e.ProductID,
		WarehouseID:     e.WarehouseID,
		Kind:            string(e.Kind),
		QtyDelta:        e.QtyDelta,
		UnitCostApplied: e.UnitCostApplied,
		TotalCost:       e.TotalCost,
		OnHandBefore:    e.OnHandBefore,
		OnHandAfter:     e.OnHandAfter,
		ReservedAfter:   e.ReservedAfter,
		CostMethod:      string(e.CostMethod),
		Reference:       e.Reference,
		RelatedEntryID:  e.RelatedEntryID,
		ReservationID:   e.ReservationID,
		Actor:           e.Actor,
		Reason:          e.Reason,
	}
}

// ReservationView is the wire shape of core.Reservation.
type ReservationView struct {
	ID          uuid.UUID  `json:"id"`
	ProductID   string     `json:"pid"`
	WarehouseID string     `json:"wid"`
	Qty         int64      `json:"qty"`
	Reference   string     `json:"reference"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

func reservationView(r core.Reservation) ReservationView {
	return ReservationView{
		ID:          r.ID,
		ProductID:   r.ProductID,
		WarehouseID: r.WarehouseID,
		Qty:         r.Qty,
		Reference:   r.Reference,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		ClosedAt:    r.ClosedAt,
	}
}

// AlertView is the wire shape of core.ReorderAlert.
type AlertView struct {
	ID                  uuid.UUID  `json:"id"`
	ProductID           string     `json:"pid"`
	WarehouseID         string     `json:"wid"`
	ObservedOnHand      int64      `json:"observed_on_hand"`
	ObservedAvailable   int64      `json:"observed_available"`
	Threshold           int64      `json:"threshold"`
	Severity            string     `json:"severity"`
	Status              string     `json:"status"`
	SuggestedQty        int64      `json:"suggested_qty"`
	RaisedAt            time.Time  `json:"raised_at"`
	LastSuppressedUntil time.Time  `json:"last_suppressed_until"`
	AcknowledgedBy      string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt      *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
}

func alertView(a core.ReorderAlert) AlertView {
	return AlertView{
		ID:                  a.ID,
		ProductID:           a.ProductID,
		WarehouseID:         a.WarehouseID,
		ObservedOnHand:      a.ObservedOnHand,
		ObservedAvailable:   a.ObservedAvailable,
		Threshold:           a.Threshold,
		Severity:            string(a.Severity),
		Status:              string(a.Status),
		SuggestedQty:        a.SuggestedQty,
		RaisedAt:            a.RaisedAt,
		LastSuppressedUntil: a.LastSuppressedUntil,
		AcknowledgedBy:      a.AcknowledgedBy,
		AcknowledgedAt:      a.AcknowledgedAt,
		ResolvedAt:          a.ResolvedAt,
	}
}

// MovementResult is returned by ApplyMovement and CountStock.
type MovementResult struct {
	Entry     *LedgerEntryView `json:"entry,omitempty"`
	Unchanged bool             `json:"unchanged,omitempty"`
}

// TransferResult is returned by Transfer.
type TransferResult struct {
	Reference string          `json:"reference"`
	OutID     int64           `json:"out_entry_id"`
	InID      int64           `json:"in_entry_id"`
	Out       LedgerEntryView `json:"out"`
	In        LedgerEntryView `json:"in"`
}

// ReleaseResult is returned by Release.
type ReleaseResult struct {
	Reservation ReservationView `json:"reservation"`
	Outcome     string          `json:"outcome"`
}

// ConsumeResult is returned by Consume.
type ConsumeResult struct {
	Reservation ReservationView `json:"reservation"`
	Entry       LedgerEntryView `json:"entry"`
}

// InventoryResult is returned by ReadInventory.
type InventoryResult struct {
	Rows []InventoryRowView `json:"rows"`
}

// LedgerResult is returned by ReadLedger. NextAfterID continues the listing.
type LedgerResult struct {
	Entries     []LedgerEntryView `json:"entries"`
	NextAfterID int64             `json:"next_after_id,omitempty"`
}

// ValuationRowView is one row of a valuation.
type ValuationRowView struct {
	ProductID   string          `json:"pid"`
	WarehouseID string          `json:"wid"`
	OnHand      int64           `json:"on_hand"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Value       decimal.Decimal `json:"value"`
}

// ValuationResult is returned by ReadValuation.
type ValuationResult struct {
	Method      string             `json:"method"`
	WarehouseID string             `json:"wid,omitempty"`
	Rows        []ValuationRowView `json:"rows"`
	TotalQty    int64              `json:"total_qty"`
	TotalValue  decimal.Decimal    `json:"total_value"`
}

// AlertListResult is returned by ListAlerts.
type AlertListResult struct {
	Alerts []AlertView `json:"alerts"`
}

// DriftView is one replay disagreement.
type DriftView struct {
	ProductID   string `json:"pid"`
	WarehouseID string `json:"wid"`
	Field       string `json:"field"`
	Stored      string `json:"stored"`
	Replayed    string `json:"replayed"`
}

// VerifyResult is returned by Verify.
type VerifyResult struct {
	OK             bool        `json:"ok"`
	RowsChecked    int         `json:"rows_checked"`
	EntriesChecked int         `json:"entries_checked"`
	Drifts         []DriftView `json:"drifts"`
}
