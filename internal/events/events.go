// Package events defines the committed-change notifications of the inventory core
// and the in-process bus that fans them out to subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind tags the concrete type of an Event.
type Kind string

const (
	KindStockChanged       Kind = "stock_changed"
	KindReservationChanged Kind = "reservation_changed"
	KindAlertRaised        Kind = "alert_raised"
	KindAlertCleared       Kind = "alert_cleared"
	KindMovementLogged     Kind = "movement_logged"
	KindGapNotice          Kind = "gap_notice"
)

// Scope identifies the (product, warehouse) pair an event is about.
// Events are ordered per Scope.
type Scope struct {
	ProductID   string `json:"pid"`
	WarehouseID string `json:"wid"`
}

// Event is a committed change. The set of implementations is closed:
// StockChanged, ReservationChanged, AlertRaised, AlertCleared, MovementLogged and GapNotice.
// Consumers switch on the concrete type.
type Event interface {
	Kind() Kind
	Scope() Scope
	// Ledger returns the id of the ledger entry that produced the event, or 0.
	Ledger() int64
	isEvent()
}

// StockChanged carries the post-commit state of an inventory row.
type StockChanged struct {
	ProductID       string          `json:"pid"`
	WarehouseID     string          `json:"wid"`
	LedgerID        int64           `json:"ledger_id"`
	OnHand          int64           `json:"on_hand"`
	Reserved        int64           `json:"reserved"`
	Available       int64           `json:"available"`
	WeightedAvgCost decimal.Decimal `json:"weighted_avg_cost"`
	ReorderPoint    int64           `json:"reorder_point"`
	ReorderQuantity int64           `json:"reorder_quantity"`
	MaxStock        int64           `json:"max_stock"`
	At              time.Time       `json:"at"`
}

// ReservationChanged reports a reservation transition and the row's new reserved figure.
type ReservationChanged struct {
	ProductID     string    `json:"pid"`
	WarehouseID   string    `json:"wid"`
	LedgerID      int64     `json:"ledger_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	Reference     string    `json:"reference"`
	Qty           int64     `json:"qty"`
	Status        string    `json:"status"`
	Reserved      int64     `json:"reserved"`
	Available     int64     `json:"available"`
	At            time.Time `json:"at"`
}

// AlertRaised is published when a reorder alert is created, re-raised or upgraded.
type AlertRaised struct {
	ProductID         string    `json:"pid"`
	WarehouseID       string    `json:"wid"`
	LedgerID          int64     `json:"ledger_id"`
	AlertID           uuid.UUID `json:"alert_id"`
	Severity          string    `json:"severity"`
	PreviousSeverity  string    `json:"previous_severity,omitempty"`
	ObservedOnHand    int64     `json:"observed_on_hand"`
	ObservedAvailable int64     `json:"observed_available"`
	Threshold         int64     `json:"threshold"`
	SuggestedQty      int64     `json:"suggested_qty"`
	At                time.Time `json:"at"`
}

// AlertCleared is published when stock recovers above the reorder point.
type AlertCleared struct {
	ProductID   string    `json:"pid"`
	WarehouseID string    `json:"wid"`
	LedgerID    int64     `json:"ledger_id"`
	AlertID     uuid.UUID `json:"alert_id"`
	At          time.Time `json:"at"`
}

// MovementLogged mirrors one appended ledger entry.
type MovementLogged struct {
	ProductID       string          `json:"pid"`
	WarehouseID     string          `json:"wid"`
	LedgerID        int64           `json:"ledger_id"`
	MovementKind    string          `json:"kind"`
	QtyDelta        int64           `json:"qty_delta"`
	UnitCostApplied decimal.Decimal `json:"unit_cost_applied"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	OnHandBefore    int64           `json:"on_hand_before"`
	OnHandAfter     int64           `json:"on_hand_after"`
	Reference       string          `json:"reference,omitempty"`
	Actor           string          `json:"actor,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	At              time.Time       `json:"at"`
}

// GapNotice is synthesized by the bus when a subscriber queue overflowed.
// Receivers must reconcile from current state.
type GapNotice struct {
	Dropped int       `json:"dropped"`
	At      time.Time `json:"at"`
}

func (StockChanged) Kind() Kind       { return KindStockChanged }
func (ReservationChanged) Kind() Kind { return KindReservationChanged }
func (AlertRaised) Kind() Kind        { return KindAlertRaised }
func (AlertCleared) Kind() Kind       { return KindAlertCleared }
func (MovementLogged) Kind() Kind     { return KindMovementLogged }
func (GapNotice) Kind() Kind          { return KindGapNotice }

func (e StockChanged) Scope() Scope       { return Scope{e.ProductID, e.WarehouseID} }
func (e ReservationChanged) Scope() Scope { return Scope{e.ProductID, e.WarehouseID} }
func (e AlertRaised) Scope() Scope        { return Scope{e.ProductID, e.WarehouseID} }
func (e AlertCleared) Scope() Scope       { return Scope{e.ProductID, e.WarehouseID} }
func (e MovementLogged) Scope() Scope     { return Scope{e.ProductID, e.WarehouseID} }
func (GapNotice) Scope() Scope            { return Scope{} }

func (e StockChanged) Ledger() int64       { return e.LedgerID }
func (e ReservationChanged) Ledger() int64 { return e.LedgerID }
func (e AlertRaised) Ledger() int64        { return e.LedgerID }
func (e AlertCleared) Ledger() int64       { return e.LedgerID }
func (e MovementLogged) Ledger() int64     { return e.LedgerID }
func (GapNotice) Ledger() int64            { return 0 }

func (StockChanged) isEvent()       {}
func (ReservationChanged) isEvent() {}
func (AlertRaised) isEvent()        {}
func (AlertCleared) isEvent()       {}
func (MovementLogged) isEvent()     {}
func (GapNotice) isEvent()          {}
