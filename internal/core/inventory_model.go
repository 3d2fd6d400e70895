package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CostScale is the number of fractional digits kept for unit costs and weighted averages.
const CostScale = 6

// Key identifies an inventory row. Keys are totally ordered by (ProductID, WarehouseID);
// multi-row operations acquire row locks in that order.
type Key struct {
	ProductID   string
	WarehouseID string
}

// Less reports whether k sorts before o in lock order.
func (k Key) Less(o Key) bool {
	if k.ProductID != o.ProductID {
		return k.ProductID < o.ProductID
	}
	return k.WarehouseID < o.WarehouseID
}

func (k Key) String() string { return k.ProductID + "@" + k.WarehouseID }

// CostingMethod selects how consumption draws on cost layers.
type CostingMethod string

const (
	MethodFIFO    CostingMethod = "FIFO"
	MethodLIFO    CostingMethod = "LIFO"
	MethodAverage CostingMethod = "AVERAGE"
)

// ParseCostingMethod accepts FIFO, LIFO or AVERAGE in any case.
func ParseCostingMethod(s string) (CostingMethod, error) {
	m := CostingMethod(strings.ToUpper(strings.TrimSpace(s)))
	if err := m.Validate(); err != nil {
		return "", err
	}
	return m, nil
}

func (m CostingMethod) Validate() error {
	switch m {
	case MethodFIFO, MethodLIFO, MethodAverage:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownMethod, string(m))
}

// InventoryRow is the per-(product, warehouse) stock position.
type InventoryRow struct {
	ProductID       string
	WarehouseID     string
	OnHand          int64
	Reserved        int64
	WeightedAvgCost decimal.Decimal
	ReorderPoint    int64
	ReorderQuantity int64
	MaxStock        int64
	CostingMethod   CostingMethod
	// LastLedgerID is the id of the newest ledger entry applied to the row.
	LastLedgerID    int64
	LastMovementAt  time.Time
	CreatedAt       time.Time
}

func (r InventoryRow) Key() Key { return Key{r.ProductID, r.WarehouseID} }

// Available is OnHand minus Reserved.
func (r InventoryRow) Available() int64 { return r.OnHand - r.Reserved }

// CostLayer is a receipt batch still (partially) on hand.
type CostLayer struct {
	ID           int64
	ProductID    string
	WarehouseID  string
	ReceivedAt   time.Time
	OriginalQty  int64
	RemainingQty int64
	UnitCost     decimal.Decimal
}

// MovementKind classifies a ledger entry.
type MovementKind string

const (
	MovementReceive     MovementKind = "receive"
	MovementIssue       MovementKind = "issue"
	MovementAdjustUp    MovementKind = "adjust+"
	MovementAdjustDown  MovementKind = "adjust-"
	MovementTransferOut MovementKind = "transfer-out"
	MovementTransferIn  MovementKind = "transfer-in"
	MovementReserve     MovementKind = "reserve"
	MovementRelease     MovementKind = "release"
)

// ParseMovementKind validates a movement kind name.
func ParseMovementKind(s string) (MovementKind, error) {
	k := MovementKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case MovementReceive, MovementIssue, MovementAdjustUp, MovementAdjustDown,
		MovementTransferOut, MovementTransferIn, MovementReserve, MovementRelease:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown movement kind %q", ErrInvalidKind, s)
}

// AffectsOnHand reports whether entries of this kind change on_hand (as opposed to reserved).
func (k MovementKind) AffectsOnHand() bool {
	return k != MovementReserve && k != MovementRelease
}

// LedgerEntry is an immutable record of one stock or reservation movement.
// For reserve/release entries QtyDelta is the signed change of reserved and
// OnHandBefore equals OnHandAfter.
type LedgerEntry struct {
	ID              int64
	At              time.Time
	ProductID       string
	WarehouseID     string
	Kind            MovementKind
	QtyDelta        int64
	UnitCostApplied decimal.Decimal
	TotalCost       decimal.Decimal
	OnHandBefore    int64
	OnHandAfter     int64
	ReservedAfter   int64
	CostMethod      CostingMethod
	Reference       string
	RelatedEntryID  *int64
	ReservationID   *uuid.UUID
	Actor           string
	Reason          string
}

func (e LedgerEntry) Key() Key { return Key{e.ProductID, e.WarehouseID} }

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationExpired  ReservationStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s ReservationStatus) Terminal() bool { return s != ReservationActive }

// Reservation earmarks qty of available stock for a reference (order, cart, ...).
type Reservation struct {
	ID          uuid.UUID
	ProductID   string
	WarehouseID string
	Qty         int64
	Reference   string
	Status      ReservationStatus
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	ClosedAt    *time.Time
}

func (r Reservation) Key() Key { return Key{r.ProductID, r.WarehouseID} }

// AlertSeverity grades how far stock has fallen. Severities are ordered low < critical < out.
type AlertSeverity string

const (
	SeverityNone     AlertSeverity = ""
	SeverityLow      AlertSeverity = "low"
	SeverityCritical AlertSeverity = "critical"
	SeverityOut      AlertSeverity = "out"
)

func (s AlertSeverity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityCritical:
		return 2
	case SeverityOut:
		return 3
	}
	return 0
}

// Exceeds reports whether s is strictly more severe than o.
func (s AlertSeverity) Exceeds(o AlertSeverity) bool { return s.rank() > o.rank() }

// AlertStatus is the workflow state of a reorder alert.
type AlertStatus string

const (
	AlertPending      AlertStatus = "pending"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Open reports whether the alert still counts as active for throttling.
func (s AlertStatus) Open() bool { return s == AlertPending || s == AlertAcknowledged }

// ReorderAlert records that a row fell to or below its reorder point.
type ReorderAlert struct {
	ID                  uuid.UUID
	ProductID           string
	WarehouseID         string
	ObservedOnHand      int64
	ObservedAvailable   int64
	Threshold           int64
	Severity            AlertSeverity
	Status              AlertStatus
	SuggestedQty        int64
	RaisedAt            time.Time
	LastSuppressedUntil time.Time
	AcknowledgedBy      string
	AcknowledgedAt      *time.Time
	ResolvedAt          *time.Time
}

func (a ReorderAlert) Key() Key { return Key{a.ProductID, a.WarehouseID} }

// Incident is a persisted consistency failure that needs operator attention.
type Incident struct {
	ID          uuid.UUID
	At          time.Time
	Kind        string
	ProductID   string
	WarehouseID string
	Detail      string
}

// RoundCost rounds a monetary unit value to CostScale digits.
func RoundCost(d decimal.Decimal) decimal.Decimal { return d.Round(CostScale) }
