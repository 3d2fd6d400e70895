package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable state behind the inventory core. All mutations go through a Tx;
// the read methods outside Tx return committed state only.
type Store interface {
	// Begin opens a transaction. Row locks taken through it are held until Commit or Rollback.
	Begin(ctx context.Context) (Tx, error)

	ListInventory(ctx context.Context, f InventoryFilter) ([]InventoryRow, error)
	ListLayers(ctx context.Context, f LayerFilter) ([]CostLayer, error)
	ListLedger(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*ReorderAlert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]ReorderAlert, error)

	// RecordIncident persists a consistency failure outside any business transaction.
	RecordIncident(ctx context.Context, inc Incident) error
}

// Tx is one store transaction. Implementations map lock waits beyond the configured
// lock timeout, deadlocks and serialization failures to ErrConcurrencyConflict.
type Tx interface {
	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit.
	Rollback(ctx context.Context) error

	// LockRow locks and returns an existing row, or ErrUnknownRow.
	LockRow(ctx context.Context, key Key) (*InventoryRow, error)
	// LockOrCreateRow locks the row, creating an empty one with the given method if absent.
	LockOrCreateRow(ctx context.Context, key Key, method CostingMethod, now time.Time) (*InventoryRow, error)
	UpdateRow(ctx context.Context, row InventoryRow) error

	// Layers returns the row's layers ordered by (ReceivedAt, ID) ascending.
	Layers(ctx context.Context, key Key) ([]CostLayer, error)
	InsertLayer(ctx context.Context, layer CostLayer) (int64, error)
	// SetLayerRemaining updates a layer; remaining == 0 deletes it.
	SetLayerRemaining(ctx context.Context, id int64, remaining int64) error

	// AppendLedger assigns the next ledger id and stores the entry.
	AppendLedger(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)

	InsertReservation(ctx context.Context, r Reservation) error
	// ReservationForUpdate returns the reservation; callers must already hold its row lock.
	ReservationForUpdate(ctx context.Context, id uuid.UUID) (*Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	// ActiveReservations lists active reservations of a locked row, newest first.
	ActiveReservations(ctx context.Context, key Key) ([]Reservation, error)

	// OpenAlertForUpdate locks and returns the pending or acknowledged alert of key, if any.
	OpenAlertForUpdate(ctx context.Context, key Key) (*ReorderAlert, error)
	// AlertForUpdate locks and returns an alert by id, or ErrNotFound.
	AlertForUpdate(ctx context.Context, id uuid.UUID) (*ReorderAlert, error)
	InsertAlert(ctx context.Context, a ReorderAlert) error
	UpdateAlert(ctx context.Context, a ReorderAlert) error
}

// InventoryFilter narrows ListInventory. Zero values match everything.
type InventoryFilter struct {
	ProductID    string
	WarehouseID  string
	BelowReorder bool
	Limit        int
}

// LayerFilter narrows ListLayers.
type LayerFilter struct {
	ProductID   string
	WarehouseID string
}

// LedgerFilter narrows ListLedger. Results are ordered by id ascending.
type LedgerFilter struct {
	ProductID   string
	WarehouseID string
	Reference   string
	Kinds       []MovementKind
	From        *time.Time
	To          *time.Time
	AfterID     int64
	Limit       int
}

// ReservationFilter narrows ListReservations.
type ReservationFilter struct {
	ProductID   string
	WarehouseID string
	Reference   string
	Status      ReservationStatus
	// DueBy selects reservations with an expiry at or before the given time.
	DueBy *time.Time
	Limit int
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	ProductID   string
	WarehouseID string
	Status      AlertStatus
	OpenOnly    bool
	Limit       int
}

// Clock is the time source used for every persisted timestamp.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC at the microsecond precision PostgreSQL stores.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// MatchesLedger reports whether e passes f. Stores without a query language use it.
func (f LedgerFilter) MatchesLedger(e LedgerEntry) bool {
	if f.ProductID != "" && e.ProductID != f.ProductID {
		return false
	}
	if f.WarehouseID != "" && e.WarehouseID != f.WarehouseID {
		return false
	}
	if f.Reference != "" && e.Reference != f.Reference {
		return false
	}
	if e.ID <= f.AfterID {
		return false
	}
	if f.From != nil && e.At.Before(*f.From) {
		return false
	}
	if f.To != nil && e.At.After(*f.To) {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
	return true
}

// MatchesRow reports whether r passes f.
func (f InventoryFilter) MatchesRow(r InventoryRow) bool {
	if f.ProductID != "" && r.ProductID != f.ProductID {
		return false
	}
	if f.WarehouseID != "" && r.WarehouseID != f.WarehouseID {
		return false
	}
	if f.BelowReorder && (r.ReorderPoint <= 0 || r.Available() > r.ReorderPoint) {
		return false
	}
	return true
}

// MatchesReservation reports whether r passes f.
func (f ReservationFilter) MatchesReservation(r Reservation) bool {
	if f.ProductID != "" && r.ProductID != f.ProductID {
		return false
	}
	if f.WarehouseID != "" && r.WarehouseID != f.WarehouseID {
		return false
	}
	if f.Reference != "" && r.Reference != f.Reference {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.DueBy != nil && (r.ExpiresAt == nil || r.ExpiresAt.After(*f.DueBy)) {
		return false
	}
	return true
}

// MatchesAlert reports whether a passes f.
func (f AlertFilter) MatchesAlert(a ReorderAlert) bool {
	if f.ProductID != "" && a.ProductID != f.ProductID {
		return false
	}
	if f.WarehouseID != "" && a.WarehouseID != f.WarehouseID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.OpenOnly && !a.Status.Open() {
		return false
	}
	return true
}
