package app

import (
	"context"
	"errors"
)

// ErrBadRequest marks input the adapter could not turn into a core request
// (malformed ids, timestamps or enum names).
var ErrBadRequest = errors.New("bad request")

// ApplicationService is the single interface all adapters (HTTP, CLI tools) call.
// It decouples transport from the inventory core. Implementations contain no
// transport or display logic.
type ApplicationService interface {
	// ApplyMovement records one receipt, issue or adjustment.
	ApplyMovement(ctx context.Context, req MovementRequest) (*MovementResult, error)

	// CountStock reconciles a row to a physical count. Unchanged is set when the
	// count already matched and no ledger entry was written.
	CountStock(ctx context.Context, req CountRequest) (*MovementResult, error)

	// UpdatePolicy changes the reorder policy and costing method of a row.
	UpdatePolicy(ctx context.Context, req PolicyRequest) (*InventoryRowView, error)

	// Transfer moves stock between two warehouses in one transaction.
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)

	// Reserve earmarks available stock for a reference.
	Reserve(ctx context.Context, req ReserveRequest) (*ReservationView, error)

	// Release cancels an active reservation. Releasing a terminal reservation succeeds
	// with Outcome "already_terminal".
	Release(ctx context.Context, reservationID, actor string) (*ReleaseResult, error)

	// Consume turns an active reservation into an issue.
	Consume(ctx context.Context, reservationID, actor, reason string) (*ConsumeResult, error)

	// GetReservation returns one reservation by id.
	GetReservation(ctx context.Context, reservationID string) (*ReservationView, error)

	// ReadInventory lists rows matching the query.
	ReadInventory(ctx context.Context, q InventoryQuery) (*InventoryResult, error)

	// ReadLedger lists ledger entries matching the query in id order.
	ReadLedger(ctx context.Context, q LedgerQuery) (*LedgerResult, error)

	// ReadValuation values stock under a costing method, optionally for one warehouse.
	ReadValuation(ctx context.Context, warehouseID, method string) (*ValuationResult, error)

	// ListAlerts lists reorder alerts, newest first.
	ListAlerts(ctx context.Context, q AlertQuery) (*AlertListResult, error)

	// AckAlert acknowledges a pending reorder alert.
	AckAlert(ctx context.Context, alertID, actor string) (*AlertView, error)

	// Verify replays the ledger against stored state.
	Verify(ctx context.Context) (*VerifyResult, error)
}
