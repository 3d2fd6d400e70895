package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReserveRequest earmarks Qty units of a row for Reference.
type ReserveRequest struct {
	ProductID   string
	WarehouseID string
	Qty         int64
	Reference   string
	// ExpiresAt falls back to the policy TTL when nil.
	ExpiresAt *time.Time
	Actor     string
}

// ReleaseOutcome distinguishes an actual release from an idempotent repeat.
type ReleaseOutcome string

const (
	Released        ReleaseOutcome = "released"
	AlreadyTerminal ReleaseOutcome = "already_terminal"
)

// ConsumeResult is the outcome of turning a reservation into an issue.
type ConsumeResult struct {
	Reservation  Reservation
	ReleaseEntry LedgerEntry
	IssueEntry   LedgerEntry
}

// ReservationService manages reservations. Every transition adjusts the row's reserved
// quantity in the same transaction so that the active reservations always sum to it.
type ReservationService interface {
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	// Release returns AlreadyTerminal without error for reservations that are no longer active.
	Release(ctx context.Context, id uuid.UUID, actor string) (*Reservation, ReleaseOutcome, error)
	// Consume releases the reservation and issues its quantity in one transaction.
	Consume(ctx context.Context, id uuid.UUID, actor, reason string) (*ConsumeResult, error)
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	// ExpireDue expires every active reservation due at now and returns how many it expired.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
	// RunSweeper calls ExpireDue every interval until ctx is done.
	RunSweeper(ctx context.Context, interval time.Duration) error
}

type reservationService struct {
	*runner
}

// NewReservationService constructs a ReservationService.
func NewReservationService(d Deps) ReservationService {
	return &reservationService{runner: newRunner(d)}
}

func (s *reservationService) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.ProductID == "" || req.WarehouseID == "" {
		return nil, ErrMissingKey
	}
	if req.Qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	key := Key{req.ProductID, req.WarehouseID}

	var created Reservation
	err := s.run(ctx, "ReservationService.Reserve", key, func(ctx context.Context, tx Tx, cs *changeSet) error {
		row, err := tx.LockRow(ctx, key)
		if err != nil {
			return err
		}
		now := s.now()
		if req.Qty > row.Available() {
			return fmt.Errorf("%w: %s has %d available, %d requested",
				ErrInsufficientAvailable, key, row.Available(), req.Qty)
		}

		res := Reservation{
			ID:          uuid.New(),
			ProductID:   req.ProductID,
			WarehouseID: req.WarehouseID,
			Qty:         req.Qty,
			Reference:   req.Reference,
			Status:      ReservationActive,
			CreatedAt:   now,
			ExpiresAt:   req.ExpiresAt,
		}
		if res.ExpiresAt == nil && s.deps.Policy.ReservationTTL > 0 {
			exp := now.Add(s.deps.Policy.ReservationTTL)
			res.ExpiresAt = &exp
		}
		if err := tx.InsertReservation(ctx, res); err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		if _, err := s.reservedMovement(ctx, tx, row, res, req.Qty, now, req.Actor, "reserved", cs); err != nil {
			return err
		}
		created = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// lockReservation reads the reservation to learn its row, locks the row, then re-reads
// the reservation under the lock.
func (s *reservationService) lockReservation(ctx context.Context, tx Tx, id uuid.UUID) (*InventoryRow, *Reservation, error) {
	peek, err := s.deps.Store.GetReservation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	row, err := tx.LockRow(ctx, peek.Key())
	if err != nil {
		return nil, nil, err
	}
	res, err := tx.ReservationForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return row, res, nil
}

func (s *reservationService) keyOf(ctx context.Context, id uuid.UUID) (Key, error) {
	res, err := s.deps.Store.GetReservation(ctx, id)
	if err != nil {
		return Key{}, err
	}
	return res.Key(), nil
}

func (s *reservationService) Release(ctx context.Context, id uuid.UUID, actor string) (*Reservation, ReleaseOutcome, error) {
	key, err := s.keyOf(ctx, id)
	if err != nil {
		return nil, "", err
	}

	var (
		result  Reservation
		outcome ReleaseOutcome
	)
	err = s.run(ctx, "ReservationService.Release", key, func(ctx context.Context, tx Tx, cs *changeSet) error {
		row, res, err := s.lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if res.Status.Terminal() {
			result, outcome = *res, AlreadyTerminal
			return nil
		}
		res.Status = ReservationReleased
		res.ClosedAt = &now
		if err := tx.UpdateReservation(ctx, *res); err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		if _, err := s.reservedMovement(ctx, tx, row, *res, -res.Qty, now, actor, "released", cs); err != nil {
			return err
		}
		result, outcome = *res, Released
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return &result, outcome, nil
}

func (s *reservationService) Consume(ctx context.Context, id uuid.UUID, actor, reason string) (*ConsumeResult, error) {
	key, err := s.keyOf(ctx, id)
	if err != nil {
		return nil, err
	}

	var result ConsumeResult
	err = s.run(ctx, "ReservationService.Consume", key, func(ctx context.Context, tx Tx, cs *changeSet) error {
		row, res, err := s.lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if res.Status.Terminal() {
			return fmt.Errorf("%w: reservation %s is %s", ErrAlreadyTerminal, id, res.Status)
		}

		res.Status = ReservationConsumed
		res.ClosedAt = &now
		if err := tx.UpdateReservation(ctx, *res); err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		release, err := s.reservedMovement(ctx, tx, row, *res, -res.Qty, now, actor, "consumed", cs)
		if err != nil {
			return err
		}
		issue, err := s.applyLocked(ctx, tx, row, movement{
			delta:     -res.Qty,
			kind:      MovementIssue,
			reference: res.Reference,
			actor:     actor,
			reason:    reason,
		}, now, cs)
		if err != nil {
			return err
		}
		result = ConsumeResult{Reservation: *res, ReleaseEntry: release, IssueEntry: issue}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *reservationService) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return s.deps.Store.GetReservation(ctx, id)
}

// ExpireDue handles each due reservation in its own transaction so one conflict does
// not hold back the rest of the sweep.
func (s *reservationService) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.deps.Store.ListReservations(ctx, ReservationFilter{
		Status: ReservationActive,
		DueBy:  &now,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list due reservations: %w", err)
	}

	expired := 0
	var errs []error
	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		done, err := s.expireOne(ctx, candidate.ID, now)
		if err != nil {
			s.deps.Logger.Warn("failed to expire reservation",
				zap.Stringer("reservation_id", candidate.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if done {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (s *reservationService) expireOne(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	key, err := s.keyOf(ctx, id)
	if err != nil {
		return false, err
	}
	expired := false
	err = s.run(ctx, "ReservationService.Expire", key, func(ctx context.Context, tx Tx, cs *changeSet) error {
		expired = false
		row, res, err := s.lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		if res.Status.Terminal() || res.ExpiresAt == nil || res.ExpiresAt.After(now) {
			return nil
		}
		at := s.now()
		res.Status = ReservationExpired
		res.ClosedAt = &at
		if err := tx.UpdateReservation(ctx, *res); err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		if _, err := s.reservedMovement(ctx, tx, row, *res, -res.Qty, at, "system", "reservation expired", cs); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

func (s *reservationService) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.deps.Logger.Info("reservation expiry sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("reservation expiry sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.ExpireDue(ctx, s.now())
			if err != nil && ctx.Err() == nil {
				s.deps.Logger.Error("reservation sweep finished with errors", zap.Int("expired", n), zap.Error(err))
				continue
			}
			if n > 0 {
				s.deps.Logger.Info("expired reservations", zap.Int("count", n))
			}
		}
	}
}
