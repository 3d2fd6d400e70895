package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TransferRequest moves Qty units of a product between two warehouses.
type TransferRequest struct {
	ProductID     string
	FromWarehouse string
	ToWarehouse   string
	Qty           int64
	// Method overrides the source row's costing method.
	Method CostingMethod
	Actor  string
	Reason string
}

// TransferResult holds both legs. In.RelatedEntryID points at Out.ID and both share
// the transfer reference.
type TransferResult struct {
	Reference string
	Out       LedgerEntry
	In        LedgerEntry
}

// TransferService moves stock between warehouses atomically.
type TransferService interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

type transferService struct {
	*runner
}

// NewTransferService constructs a TransferService.
func NewTransferService(d Deps) TransferService {
	return &transferService{runner: newRunner(d)}
}

func (s *transferService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.ProductID == "" || req.FromWarehouse == "" || req.ToWarehouse == "" {
		return nil, ErrMissingKey
	}
	if req.FromWarehouse == req.ToWarehouse {
		return nil, ErrSameWarehouse
	}
	if req.Qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if req.Method != "" {
		if err := req.Method.Validate(); err != nil {
			return nil, err
		}
	}
	src := Key{req.ProductID, req.FromWarehouse}
	dst := Key{req.ProductID, req.ToWarehouse}

	var result TransferResult
	err := s.run(ctx, "TransferService.Transfer", src, func(ctx context.Context, tx Tx, cs *changeSet) error {
		from, to, err := s.lockPair(ctx, tx, src, dst)
		if err != nil {
			return err
		}
		now := s.now()
		if req.Qty > from.Available() {
			return fmt.Errorf("%w: %s has %d available, %d requested",
				ErrInsufficientStock, src, from.Available(), req.Qty)
		}

		method := req.Method
		if method == "" {
			method = from.CostingMethod
		}
		if method == "" {
			method = s.deps.Policy.DefaultMethod
		}
		reference := "transfer:" + uuid.NewString()

		// Outbound leg.
		c, err := s.costs.Consume(ctx, tx, from, req.Qty, method)
		if err != nil {
			return err
		}
		fromBefore := from.OnHand
		from.OnHand -= req.Qty
		from.LastMovementAt = now
		out, err := s.ledger.Append(ctx, tx, LedgerEntry{
			At:              now,
			ProductID:       from.ProductID,
			WarehouseID:     from.WarehouseID,
			Kind:            MovementTransferOut,
			QtyDelta:        -req.Qty,
			UnitCostApplied: c.UnitCost,
			TotalCost:       c.TotalCost,
			OnHandBefore:    fromBefore,
			OnHandAfter:     from.OnHand,
			ReservedAfter:   from.Reserved,
			CostMethod:      method,
			Reference:       reference,
			Actor:           req.Actor,
			Reason:          req.Reason,
		})
		if err != nil {
			return err
		}
		from.LastLedgerID = out.ID
		if err := tx.UpdateRow(ctx, *from); err != nil {
			return fmt.Errorf("failed to update source row: %w", err)
		}

		// Inbound leg: one layer per consumed slice, or one layer at the source average.
		slices := []ReceiptSlice{{Qty: req.Qty, UnitCost: c.UnitCost}}
		if method != MethodAverage {
			slices = slices[:0]
			for _, sl := range c.Slices {
				slices = append(slices, ReceiptSlice{Qty: sl.Qty, UnitCost: sl.UnitCost})
			}
		}
		toBefore := to.OnHand
		_, value, err := s.costs.Receive(ctx, tx, to, slices, now)
		if err != nil {
			return err
		}
		to.OnHand += req.Qty
		to.LastMovementAt = now
		outID := out.ID
		in, err := s.ledger.Append(ctx, tx, LedgerEntry{
			At:              now,
			ProductID:       to.ProductID,
			WarehouseID:     to.WarehouseID,
			Kind:            MovementTransferIn,
			QtyDelta:        req.Qty,
			UnitCostApplied: c.UnitCost,
			TotalCost:       RoundCost(value),
			OnHandBefore:    toBefore,
			OnHandAfter:     to.OnHand,
			ReservedAfter:   to.Reserved,
			CostMethod:      method,
			Reference:       reference,
			RelatedEntryID:  &outID,
			Actor:           req.Actor,
			Reason:          req.Reason,
		})
		if err != nil {
			return err
		}
		to.LastLedgerID = in.ID
		if err := tx.UpdateRow(ctx, *to); err != nil {
			return fmt.Errorf("failed to update destination row: %w", err)
		}

		cs.stock(*from, now)
		cs.movement(out)
		cs.stock(*to, now)
		cs.movement(in)
		result = TransferResult{Reference: reference, Out: out, In: in}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// lockPair locks source and destination in key order. The destination row is created
// when the product has never been stocked there.
func (s *transferService) lockPair(ctx context.Context, tx Tx, src, dst Key) (*InventoryRow, *InventoryRow, error) {
	lockSrc := func() (*InventoryRow, error) { return tx.LockRow(ctx, src) }
	lockDst := func() (*InventoryRow, error) {
		return tx.LockOrCreateRow(ctx, dst, s.deps.Policy.DefaultMethod, s.now())
	}

	var from, to *InventoryRow
	var err error
	if src.Less(dst) {
		if from, err = lockSrc(); err != nil {
			return nil, nil, err
		}
		if to, err = lockDst(); err != nil {
			return nil, nil, err
		}
	} else {
		if to, err = lockDst(); err != nil {
			return nil, nil, err
		}
		if from, err = lockSrc(); err != nil {
			return nil, nil, err
		}
	}
	return from, to, nil
}
