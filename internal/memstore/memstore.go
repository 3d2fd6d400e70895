// Package memstore is an in-process core.Store. It enforces the same row-lock and
// commit semantics as the PostgreSQL store so the services behave identically on it;
// it backs the unit tests and single-node runs without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"inventory-core/internal/core"

	"github.com/google/uuid"
)

// Fault lets tests fail a store operation. op is one of "begin", "lock_row",
// "update_row", "insert_layer", "set_layer", "append_ledger", "commit"; arg is the
// operation's main argument.
type Fault func(op string, arg any) error

// Store keeps committed state in maps guarded by mu. Row and alert locks are
// one-slot channels so waits can time out.
type Store struct {
	mu sync.Mutex

	rows         map[core.Key]core.InventoryRow
	layers       map[core.Key]map[int64]core.CostLayer
	layerKeys    map[int64]core.Key
	ledger       []core.LedgerEntry
	reservations map[uuid.UUID]core.Reservation
	alerts       map[uuid.UUID]core.ReorderAlert
	incidents    []core.Incident

	nextLayerID  int64
	nextLedgerID int64

	locks       map[string]chan struct{}
	lockTimeout time.Duration
	fault       Fault
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New returns an empty store with a 5s lock timeout.
func New(opts ...Option) *Store {
	s := &Store{
		rows:         make(map[core.Key]core.InventoryRow),
		layers:       make(map[core.Key]map[int64]core.CostLayer),
		layerKeys:    make(map[int64]core.Key),
		reservations: make(map[uuid.UUID]core.Reservation),
		alerts:       make(map[uuid.UUID]core.ReorderAlert),
		locks:        make(map[string]chan struct{}),
		lockTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault installs (or with nil removes) a fault hook.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// Incidents returns recorded incidents, oldest first.
func (s *Store) Incidents() []core.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Incident, len(s.incidents))
	copy(out, s.incidents)
	return out
}

// CorruptLayers overwrites the remaining quantity of every layer of key. It exists to
// reproduce consistency failures in tests.
func (s *Store) CorruptLayers(key core.Key, remaining int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.layers[key] {
		l.RemainingQty = remaining
		s.layers[key][id] = l
	}
}

func (s *Store) check(op string, arg any) error {
	s.mu.Lock()
	f := s.fault
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f(op, arg)
}

func (s *Store) lockChan(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	return ch
}

func (s *Store) acquire(ctx context.Context, name string) error {
	ch := s.lockChan(name)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: lock wait on %s exceeded %s", core.ErrConcurrencyConflict, name, s.lockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release(name string) {
	<-s.lockChan(name)
}

func rowLock(k core.Key) string   { return "row:" + k.ProductID + "\x00" + k.WarehouseID }
func alertLock(k core.Key) string { return "alert:" + k.ProductID + "\x00" + k.WarehouseID }

// ── Store reads ───────────────────────────────────────────────────────────────

func (s *Store) Begin(ctx context.Context) (core.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.check("begin", nil); err != nil {
		return nil, err
	}
	return &tx{
		s:            s,
		held:         make(map[string]bool),
		rows:         make(map[core.Key]core.InventoryRow),
		layers:       make(map[int64]core.CostLayer),
		reservations: make(map[uuid.UUID]core.Reservation),
		alerts:       make(map[uuid.UUID]core.ReorderAlert),
	}, nil
}

func (s *Store) ListInventory(ctx context.Context, f core.InventoryFilter) ([]core.InventoryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.InventoryRow, 0)
	for _, r := range s.rows {
		if f.MatchesRow(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return limit(out, f.Limit), nil
}

func (s *Store) ListLayers(ctx context.Context, f core.LayerFilter) ([]core.CostLayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.CostLayer, 0)
	for k, byID := range s.layers {
		if (f.ProductID != "" && k.ProductID != f.ProductID) || (f.WarehouseID != "" && k.WarehouseID != f.WarehouseID) {
			continue
		}
		for _, l := range byID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki := core.Key{ProductID: out[i].ProductID, WarehouseID: out[i].WarehouseID}
		kj := core.Key{ProductID: out[j].ProductID, WarehouseID: out[j].WarehouseID}
		if ki != kj {
			return ki.Less(kj)
		}
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListLedger(ctx context.Context, f core.LedgerFilter) ([]core.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LedgerEntry, 0)
	for _, e := range s.ledger {
		if f.MatchesLedger(e) {
			out = append(out, e)
		}
	}
	return limit(out, f.Limit), nil
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*core.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, core.ErrNotFound)
	}
	return &r, nil
}

func (s *Store) ListReservations(ctx context.Context, f core.ReservationFilter) ([]core.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Reservation, 0)
	for _, r := range s.reservations {
		if f.MatchesReservation(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return limit(out, f.Limit), nil
}

func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*core.ReorderAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, core.ErrNotFound)
	}
	return &a, nil
}

func (s *Store) ListAlerts(ctx context.Context, f core.AlertFilter) ([]core.ReorderAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ReorderAlert, 0)
	for _, a := range s.alerts {
		if f.MatchesAlert(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.After(out[j].RaisedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return limit(out, f.Limit), nil
}

func (s *Store) RecordIncident(ctx context.Context, inc core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, inc)
	return nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
