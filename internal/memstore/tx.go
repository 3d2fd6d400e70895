package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"inventory-core/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// tx stages every write and applies them to the store on Commit. Locks are held
// until Commit or Rollback; reads inside the tx see its own staged writes.
type tx struct {
	s     *Store
	held  map[string]bool
	order []string
	done  bool

	rows         map[core.Key]core.InventoryRow
	layers       map[int64]core.CostLayer
	ledger       []core.LedgerEntry
	reservations map[uuid.UUID]core.Reservation
	alerts       map[uuid.UUID]core.ReorderAlert
}

func (t *tx) lock(ctx context.Context, name string) error {
	if t.done {
		return core.ErrTxAborted
	}
	if t.held[name] {
		return nil
	}
	if err := t.s.acquire(ctx, name); err != nil {
		return err
	}
	t.held[name] = true
	t.order = append(t.order, name)
	return nil
}

func (t *tx) unlockAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.s.release(t.order[i])
	}
	t.order = nil
	t.held = map[string]bool{}
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return core.ErrTxAborted
	}
	if err := t.s.check("commit", nil); err != nil {
		t.done = true
		t.unlockAll()
		return err
	}

	s := t.s
	s.mu.Lock()
	for k, r := range t.rows {
		s.rows[k] = r
	}
	for id, l := range t.layers {
		k := core.Key{ProductID: l.ProductID, WarehouseID: l.WarehouseID}
		if l.RemainingQty == 0 {
			delete(s.layers[k], id)
			delete(s.layerKeys, id)
			continue
		}
		if s.layers[k] == nil {
			s.layers[k] = make(map[int64]core.CostLayer)
		}
		s.layers[k][id] = l
		s.layerKeys[id] = k
	}
	if len(t.ledger) > 0 {
		s.ledger = append(s.ledger, t.ledger...)
		sort.SliceStable(s.ledger, func(i, j int) bool { return s.ledger[i].ID < s.ledger[j].ID })
	}
	for id, r := range t.reservations {
		s.reservations[id] = r
	}
	for id, a := range t.alerts {
		s.alerts[id] = a
	}
	s.mu.Unlock()

	t.done = true
	t.unlockAll()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.unlockAll()
	return nil
}

// ── Rows ──────────────────────────────────────────────────────────────────────

func (t *tx) row(key core.Key) (core.InventoryRow, bool) {
	if r, ok := t.rows[key]; ok {
		return r, true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.rows[key]
	return r, ok
}

func (t *tx) LockRow(ctx context.Context, key core.Key) (*core.InventoryRow, error) {
	if err := t.s.check("lock_row", key); err != nil {
		return nil, err
	}
	if err := t.lock(ctx, rowLock(key)); err != nil {
		return nil, err
	}
	r, ok := t.row(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownRow, key)
	}
	return &r, nil
}

func (t *tx) LockOrCreateRow(ctx context.Context, key core.Key, method core.CostingMethod, now time.Time) (*core.InventoryRow, error) {
	if err := t.s.check("lock_row", key); err != nil {
		return nil, err
	}
	if err := t.lock(ctx, rowLock(key)); err != nil {
		return nil, err
	}
	if r, ok := t.row(key); ok {
		return &r, nil
	}
	r := core.InventoryRow{
		ProductID:       key.ProductID,
		WarehouseID:     key.WarehouseID,
		WeightedAvgCost: decimal.Zero,
		CostingMethod:   method,
		CreatedAt:       now,
	}
	t.rows[key] = r
	return &r, nil
}

func (t *tx) UpdateRow(ctx context.Context, row core.InventoryRow) error {
	if err := t.s.check("update_row", row); err != nil {
		return err
	}
	if !t.held[rowLock(row.Key())] {
		return fmt.Errorf("%w: update of unlocked row %s", core.ErrStore, row.Key())
	}
	if row.OnHand < 0 || row.Reserved < 0 || row.Reserved > row.OnHand {
		return fmt.Errorf("%w: row %s would violate 0 <= reserved <= on_hand (on_hand=%d reserved=%d)",
			core.ErrStore, row.Key(), row.OnHand, row.Reserved)
	}
	t.rows[row.Key()] = row
	return nil
}

// ── Cost layers ───────────────────────────────────────────────────────────────

func (t *tx) Layers(ctx context.Context, key core.Key) ([]core.CostLayer, error) {
	merged := make(map[int64]core.CostLayer)
	t.s.mu.Lock()
	for id, l := range t.s.layers[key] {
		merged[id] = l
	}
	t.s.mu.Unlock()
	for id, l := range t.layers {
		if l.ProductID == key.ProductID && l.WarehouseID == key.WarehouseID {
			merged[id] = l
		}
	}

	out := make([]core.CostLayer, 0, len(merged))
	for _, l := range merged {
		if l.RemainingQty > 0 {
			out = append(out, l)
		}
	}
	core.SortLayers(out)
	return out, nil
}

func (t *tx) InsertLayer(ctx context.Context, layer core.CostLayer) (int64, error) {
	if err := t.s.check("insert_layer", layer); err != nil {
		return 0, err
	}
	if layer.RemainingQty <= 0 || layer.RemainingQty > layer.OriginalQty {
		return 0, fmt.Errorf("%w: layer remaining %d of %d", core.ErrStore, layer.RemainingQty, layer.OriginalQty)
	}
	t.s.mu.Lock()
	t.s.nextLayerID++
	layer.ID = t.s.nextLayerID
	t.s.mu.Unlock()
	t.layers[layer.ID] = layer
	return layer.ID, nil
}

func (t *tx) SetLayerRemaining(ctx context.Context, id int64, remaining int64) error {
	if err := t.s.check("set_layer", id); err != nil {
		return err
	}
	l, ok := t.layers[id]
	if !ok {
		t.s.mu.Lock()
		k, found := t.s.layerKeys[id]
		if found {
			l, ok = t.s.layers[k][id]
		}
		t.s.mu.Unlock()
	}
	if !ok {
		return fmt.Errorf("cost layer %d: %w", id, core.ErrNotFound)
	}
	if remaining < 0 || remaining > l.OriginalQty {
		return fmt.Errorf("%w: layer %d remaining %d of %d", core.ErrStore, id, remaining, l.OriginalQty)
	}
	l.RemainingQty = remaining
	t.layers[id] = l
	return nil
}

// ── Ledger ────────────────────────────────────────────────────────────────────

func (t *tx) AppendLedger(ctx context.Context, entry core.LedgerEntry) (core.LedgerEntry, error) {
	if err := t.s.check("append_ledger", entry); err != nil {
		return core.LedgerEntry{}, err
	}
	t.s.mu.Lock()
	t.s.nextLedgerID++
	entry.ID = t.s.nextLedgerID
	t.s.mu.Unlock()
	t.ledger = append(t.ledger, entry)
	return entry, nil
}

// ── Reservations ──────────────────────────────────────────────────────────────

func (t *tx) reservation(id uuid.UUID) (core.Reservation, bool) {
	if r, ok := t.reservations[id]; ok {
		return r, true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.reservations[id]
	return r, ok
}

func (t *tx) InsertReservation(ctx context.Context, r core.Reservation) error {
	if _, exists := t.reservation(r.ID); exists {
		return fmt.Errorf("%w: reservation %s already exists", core.ErrStore, r.ID)
	}
	t.reservations[r.ID] = r
	return nil
}

func (t *tx) ReservationForUpdate(ctx context.Context, id uuid.UUID) (*core.Reservation, error) {
	r, ok := t.reservation(id)
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, core.ErrNotFound)
	}
	if !t.held[rowLock(r.Key())] {
		return nil, fmt.Errorf("%w: reservation %s read without its row lock", core.ErrStore, id)
	}
	return &r, nil
}

func (t *tx) UpdateReservation(ctx context.Context, r core.Reservation) error {
	if _, ok := t.reservation(r.ID); !ok {
		return fmt.Errorf("reservation %s: %w", r.ID, core.ErrNotFound)
	}
	t.reservations[r.ID] = r
	return nil
}

func (t *tx) ActiveReservations(ctx context.Context, key core.Key) ([]core.Reservation, error) {
	merged := make(map[uuid.UUID]core.Reservation)
	t.s.mu.Lock()
	for id, r := range t.s.reservations {
		if r.Key() == key {
			merged[id] = r
		}
	}
	t.s.mu.Unlock()
	for id, r := range t.reservations {
		if r.Key() == key {
			merged[id] = r
		}
	}

	out := make([]core.Reservation, 0, len(merged))
	for _, r := range merged {
		if r.Status == core.ReservationActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out, nil
}

// ── Alerts ────────────────────────────────────────────────────────────────────

func (t *tx) alert(id uuid.UUID) (core.ReorderAlert, bool) {
	if a, ok := t.alerts[id]; ok {
		return a, true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.alerts[id]
	return a, ok
}

func (t *tx) openAlert(key core.Key) *core.ReorderAlert {
	var found *core.ReorderAlert
	t.s.mu.Lock()
	for _, a := range t.s.alerts {
		if a.Key() == key && a.Status.Open() {
			a := a
			found = &a
		}
	}
	t.s.mu.Unlock()
	for _, a := range t.alerts {
		if a.Key() != key {
			continue
		}
		if a.Status.Open() {
			a := a
			found = &a
		} else if found != nil && found.ID == a.ID {
			found = nil
		}
	}
	return found
}

func (t *tx) OpenAlertForUpdate(ctx context.Context, key core.Key) (*core.ReorderAlert, error) {
	if err := t.lock(ctx, alertLock(key)); err != nil {
		return nil, err
	}
	return t.openAlert(key), nil
}

func (t *tx) AlertForUpdate(ctx context.Context, id uuid.UUID) (*core.ReorderAlert, error) {
	a, ok := t.alert(id)
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, core.ErrNotFound)
	}
	if err := t.lock(ctx, alertLock(a.Key())); err != nil {
		return nil, err
	}
	a, _ = t.alert(id)
	return &a, nil
}

func (t *tx) InsertAlert(ctx context.Context, a core.ReorderAlert) error {
	if !t.held[alertLock(a.Key())] {
		return fmt.Errorf("%w: alert insert for %s without its lock", core.ErrStore, a.Key())
	}
	if open := t.openAlert(a.Key()); open != nil && a.Status.Open() {
		return fmt.Errorf("%w: %s already has open alert %s", core.ErrStore, a.Key(), open.ID)
	}
	t.alerts[a.ID] = a
	return nil
}

func (t *tx) UpdateAlert(ctx context.Context, a core.ReorderAlert) error {
	if _, ok := t.alert(a.ID); !ok {
		return fmt.Errorf("alert %s: %w", a.ID, core.ErrNotFound)
	}
	t.alerts[a.ID] = a
	return nil
}
