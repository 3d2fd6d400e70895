package events

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrClosed is returned by Subscription.Next once the subscription or the bus is closed.
var ErrClosed = errors.New("subscription closed")

const orderingStripes = 64

// Filter selects the events a subscription receives. A nil Filter accepts everything.
type Filter func(Event) bool

// Bus is an in-process fan-out of committed changes. Each subscriber owns a bounded
// queue; on overflow the oldest queued event is dropped and a single GapNotice at the
// head of the queue counts the losses.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	closed    bool
	queueSize int

	// stripes order publication per Scope across concurrent committers.
	stripes [orderingStripes]sync.Mutex

	logger  *zap.Logger
	dropped metric.Int64Counter
}

// NewBus creates a bus whose subscriptions default to queueSize slots.
func NewBus(queueSize int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize < 2 {
		queueSize = 2
	}
	dropped, err := otel.Meter("inventory-core/events").Int64Counter(
		"inventory.bus.dropped_events",
		metric.WithDescription("Events dropped from full subscriber queues"),
	)
	if err != nil {
		logger.Warn("bus metrics unavailable", zap.Error(err))
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
		logger:    logger,
		dropped:   dropped,
	}
}

// Subscribe registers a subscriber. queueSize <= 0 uses the bus default.
func (b *Bus) Subscribe(name string, filter Filter, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = b.queueSize
	}
	if queueSize < 2 {
		queueSize = 2
	}
	s := &Subscription{
		name:     name,
		bus:      b,
		filter:   filter,
		capacity: queueSize,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeLocked()
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish enqueues events to every matching subscriber without blocking.
func (b *Bus) Publish(evs ...Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ev := range evs {
		for _, s := range b.subs {
			if s.filter != nil && !s.filter(ev) {
				continue
			}
			if n := s.push(ev); n > 0 {
				b.recordDrop(s, n)
			}
		}
	}
}

// CommitAndPublish runs commit while holding the ordering stripes of scopes and, if it
// succeeds, publishes evs before releasing them. Per-scope publication order therefore
// matches commit order even when committers race.
func (b *Bus) CommitAndPublish(scopes []Scope, commit func() error, evs ...Event) error {
	idx := b.stripesFor(scopes)
	for _, i := range idx {
		b.stripes[i].Lock()
	}
	defer func() {
		for j := len(idx) - 1; j >= 0; j-- {
			b.stripes[idx[j]].Unlock()
		}
	}()

	if err := commit(); err != nil {
		return err
	}
	b.Publish(evs...)
	return nil
}

// Close closes every subscription; later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Bus) recordDrop(s *Subscription, n int64) {
	if b.dropped != nil {
		b.dropped.Add(context.Background(), n, metric.WithAttributes(attribute.String("subscriber", s.name)))
	}
}

func (b *Bus) stripesFor(scopes []Scope) []int {
	seen := make(map[int]bool, len(scopes))
	idx := make([]int, 0, len(scopes))
	for _, sc := range scopes {
		h := fnv.New32a()
		_, _ = h.Write([]byte(sc.ProductID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(sc.WarehouseID))
		i := int(h.Sum32() % orderingStripes)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	return idx
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	id       uint64
	name     string
	bus      *Bus
	filter   Filter
	capacity int

	mu      sync.Mutex
	queue   []Event
	closed  bool
	dropped int64

	ready chan struct{}
	done  chan struct{}
}

// Name returns the subscriber name given to Subscribe.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events this subscription lost to overflow.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Len returns the number of queued events, GapNotice included.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next blocks until an event is available, ctx is done, or the subscription closes.
// Queued events are still delivered after Close.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ready:
		case <-s.done:
		}
	}
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
	if s.bus != nil && s.id != 0 {
		s.bus.unsubscribe(s.id)
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// push appends ev and returns how many queued events were dropped to make room.
// The queue never exceeds capacity: the first overflow replaces the two oldest events
// with a GapNotice, later overflows fold the oldest event behind the gap into it.
func (s *Subscription) push(ev Event) int64 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}

	var dropped int64
	if len(s.queue) >= s.capacity {
		if gap, ok := s.queue[0].(GapNotice); ok {
			dropped = 1
			gap.Dropped++
			s.queue[0] = gap
		} else {
			dropped = 2
			s.queue[0] = GapNotice{Dropped: 2, At: time.Now().UTC()}
			s.bus.logger.Warn("subscriber queue overflow, gap started",
				zap.String("subscriber", s.name),
				zap.Int("capacity", s.capacity),
			)
		}
		s.queue = append(s.queue[:1], s.queue[2:]...)
		s.dropped += dropped
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped
}
