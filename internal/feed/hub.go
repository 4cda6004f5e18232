package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/observability/metrics"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

var ErrHubClosed = errors.New("feed hub closed")

const (
	defaultBuffer   = 64
	sweepEvery      = 1024
	defaultRetained = time.Hour
)

// Hub fans committed appointment events out to every subscribed observer.
//
// Publish never blocks. Each observer owns a bounded buffer; an observer that
// falls a full buffer behind is dropped and its channel closed, so it can
// reconnect and resync from a fresh snapshot instead of silently missing
// updates. Events whose sequence is not newer than the last one delivered for
// the same appointment are discarded, which makes at-least-once relays safe.
type Hub struct {
	mu        sync.Mutex
	observers map[uint64]*Subscription
	nextID    uint64
	seen      map[uuid.UUID]seenEntry
	published int
	closed    bool

	buffer   int
	retained time.Duration
	logger   *logging.Logger
	metrics  *metrics.SchedulingMetrics
}

type seenEntry struct {
	seq int64
	at  time.Time
}

// Subscription is one observer's view of the feed.
type Subscription struct {
	id     uint64
	hub    *Hub
	events chan appointment.Event
}

// Events is closed when the subscription ends, either by Close or because
// the observer fell behind.
func (s *Subscription) Events() <-chan appointment.Event {
	return s.events
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id, "unsubscribed")
}

func NewHub(buffer int, logger *logging.Logger, m *metrics.SchedulingMetrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		observers: make(map[uint64]*Subscription),
		seen:      make(map[uuid.UUID]seenEntry),
		buffer:    buffer,
		retained:  defaultRetained,
		logger:    logger,
		metrics:   m,
	}
}

func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		hub:    h,
		events: make(chan appointment.Event, h.buffer),
	}
	h.observers[sub.id] = sub
	h.metrics.ObserverAdded()
	return sub, nil
}

// Publish delivers ev to every observer. It implements appointment.EventSink.
func (h *Hub) Publish(_ context.Context, ev appointment.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	id := ev.Snapshot.ID
	if last, ok := h.seen[id]; ok && ev.Sequence <= last.seq {
		h.metrics.ObserveFeedEvent("duplicate")
		return nil
	}
	h.seen[id] = seenEntry{seq: ev.Sequence, at: time.Now()}

	for subID, sub := range h.observers {
		select {
		case sub.events <- ev:
		default:
			h.dropLocked(subID, "buffer full")
		}
	}
	h.metrics.ObserveFeedEvent("published")

	h.published++
	if h.published%sweepEvery == 0 {
		h.sweepLocked()
	}
	return nil
}

// DropAll disconnects every observer. Used when the upstream may have lost
// events, so that observers resync rather than keep a stale view.
func (h *Hub) DropAll(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.observers {
		h.dropLocked(id, reason)
	}
}

// Observers returns the number of live subscriptions.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close ends every subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id := range h.observers {
		h.dropLocked(id, "hub closed")
	}
}

func (h *Hub) remove(id uint64, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(id, reason)
}

func (h *Hub) dropLocked(id uint64, reason string) {
	sub, ok := h.observers[id]
	if !ok {
		return
	}
	delete(h.observers, id)
	close(sub.events)
	h.metrics.ObserverRemoved()
	if reason == "buffer full" {
		h.metrics.ObserveFeedEvent("observer_dropped")
		h.logger.Warn("feed observer dropped", "observer", id, "reason", reason)
	}
}

// sweepLocked forgets de-duplication state for appointments that have been
// quiet longer than any relay would take to redeliver.
func (h *Hub) sweepLocked() {
	cutoff := time.Now().Add(-h.retained)
	for id, entry := range h.seen {
		if entry.at.Before(cutoff) {
			delete(h.seen, id)
		}
	}
}
