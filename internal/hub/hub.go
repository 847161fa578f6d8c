package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oshokin/drone-marker/internal/domain/frame"
)

// idleThreshold marks a consumer idle when it has not taken a frame for this long.
const idleThreshold = 30 * time.Second

var (
	// ErrClosed is returned after the hub or a subscription has been closed.
	ErrClosed = errors.New("hub closed")
	// ErrStaleFrame is returned by Publish for a frame that does not advance the sequence.
	ErrStaleFrame = errors.New("stale frame")
	// ErrDuplicateConsumer is returned when a consumer name is already subscribed.
	ErrDuplicateConsumer = errors.New("consumer already subscribed")
)

// Hub distributes frames to subscribed consumers. All methods are safe for
// concurrent use.
type Hub struct {
	// mu protects subs, lastSeq and closed. Publish holds it for writing so
	// concurrent publishers cannot interleave deliveries.
	mu       sync.RWMutex
	subs     map[string]*Subscription
	capacity int
	lastSeq  uint64
	started  bool
	closed   bool

	published atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a hub whose consumers buffer at most capacity frames each.
// A capacity below one is treated as one.
func New(capacity int) *Hub {
	if capacity < 1 {
		capacity = 1
	}

	return &Hub{
		subs:     make(map[string]*Subscription),
		capacity: capacity,
	}
}

// Capacity returns the per-consumer mailbox size.
func (h *Hub) Capacity() int {
	return h.capacity
}

// Subscribe registers a named consumer. Frames published before the call are
// not delivered to it.
func (h *Hub) Subscribe(name string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	if _, ok := h.subs[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConsumer, name)
	}

	sub := newSubscription(name, h.capacity)
	h.subs[name] = sub

	return sub, nil
}

// Publish delivers f to every consumer without blocking on any of them.
// Frames must carry strictly increasing sequence numbers.
func (h *Hub) Publish(f *frame.Frame) error {
	if f == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	if h.started && f.Seq <= h.lastSeq {
		h.rejected.Add(1)

		return fmt.Errorf("%w: seq %d after %d", ErrStaleFrame, f.Seq, h.lastSeq)
	}

	h.started = true
	h.lastSeq = f.Seq
	h.published.Add(1)

	for _, sub := range h.subs {
		sub.offer(f)
	}

	return nil
}

// Close stops the hub and wakes every consumer. It is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		return
	}

	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	// Published counts accepted frames.
	Published uint64
	// Rejected counts frames refused for a stale sequence number.
	Rejected uint64
	// Consumers maps consumer name to its statistics.
	Consumers map[string]ConsumerStats
}

// ConsumerStats describes one subscription.
type ConsumerStats struct {
	Name             string
	Delivered        uint64
	Dropped          uint64
	ConsecutiveDrops uint64
	Pending          int
	LastSeq          uint64
	LastConsumedAt   time.Time
	Idle             bool
}

// Stats returns a snapshot of hub and consumer counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	stats := Stats{
		Published: h.published.Load(),
		Rejected:  h.rejected.Load(),
		Consumers: make(map[string]ConsumerStats, len(subs)),
	}

	for _, sub := range subs {
		stats.Consumers[sub.name] = sub.Stats()
	}

	return stats
}
