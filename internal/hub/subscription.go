package hub

import (
	"context"
	"sync"
	"time"

	"github.com/oshokin/drone-marker/internal/domain/frame"
)

// Subscription is a consumer mailbox. Next must be called from a single goroutine.
type Subscription struct {
	name string

	// mu protects every field below.
	mu   sync.Mutex
	cond *sync.Cond
	// queue holds pending frames, oldest first, never more than capacity.
	queue    []*frame.Frame
	capacity int
	closed   bool

	delivered        uint64
	dropped          uint64
	consecutiveDrops uint64
	lastSeq          uint64
	lastConsumedAt   time.Time
}

func newSubscription(name string, capacity int) *Subscription {
	s := &Subscription{
		name:           name,
		queue:          make([]*frame.Frame, 0, capacity),
		capacity:       capacity,
		lastConsumedAt: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)

	return s
}

// Name returns the consumer name.
func (s *Subscription) Name() string {
	return s.name
}

// offer appends f, dropping the oldest pending frame when the mailbox is full.
func (s *Subscription) offer(f *frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.queue) == s.capacity {
		copy(s.queue, s.queue[1:])
		s.queue[len(s.queue)-1] = nil
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
		s.consecutiveDrops++
	}

	s.queue = append(s.queue, f)
	s.cond.Signal()
}

// Next blocks until a frame is available, the context is done or the
// subscription is closed. Pending frames are discarded once closed.
func (s *Subscription) Next(ctx context.Context) (*frame.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}

	if s.closed {
		return nil, ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	s.delivered++
	s.consecutiveDrops = 0
	s.lastSeq = f.Seq
	s.lastConsumedAt = time.Now()

	return f, nil
}

// Stats returns the consumer counters.
func (s *Subscription) Stats() ConsumerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ConsumerStats{
		Name:             s.name,
		Delivered:        s.delivered,
		Dropped:          s.dropped,
		ConsecutiveDrops: s.consecutiveDrops,
		Pending:          len(s.queue),
		LastSeq:          s.lastSeq,
		LastConsumedAt:   s.lastConsumedAt,
		Idle:             time.Since(s.lastConsumedAt) > idleThreshold,
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}
