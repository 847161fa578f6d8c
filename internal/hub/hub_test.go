package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/drone-marker/internal/domain/frame"
)

func newFrame(seq uint64) *frame.Frame {
	return &frame.Frame{
		Seq:        seq,
		CapturedAt: time.Now(),
		Data:       []byte{0xFF, 0xD8, byte(seq), 0xFF, 0xD9},
	}
}

// TestHub_LatestFrameWins verifies the default single-slot mailbox keeps only the newest frame.
func TestHub_LatestFrameWins(t *testing.T) {
	t.Parallel()

	h := New(0)
	require.Equal(t, 1, h.Capacity())

	sub, err := h.Subscribe("decoder")
	require.NoError(t, err)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, h.Publish(newFrame(seq)))
	}

	f, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), f.Seq)

	stats := sub.Stats()
	require.Equal(t, uint64(2), stats.Dropped)
	require.Equal(t, uint64(1), stats.Delivered)
	require.Zero(t, stats.ConsecutiveDrops)
	require.Zero(t, stats.Pending)
}

// TestHub_BoundedBufferDropsOldest verifies a larger mailbox keeps the newest frames in order.
func TestHub_BoundedBufferDropsOldest(t *testing.T) {
	t.Parallel()

	h := New(3)
	sub, err := h.Subscribe("upload")
	require.NoError(t, err)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, h.Publish(newFrame(seq)))
	}

	require.Equal(t, 3, sub.Stats().Pending)

	for _, want := range []uint64{3, 4, 5} {
		f, err := sub.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, want, f.Seq)
	}

	require.Equal(t, uint64(2), h.Stats().Consumers["upload"].Dropped)
}

// TestHub_RejectsStaleFrames verifies publish order is enforced.
func TestHub_RejectsStaleFrames(t *testing.T) {
	t.Parallel()

	h := New(1)
	require.NoError(t, h.Publish(newFrame(10)))
	require.ErrorIs(t, h.Publish(newFrame(10)), ErrStaleFrame)
	require.ErrorIs(t, h.Publish(newFrame(9)), ErrStaleFrame)
	require.NoError(t, h.Publish(newFrame(11)))
	require.NoError(t, h.Publish(nil))

	stats := h.Stats()
	require.Equal(t, uint64(2), stats.Published)
	require.Equal(t, uint64(2), stats.Rejected)
}

// TestHub_SubscribeValidation covers duplicate names and closed hubs.
func TestHub_SubscribeValidation(t *testing.T) {
	t.Parallel()

	h := New(1)
	_, err := h.Subscribe("stream")
	require.NoError(t, err)

	_, err = h.Subscribe("stream")
	require.ErrorIs(t, err, ErrDuplicateConsumer)

	h.Close()
	h.Close()

	_, err = h.Subscribe("late")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, h.Publish(newFrame(1)), ErrClosed)
}

// TestHub_OrderPerConsumer checks that each consumer sees strictly increasing
// sequence numbers while frames are published concurrently with consumption.
func TestHub_OrderPerConsumer(t *testing.T) {
	t.Parallel()

	const total = 2000

	for _, capacity := range []int{1, 4} {
		h := New(capacity)

		var (
			wg   sync.WaitGroup
			seen = make(map[string][]uint64)
			mu   sync.Mutex
		)

		for _, name := range []string{"decoder", "stream", "upload"} {
			sub, err := h.Subscribe(name)
			require.NoError(t, err)

			wg.Go(func() {
				var got []uint64

				for {
					f, err := sub.Next(context.Background())
					if err != nil {
						break
					}

					got = append(got, f.Seq)
				}

				mu.Lock()
				seen[name] = got
				mu.Unlock()
			})
		}

		for seq := uint64(1); seq <= total; seq++ {
			require.NoError(t, h.Publish(newFrame(seq)))
		}

		h.Close()
		wg.Wait()

		for name, got := range seen {
			for i := 1; i < len(got); i++ {
				require.Greater(t, got[i], got[i-1], "consumer %s", name)
			}
		}
	}
}

// TestHub_BlockedConsumerDoesNotStallOthers verifies backpressure isolation:
// a consumer that never reads does not delay publishing or a sibling.
func TestHub_BlockedConsumerDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := New(1)

		stalled, err := h.Subscribe("stream")
		require.NoError(t, err)

		decoder, err := h.Subscribe("decoder")
		require.NoError(t, err)

		var lastSeen atomic.Uint64

		done := make(chan struct{})
		go func() {
			defer close(done)

			for {
				f, err := decoder.Next(context.Background())
				if err != nil {
					return
				}

				lastSeen.Store(f.Seq)
			}
		}()

		for seq := uint64(1); seq <= 500; seq++ {
			require.NoError(t, h.Publish(newFrame(seq)))
			time.Sleep(33 * time.Millisecond)
		}

		synctest.Wait()
		require.Equal(t, uint64(500), lastSeen.Load())

		stats := stalled.Stats()
		require.Equal(t, uint64(499), stats.Dropped)
		require.Equal(t, 1, stats.Pending)

		h.Close()
		<-done
	})
}

// TestSubscription_NextHonoursContext verifies a blocked Next returns on cancellation.
func TestSubscription_NextHonoursContext(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := New(1)
		sub, err := h.Subscribe("decoder")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err = sub.Next(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

// TestHub_CloseWakesConsumer verifies Close releases a blocked reader.
func TestHub_CloseWakesConsumer(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := New(1)
		sub, err := h.Subscribe("upload")
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, err := sub.Next(context.Background())
			errCh <- err
		}()

		synctest.Wait()
		h.Close()
		h.Close()

		require.ErrorIs(t, <-errCh, ErrClosed)
		require.Empty(t, h.Stats().Consumers)
		require.ErrorIs(t, h.Publish(newFrame(1)), ErrClosed)

		_, err = h.Subscribe("stream")
		require.ErrorIs(t, err, ErrClosed)
	})
}

// TestHub_IdleConsumer reports consumers that stopped reading.
func TestHub_IdleConsumer(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := New(1)
		_, err := h.Subscribe("stream")
		require.NoError(t, err)

		require.False(t, h.Stats().Consumers["stream"].Idle)

		time.Sleep(idleThreshold + time.Second)
		require.True(t, h.Stats().Consumers["stream"].Idle)
	})
}
