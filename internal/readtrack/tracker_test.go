package readtrack

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ackRecorder struct {
	mu   sync.Mutex
	ids  []int64
	err  error
	gate chan struct{}
}

func (r *ackRecorder) ack(ctx context.Context, roomID, messageID int64) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, messageID)
	return r.err
}

func (r *ackRecorder) sent() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func TestTracker_Monotonic(t *testing.T) {
	rec := &ackRecorder{}
	tr := New(42, rec.ack, zap.NewNop())
	defer tr.Close()
	tr.OnMessageRendered(7)

	results := []bool{}
	for _, id := range []int64{5, 3, 7} {
		results = append(results, tr.Offer(id))
		tr.Wait()
	}

	assert.Equal(t, []bool{true, false, true}, results)
	assert.Equal(t, []int64{5, 7}, rec.sent())
	assert.Equal(t, int64(7), tr.LastRendered())
	last, ok := tr.LastAcknowledged()
	require.True(t, ok)
	assert.Equal(t, int64(7), last)
}

func TestTracker_EqualIsNotNewer(t *testing.T) {
	rec := &ackRecorder{}
	tr := New(1, rec.ack, zap.NewNop())
	defer tr.Close()

	assert.True(t, tr.OnHistoryLoaded(10))
	tr.Wait()
	assert.False(t, tr.Offer(10))
}

func TestTracker_NeverBeyondRendered(t *testing.T) {
	rec := &ackRecorder{}
	tr := New(1, rec.ack, zap.NewNop())
	defer tr.Close()

	tr.OnMessageRendered(4)
	assert.False(t, tr.Offer(5))
	_, ok := tr.LastAcknowledged()
	assert.False(t, ok)
}

func TestTracker_OneInFlight(t *testing.T) {
	rec := &ackRecorder{gate: make(chan struct{})}
	tr := New(1, rec.ack, zap.NewNop())
	defer tr.Close()
	tr.OnMessageRendered(20)

	require.True(t, tr.Offer(10))
	assert.True(t, tr.InFlight())
	assert.False(t, tr.Offer(20), "blocked while in flight")

	close(rec.gate)
	tr.Wait()
	assert.False(t, tr.InFlight())
	assert.True(t, tr.Offer(20))
	tr.Wait()
	assert.Equal(t, []int64{10, 20}, rec.sent())
}

func TestTracker_FailureKeepsOptimisticPosition(t *testing.T) {
	rec := &ackRecorder{err: errors.New("503")}
	tr := New(1, rec.ack, zap.NewNop())
	defer tr.Close()
	tr.OnMessageRendered(9)

	require.True(t, tr.Offer(9))
	tr.Wait()

	last, _ := tr.LastAcknowledged()
	assert.Equal(t, int64(9), last, "no rollback")
	assert.False(t, tr.Offer(9), "no retry at the same id")

	tr.OnMessageRendered(10)
	assert.True(t, tr.Offer(10))
	tr.Wait()
}

func TestTracker_OnScrollThreshold(t *testing.T) {
	rec := &ackRecorder{}
	tr := New(1, rec.ack, zap.NewNop())
	defer tr.Close()

	assert.False(t, tr.OnScroll(0), "nothing rendered yet")

	tr.OnMessageRendered(3)
	assert.False(t, tr.OnScroll(DefaultScrollThreshold+1))
	assert.True(t, tr.OnScroll(DefaultScrollThreshold))
	tr.Wait()

	assert.False(t, tr.OnScroll(0), "no newer id known")
	tr.OnMessageRendered(4)
	assert.True(t, tr.OnScroll(12))
	tr.Wait()
	assert.Equal(t, []int64{3, 4}, rec.sent())
}

func TestTracker_CustomThresholdAndCallback(t *testing.T) {
	rec := &ackRecorder{}
	var acked []int64
	tr := New(5, rec.ack, zap.NewNop(),
		WithThreshold(10),
		WithOnAcked(func(roomID, id int64) {
			assert.Equal(t, int64(5), roomID)
			acked = append(acked, id)
		}),
	)
	defer tr.Close()

	tr.OnMessageRendered(1)
	assert.False(t, tr.OnScroll(11))
	assert.True(t, tr.OnScroll(10))
	tr.Wait()
	assert.Equal(t, []int64{1}, acked)
}

func TestTracker_CloseCancelsPending(t *testing.T) {
	rec := &ackRecorder{gate: make(chan struct{})}
	tr := New(1, rec.ack, zap.NewNop())
	tr.OnMessageRendered(1)
	require.True(t, tr.Offer(1))

	tr.Close()
	assert.False(t, tr.InFlight())
	assert.Empty(t, rec.sent())
}
