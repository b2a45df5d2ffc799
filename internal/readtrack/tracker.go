// Package readtrack decides when to acknowledge a room's read position and
// keeps per-room unread counts.
package readtrack

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/metrics"
)

// DefaultScrollThreshold is how close to the bottom, in pixels, the
// viewport must be for newer messages to count as seen.
const DefaultScrollThreshold = 100

// AckFunc sends one acknowledgement to the server.
type AckFunc func(ctx context.Context, roomID, messageID int64) error

// Tracker holds the read position of one open room. The acknowledged id
// never decreases and never exceeds the highest rendered id. At most one
// acknowledgement is in flight; a failed one is not retried or rolled back.
type Tracker struct {
	roomID    int64
	ack       AckFunc
	threshold float64
	onAcked   func(roomID, messageID int64)
	metrics   *metrics.Collector
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	acked    int64
	hasAcked bool
	rendered int64
	inFlight bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold overrides DefaultScrollThreshold.
func WithThreshold(px float64) Option {
	return func(t *Tracker) { t.threshold = px }
}

// WithOnAcked is called after an acknowledgement is issued.
func WithOnAcked(fn func(roomID, messageID int64)) Option {
	return func(t *Tracker) { t.onAcked = fn }
}

// WithMetrics records acknowledgement results.
func WithMetrics(m *metrics.Collector) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates the tracker for roomID when the room is entered.
func New(roomID int64, ack AckFunc, logger *zap.Logger, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		roomID:    roomID,
		ack:       ack,
		threshold: DefaultScrollThreshold,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnMessageRendered records that id is on screen.
func (t *Tracker) OnMessageRendered(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id > t.rendered {
		t.rendered = id
	}
}

// OnHistoryLoaded handles the first render after the history loaded:
// newestID is rendered and acknowledged.
func (t *Tracker) OnHistoryLoaded(newestID int64) bool {
	t.OnMessageRendered(newestID)
	return t.Offer(newestID)
}

// OnScroll acknowledges the newest rendered id when the viewport is within
// the threshold of the bottom.
func (t *Tracker) OnScroll(distanceFromBottom float64) bool {
	if distanceFromBottom > t.threshold {
		return false
	}
	t.mu.Lock()
	newest := t.rendered
	t.mu.Unlock()
	if newest == 0 {
		return false
	}
	return t.Offer(newest)
}

// Offer acknowledges id if it is newer than the acknowledged position, has
// been rendered, and no acknowledgement is in flight. The position is
// updated before the call completes.
func (t *Tracker) Offer(id int64) bool {
	t.mu.Lock()
	if t.inFlight || id > t.rendered || (t.hasAcked && id <= t.acked) {
		t.mu.Unlock()
		return false
	}
	t.acked = id
	t.hasAcked = true
	t.inFlight = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.send(id)

	if t.onAcked != nil {
		t.onAcked(t.roomID, id)
	}
	return true
}

func (t *Tracker) send(id int64) {
	defer t.wg.Done()

	err := t.ack(t.ctx, t.roomID, id)

	t.mu.Lock()
	t.inFlight = false
	t.mu.Unlock()

	t.metrics.Acked(err == nil)
	if err != nil {
		t.logger.Debug("read acknowledgement failed",
			zap.Int64("room_id", t.roomID),
			zap.Int64("message_id", id),
			zap.Error(err),
		)
		return
	}
	t.logger.Debug("read position acknowledged",
		zap.Int64("room_id", t.roomID),
		zap.Int64("message_id", id),
	)
}

// LastAcknowledged returns the acknowledged id, if any.
func (t *Tracker) LastAcknowledged() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked, t.hasAcked
}

// LastRendered returns the highest rendered id, 0 before any render.
func (t *Tracker) LastRendered() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rendered
}

// InFlight reports whether an acknowledgement is pending.
func (t *Tracker) InFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// Wait blocks until the pending acknowledgement, if any, completes.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Close cancels a pending acknowledgement and waits for it. Call when the
// room view closes.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}
