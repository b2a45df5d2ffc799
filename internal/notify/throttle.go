package notify

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/chatsync/internal/metrics"
)

// Throttle delivers at most one warning per cooldown window per cause.
// Suppressed warnings are logged at debug level and dropped.
type Throttle struct {
	sink     Notifier
	cooldown time.Duration
	clock    quartz.Clock
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	limiters map[Cause]*rate.Limiter
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithClock sets the clock windows are measured against.
func WithClock(clock quartz.Clock) ThrottleOption {
	return func(t *Throttle) { t.clock = clock }
}

// WithMetrics records delivered and suppressed warnings.
func WithMetrics(m *metrics.Collector) ThrottleOption {
	return func(t *Throttle) { t.metrics = m }
}

// NewThrottle wraps sink. A zero cooldown disables throttling.
func NewThrottle(sink Notifier, cooldown time.Duration, logger *zap.Logger, opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		sink:     sink,
		cooldown: cooldown,
		clock:    quartz.NewReal(),
		logger:   logger,
		limiters: make(map[Cause]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Warn delivers the warning unless one with the same cause was delivered
// within the cooldown window. It reports whether the sink was called.
func (t *Throttle) Warn(ctx context.Context, cause Cause, message string) bool {
	if !t.allow(cause) {
		t.logger.Debug("warning suppressed",
			zap.String("cause", string(cause)),
			zap.String("message", message),
		)
		t.metrics.Warned(string(cause), false)
		return false
	}

	if err := t.sink.Warn(ctx, cause, message); err != nil {
		t.logger.Warn("failed to deliver warning", zap.String("cause", string(cause)), zap.Error(err))
	}
	t.metrics.Warned(string(cause), true)
	return true
}

func (t *Throttle) allow(cause Cause) bool {
	if t.cooldown <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.limiters[cause]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.cooldown), 1)
		t.limiters[cause] = lim
	}
	return lim.AllowN(t.clock.Now(), 1)
}
