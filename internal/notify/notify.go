package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Cause is the key warnings are throttled by. Different causes are
// throttled independently.
type Cause string

const (
	CauseTransport Cause = "transport"
	CauseAuth      Cause = "auth"
	CauseProtocol  Cause = "protocol"
	CausePublish   Cause = "publish"
)

// Notifier surfaces a non-blocking, user-facing warning.
type Notifier interface {
	Warn(ctx context.Context, cause Cause, message string) error
}

// LogNotifier writes warnings to the log. It is the default sink for the
// CLI.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Warn logs the warning.
func (n *LogNotifier) Warn(_ context.Context, cause Cause, message string) error {
	n.logger.Warn(message, zap.String("cause", string(cause)))
	return nil
}

// NoopNotifier is a no-op implementation for when warnings are not shown.
type NoopNotifier struct{}

// Warn is a no-op.
func (n *NoopNotifier) Warn(_ context.Context, _ Cause, _ string) error {
	return nil
}

// Multi fans a warning out to every notifier and joins their errors.
type Multi []Notifier

// Warn implements Notifier.
func (m Multi) Warn(ctx context.Context, cause Cause, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Warn(ctx, cause, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New creates the sink for cfg: the log, plus ntfy when enabled.
func New(cfg *Config, logger *zap.Logger) Notifier {
	logSink := NewLogNotifier(logger)
	if cfg == nil || !cfg.Enabled {
		return logSink
	}
	return Multi{logSink, NewClient(cfg, logger)}
}
