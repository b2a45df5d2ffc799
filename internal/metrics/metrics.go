package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Collector holds the sync layer's prometheus collectors. A nil *Collector
// is valid and records nothing.
type Collector struct {
	status     *prometheus.GaugeVec
	reconnects prometheus.Counter
	frames     *prometheus.CounterVec
	published  *prometheus.CounterVec
	reconciled *prometheus.CounterVec
	acks       *prometheus.CounterVec
	warnings   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise.",
		}, []string{"status"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after an unexpected close.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound STOMP frames by command.",
		}, []string{"command"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Outbound publishes by result.",
		}, []string{"result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_events_total",
			Help:      "Inbound events applied to the caches by kind and outcome.",
		}, []string{"kind", "outcome"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_acks_total",
			Help:      "Read-position acknowledgements by result.",
		}, []string{"result"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warnings_total",
			Help:      "User-facing warnings by cause and whether they were delivered.",
		}, []string{"cause", "delivered"}),
	}
	if reg != nil {
		reg.MustRegister(c.status, c.reconnects, c.frames, c.published, c.reconciled, c.acks, c.warnings)
	}
	return c
}

// SetStatus marks status as the only active connection status.
func (c *Collector) SetStatus(status string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		c.status.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) ReconnectScheduled() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collector) FrameReceived(command string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(command).Inc()
}

func (c *Collector) Published(ok bool) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(result(ok)).Inc()
}

// Reconciled counts one cache event. kind is "room_message",
// "room_notification" or "message_update".
func (c *Collector) Reconciled(kind string, applied bool) {
	if c == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "skipped"
	}
	c.reconciled.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) Acked(ok bool) {
	if c == nil {
		return
	}
	c.acks.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) Warned(cause string, delivered bool) {
	if c == nil {
		return
	}
	d := "false"
	if delivered {
		d = "true"
	}
	c.warnings.WithLabelValues(cause, d).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
