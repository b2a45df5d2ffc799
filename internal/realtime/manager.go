package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/auth"
	"github.com/dgnsrekt/chatsync/internal/metrics"
	"github.com/dgnsrekt/chatsync/internal/notify"
	"github.com/dgnsrekt/chatsync/internal/ws"
)

const (
	dialTimeout   = 30 * time.Second
	warnTimeout   = 10 * time.Second
	warnQueueSize = 16
)

// Config controls the transport endpoint and the reconnect policy.
type Config struct {
	URL              string
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration // 0 disables
	Heartbeat        time.Duration // 0 disables
}

// Message is one inbound event delivered to a subscription.
type Message struct {
	Destination string
	Body        []byte
}

// Decode unmarshals the JSON body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decoding %s message: %w", m.Destination, err)
	}
	return nil
}

// Handler receives messages for one subscription. Handlers run on the
// socket's read goroutine in transport order and must not block.
type Handler func(Message)

// Warner surfaces throttled user-facing warnings.
type Warner interface {
	Warn(ctx context.Context, cause notify.Cause, message string) bool
}

// Stats is a point-in-time view of the Manager.
type Stats struct {
	Status        Status        `json:"status"`
	Attempt       int           `json:"attempt"`
	NextDelay     time.Duration `json:"nextDelay"`
	Subscriptions int           `json:"subscriptions"`
	Destinations  []string      `json:"destinations"`
}

type entry struct {
	id          string
	seq         uint64
	destination string
	handler     Handler
	closed      atomic.Bool
}

type listener struct {
	fn      func(Status)
	removed atomic.Bool
}

type warning struct {
	cause   notify.Cause
	message string
}

type notice struct {
	status  Status
	targets []*listener
}

// Manager owns the single broker connection. It tracks status, injects a
// fresh bearer token before every CONNECT, reconnects with exponential
// backoff and rebinds every registered subscription after each successful
// handshake. Construct one per process and share it.
type Manager struct {
	cfg     Config
	host    string
	tokens  auth.TokenSource
	dialer  ws.Dialer
	warner  Warner
	clock   quartz.Clock
	metrics *metrics.Collector
	decoder *ws.BodyDecoder
	logger  *zap.Logger

	mu            sync.Mutex
	status        Status
	want          bool
	active        bool
	attempt       int
	nextDelay     time.Duration
	gen           uint64
	sock          ws.Socket
	live          bool // CONNECTED received on sock
	cancelDial    context.CancelFunc
	retry         *quartz.Timer
	handshake     *quartz.Timer
	stopHeartbeat context.CancelFunc
	entries       map[string]*entry
	seq           uint64

	notifyMu  sync.Mutex
	pending   []notice
	notifying bool
	listeners map[*listener]struct{}

	warnings     chan warning
	stopWarnings context.CancelFunc

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the socket factory.
func WithDialer(d ws.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithClock replaces the clock driving retry, handshake and heartbeat timers.
func WithClock(c quartz.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithWarner sets where user-facing warnings go.
func WithWarner(w Warner) Option {
	return func(m *Manager) { m.warner = w }
}

// WithMetrics records connection metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// NewManager creates an idle Manager. Nothing is dialed until Connect.
func NewManager(cfg Config, tokens auth.TokenSource, logger *zap.Logger, opts ...Option) (*Manager, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid broker url %q", cfg.URL)
	}
	if cfg.BaseDelay <= 0 || cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("invalid reconnect delays: base %s, max %s", cfg.BaseDelay, cfg.MaxDelay)
	}

	decoder, err := ws.NewBodyDecoder()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		host:      u.Hostname(),
		tokens:    tokens,
		clock:     quartz.NewReal(),
		decoder:   decoder,
		logger:    logger,
		status:    StatusIdle,
		entries:   make(map[string]*entry),
		listeners: make(map[*listener]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = ws.NewGorillaDialer(logger)
	}
	if m.warner != nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.stopWarnings = cancel
		m.warnings = make(chan warning, warnQueueSize)
		m.wg.Add(1)
		go m.warnLoop(ctx)
	}
	m.metrics.SetStatus(string(m.status), statusNames())
	return m, nil
}

// Connect activates a transport unless one is already active. It returns
// immediately; progress is observed through OnStatusChange.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.want = true
	if m.active {
		m.mu.Unlock()
		return
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.startLocked()
	m.mu.Unlock()
	m.drain()
}

// Disconnect cancels any pending retry, clears the subscription registry,
// tears down the transport and sets status disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.want = false
	m.stopTimersLocked()
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	for _, e := range m.entries {
		e.closed.Store(true)
	}
	m.entries = make(map[string]*entry)

	sock := m.sock
	wasConnected := m.live
	m.sock = nil
	m.live = false
	m.active = false
	m.gen++
	m.attempt = 0
	m.nextDelay = 0
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	m.drain()

	if sock != nil {
		if wasConnected {
			_ = m.send(sock, ws.DisconnectFrame())
		}
		_ = sock.Close()
	}
	m.logger.Info("disconnected from chat broker")
}

// Close disconnects and waits for the connection goroutines to exit. It
// must not be called from a Handler or status listener.
func (m *Manager) Close() {
	m.Disconnect()
	if m.stopWarnings != nil {
		m.stopWarnings()
	}
	m.wg.Wait()
	m.decoder.Close()
}

// Subscribe registers handler for destination and binds it immediately when
// connected. The entry survives unexpected drops and is rebound on every
// reconnect. The returned func removes it; once it returns no further
// handler invocation starts.
func (m *Manager) Subscribe(destination string, handler Handler) (unsubscribe func()) {
	m.mu.Lock()
	m.seq++
	e := &entry{
		id:          uuid.NewString(),
		seq:         m.seq,
		destination: destination,
		handler:     handler,
	}
	m.entries[e.id] = e
	sock := m.liveSocketLocked()
	m.mu.Unlock()

	m.logger.Debug("subscription registered",
		zap.String("destination", destination),
		zap.String("id", e.id),
		zap.Bool("live", sock != nil),
	)
	if sock != nil {
		m.bind(sock, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(e) })
	}
}

func (m *Manager) unsubscribe(e *entry) {
	e.closed.Store(true)

	m.mu.Lock()
	_, registered := m.entries[e.id]
	delete(m.entries, e.id)
	sock := m.liveSocketLocked()
	m.mu.Unlock()

	if registered && sock != nil {
		if err := m.send(sock, ws.UnsubscribeFrame(e.id)); err != nil {
			m.logger.Debug("unsubscribe frame not sent", zap.String("id", e.id), zap.Error(err))
		}
	}
	m.logger.Debug("subscription removed", zap.String("destination", e.destination), zap.String("id", e.id))
}

// Publish serializes payload as JSON and sends it to destination. It
// returns false without queuing when no handshake-complete socket is
// open.
func (m *Manager) Publish(destination string, payload any) bool {
	m.mu.Lock()
	sock := m.liveSocketLocked()
	m.mu.Unlock()

	if sock == nil {
		m.logger.Debug("publish dropped", zap.String("destination", destination), zap.Error(ErrNotConnected))
		m.metrics.Published(false)
		m.warn(notify.CausePublish, "Message not sent: chat is offline.")
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to encode payload", zap.String("destination", destination), zap.Error(err))
		m.metrics.Published(false)
		return false
	}
	if err := m.send(sock, ws.SendFrame(destination, body)); err != nil {
		m.logger.Warn("publish failed", zap.String("destination", destination), zap.Error(err))
		m.metrics.Published(false)
		return false
	}
	m.metrics.Published(true)
	return true
}

// OnStatusChange calls listener with the current status, then with every
// later transition in order. The returned func stops delivery.
func (m *Manager) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	l := &listener{fn: fn}

	m.mu.Lock()
	m.notifyMu.Lock()
	m.listeners[l] = struct{}{}
	m.pending = append(m.pending, notice{status: m.status, targets: []*listener{l}})
	m.notifyMu.Unlock()
	m.mu.Unlock()
	m.drain()

	return func() {
		l.removed.Store(true)
		m.notifyMu.Lock()
		delete(m.listeners, l)
		m.notifyMu.Unlock()
	}
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Stats returns a snapshot of the connection state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.sortedEntriesLocked()
	dests := make([]string, 0, len(entries))
	for _, e := range entries {
		dests = append(dests, e.destination)
	}
	return Stats{
		Status:        m.status,
		Attempt:       m.attempt,
		NextDelay:     m.nextDelay,
		Subscriptions: len(entries),
		Destinations:  dests,
	}
}

// startLocked activates a new transport generation.
func (m *Manager) startLocked() {
	m.active = true
	m.live = false
	m.gen++
	if m.attempt > 0 {
		m.setStatusLocked(StatusReconnecting)
	} else {
		m.setStatusLocked(StatusConnecting)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	m.cancelDial = cancel
	m.wg.Add(1)
	go m.run(ctx, cancel, m.gen)
}

// run performs one connect attempt and then reads the socket until it
// closes.
func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer m.wg.Done()

	token, err := m.tokens.Token()
	if err == nil && token == "" {
		err = auth.ErrNoToken
	}
	if err != nil {
		cancel()
		m.logger.Warn("connect attempt skipped", zap.Error(err))
		m.warn(notify.CauseAuth, "Chat is offline: you are not signed in.")
		m.attemptFailed(gen)
		return
	}

	header := http.Header{}
	header.Set(ws.HeaderAuthorization, "Bearer "+token)

	sock, err := m.dialer.Dial(ctx, m.cfg.URL, header)
	cancel()
	if err != nil {
		m.logger.Warn("failed to open socket",
			zap.String("url", m.cfg.URL),
			zap.Error(err),
		)
		m.warn(notify.CauseTransport, "Cannot reach the chat server.")
		m.attemptFailed(gen)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = sock.Close()
		return
	}
	m.sock = sock
	if m.cfg.HandshakeTimeout > 0 {
		m.handshake = m.clock.AfterFunc(m.cfg.HandshakeTimeout, func() {
			m.handshakeExpired(gen)
		}, "realtime", "handshake")
	}
	m.mu.Unlock()

	m.logger.Debug("sending CONNECT",
		zap.String("host", m.host),
		zap.String("token", auth.Mask(token)),
		zap.Uint64("gen", gen),
	)
	if err := m.send(sock, ws.ConnectFrame(m.host, token, m.cfg.Heartbeat)); err != nil {
		m.logger.Warn("failed to send CONNECT", zap.Error(err))
		_ = sock.Close()
	}

	m.readLoop(gen, sock)
}

func (m *Manager) readLoop(gen uint64, sock ws.Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.socketClosed(gen, err)
			return
		}

		f, err := ws.DecodeFrame(data)
		if err != nil {
			m.protocolError(gen, err)
			continue
		}
		if f == nil {
			continue
		}
		m.metrics.FrameReceived(f.Command)

		switch f.Command {
		case ws.CommandConnected:
			m.connected(gen, sock)
		case ws.CommandMessage:
			m.dispatch(gen, f)
		case ws.CommandError:
			m.protocolError(gen, fmt.Errorf("%w: %s", ErrBrokerRejected, f.Header.Get(ws.HeaderMessage)))
		case ws.CommandReceipt:
		default:
			m.logger.Debug("ignoring frame", zap.String("command", f.Command))
		}
	}
}

// connected completes the handshake and rebinds the registry.
func (m *Manager) connected(gen uint64, sock ws.Socket) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.handshake != nil {
		m.handshake.Stop()
		m.handshake = nil
	}
	m.live = true
	m.attempt = 0
	m.nextDelay = 0
	m.setStatusLocked(StatusConnected)
	if m.cfg.Heartbeat > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.stopHeartbeat = cancel
		m.clock.TickerFunc(ctx, m.cfg.Heartbeat, func() error {
			if err := sock.WriteMessage(ws.Heartbeat); err != nil {
				return err
			}
			return nil
		}, "realtime", "heartbeat")
	}
	entries := m.sortedEntriesLocked()
	m.mu.Unlock()
	m.drain()

	m.logger.Info("connected to chat broker", zap.Int("subscriptions", len(entries)))
	for _, e := range entries {
		if e.closed.Load() {
			continue
		}
		m.bind(sock, e)
	}
}

func (m *Manager) bind(sock ws.Socket, e *entry) {
	if err := m.send(sock, ws.SubscribeFrame(e.id, e.destination)); err != nil {
		m.logger.Debug("subscribe frame not sent",
			zap.String("destination", e.destination),
			zap.Error(err),
		)
	}
}

// dispatch hands a MESSAGE to its subscription. Frames from a dead
// transport or for a removed subscription are dropped.
func (m *Manager) dispatch(gen uint64, f *ws.Frame) {
	id := f.Header.Get(ws.HeaderSubscription)

	m.mu.Lock()
	stale := gen != m.gen
	e := m.entries[id]
	m.mu.Unlock()

	if stale || e == nil {
		m.logger.Debug("dropping message for unknown subscription",
			zap.String("subscription", id),
			zap.Bool("stale", stale),
		)
		return
	}

	body, err := m.decoder.Decode(f)
	if err != nil {
		m.logger.Warn("undecodable message body",
			zap.String("destination", e.destination),
			zap.Error(err),
		)
		return
	}

	if e.closed.Load() {
		return
	}
	e.handler(Message{Destination: f.Header.Get(ws.HeaderDestination), Body: body})
}

// protocolError surfaces status error. The socket stays usable until it
// closes; the close drives the reconnect.
func (m *Manager) protocolError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(StatusError)
	m.mu.Unlock()
	m.drain()

	m.logger.Error("broker protocol error", zap.Error(err))
	m.warn(notify.CauseProtocol, "Chat connection error.")
}

// socketClosed schedules a reconnect unless the close was requested.
func (m *Manager) socketClosed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.sock = nil
	m.live = false
	m.active = false
	if !m.want {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("connection lost", zap.Error(err))
	m.scheduleRetryLocked()
	m.mu.Unlock()
	m.drain()
}

func (m *Manager) handshakeExpired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.live {
		m.mu.Unlock()
		return
	}
	sock := m.sock
	m.handshake = nil
	m.mu.Unlock()

	m.logger.Warn("closing socket", zap.Error(ErrHandshakeTimeout))
	if sock != nil {
		_ = sock.Close()
	}
}

// attemptFailed handles a connect attempt that never produced a socket.
func (m *Manager) attemptFailed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.want {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.scheduleRetryLocked()
	m.mu.Unlock()
	m.drain()
}

func (m *Manager) scheduleRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
	}
	m.attempt++
	delay := Backoff(m.attempt, m.cfg.BaseDelay, m.cfg.MaxDelay)
	m.nextDelay = delay
	m.setStatusLocked(StatusReconnecting)
	m.metrics.ReconnectScheduled()

	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.attempt),
		zap.Duration("delay", delay),
	)

	gen := m.gen
	m.retry = m.clock.AfterFunc(delay, func() {
		m.retryFired(gen)
	}, "realtime", "retry")
}

func (m *Manager) retryFired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.want || m.active {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.startLocked()
	m.mu.Unlock()
	m.drain()
}

func (m *Manager) stopTimersLocked() {
	if m.handshake != nil {
		m.handshake.Stop()
		m.handshake = nil
	}
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
}

// liveSocketLocked returns the socket when its handshake completed. The
// displayed status may be error on a socket that is still open.
func (m *Manager) liveSocketLocked() ws.Socket {
	if !m.live {
		return nil
	}
	return m.sock
}

func (m *Manager) sortedEntriesLocked() []*entry {
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func (m *Manager) send(sock ws.Socket, f *ws.Frame) error {
	data, err := ws.EncodeFrame(f)
	if err != nil {
		return err
	}
	return sock.WriteMessage(data)
}

// warn queues a warning for the warn loop. It never blocks: when the
// queue is full the warning is dropped.
func (m *Manager) warn(cause notify.Cause, message string) {
	if m.warnings == nil {
		return
	}
	select {
	case m.warnings <- warning{cause: cause, message: message}:
	default:
		m.logger.Debug("warning dropped", zap.String("cause", string(cause)))
	}
}

// warnLoop delivers queued warnings one at a time until ctx is done.
func (m *Manager) warnLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-m.warnings:
			wctx, cancel := context.WithTimeout(ctx, warnTimeout)
			m.warner.Warn(wctx, w.cause, w.message)
			cancel()
		}
	}
}

// setStatusLocked queues a transition for listeners. Callers drain after
// releasing m.mu.
func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.logger.Debug("status changed", zap.String("from", string(m.status)), zap.String("to", string(s)))
	m.status = s
	m.metrics.SetStatus(string(s), statusNames())

	m.notifyMu.Lock()
	targets := make([]*listener, 0, len(m.listeners))
	for l := range m.listeners {
		targets = append(targets, l)
	}
	m.pending = append(m.pending, notice{status: s, targets: targets})
	m.notifyMu.Unlock()
}

// drain delivers queued transitions in FIFO order. Only one goroutine
// delivers at a time, so listeners may call back into the Manager.
func (m *Manager) drain() {
	m.notifyMu.Lock()
	if m.notifying {
		m.notifyMu.Unlock()
		return
	}
	m.notifying = true
	for len(m.pending) > 0 {
		n := m.pending[0]
		m.pending = m.pending[1:]
		m.notifyMu.Unlock()
		for _, l := range n.targets {
			if !l.removed.Load() {
				l.fn(n.status)
			}
		}
		m.notifyMu.Lock()
	}
	m.notifying = false
	m.notifyMu.Unlock()
}
