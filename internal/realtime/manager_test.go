package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/auth"
	"github.com/dgnsrekt/chatsync/internal/brokertest"
	"github.com/dgnsrekt/chatsync/internal/notify"
	"github.com/dgnsrekt/chatsync/internal/ws"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig(url string) Config {
	return Config{
		URL:       url,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}
}

func startManager(t *testing.T, cfg Config, tokens auth.TokenSource, opts ...Option) (*Manager, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	m, err := NewManager(cfg, tokens, zap.NewNop(), append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, clock
}

// warnings records delivered warnings behind a real throttle.
type warnings struct {
	mu     sync.Mutex
	causes []notify.Cause
}

func (w *warnings) Warn(_ context.Context, cause notify.Cause, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.causes = append(w.causes, cause)
	return nil
}

func (w *warnings) count(cause notify.Cause) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.causes {
		if c == cause {
			n++
		}
	}
	return n
}

type statusLog struct {
	mu  sync.Mutex
	got []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, s)
}

func (l *statusLog) snapshot() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.got...)
}

type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) Dial(context.Context, string, http.Header) (ws.Socket, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status() == StatusConnected }, waitFor, tick)
}

func TestManager_ConnectSubscribeReceive(t *testing.T) {
	b := brokertest.New(t)
	m, _ := startManager(t, testConfig(b.URL()), auth.StaticToken("tok-1"))

	got := make(chan Message, 4)
	m.Subscribe(RoomTopic(42), func(msg Message) { got <- msg })

	m.Connect()
	waitConnected(t, m)
	require.Eventually(t, func() bool { return b.Subscribers(RoomTopic(42)) == 1 }, waitFor, tick)

	// Already active: no second transport.
	m.Connect()
	assert.Equal(t, 1, b.Connections())

	assert.Equal(t, []string{"Bearer tok-1"}, b.ConnectAuth())
	assert.Equal(t, []string{"Bearer tok-1"}, b.UpgradeAuth())

	require.Equal(t, 1, b.Publish(RoomTopic(42), map[string]any{"messageId": 12, "roomId": 42}))
	msg := receive(t, got)
	assert.Equal(t, RoomTopic(42), msg.Destination)

	var body struct {
		MessageID int64 `json:"messageId"`
	}
	require.NoError(t, msg.Decode(&body))
	assert.Equal(t, int64(12), body.MessageID)
}

func TestManager_RebindOnReconnect(t *testing.T) {
	b := brokertest.New(t)

	var n atomic.Int32
	tokens := auth.TokenFunc(func() (string, error) {
		return fmt.Sprintf("tok-%d", n.Add(1)), nil
	})
	m, clock := startManager(t, testConfig(b.URL()), tokens)

	m.Connect()
	waitConnected(t, m)

	b.DropAll()
	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Status == StatusReconnecting && s.Attempt == 1
	}, waitFor, tick)
	assert.Equal(t, time.Second, m.Stats().NextDelay)

	// Registered while the transport is down.
	got := make(chan Message, 4)
	m.Subscribe(RoomTopic(7), func(msg Message) { got <- msg })
	assert.Equal(t, 0, b.Subscribers(RoomTopic(7)))

	d, w := clock.AdvanceNext()
	assert.Equal(t, time.Second, d)
	w.MustWait(context.Background())

	waitConnected(t, m)
	require.Eventually(t, func() bool { return b.Subscribers(RoomTopic(7)) == 1 }, waitFor, tick)
	assert.Equal(t, 0, m.Stats().Attempt)

	b.Publish(RoomTopic(7), map[string]any{"messageId": 1})
	receive(t, got)

	// A fresh token was fetched for each attempt.
	assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-2"}, b.ConnectAuth())
	assert.Equal(t, 2, b.Connections())
}

func TestManager_BackoffSequence(t *testing.T) {
	dialer := &failingDialer{}
	sink := &warnings{}
	clock := quartz.NewMock(t)
	throttle := notify.NewThrottle(sink, 10*time.Second, zap.NewNop(), notify.WithClock(clock))

	m, err := NewManager(testConfig("ws://chat.invalid/ws-stomp"), auth.StaticToken("t"), zap.NewNop(),
		WithClock(clock), WithDialer(dialer), WithWarner(throttle))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	m.Connect()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}
	for i, delay := range want {
		attempt := i + 1
		require.Eventually(t, func() bool {
			s := m.Stats()
			return s.Attempt == attempt && s.Status == StatusReconnecting
		}, waitFor, tick, "attempt %d", attempt)
		assert.Equal(t, delay, m.Stats().NextDelay, "attempt %d", attempt)

		d, w := clock.AdvanceNext()
		assert.Equal(t, delay, d, "attempt %d", attempt)
		w.MustWait(context.Background())
	}

	require.Eventually(t, func() bool { return m.Stats().Attempt == 7 }, waitFor, tick)
	assert.Equal(t, 30*time.Second, m.Stats().NextDelay)
	assert.Equal(t, int32(7), dialer.calls.Load())

	// Throttled: far fewer warnings than failures.
	require.Eventually(t, func() bool { return sink.count(notify.CauseTransport) >= 1 }, waitFor, tick)
	assert.Less(t, sink.count(notify.CauseTransport), 7)
}

func TestManager_MissingTokenIsThrottledAndRetried(t *testing.T) {
	b := brokertest.New(t)

	var token atomic.Value
	token.Store("")
	tokens := auth.TokenFunc(func() (string, error) {
		if s := token.Load().(string); s != "" {
			return s, nil
		}
		return "", auth.ErrNoToken
	})

	sink := &warnings{}
	clock := quartz.NewMock(t)
	throttle := notify.NewThrottle(sink, 10*time.Second, zap.NewNop(), notify.WithClock(clock))
	m, err := NewManager(testConfig(b.URL()), tokens, zap.NewNop(), WithClock(clock), WithWarner(throttle))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	m.Connect()
	for attempt := 1; attempt <= 3; attempt++ {
		require.Eventually(t, func() bool { return m.Stats().Attempt == attempt }, waitFor, tick)
		if attempt < 3 {
			_, w := clock.AdvanceNext()
			w.MustWait(context.Background())
		}
	}

	require.Eventually(t, func() bool { return sink.count(notify.CauseAuth) == 1 }, waitFor, tick)
	assert.Equal(t, 0, b.Connections(), "no socket without a credential")

	token.Store("fresh")
	_, w := clock.AdvanceNext()
	w.MustWait(context.Background())

	waitConnected(t, m)
	assert.Equal(t, []string{"Bearer fresh"}, b.ConnectAuth())
	assert.Equal(t, 0, m.Stats().Attempt)
}

func TestManager_UnsubscribeIsTerminal(t *testing.T) {
	b := brokertest.New(t)
	m, clock := startManager(t, testConfig(b.URL()), auth.StaticToken("t"))

	var dead atomic.Int32
	live := make(chan Message, 8)
	unsubscribe := m.Subscribe(RoomTopic(1), func(Message) { dead.Add(1) })
	m.Subscribe(RoomTopic(2), func(msg Message) { live <- msg })

	m.Connect()
	waitConnected(t, m)
	require.Eventually(t, func() bool {
		return b.Subscribers(RoomTopic(1)) == 1 && b.Subscribers(RoomTopic(2)) == 1
	}, waitFor, tick)
	deadIDs := b.SubscriptionIDs(RoomTopic(1))
	require.Len(t, deadIDs, 1)

	unsubscribe()
	unsubscribe()
	require.Eventually(t, func() bool { return b.Subscribers(RoomTopic(1)) == 0 }, waitFor, tick)
	assert.Equal(t, 0, b.Publish(RoomTopic(1), map[string]any{"messageId": 1}))

	// A frame for the dead subscription that was already on the wire.
	b.SendFrame(ws.MessageFrame(RoomTopic(1), deadIDs[0], "late-1", []byte(`{"messageId":2}`)))
	// Frames on one socket arrive in order, so this is a barrier.
	b.Publish(RoomTopic(2), map[string]any{"messageId": 3})
	receive(t, live)

	b.DropAll()
	require.Eventually(t, func() bool { return m.Status() == StatusReconnecting }, waitFor, tick)
	_, w := clock.AdvanceNext()
	w.MustWait(context.Background())
	waitConnected(t, m)
	require.Eventually(t, func() bool { return b.Subscribers(RoomTopic(2)) == 1 }, waitFor, tick)

	assert.Equal(t, 0, b.Subscribers(RoomTopic(1)))
	assert.Equal(t, int32(0), dead.Load())
	assert.Equal(t, []string{RoomTopic(2)}, m.Stats().Destinations)
}

func TestManager_PublishRequiresConnection(t *testing.T) {
	b := brokertest.New(t)
	sink := &warnings{}
	m, _ := startManager(t, testConfig(b.URL()), auth.StaticToken("t"),
		WithWarner(notify.NewThrottle(sink, 0, zap.NewNop())))
	pub := NewPublisher(m)

	assert.False(t, pub.Send(42, "hello"))
	require.Eventually(t, func() bool { return sink.count(notify.CausePublish) == 1 }, waitFor, tick)

	m.Connect()
	waitConnected(t, m)

	assert.True(t, pub.Send(42, "hello"))
	require.Eventually(t, func() bool { return len(b.Sent()) == 1 }, waitFor, tick)

	sent := b.Sent()[0]
	assert.Equal(t, PublishDestination, sent.Destination)
	assert.JSONEq(t, `{"roomId":42,"type":"TEXT","content":"hello","attachmentRef":null}`, string(sent.Body))

	m.Disconnect()
	assert.False(t, pub.Send(42, "again"))
}

func TestManager_StatusListener(t *testing.T) {
	b := brokertest.New(t)
	m, _ := startManager(t, testConfig(b.URL()), auth.StaticToken("t"))

	log := &statusLog{}
	var seen []Status
	stop := m.OnStatusChange(func(s Status) {
		// Listeners may call back into the Manager.
		seen = append(seen, m.Status())
		log.add(s)
	})
	assert.Equal(t, []Status{StatusIdle}, log.snapshot())

	m.Connect()
	waitConnected(t, m)
	m.Disconnect()

	want := []Status{StatusIdle, StatusConnecting, StatusConnected, StatusDisconnected}
	require.Eventually(t, func() bool { return slices.Equal(log.snapshot(), want) }, waitFor, tick)

	stop()
	m.Connect()
	waitConnected(t, m)
	assert.Equal(t, want, log.snapshot())
	assert.Len(t, seen, len(want))
}

func TestManager_ProtocolErrorDefersToClose(t *testing.T) {
	b := brokertest.New(t, brokertest.WithToken("good"))
	sink := &warnings{}
	m, _ := startManager(t, testConfig(b.URL()), auth.StaticToken("bad"),
		WithWarner(notify.NewThrottle(sink, 0, zap.NewNop())))

	log := &statusLog{}
	m.OnStatusChange(log.add)

	m.Connect()
	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Status == StatusReconnecting && s.Attempt == 1
	}, waitFor, tick)

	assert.Equal(t, []Status{StatusIdle, StatusConnecting, StatusError, StatusReconnecting}, log.snapshot())
	require.Eventually(t, func() bool { return sink.count(notify.CauseProtocol) == 1 }, waitFor, tick)
}

func TestManager_HandshakeTimeout(t *testing.T) {
	b := brokertest.New(t, brokertest.WithSilentConnect())
	cfg := testConfig(b.URL())
	cfg.HandshakeTimeout = 5 * time.Second
	m, clock := startManager(t, cfg, auth.StaticToken("t"))

	m.Connect()
	require.Eventually(t, func() bool { return len(b.ConnectAuth()) == 1 }, waitFor, tick)
	assert.Equal(t, StatusConnecting, m.Status())

	d, w := clock.AdvanceNext()
	assert.Equal(t, 5*time.Second, d)
	w.MustWait(context.Background())

	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Status == StatusReconnecting && s.Attempt == 1
	}, waitFor, tick)
}

func TestManager_DisconnectCancelsRetryAndClearsRegistry(t *testing.T) {
	dialer := &failingDialer{}
	m, clock := startManager(t, testConfig("ws://chat.invalid/ws-stomp"), auth.StaticToken("t"), WithDialer(dialer))

	m.Subscribe(RoomTopic(1), func(Message) {})
	m.Connect()
	require.Eventually(t, func() bool { return m.Stats().Attempt == 1 }, waitFor, tick)

	m.Disconnect()
	s := m.Stats()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.Equal(t, 0, s.Attempt)
	assert.Equal(t, time.Duration(0), s.NextDelay)
	assert.Equal(t, 0, s.Subscriptions)

	clock.Advance(time.Minute).MustWait(context.Background())
	assert.Equal(t, int32(1), dialer.calls.Load())
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestManager_DecodesCompressedProtobufBodies(t *testing.T) {
	b := brokertest.New(t, brokertest.WithZstd(), brokertest.WithProtobuf())
	m, _ := startManager(t, testConfig(b.URL()), auth.StaticToken("t"))

	got := make(chan Message, 1)
	m.Subscribe(UserTopic(9), func(msg Message) { got <- msg })
	m.Connect()
	require.Eventually(t, func() bool { return b.Subscribers(UserTopic(9)) == 1 }, waitFor, tick)

	b.Publish(UserTopic(9), map[string]any{"roomId": 42, "lastMessageContent": "hi"})
	msg := receive(t, got)

	var n struct {
		RoomID             int64  `json:"roomId"`
		LastMessageContent string `json:"lastMessageContent"`
	}
	require.NoError(t, msg.Decode(&n))
	assert.Equal(t, int64(42), n.RoomID)
	assert.Equal(t, "hi", n.LastMessageContent)
}

func TestManager_GobwasTransport(t *testing.T) {
	b := brokertest.New(t)
	dialer, err := ws.NewDialer("gobwas", zap.NewNop())
	require.NoError(t, err)
	m, _ := startManager(t, testConfig(b.URL()), auth.StaticToken("t"), WithDialer(dialer))

	got := make(chan Message, 1)
	m.Subscribe(RoomTopic(3), func(msg Message) { got <- msg })
	m.Connect()
	require.Eventually(t, func() bool { return b.Subscribers(RoomTopic(3)) == 1 }, waitFor, tick)

	b.Publish(RoomTopic(3), map[string]any{"messageId": 1})
	assert.Equal(t, RoomTopic(3), receive(t, got).Destination)
	assert.True(t, NewPublisher(m).Send(3, "via gobwas"))
	require.Eventually(t, func() bool { return len(b.Sent()) == 1 }, waitFor, tick)
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	_, err := NewManager(Config{URL: "::", BaseDelay: time.Second, MaxDelay: time.Second}, auth.StaticToken("t"), zap.NewNop())
	assert.Error(t, err)

	_, err = NewManager(Config{URL: "ws://x/ws", BaseDelay: time.Second, MaxDelay: time.Millisecond}, auth.StaticToken("t"), zap.NewNop())
	assert.Error(t, err)
}

// blockingWarner holds every warning until released or cancelled, like a
// notification sink on a slow network.
type blockingWarner struct {
	release chan struct{}
	calls   atomic.Int32
}

func (w *blockingWarner) Warn(ctx context.Context, _ notify.Cause, _ string) bool {
	w.calls.Add(1)
	select {
	case <-w.release:
	case <-ctx.Done():
	}
	return true
}

func TestManager_WarningsDoNotBlockCallers(t *testing.T) {
	warner := &blockingWarner{release: make(chan struct{})}
	m, _ := startManager(t, testConfig("ws://chat.invalid/ws-stomp"), auth.StaticToken("t"), WithWarner(warner))

	start := time.Now()
	assert.False(t, m.Publish(PublishDestination, map[string]any{"content": "one"}))
	assert.False(t, m.Publish(PublishDestination, map[string]any{"content": "two"}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.Eventually(t, func() bool { return warner.calls.Load() == 1 }, waitFor, tick)
	close(warner.release)
	require.Eventually(t, func() bool { return warner.calls.Load() == 2 }, waitFor, tick)
}

func TestManager_ProtocolErrorKeepsOpenSocketUsable(t *testing.T) {
	b := brokertest.New(t)
	m, _ := startManager(t, testConfig(b.URL()), auth.StaticToken("t"))

	m.Connect()
	waitConnected(t, m)

	// The broker reports an error but keeps the socket open.
	b.SendFrame(ws.ErrorFrame("transient"))
	require.Eventually(t, func() bool { return m.Status() == StatusError }, waitFor, tick)

	got := make(chan Message, 1)
	m.Subscribe(RoomTopic(1), func(msg Message) { got <- msg })
	require.Eventually(t, func() bool { return b.Subscribers(RoomTopic(1)) == 1 }, waitFor, tick)

	b.Publish(RoomTopic(1), map[string]any{"messageId": 1})
	receive(t, got)

	assert.True(t, NewPublisher(m).Send(1, "still here"))
	require.Eventually(t, func() bool { return len(b.Sent()) == 1 }, waitFor, tick)
	assert.Equal(t, StatusError, m.Status())
	assert.Equal(t, 1, b.Connections(), "no reconnect while the socket is open")
}

func TestManager_SameDestinationTwice(t *testing.T) {
	b := brokertest.New(t)
	m, _ := startManager(t, testConfig(b.URL()), auth.StaticToken("t"))

	first := make(chan Message, 1)
	second := make(chan Message, 1)
	m.Subscribe(RoomTopic(5), func(msg Message) { first <- msg })
	m.Subscribe(RoomTopic(5), func(msg Message) { second <- msg })

	m.Connect()
	require.Eventually(t, func() bool { return b.Subscribers(RoomTopic(5)) == 2 }, waitFor, tick)

	assert.Equal(t, 2, b.Publish(RoomTopic(5), map[string]any{"messageId": 1}))
	receive(t, first)
	receive(t, second)
}

func TestNewManager_DefaultDialer(t *testing.T) {
	m, _ := startManager(t, testConfig("ws://chat.invalid/ws-stomp"), auth.StaticToken("t"))
	assert.IsType(t, &ws.GorillaDialer{}, m.dialer)
}
