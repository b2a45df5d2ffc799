// Package brokertest runs an in-process STOMP-over-websocket broker for
// tests. It speaks just enough of the protocol for the chat client:
// CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND and DISCONNECT.
package brokertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/ws"
)

const (
	// Path the broker upgrades on.
	Path = "/ws-stomp"

	writeWait      = 5 * time.Second
	sendBufferSize = 256
)

// SendHandler observes SEND frames. It runs on the sender's read
// goroutine.
type SendHandler func(b *Broker, destination string, body []byte)

// Option configures a Broker.
type Option func(*Broker)

// WithToken makes CONNECT fail with an ERROR frame unless it carries
// "Bearer <token>".
func WithToken(token string) Option {
	return func(b *Broker) { b.token = token }
}

// WithSendHandler installs h for every SEND frame.
func WithSendHandler(h SendHandler) Option {
	return func(b *Broker) { b.onSend = h }
}

// WithZstd compresses MESSAGE bodies.
func WithZstd() Option {
	return func(b *Broker) { b.compress = true }
}

// WithProtobuf encodes MESSAGE bodies as protobuf Structs.
func WithProtobuf() Option {
	return func(b *Broker) { b.protobuf = true }
}

// WithSilentConnect never answers CONNECT.
func WithSilentConnect() Option {
	return func(b *Broker) { b.silent = true }
}

// SentFrame is a SEND frame received from a client.
type SentFrame struct {
	Destination string
	Body        []byte
}

// Broker manages client connections and destination subscriptions.
type Broker struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	encoder  *ws.BodyEncoder
	logger   *zap.Logger

	token    string
	onSend   SendHandler
	compress bool
	protobuf bool
	silent   bool

	mu          sync.RWMutex
	clients     map[*client]bool
	groups      map[string]map[member]struct{}
	sent        []SentFrame
	upgrades    []string
	connects    []string
	connections int

	wg sync.WaitGroup
}

type client struct {
	broker *Broker
	conn   *websocket.Conn
	send   chan []byte
	connID string
	subs   map[string]string // subscription id -> destination
}

// member is one subscription of one client. A client may hold several
// subscriptions to the same destination and each receives its own copy.
type member struct {
	c  *client
	id string
}

// New starts a broker and stops it when the test ends.
func New(t testing.TB, opts ...Option) *Broker {
	t.Helper()

	enc, err := ws.NewBodyEncoder()
	if err != nil {
		t.Fatalf("creating body encoder: %v", err)
	}

	b := &Broker{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
			Subprotocols:    []string{ws.Subprotocol},
		},
		encoder: enc,
		logger:  zap.NewNop(),
		clients: make(map[*client]bool),
		groups:  make(map[string]map[member]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	r := chi.NewRouter()
	r.Get(Path, b.handleWS)
	b.server = httptest.NewServer(r)
	t.Cleanup(b.Close)
	return b
}

// URL returns the ws:// endpoint.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + Path
}

// HTTPURL returns the http:// base URL of the broker.
func (b *Broker) HTTPURL() string {
	return b.server.URL
}

// Close drops every client and stops the server.
func (b *Broker) Close() {
	b.DropAll()
	b.wg.Wait()
	b.server.Close()
	b.encoder.Close()
}

func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	b.wg.Add(1)
	defer b.wg.Done()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		broker: b,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		connID: uuid.NewString(),
		subs:   make(map[string]string),
	}

	b.mu.Lock()
	b.clients[c] = true
	b.connections++
	b.upgrades = append(b.upgrades, r.Header.Get(ws.HeaderAuthorization))
	b.mu.Unlock()

	b.wg.Add(1)
	go c.writePump()
	c.readPump()
}

// unregister removes c from all destinations and stops its writer.
func (b *Broker) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	for id, dest := range c.subs {
		b.leaveLocked(dest, member{c: c, id: id})
	}
	close(c.send)
}

func (c *client) readPump() {
	// The writer closes the socket once queued frames are flushed.
	defer c.broker.unregister(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := ws.DecodeFrame(data)
		if err != nil {
			c.broker.deliver(c, ws.ErrorFrame(err.Error()))
			return
		}
		if f == nil {
			continue
		}
		if !c.handle(f) {
			return
		}
	}
}

// handle applies one client frame. It returns false when the connection
// must end.
func (c *client) handle(f *ws.Frame) bool {
	b := c.broker
	switch f.Command {
	case ws.CommandConnect:
		auth := f.Header.Get(ws.HeaderAuthorization)
		b.mu.Lock()
		b.connects = append(b.connects, auth)
		b.mu.Unlock()

		if b.token != "" && auth != "Bearer "+b.token {
			b.deliver(c, ws.ErrorFrame("invalid credentials"))
			return false
		}
		if !b.silent {
			b.deliver(c, ws.ConnectedFrame())
		}

	case ws.CommandSubscribe:
		id := f.Header.Get(ws.HeaderID)
		dest := f.Header.Get(ws.HeaderDestination)
		b.mu.Lock()
		if old, ok := c.subs[id]; ok {
			b.leaveLocked(old, member{c: c, id: id})
		}
		c.subs[id] = dest
		if b.groups[dest] == nil {
			b.groups[dest] = make(map[member]struct{})
		}
		b.groups[dest][member{c: c, id: id}] = struct{}{}
		b.mu.Unlock()

	case ws.CommandUnsubscribe:
		id := f.Header.Get(ws.HeaderID)
		b.mu.Lock()
		if dest, ok := c.subs[id]; ok {
			delete(c.subs, id)
			b.leaveLocked(dest, member{c: c, id: id})
		}
		b.mu.Unlock()

	case ws.CommandSend:
		dest := f.Header.Get(ws.HeaderDestination)
		body := append([]byte(nil), f.Body...)
		b.mu.Lock()
		b.sent = append(b.sent, SentFrame{Destination: dest, Body: body})
		h := b.onSend
		b.mu.Unlock()
		if h != nil {
			h(b, dest, body)
		}

	case ws.CommandDisconnect:
		return false
	}
	return true
}

func (b *Broker) leaveLocked(dest string, m member) {
	members, ok := b.groups[dest]
	if !ok {
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(b.groups, dest)
	}
}

func (c *client) writePump() {
	defer func() {
		_ = c.conn.Close()
		c.broker.wg.Done()
	}()

	for message := range c.send {
		messageType := websocket.TextMessage
		if !utf8.Valid(message) {
			messageType = websocket.BinaryMessage
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(messageType, message); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// deliver queues a frame for c. Slow clients lose frames.
func (b *Broker) deliver(c *client, f *ws.Frame) bool {
	data, err := ws.EncodeFrame(f)
	if err != nil {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Publish sends payload to every subscription of destination and returns
// the number of deliveries. A []byte payload is sent as is; anything else
// is JSON-encoded.
func (b *Broker) Publish(destination string, payload any) int {
	body, ok := payload.([]byte)
	if !ok {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return 0
		}
	}

	headers := []string{ws.HeaderContentType, ws.ContentTypeJSON}
	if b.protobuf {
		pb, err := b.encoder.Protobuf(body)
		if err != nil {
			return 0
		}
		body = pb
		headers = []string{ws.HeaderContentType, ws.ContentTypeProtobuf}
	}
	if b.compress {
		body = b.encoder.Compress(body)
		headers = append(headers, ws.HeaderContentEncoding, ws.EncodingZstd)
	}

	b.mu.RLock()
	targets := make([]member, 0, len(b.groups[destination]))
	for m := range b.groups[destination] {
		targets = append(targets, m)
	}
	b.mu.RUnlock()

	n := 0
	for _, m := range targets {
		f := ws.MessageFrame(destination, m.id, uuid.NewString(), body, headers...)
		if b.deliver(m.c, f) {
			n++
		}
	}
	return n
}

// SendFrame writes f to every connected client and returns the count.
func (b *Broker) SendFrame(f *ws.Frame) int {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	n := 0
	for _, c := range clients {
		if b.deliver(c, f) {
			n++
		}
	}
	return n
}

// DropAll closes every client socket without a STOMP goodbye, as a
// network failure would.
func (b *Broker) DropAll() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		_ = c.conn.UnderlyingConn().Close()
	}
}

// Subscribers returns the number of live subscriptions to destination.
func (b *Broker) Subscribers(destination string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[destination])
}

// SubscriptionIDs returns the subscription ids bound to destination.
func (b *Broker) SubscriptionIDs(destination string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.groups[destination]))
	for m := range b.groups[destination] {
		ids = append(ids, m.id)
	}
	return ids
}

// Destinations returns every destination with at least one subscriber.
func (b *Broker) Destinations() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var dests []string
	for dest, members := range b.groups {
		if len(members) > 0 {
			dests = append(dests, dest)
		}
	}
	return dests
}

// Sent returns the SEND frames received so far.
func (b *Broker) Sent() []SentFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]SentFrame(nil), b.sent...)
}

// Connections returns how many sockets were accepted.
func (b *Broker) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connections
}

// Clients returns how many sockets are open.
func (b *Broker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ConnectAuth returns the Authorization header of each CONNECT frame.
func (b *Broker) ConnectAuth() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.connects...)
}

// UpgradeAuth returns the Authorization header of each upgrade request.
func (b *Broker) UpgradeAuth() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.upgrades...)
}
