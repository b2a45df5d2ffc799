package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const clientBufferSize = 64

// Broadcaster streams status transitions and reconciled chat events to
// connected SSE clients. It implements chat.EventSink.
type Broadcaster struct {
	snapshot func() any
	logger   *zap.Logger

	mu       sync.RWMutex
	sequence uint64
	clients  map[*sseClient]bool
	done     chan struct{}
	closed   bool
}

// sseClient represents a connected SSE subscriber.
type sseClient struct {
	id      string
	dataCh  chan []byte
	flusher http.Flusher
	writer  http.ResponseWriter
}

// NewBroadcaster creates a broadcaster. snapshot, if set, builds the first
// event every new client receives.
func NewBroadcaster(snapshot func() any, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		snapshot: snapshot,
		logger:   logger,
		clients:  make(map[*sseClient]bool),
		done:     make(chan struct{}),
	}
}

// Emit queues an event for every client. Slow clients lose events.
func (b *Broadcaster) Emit(kind string, payload any) {
	b.mu.Lock()
	if b.closed || len(b.clients) == 0 {
		b.mu.Unlock()
		return
	}
	b.sequence++
	seq := b.sequence
	clients := make([]*sseClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	eventData, err := formatEvent(kind, seq, payload)
	if err != nil {
		b.logger.Debug("dropping unencodable event", zap.String("kind", kind), zap.Error(err))
		return
	}

	for _, c := range clients {
		select {
		case c.dataCh <- eventData:
		default:
			b.logger.Debug("client channel full, dropping event",
				zap.String("client_id", c.id),
				zap.String("kind", kind),
			)
		}
	}
}

// HandleSSE serves the event stream.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &sseClient{
		id:      uuid.NewString(),
		dataCh:  make(chan []byte, clientBufferSize),
		flusher: flusher,
		writer:  w,
	}
	if !b.addClient(client) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer b.removeClient(client)

	b.logger.Info("event client connected",
		zap.String("client_id", client.id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	if b.snapshot != nil {
		b.mu.RLock()
		seq := b.sequence
		b.mu.RUnlock()
		eventData, err := formatEvent("snapshot", seq, b.snapshot())
		if err != nil {
			b.logger.Error("failed to build snapshot", zap.Error(err))
			return
		}
		if err := client.write(eventData); err != nil {
			return
		}
	} else {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			b.logger.Info("event client disconnected", zap.String("client_id", client.id))
			return
		case <-b.done:
			return
		case eventData := <-client.dataCh:
			if err := client.write(eventData); err != nil {
				b.logger.Debug("failed to write to client", zap.Error(err))
				return
			}
		}
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close ends every stream so the HTTP server can shut down.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Broadcaster) addClient(c *sseClient) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c] = true
	return true
}

func (b *Broadcaster) removeClient(c *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
}

func (c *sseClient) write(eventData []byte) error {
	if _, err := c.writer.Write(eventData); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func formatEvent(kind string, seq uint64, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", kind, seq, jsonData)), nil
}
