package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB
)

// Socket is one open websocket to the broker. Writes are serialized by the
// implementation; ReadMessage must only be called from one goroutine.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets. It is the transport socket factory: no chat logic.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// NewDialer returns the dialer for a configured transport name.
func NewDialer(transport string, logger *zap.Logger) (Dialer, error) {
	switch transport {
	case "", "gorilla":
		return NewGorillaDialer(logger), nil
	case "gobwas":
		return &GobwasDialer{logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// GorillaDialer dials with github.com/gorilla/websocket.
type GorillaDialer struct {
	logger *zap.Logger
}

// NewGorillaDialer returns the default Dialer.
func NewGorillaDialer(logger *zap.Logger) *GorillaDialer {
	return &GorillaDialer{logger: logger}
}

// Dial implements Dialer.
func (d *GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		Subprotocols:     []string{Subprotocol},
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	d.logger.Debug("websocket connected",
		zap.String("transport", "gorilla"),
		zap.String("subprotocol", conn.Subprotocol()),
	)
	return &gorillaSocket{conn: conn}, nil
}

type gorillaSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *gorillaSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *gorillaSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *gorillaSocket) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// GobwasDialer dials with github.com/gobwas/ws, a zero-copy alternative.
type GobwasDialer struct {
	logger *zap.Logger
}

// Dial implements Dialer.
func (d *GobwasDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := gobwas.Dialer{
		Header:    gobwas.HandshakeHeaderHTTP(header),
		Protocols: []string{Subprotocol},
	}

	conn, br, hs, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	d.logger.Debug("websocket connected",
		zap.String("transport", "gobwas"),
		zap.String("subprotocol", hs.Protocol),
	)

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &gobwasSocket{conn: conn, reader: r}, nil
}

type gobwasSocket struct {
	conn    net.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func (s *gobwasSocket) ReadMessage() ([]byte, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{s.reader, &lockedWriter{s}}
	data, _, err := wsutil.ReadServerData(rw)
	return data, err
}

func (s *gobwasSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteClientText(s.conn, data)
}

func (s *gobwasSocket) Close() error {
	s.writeMu.Lock()
	_ = wsutil.WriteClientMessage(s.conn, gobwas.OpClose, nil)
	s.writeMu.Unlock()
	return s.conn.Close()
}

// lockedWriter serializes control-frame replies (pong, close) written by
// wsutil while reading with regular writes.
type lockedWriter struct {
	s *gobwasSocket
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.s.writeMu.Lock()
	defer w.s.writeMu.Unlock()
	return w.s.conn.Write(p)
}
