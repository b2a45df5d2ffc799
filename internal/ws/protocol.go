package ws

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// STOMP 1.2 commands used by the chat broker.
const (
	CommandConnect     = "CONNECT"
	CommandConnected   = "CONNECTED"
	CommandSend        = "SEND"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandMessage     = "MESSAGE"
	CommandReceipt     = "RECEIPT"
	CommandError       = "ERROR"
	CommandDisconnect  = "DISCONNECT"
)

// Header names.
const (
	HeaderAcceptVersion   = "accept-version"
	HeaderVersion         = "version"
	HeaderHost            = "host"
	HeaderHeartBeat       = "heart-beat"
	HeaderAuthorization   = "Authorization"
	HeaderDestination     = "destination"
	HeaderID              = "id"
	HeaderSubscription    = "subscription"
	HeaderMessageID       = "message-id"
	HeaderContentType     = "content-type"
	HeaderContentEncoding = "content-encoding"
	HeaderMessage         = "message"
)

// Content types and encodings understood by BodyDecoder.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
	EncodingZstd        = "zstd"
)

// Subprotocol offered on the websocket upgrade.
const Subprotocol = "v12.stomp"

// Heartbeat is the STOMP end-of-line keepalive.
var Heartbeat = []byte("\n")

// ErrEmptyFrame is returned when a websocket message carries no frame.
var ErrEmptyFrame = errors.New("empty frame")

// Frame is a decoded STOMP frame.
type Frame = frame.Frame

// EncodeFrame serializes a frame into one websocket message. A frame with
// a body gets a content-length header so binary bodies may contain NUL.
func EncodeFrame(f *Frame) ([]byte, error) {
	if _, ok := f.Header.Contains(frame.ContentLength); !ok && len(f.Body) > 0 {
		f.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses one websocket message. A heartbeat yields (nil, nil).
func DecodeFrame(data []byte) (*Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFrame
		}
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// ConnectFrame builds the CONNECT frame carrying the bearer token.
func ConnectFrame(host, token string, heartbeat time.Duration) *Frame {
	hb := strconv.FormatInt(heartbeat.Milliseconds(), 10)
	return frame.New(CommandConnect,
		HeaderAcceptVersion, "1.2",
		HeaderHost, host,
		HeaderHeartBeat, hb+","+hb,
		HeaderAuthorization, "Bearer "+token,
	)
}

// SubscribeFrame binds subscription id to a destination.
func SubscribeFrame(id, destination string) *Frame {
	return frame.New(CommandSubscribe,
		HeaderID, id,
		HeaderDestination, destination,
	)
}

// UnsubscribeFrame releases a subscription id.
func UnsubscribeFrame(id string) *Frame {
	return frame.New(CommandUnsubscribe, HeaderID, id)
}

// SendFrame publishes a JSON body to a destination.
func SendFrame(destination string, body []byte) *Frame {
	f := frame.New(CommandSend,
		HeaderDestination, destination,
		HeaderContentType, ContentTypeJSON,
	)
	f.Body = body
	return f
}

// DisconnectFrame asks the broker to end the session.
func DisconnectFrame() *Frame {
	return frame.New(CommandDisconnect)
}

// ConnectedFrame is the broker's handshake reply.
func ConnectedFrame() *Frame {
	return frame.New(CommandConnected, HeaderVersion, "1.2", HeaderHeartBeat, "0,0")
}

// MessageFrame delivers a body to one subscription. Extra headers are
// key/value pairs.
func MessageFrame(destination, subscription, messageID string, body []byte, headers ...string) *Frame {
	f := frame.New(CommandMessage,
		HeaderDestination, destination,
		HeaderSubscription, subscription,
		HeaderMessageID, messageID,
	)
	for i := 0; i+1 < len(headers); i += 2 {
		f.Header.Set(headers[i], headers[i+1])
	}
	f.Body = body
	return f
}

// ErrorFrame reports a broker-side rejection.
func ErrorFrame(message string) *Frame {
	return frame.New(CommandError, HeaderMessage, message)
}
