package ws

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// BodyDecoder normalizes MESSAGE bodies to JSON. Bodies may be
// Zstd-compressed and may be protobuf Structs instead of JSON text.
type BodyDecoder struct {
	zstdDecoder *zstd.Decoder
}

// NewBodyDecoder creates a BodyDecoder.
func NewBodyDecoder() (*BodyDecoder, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &BodyDecoder{zstdDecoder: dec}, nil
}

// Decode returns the JSON body of a MESSAGE frame.
func (d *BodyDecoder) Decode(f *Frame) ([]byte, error) {
	body := f.Body

	if f.Header.Get(HeaderContentEncoding) == EncodingZstd {
		raw, err := d.zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd body: %w", err)
		}
		body = raw
	}

	if f.Header.Get(HeaderContentType) == ContentTypeProtobuf {
		var s structpb.Struct
		if err := proto.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("unmarshal protobuf body: %w", err)
		}
		out, err := protojson.Marshal(&s)
		if err != nil {
			return nil, fmt.Errorf("protobuf body to json: %w", err)
		}
		return out, nil
	}

	return body, nil
}

// Close releases decoder resources.
func (d *BodyDecoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}

// BodyEncoder produces the encodings BodyDecoder understands. The chat
// client only sends JSON; the encoder exists for brokers and tests.
type BodyEncoder struct {
	zstdEncoder *zstd.Encoder
}

// NewBodyEncoder creates a BodyEncoder with Zstd compression.
func NewBodyEncoder() (*BodyEncoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &BodyEncoder{zstdEncoder: enc}, nil
}

// Compress returns the Zstd-compressed body.
func (e *BodyEncoder) Compress(body []byte) []byte {
	return e.zstdEncoder.EncodeAll(body, nil)
}

// Protobuf converts a JSON object body to a serialized protobuf Struct.
func (e *BodyEncoder) Protobuf(jsonBody []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(jsonBody, &m); err != nil {
		return nil, fmt.Errorf("unmarshal json body: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build protobuf struct: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	return data, nil
}

// Close releases encoder resources.
func (e *BodyEncoder) Close() {
	if e.zstdEncoder != nil {
		e.zstdEncoder.Close()
	}
}
