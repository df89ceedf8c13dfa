package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Codec turns messages into frames and back. Implementations are safe for
// concurrent use.
type Codec interface {
	Name() string
	Marshal(m *Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
}

// Codec names accepted by CodecByName.
const (
	CodecJSON   = "json"
	CodecBinary = "binary"
)

// JSON encodes messages as JSON objects. Scalar values decode as json.Number
// so integers survive the round trip exactly.
type JSON struct{}

func (JSON) Name() string { return CodecJSON }

func (JSON) Marshal(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func (JSON) Unmarshal(data []byte, m *Message) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return nil
}

// Compressed wraps another codec with zstd frames.
type Compressed struct {
	inner Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewCompressed returns inner with zstd compression applied to every frame.
func NewCompressed(inner Codec) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Compressed{inner: inner, enc: enc, dec: dec}, nil
}

func (c *Compressed) Name() string { return c.inner.Name() + "+zstd" }

func (c *Compressed) Marshal(m *Message) ([]byte, error) {
	data, err := c.inner.Marshal(m)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *Compressed) Unmarshal(data []byte, m *Message) error {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress message: %w", err)
	}
	return c.inner.Unmarshal(raw, m)
}

// MaxFrameSize bounds a single encoded or decompressed message.
const MaxFrameSize = 64 << 20

// CodecByName returns the codec for a configuration value, optionally
// compressed. The empty name selects JSON.
func CodecByName(name string, compress bool) (Codec, error) {
	var c Codec
	switch strings.ToLower(name) {
	case "", CodecJSON:
		c = JSON{}
	case CodecBinary:
		c = Binary{}
	default:
		return nil, fmt.Errorf("unknown codec: %q (expected %q or %q)", name, CodecJSON, CodecBinary)
	}
	if !compress {
		return c, nil
	}
	return NewCompressed(c)
}
