// internal/safe/compression.go
package safe

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

// codec frames blob bodies with a one-byte flag and compresses bodies at or
// above minSize.
type codec struct {
	minSize int

	encoders sync.Pool
	decoders sync.Pool
}

func newCodec(level, minSize int) (*codec, error) {
	encLevel := zstd.EncoderLevel(level)
	if encLevel < zstd.SpeedFastest || encLevel > zstd.SpeedBestCompression {
		return nil, fmt.Errorf("compression level %d out of range", level)
	}

	// Validate options once so pool constructors cannot fail later.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	enc.Close()

	c := &codec{minSize: minSize}
	c.encoders.New = func() any {
		e, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel), zstd.WithEncoderConcurrency(1))
		return e
	}
	c.decoders.New = func() any {
		d, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return d
	}
	return c, nil
}

func (c *codec) encode(content []byte) []byte {
	if len(content) < c.minSize {
		out := make([]byte, 0, len(content)+1)
		out = append(out, flagRaw)
		return append(out, content...)
	}

	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)
	return enc.EncodeAll(content, []byte{flagZstd})
}

func (c *codec) decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty blob frame")
	}

	switch frame[0] {
	case flagRaw:
		out := make([]byte, len(frame)-1)
		copy(out, frame[1:])
		return out, nil
	case flagZstd:
		dec := c.decoders.Get().(*zstd.Decoder)
		defer c.decoders.Put(dec)
		out, err := dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing blob: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown blob flag %d", frame[0])
	}
}
