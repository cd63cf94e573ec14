// Package zstdcodec is an optional compression plugin for object
// payloads. Nothing in codec, scan, backup, or gc calls it: a caller
// opts in explicitly by wrapping a Sink's payload bytes before they
// reach objectsvc.Admit, selected via config.Compression == "zstd".
package zstdcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compressor wraps zstd's encoder/decoder pair for one-shot byte slices.
type Compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New builds a Compressor with the default zstd level.
func New() (*Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstdcodec: new encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstdcodec: new decoder: %w", err)
	}
	return &Compressor{enc: enc, dec: dec}, nil
}

// Close releases the decoder's background goroutines.
func (c *Compressor) Close() {
	c.enc.Close()
	c.dec.Close()
}

// Compress returns the zstd-compressed form of data.
func (c *Compressor) Compress(data []byte) []byte {
	return c.enc.EncodeAll(data, nil)
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstdcodec: decompress: %w", err)
	}
	return out, nil
}
