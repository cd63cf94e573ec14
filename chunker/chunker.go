// Package chunker splits a file stream into fixed-size, positionally
// offset chunks. There is no rolling hash and no content-defined
// boundary detection — the core only ever does fixed-size chunking.
package chunker

import (
	"fmt"
	"io"
)

// DefaultSize is used when a caller doesn't specify a chunk size.
const DefaultSize = 4 << 20 // 4 MiB

// Chunk is one fixed-size slice of a file's bytes and its byte offset
// from the start of the stream.
type Chunk struct {
	Offset int64
	Data   []byte
}

// Chunker produces Chunks from r in ascending offset order. The final
// chunk may be shorter than size.
type Chunker struct {
	r      io.Reader
	size   int
	offset int64
	done   bool
}

// New returns a Chunker reading fixed windows of size bytes from r. A
// non-positive size falls back to DefaultSize.
func New(r io.Reader, size int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	return &Chunker{r: r, size: size}
}

// Next returns the next chunk, or ok=false once the stream is exhausted.
func (c *Chunker) Next() (chunk Chunk, ok bool, err error) {
	if c.done {
		return Chunk{}, false, nil
	}

	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case err == nil:
		// full window read; more may follow
	case err == io.ErrUnexpectedEOF:
		c.done = true
	case err == io.EOF:
		return Chunk{}, false, nil
	default:
		return Chunk{}, false, fmt.Errorf("chunker: read: %w", err)
	}

	chunk = Chunk{Offset: c.offset, Data: buf[:n]}
	c.offset += int64(n)
	return chunk, true, nil
}
