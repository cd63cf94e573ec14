package chunker_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"backset/chunker"
)

func TestChunker_EvenlyDivides(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 30)
	c := chunker.New(bytes.NewReader(data), 10)

	var got []chunker.Chunk
	for {
		chunk, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, chunk)
	}

	require.Len(t, got, 3)
	require.Equal(t, int64(0), got[0].Offset)
	require.Equal(t, int64(10), got[1].Offset)
	require.Equal(t, int64(20), got[2].Offset)
	for _, c := range got {
		require.Len(t, c.Data, 10)
	}
}

func TestChunker_ShortFinalChunk(t *testing.T) {
	data := bytes.Repeat([]byte("b"), 25)
	c := chunker.New(bytes.NewReader(data), 10)

	var total int
	var last chunker.Chunk
	for {
		chunk, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		total += len(chunk.Data)
		last = chunk
	}
	require.Equal(t, 25, total)
	require.Len(t, last.Data, 5)
	require.Equal(t, int64(20), last.Offset)
}

func TestChunker_EmptyStream(t *testing.T) {
	c := chunker.New(bytes.NewReader(nil), 10)
	_, ok, err := c.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChunker_DefaultSizeOnNonPositive(t *testing.T) {
	c := chunker.New(bytes.NewReader([]byte("x")), 0)
	chunk, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("x"), chunk.Data)
}

func TestChunker_ReconstructsOriginal(t *testing.T) {
	data := make([]byte, 1<<20+137)
	for i := range data {
		data[i] = byte(i)
	}
	c := chunker.New(bytes.NewReader(data), 4096)

	var buf bytes.Buffer
	for {
		chunk, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		n, err := buf.Write(chunk.Data)
		require.NoError(t, err)
		require.Equal(t, len(chunk.Data), n)
	}
	require.True(t, bytes.Equal(data, buf.Bytes()))
}
