package zstdcodec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"backset/codec/zstdcodec"
)

func TestCompressor_RoundTrip(t *testing.T) {
	c, err := zstdcodec.New()
	require.NoError(t, err)
	defer c.Close()

	data := bytes.Repeat([]byte("hello world "), 100)
	compressed := c.Compress(data)
	require.Less(t, len(compressed), len(data))

	out, err := c.Decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, data, out)
}
