package aeadcodec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"backset/codec/aeadcodec"
)

func TestCipher_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := aeadcodec.New(key)
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("top secret payload"))
	require.NoError(t, err)

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("top secret payload"), opened)
}

func TestCipher_TamperedCiphertextFails(t *testing.T) {
	key := make([]byte, 32)
	c, err := aeadcodec.New(key)
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("data"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = c.Open(sealed)
	require.Error(t, err)
}
