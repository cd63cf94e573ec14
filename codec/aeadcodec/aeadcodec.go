// Package aeadcodec is an optional encryption plugin for object
// payloads, selected via config.Encryption == "chacha20poly1305". It is
// never called from the default scan/backup/gc pipeline.
package aeadcodec

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals and opens payloads with a single long-lived key.
type Cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// New builds a Cipher from a 32-byte key.
func New(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aeadcodec: new aead: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts data, prefixing the output with a freshly generated
// nonce.
func (c *Cipher) Seal(data []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("aeadcodec: read nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, data, nil), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("aeadcodec: ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	out, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aeadcodec: open: %w", err)
	}
	return out, nil
}
