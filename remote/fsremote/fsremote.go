// Package fsremote is a remote.Backend that stores objects as plain
// files under a local directory, keyed by their base32 CID string. It
// has no third-party dependency surface by design: it exists purely as
// the fake every scan/backup/gc test runs against.
package fsremote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"backset/remote"
)

// Backend stores payloads as individual files under Dir.
type Backend struct {
	Dir string
}

// New creates a Backend rooted at dir, creating it if necessary.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsremote: mkdir %s: %w", dir, err)
	}
	return &Backend{Dir: dir}, nil
}

func (b *Backend) path(key cid.Cid) string {
	return filepath.Join(b.Dir, key.String())
}

// Put writes data, overwriting any existing content for key. Objects are
// content-addressed, so a Put for a key that already exists is always
// writing identical bytes (I1); overwriting is cheap insurance against a
// half-written file from a crashed prior run.
func (b *Backend) Put(ctx context.Context, key cid.Cid, data []byte) error {
	if err := os.WriteFile(b.path(key), data, 0o644); err != nil {
		return fmt.Errorf("fsremote: put %s: %w", key, err)
	}
	return nil
}

// Get reads the stored payload for key.
func (b *Backend) Get(ctx context.Context, key cid.Cid) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, remote.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fsremote: get %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the stored payload for key. Deleting an already-absent
// key is not an error.
func (b *Backend) Delete(ctx context.Context, key cid.Cid) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fsremote: delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key has a stored payload.
func (b *Backend) Exists(ctx context.Context, key cid.Cid) (bool, error) {
	_, err := os.Stat(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fsremote: exists %s: %w", key, err)
	}
	return true, nil
}
