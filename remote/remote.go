// Package remote defines the interface the object service uses to
// durably store object payloads outside the metadata database, and the
// sentinel errors every backend implementation shares.
package remote

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// ErrNotFound is returned by Get and Delete when key has no stored
// payload.
var ErrNotFound = errors.New("remote: object not found")

// Backend stores and retrieves object payloads by content-addressed key.
// Implementations need not be transactional with the metadata store;
// objectsvc.Service enforces the "remote ack before row commit" ordering
// on top of whatever Backend it is given.
type Backend interface {
	Put(ctx context.Context, key cid.Cid, data []byte) error
	Get(ctx context.Context, key cid.Cid) ([]byte, error)
	Delete(ctx context.Context, key cid.Cid) error
	Exists(ctx context.Context, key cid.Cid) (bool, error)
}
