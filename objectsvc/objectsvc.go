// Package objectsvc implements object admission: hashing a payload,
// deduplicating against what's already stored, and committing new
// objects to the metadata store only after the remote write has been
// acknowledged.
package objectsvc

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"

	"backset/remote"
	"backset/store"
)

// ChildRef names one outgoing edge of an object being admitted.
type ChildRef = store.ChildRef

// Sink is the narrow interface the scan/backup serializers depend on,
// so neither ever touches hashing, upload, or dedup directly.
type Sink interface {
	Admit(ctx context.Context, payload []byte, typ store.ObjType, fileSize *int64, lastModified *time.Time, children []ChildRef) (store.ObjID, error)
}

// Service is the concrete Sink: BLAKE3 hash wrapped as a CIDv1/raw
// value, an LRU cache of recently-admitted ids ahead of a DB existence
// check, and a remote Backend written before the row commits.
type Service struct {
	st     *store.Store
	remote remote.Backend
	cache  *lru.Cache[string, store.ObjID]
}

// DefaultCacheSize bounds the number of recently-admitted ids kept
// in memory to shortcut duplicate-object hash checks.
const DefaultCacheSize = 4096

// New builds a Service. cacheSize <= 0 picks DefaultCacheSize.
func New(st *store.Store, backend remote.Backend, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, store.ObjID](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("objectsvc: new cache: %w", err)
	}
	return &Service{st: st, remote: backend, cache: cache}, nil
}

// HashPayload computes the content-addressed id for payload: a BLAKE3
// digest wrapped as a CIDv1 value using the raw codec (spec.md §3, I1).
func HashPayload(payload []byte) (store.ObjID, error) {
	sum := blake3.Sum256(payload)
	mh, err := multihash.Encode(sum[:], multihash.BLAKE3)
	if err != nil {
		return cid.Undef, fmt.Errorf("objectsvc: encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// Admit hashes payload, short-circuits if the object already exists
// (checking the LRU cache first, then the metadata store), and
// otherwise writes it to the remote backend before committing the row
// and its relations in a single transaction (§3 ordering rule, §4.D).
func (s *Service) Admit(ctx context.Context, payload []byte, typ store.ObjType, fileSize *int64, lastModified *time.Time, children []ChildRef) (store.ObjID, error) {
	id, err := HashPayload(payload)
	if err != nil {
		return cid.Undef, err
	}
	key := id.String()

	if _, ok := s.cache.Get(key); ok {
		return id, nil
	}

	exists, err := store.ObjectExists(ctx, s.st.Underlying(), id)
	if err != nil {
		return cid.Undef, err
	}
	if exists {
		s.cache.Add(key, id)
		return id, nil
	}

	if err := s.remote.Put(ctx, id, payload); err != nil {
		return cid.Undef, fmt.Errorf("objectsvc: remote upload: %w", err)
	}

	tx, err := s.st.BeginImmediate(ctx)
	if err != nil {
		return cid.Undef, fmt.Errorf("objectsvc: begin tx: %w", err)
	}
	defer tx.Rollback()

	exists, err = store.ObjectExists(ctx, tx, id)
	if err != nil {
		return cid.Undef, err
	}
	if !exists {
		obj := store.Object{ID: id, Type: typ, Payload: payload, FileSize: fileSize, LastModifiedTime: lastModified}
		if err := store.InsertObject(ctx, tx, obj, children); err != nil {
			return cid.Undef, err
		}
	}
	if err := tx.Commit(); err != nil {
		return cid.Undef, fmt.Errorf("objectsvc: commit: %w", err)
	}

	s.cache.Add(key, id)
	return id, nil
}
