package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"backset/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := store.Open(ctx, path, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testObjID(t *testing.T, content string) store.ObjID {
	t.Helper()
	mh, err := multihash.Sum([]byte(content), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}

func TestStore_InsertAndGetObject(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id := testObjID(t, "hello world")
	tx, err := s.BeginImmediate(ctx)
	require.NoError(t, err)
	obj := store.Object{ID: id, Type: store.ObjBlob, Payload: []byte("hello world")}
	require.NoError(t, store.InsertObject(ctx, tx, obj, nil))
	require.NoError(t, tx.Commit())

	exists, err := store.ObjectExists(ctx, s.Underlying(), id)
	require.NoError(t, err)
	require.True(t, exists)

	got, ok, err := store.GetObject(ctx, s.Underlying(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, obj.Payload, got.Payload)
	require.Equal(t, store.ObjBlob, got.Type)
}

func TestStore_StreamReachableIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	child := testObjID(t, "child")
	parent := testObjID(t, "parent")
	orphan := testObjID(t, "orphan")

	tx, err := s.BeginImmediate(ctx)
	require.NoError(t, err)
	require.NoError(t, store.InsertObject(ctx, tx, store.Object{ID: child, Type: store.ObjBlob, Payload: []byte("c")}, nil))
	require.NoError(t, store.InsertObject(ctx, tx, store.Object{ID: parent, Type: store.ObjTree, Payload: []byte("p")},
		[]store.ChildRef{{Child: child, Name: "file.txt"}}))
	require.NoError(t, store.InsertObject(ctx, tx, store.Object{ID: orphan, Type: store.ObjBlob, Payload: []byte("o")}, nil))
	_, err = store.InsertSnapshot(ctx, tx, store.Snapshot{Path: "/data", Root: parent, Date: time.Now()})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	reachable := map[string]bool{}
	require.NoError(t, s.StreamReachableIDs(ctx, func(id []byte) error {
		c, err := cid.Cast(id)
		require.NoError(t, err)
		reachable[c.String()] = true
		return nil
	}))

	require.True(t, reachable[parent.String()])
	require.True(t, reachable[child.String()])
	require.False(t, reachable[orphan.String()], "orphan is unreachable from any snapshot root")
}

func TestStore_FSEntry_CRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	db := s.Underlying()

	root := &store.FSEntry{Path: "/data", New: true}
	require.NoError(t, store.InsertFSEntry(ctx, db, root))
	require.NotZero(t, root.ID)

	child := &store.FSEntry{Path: "/data/file.txt", ParentID: &root.ID, New: true}
	require.NoError(t, store.InsertFSEntry(ctx, db, child))

	found, ok, err := store.GetFSEntryByPath(ctx, db, "/data/file.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, child.ID, found.ID)
	require.True(t, found.New)
	require.Nil(t, found.Obj)

	kids, err := store.GetChildren(ctx, db, root.ID)
	require.NoError(t, err)
	require.Len(t, kids, 1)

	n, err := s.CountNew(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = s.CountDirty(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, store.DeleteFSEntry(ctx, db, root.ID))
	_, ok, err = store.GetFSEntryByPath(ctx, db, "/data/file.txt")
	require.NoError(t, err)
	require.False(t, ok, "child should cascade-delete with its parent")
}

func TestStore_StreamReady_ExcludesEntriesWithDirtyChildren(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	db := s.Underlying()

	root := &store.FSEntry{Path: "/data", New: true}
	require.NoError(t, store.InsertFSEntry(ctx, db, root))
	child := &store.FSEntry{Path: "/data/file.txt", ParentID: &root.ID, New: true}
	require.NoError(t, store.InsertFSEntry(ctx, db, child))

	var ready []string
	require.NoError(t, s.StreamReady(ctx, func(e *store.FSEntry) error {
		ready = append(ready, e.Path)
		return nil
	}))
	require.Equal(t, []string{"/data/file.txt"}, ready, "root has a dirty child, so only the leaf is ready")

	id := testObjID(t, "file contents")
	child.Obj = &id
	child.New = false
	require.NoError(t, store.SaveFSEntry(ctx, db, child))

	ready = nil
	require.NoError(t, s.StreamReady(ctx, func(e *store.FSEntry) error {
		ready = append(ready, e.Path)
		return nil
	}))
	require.Equal(t, []string{"/data"}, ready, "once its child is backed up, the root becomes ready")
}

func TestStore_InvalidateAncestors(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	db := s.Underlying()

	root := &store.FSEntry{Path: "/a"}
	require.NoError(t, store.InsertFSEntry(ctx, db, root))
	mid := &store.FSEntry{Path: "/a/b", ParentID: &root.ID}
	require.NoError(t, store.InsertFSEntry(ctx, db, mid))
	leaf := &store.FSEntry{Path: "/a/b/c", ParentID: &mid.ID}
	require.NoError(t, store.InsertFSEntry(ctx, db, leaf))

	id := testObjID(t, "x")
	for _, e := range []*store.FSEntry{root, mid, leaf} {
		e.Obj = &id
		require.NoError(t, store.SaveFSEntry(ctx, db, e))
	}
	n, err := s.CountDirty(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, s.InvalidateAncestors(ctx, db, leaf.ID))

	n, err = s.CountDirty(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n, "leaf and both ancestors should be invalidated")
}

func TestStore_Roots(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	db := s.Underlying()

	a := &store.FSEntry{Path: "/a"}
	require.NoError(t, store.InsertFSEntry(ctx, db, a))
	b := &store.FSEntry{Path: "/b/child", ParentID: nil}
	require.NoError(t, store.InsertFSEntry(ctx, db, b))

	roots, err := s.Roots(ctx, db)
	require.NoError(t, err)
	require.Len(t, roots, 2)
}

func TestStore_SnapshotsAndSettings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	db := s.Underlying()

	root := testObjID(t, "root tree")
	tx, err := s.BeginImmediate(ctx)
	require.NoError(t, err)
	require.NoError(t, store.InsertObject(ctx, tx, store.Object{ID: root, Type: store.ObjTree, Payload: []byte("t")}, nil))
	_, err = store.InsertSnapshot(ctx, tx, store.Snapshot{Path: "/data", Root: root, Date: time.Now()})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	snaps, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.True(t, snaps[0].Root.Equals(root))

	_ = db

	v, err := s.GetSetting(ctx, "inline_threshold", "32768")
	require.NoError(t, err)
	require.Equal(t, "32768", v)

	require.NoError(t, s.SetSetting(ctx, "inline_threshold", "65536"))
	v, err = s.GetSetting(ctx, "inline_threshold", "32768")
	require.NoError(t, err)
	require.Equal(t, "65536", v)
}
