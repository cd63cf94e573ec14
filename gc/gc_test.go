package gc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"backset/backup"
	"backset/codec"
	"backset/gc"
	"backset/objectsvc"
	"backset/remote/fsremote"
	"backset/scan"
	"backset/store"
)

func setup(t *testing.T) (*store.Store, *objectsvc.Service) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "meta.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend, err := fsremote.New(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)

	svc, err := objectsvc.New(st, backend, 0)
	require.NoError(t, err)
	return st, svc
}

func drain(t *testing.T, ch <-chan store.Object) []store.Object {
	t.Helper()
	var out []store.Object
	for obj := range ch {
		out = append(out, obj)
	}
	return out
}

func containsID(objs []store.Object, id store.ObjID) bool {
	for _, o := range objs {
		if o.ID.Equals(id) {
			return true
		}
	}
	return false
}

// TestGC_ExactFallback_KeepsReachableDeletesOrphan exercises the small-N
// branch: below opts.ExactThreshold, Collect holds the reachable set in
// memory rather than building a Bloom filter.
func TestGC_ExactFallback_KeepsReachableDeletesOrphan(t *testing.T) {
	ctx := context.Background()
	st, svc := setup(t)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, store.InsertFSEntry(ctx, st.Underlying(), &store.FSEntry{Path: root, New: true}))
	_, err := scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)
	_, err = backup.Run(ctx, st, svc, backup.Options{})
	require.NoError(t, err)

	entry, ok, err := store.GetFSEntryByPath(ctx, st.Underlying(), root)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, entry.Obj)
	reachableID := *entry.Obj

	orphanID, err := svc.Admit(ctx, codec.EncodeBlob([]byte("nobody points at me")), store.ObjBlob, nil, nil, nil)
	require.NoError(t, err)

	ch, err := gc.Collect(ctx, st, gc.Options{})
	require.NoError(t, err)
	garbage := drain(t, ch)

	require.True(t, containsID(garbage, orphanID), "unreferenced object should be collected")
	require.False(t, containsID(garbage, reachableID), "snapshot root must never be collected")
}

// TestGC_BloomPath_Soundness forces the Bloom-filter branch (via
// ExactThreshold: 1) and checks the same soundness property: every
// object reachable from a snapshot root is never collected.
func TestGC_BloomPath_Soundness(t *testing.T) {
	ctx := context.Background()
	st, svc := setup(t)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, store.InsertFSEntry(ctx, st.Underlying(), &store.FSEntry{Path: root, New: true}))
	_, err := scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)
	_, err = backup.Run(ctx, st, svc, backup.Options{})
	require.NoError(t, err)

	rootEntry, ok, err := store.GetFSEntryByPath(ctx, st.Underlying(), root)
	require.NoError(t, err)
	require.True(t, ok)
	reachableID := *rootEntry.Obj

	var orphans []store.ObjID
	for i := 0; i < 5; i++ {
		id, err := svc.Admit(ctx, codec.EncodeBlob([]byte{byte(i), 'o', 'r', 'p', 'h', 'a', 'n'}), store.ObjBlob, nil, nil, nil)
		require.NoError(t, err)
		orphans = append(orphans, id)
	}

	ch, err := gc.Collect(ctx, st, gc.Options{ExactThreshold: 1})
	require.NoError(t, err)
	garbage := drain(t, ch)

	require.False(t, containsID(garbage, reachableID), "snapshot root must never be collected")
	for _, id := range orphans {
		require.True(t, containsID(garbage, id), "orphan object should be collected")
	}
}

func TestGC_EmptyStore(t *testing.T) {
	ctx := context.Background()
	st, _ := setup(t)

	ch, err := gc.Collect(ctx, st, gc.Options{})
	require.NoError(t, err)
	require.Empty(t, drain(t, ch))
}
