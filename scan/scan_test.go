package scan_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"backset/objectsvc"
	"backset/scan"
	"backset/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "meta.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addRoot(t *testing.T, ctx context.Context, st *store.Store, path string) *store.FSEntry {
	t.Helper()
	e := &store.FSEntry{Path: path, New: true}
	require.NoError(t, store.InsertFSEntry(ctx, st.Underlying(), e))
	return e
}

func TestScan_DiscoversNewFilesAndDirectories(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0o644))

	addRoot(t, ctx, st, root)

	_, err := scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)

	n, err := st.CountNew(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "every discovered entry should be cleared of new after scan")

	for _, p := range []string{root, filepath.Join(root, "a.txt"), filepath.Join(root, "sub"), filepath.Join(root, "sub", "b.txt")} {
		_, ok, err := store.GetFSEntryByPath(ctx, st.Underlying(), p)
		require.NoError(t, err)
		require.True(t, ok, "missing entry for %s", p)
	}

	dirty, err := st.CountDirty(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, dirty)
}

func TestScan_UnchangedEntrySkipped(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644))
	addRoot(t, ctx, st, root)

	_, err := scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)

	entry, ok, err := store.GetFSEntryByPath(ctx, st.Underlying(), filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	require.True(t, ok)

	id := mustObjID(t, "fake object")
	entry.Obj = &id
	require.NoError(t, store.SaveFSEntry(ctx, st.Underlying(), entry))

	_, err = scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)

	reloaded, ok, err := store.GetFSEntryByPath(ctx, st.Underlying(), filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, reloaded.Obj, "unchanged stat should leave obj intact")
}

func TestScan_ModifiedFileInvalidatesAncestors(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	fpath := filepath.Join(sub, "f.txt")
	require.NoError(t, os.WriteFile(fpath, []byte("v1"), 0o644))
	addRoot(t, ctx, st, root)

	_, err := scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)

	id := mustObjID(t, "placeholder")
	for _, p := range []string{root, sub, fpath} {
		e, ok, err := store.GetFSEntryByPath(ctx, st.Underlying(), p)
		require.NoError(t, err)
		require.True(t, ok)
		e.Obj = &id
		require.NoError(t, store.SaveFSEntry(ctx, st.Underlying(), e))
	}
	n, err := st.CountDirty(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, os.WriteFile(fpath, []byte("v2, longer content"), 0o644))

	_, err = scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)

	n, err = st.CountDirty(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n, "file, its directory, and the root should all be dirty")
}

func TestScan_DeletedFileRemovesEntry(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	root := t.TempDir()
	fpath := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(fpath, []byte("x"), 0o644))
	addRoot(t, ctx, st, root)

	_, err := scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(fpath))

	_, err = scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)

	_, ok, err := store.GetFSEntryByPath(ctx, st.Underlying(), fpath)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScan_SkipExistingOnlyScansNewEntries(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644))
	addRoot(t, ctx, st, root)

	_, err := scan.Run(ctx, st, scan.Options{})
	require.NoError(t, err)

	id := mustObjID(t, "placeholder")
	for _, p := range []string{root, filepath.Join(root, "f.txt")} {
		e, ok, err := store.GetFSEntryByPath(ctx, st.Underlying(), p)
		require.NoError(t, err)
		require.True(t, ok)
		e.Obj = &id
		require.NoError(t, store.SaveFSEntry(ctx, st.Underlying(), e))
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("changed"), 0o644))

	_, err = scan.Run(ctx, st, scan.Options{SkipExisting: true})
	require.NoError(t, err)

	reloaded, ok, err := store.GetFSEntryByPath(ctx, st.Underlying(), filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, reloaded.Obj, "SkipExisting must not rescan the already-backed-up file")
}

func mustObjID(t *testing.T, content string) store.ObjID {
	t.Helper()
	id, err := objectsvc.HashPayload([]byte(content))
	require.NoError(t, err)
	return id
}
