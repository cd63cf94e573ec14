// Package scan walks the FSEntry shadow tree against the real
// filesystem, discovering new paths, detecting changed or vanished
// ones, and marking the affected subtree dirty so the backup engine
// picks it up. It never touches object payloads or remote storage.
package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	sqlite3 "github.com/mattn/go-sqlite3"

	"backset/store"
)

// ErrReparentNotRoot is returned when a path collision during directory
// diffing lands on an entry that already has a parent — that can only
// happen if the store's invariant that new roots may overlap existing
// roots (but nothing deeper) has been violated elsewhere.
var ErrReparentNotRoot = errors.New("scan: path collision on non-root entry")

// Options configures a scan run.
type Options struct {
	// SkipExisting runs only pass 2 (new entries), used after adding a
	// new root so existing trees aren't rescanned needlessly.
	SkipExisting bool
	// Progress, if non-nil, is called after every entry is scanned.
	// total is nil once pass 2 (new entries) begins, mirroring the
	// source's progress callback contract.
	Progress func(scanned int, total *int)
}

// Stats summarizes a completed scan.
type Stats struct {
	Scanned int
}

// Run performs a full two-pass scan: pass 1 revisits every existing
// FSEntry inside a single transaction (unless SkipExisting), pass 2
// repeatedly scans whatever is new=true, one transaction per iteration,
// until nothing new remains.
func Run(ctx context.Context, st *store.Store, opts Options) (Stats, error) {
	var stats Stats

	if !opts.SkipExisting {
		total, err := countAll(ctx, st)
		if err != nil {
			return stats, err
		}

		tx, err := st.BeginImmediate(ctx)
		if err != nil {
			return stats, fmt.Errorf("scan: begin pass 1: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		var entries []*store.FSEntry
		if err := st.StreamFSEntries(ctx, tx, func(e *store.FSEntry) error {
			entries = append(entries, e)
			return nil
		}); err != nil {
			return stats, err
		}
		for _, e := range entries {
			if _, err := scanEntry(ctx, st, tx, e); err != nil {
				return stats, err
			}
			stats.Scanned++
			if opts.Progress != nil {
				t := total
				opts.Progress(stats.Scanned, &t)
			}
		}
		if err := tx.Commit(); err != nil {
			return stats, fmt.Errorf("scan: commit pass 1: %w", err)
		}
		committed = true
	}

	for {
		n, err := st.CountNew(ctx)
		if err != nil {
			return stats, err
		}
		if n == 0 {
			break
		}

		tx, err := st.BeginImmediate(ctx)
		if err != nil {
			return stats, fmt.Errorf("scan: begin pass 2: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		var entries []*store.FSEntry
		if err := st.StreamNew(ctx, tx, func(e *store.FSEntry) error {
			entries = append(entries, e)
			return nil
		}); err != nil {
			return stats, err
		}
		for _, e := range entries {
			deleted, err := scanEntry(ctx, st, tx, e)
			if err != nil {
				return stats, err
			}
			stats.Scanned++
			if opts.Progress != nil {
				opts.Progress(stats.Scanned, nil)
			}
			// Guard against a scanEntry bug leaving this row both
			// present and still new, which would spin forever.
			if !deleted && e.New {
				return stats, fmt.Errorf("scan: entry %d still new after scan", e.ID)
			}
		}
		if err := tx.Commit(); err != nil {
			return stats, fmt.Errorf("scan: commit pass 2: %w", err)
		}
		committed = true
	}

	if err := st.Analyze(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

func countAll(ctx context.Context, st *store.Store) (int, error) {
	var n int
	if err := st.StreamFSEntries(ctx, st.Underlying(), func(*store.FSEntry) error {
		n++
		return nil
	}); err != nil {
		return 0, err
	}
	return n, nil
}

func isDir(mode uint32) bool { return mode&syscall.S_IFMT == syscall.S_IFDIR }

func statOf(info os.FileInfo) (mode uint32, mtimeNs int64, size int64, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0, false
	}
	return uint32(st.Mode), st.Mtim.Sec*1e9 + st.Mtim.Nsec, st.Size, true
}

// scanEntry is the state machine applied to a single FSEntry: lstat the
// path, react to disappearance or a directory-to-other-type change,
// skip unchanged entries, otherwise mark dirty, refresh stat fields, and
// for directories diff os.ReadDir against the database's children.
func scanEntry(ctx context.Context, st *store.Store, tx *sql.Tx, e *store.FSEntry) (deleted bool, err error) {
	info, err := os.Lstat(e.Path)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return true, store.DeleteFSEntry(ctx, tx, e.ID)
	}
	if err != nil {
		return false, fmt.Errorf("scan: lstat %s: %w", e.Path, err)
	}

	mode, mtimeNs, size, ok := statOf(info)
	if !ok {
		return false, fmt.Errorf("scan: lstat %s: no syscall stat_t available", e.Path)
	}

	if e.StMode != nil && isDir(*e.StMode) && !isDir(mode) {
		if err := store.DeleteChildren(ctx, tx, e.ID); err != nil {
			return false, err
		}
	}

	if !e.New && e.StMode != nil && *e.StMode == mode &&
		e.StMtimeNs != nil && *e.StMtimeNs == mtimeNs &&
		e.StSize != nil && *e.StSize == size {
		return false, nil
	}

	e.Obj = nil
	e.New = false
	e.StMode = &mode
	e.StMtimeNs = &mtimeNs
	e.StSize = &size

	if isDir(mode) {
		if err := diffDirectory(ctx, st, tx, e); err != nil {
			return false, err
		}
	}

	if err := store.SaveFSEntry(ctx, tx, e); err != nil {
		return false, err
	}
	return false, st.InvalidateAncestors(ctx, tx, e.ID)
}

func diffDirectory(ctx context.Context, st *store.Store, tx *sql.Tx, e *store.FSEntry) error {
	children, err := store.GetChildren(ctx, tx, e.ID)
	if err != nil {
		return err
	}
	byName := make(map[string]*store.FSEntry, len(children))
	for _, c := range children {
		byName[filepath.Base(c.Path)] = c
	}

	names, err := readDirNames(e.Path)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
		if _, exists := byName[name]; exists {
			continue
		}
		if err := createChild(ctx, st, tx, e, name); err != nil {
			return err
		}
	}

	for name, child := range byName {
		if !seen[name] {
			if err := store.DeleteFSEntry(ctx, tx, child.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if errors.Is(err, os.ErrPermission) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan: readdir %s: %w", path, err)
	}
	names := make([]string, len(entries))
	for i, ent := range entries {
		names[i] = ent.Name()
	}
	return names, nil
}

func createChild(ctx context.Context, st *store.Store, tx *sql.Tx, parent *store.FSEntry, name string) error {
	child := &store.FSEntry{Path: filepath.Join(parent.Path, name), ParentID: &parent.ID, New: true}
	err := store.InsertFSEntry(ctx, tx, child)
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrConstraint {
		return err
	}

	// A new root was added that turned out to be an ancestor of an
	// existing root; re-discovering it here means we should merge the
	// trees by reparenting the existing root under this directory.
	existing, ok, err := store.GetFSEntryByPath(ctx, tx, child.Path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("scan: constraint violation on %s but no existing row found", child.Path)
	}
	if existing.ParentID != nil {
		return fmt.Errorf("%w: %s", ErrReparentNotRoot, child.Path)
	}
	return store.SetParent(ctx, tx, existing.ID, parent.ID)
}
