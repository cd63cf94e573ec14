package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"backset/chunker"
	"backset/codec"
	"backset/objectsvc"
	"backset/store"
)

// ErrDependency is returned when a directory is selected for backup
// before all of its children have an object assigned. It indicates a
// bug in the ready-set query, not a transient condition.
var ErrDependency = errors.New("backup: entry depends on children that are not yet backed up")

// ErrScanNotRun is returned when a backup is attempted while any
// FSEntry is still new=true, meaning scan.Run has never visited it.
var ErrScanNotRun = errors.New("backup: scan has not been run on one or more entries")

// ErrNoProgress is returned when a round of the worker pool selects no
// entries even though dirty entries remain — a dependency cycle or
// store bug, since otherwise the ready set always shrinks.
var ErrNoProgress = errors.New("backup: no entries became ready; possible dependency cycle")

// ErrRemoteUpload wraps a failure from the Sink's remote write.
var ErrRemoteUpload = errors.New("backup: remote upload failed")

// Options configures a backup run.
type Options struct {
	// Workers bounds the number of concurrent backupEntry calls.
	// Non-positive falls back to 4.
	Workers int
	// InlineThreshold is the largest regular file size stored directly
	// in the inode payload.
	InlineThreshold int64
	// ChunkSize is the fixed chunk size for files above InlineThreshold.
	ChunkSize int64
	// Progress, if non-nil, is called after each entry is backed up.
	Progress func(done, total int)
}

const (
	defaultWorkers         = 4
	defaultInlineThreshold = 32 * 1024
	defaultChunkSize       = 4 << 20
)

// Stats summarizes a completed backup run.
type Stats struct {
	EntriesBackedUp int
	SnapshotsMade   int
}

// Run backs up every dirty FSEntry in dependency order: leaves before
// the directories that contain them. It proceeds in rounds; each round
// collects the current ready set (dirty entries with no dirty
// children), fans it out across a bounded worker pool, and repeats
// until nothing is dirty. Once drained, one Snapshot is recorded per
// root FSEntry.
func Run(ctx context.Context, st *store.Store, sink objectsvc.Sink, opts Options) (Stats, error) {
	var stats Stats

	newCount, err := st.CountNew(ctx)
	if err != nil {
		return stats, err
	}
	if newCount > 0 {
		return stats, ErrScanNotRun
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	inlineThreshold := opts.InlineThreshold
	if inlineThreshold <= 0 {
		inlineThreshold = defaultInlineThreshold
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	total, err := st.CountDirty(ctx)
	if err != nil {
		return stats, err
	}
	totalInt := int(total)

	for {
		dirty, err := st.CountDirty(ctx)
		if err != nil {
			return stats, err
		}
		if dirty == 0 {
			break
		}

		ready, err := collectReady(ctx, st)
		if err != nil {
			return stats, err
		}
		if len(ready) == 0 {
			return stats, ErrNoProgress
		}

		n, err := runRound(ctx, st, sink, ready, workers, inlineThreshold, chunkSize)
		stats.EntriesBackedUp += n
		if opts.Progress != nil {
			opts.Progress(stats.EntriesBackedUp, totalInt)
		}
		if err != nil {
			return stats, err
		}
	}

	n, err := recordSnapshots(ctx, st)
	if err != nil {
		return stats, err
	}
	stats.SnapshotsMade = n

	if err := st.Analyze(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

func collectReady(ctx context.Context, st *store.Store) ([]*store.FSEntry, error) {
	var ready []*store.FSEntry
	err := st.StreamReady(ctx, func(e *store.FSEntry) error {
		ready = append(ready, e)
		return nil
	})
	return ready, err
}

// runRound backs up every entry in ready across a bounded pool of
// goroutines, stopping new submissions (but waiting for in-flight work)
// if ctx is cancelled.
func runRound(ctx context.Context, st *store.Store, sink objectsvc.Sink, ready []*store.FSEntry, workers int, inlineThreshold, chunkSize int64) (int, error) {
	jobs := make(chan *store.FSEntry)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	var completed int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				err := backupEntry(ctx, st, sink, e, inlineThreshold, chunkSize)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					completed++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, e := range ready {
		select {
		case jobs <- e:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return completed, firstErr
	}
	if err := ctx.Err(); err != nil {
		return completed, err
	}
	return completed, nil
}

// backupEntry is the per-FSEntry serialization state machine: lstat,
// branch on file type, admit the resulting payload(s) through sink, and
// persist the resulting obj id. Every exit path either sets e.Obj to a
// non-nil value or deletes the row — never both, never neither.
func backupEntry(ctx context.Context, st *store.Store, sink objectsvc.Sink, e *store.FSEntry, inlineThreshold, chunkSize int64) error {
	info, err := os.Lstat(e.Path)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		log.Printf("backup: disappeared, removing: %s", e.Path)
		return store.DeleteFSEntry(ctx, st.Underlying(), e.ID)
	}
	if err != nil {
		return fmt.Errorf("backup: lstat %s: %w", e.Path, err)
	}

	st_, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("backup: lstat %s: no syscall stat_t available", e.Path)
	}
	mode := uint32(st_.Mode)
	mtimeNs := st_.Mtim.Sec*1e9 + st_.Mtim.Nsec
	atimeNs := st_.Atim.Sec*1e9 + st_.Atim.Nsec
	size := st_.Size
	mtime := time.Unix(0, mtimeNs).UTC()

	switch mode & syscall.S_IFMT {
	case syscall.S_IFREG:
		return backupRegularFile(ctx, st, sink, e, inlineThreshold, chunkSize, st_, mode, mtimeNs, atimeNs, size, mtime)
	case syscall.S_IFDIR:
		return backupDirectory(ctx, st, sink, e, st_, mode, mtimeNs, atimeNs, mtime)
	default:
		log.Printf("backup: unsupported file type, not backing up: %s", e.Path)
		return store.DeleteFSEntry(ctx, st.Underlying(), e.ID)
	}
}

func backupRegularFile(ctx context.Context, st *store.Store, sink objectsvc.Sink, e *store.FSEntry, inlineThreshold, chunkSize int64, st_ *syscall.Stat_t, mode uint32, mtimeNs, atimeNs, size int64, mtime time.Time) error {
	meta := codec.InodeMeta{
		Size:    size,
		Inode:   int64(st_.Ino),
		Uid:     int64(st_.Uid),
		Gid:     int64(st_.Gid),
		Mode:    int64(mode),
		MtimeNs: mtimeNs,
		AtimeNs: atimeNs,
	}

	f, err := openForRead(e.Path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("backup: disappeared while opening, removing: %s", e.Path)
		return store.DeleteFSEntry(ctx, st.Underlying(), e.ID)
	}
	if err != nil {
		log.Printf("backup: cannot open, removing: %s: %v", e.Path, err)
		return store.DeleteFSEntry(ctx, st.Underlying(), e.ID)
	}
	defer f.Close()

	var payload []byte
	if size < inlineThreshold {
		data, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("backup: read %s: %w", e.Path, err)
		}
		payload = codec.EncodeInodeImmediate(meta, data)
	} else {
		chunks, err := chunkAndAdmit(ctx, sink, f, chunkSize)
		if err != nil {
			return err
		}
		payload = codec.EncodeInodeChunklist(meta, chunks)
	}

	id, err := sink.Admit(ctx, payload, store.ObjInode, &size, &mtime, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemoteUpload, e.Path, err)
	}
	e.Obj = &id
	return store.SaveFSEntry(ctx, st.Underlying(), e)
}

func chunkAndAdmit(ctx context.Context, sink objectsvc.Sink, f io.Reader, chunkSize int64) ([]codec.ChunkRef, error) {
	c := chunker.New(f, int(chunkSize))
	var chunks []codec.ChunkRef
	for {
		chunk, ok, err := c.Next()
		if err != nil {
			return nil, fmt.Errorf("backup: chunk read: %w", err)
		}
		if !ok {
			break
		}
		blobPayload := codec.EncodeBlob(chunk.Data)
		childID, err := sink.Admit(ctx, blobPayload, store.ObjBlob, nil, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRemoteUpload, err)
		}
		chunks = append(chunks, codec.ChunkRef{Offset: chunk.Offset, Child: childID.Bytes()})
	}
	return chunks, nil
}

func backupDirectory(ctx context.Context, st *store.Store, sink objectsvc.Sink, e *store.FSEntry, st_ *syscall.Stat_t, mode uint32, mtimeNs, atimeNs int64, mtime time.Time) error {
	children, err := store.GetChildren(ctx, st.Underlying(), e.ID)
	if err != nil {
		return err
	}

	var missing []string
	for _, c := range children {
		if c.Obj == nil {
			missing = append(missing, c.Path)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s depends on %v", ErrDependency, e.Path, missing)
	}

	meta := codec.TreeMeta{
		Uid:   int64(st_.Uid),
		Gid:   int64(st_.Gid),
		Mode:  int64(mode),
		Mtime: mtimeNs,
		Atime: atimeNs,
	}

	entries := make([]codec.TreeEntry, len(children))
	relations := make([]objectsvc.ChildRef, len(children))
	for i, c := range children {
		name := filepath.Base(c.Path)
		entries[i] = codec.TreeEntry{Name: []byte(name), Child: c.Obj.Bytes()}
		relations[i] = objectsvc.ChildRef{Child: *c.Obj, Name: lossyUTF8(name)}
	}

	payload := codec.EncodeTree(meta, entries)
	id, err := sink.Admit(ctx, payload, store.ObjTree, nil, &mtime, relations)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemoteUpload, e.Path, err)
	}
	e.Obj = &id
	return store.SaveFSEntry(ctx, st.Underlying(), e)
}

// lossyUTF8 drops any byte sequence that isn't valid UTF-8, matching
// os.fsencode(name).decode("utf-8", errors="ignore") in the source:
// object_relations.name exists only for indexing, never for restore.
func lossyUTF8(name string) string {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		if r == '�' {
			continue
		}
		out = append(out, string(r)...)
	}
	return string(out)
}

func recordSnapshots(ctx context.Context, st *store.Store) (int, error) {
	roots, err := st.Roots(ctx, st.Underlying())
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	n := 0
	for _, root := range roots {
		if root.Obj == nil {
			return n, fmt.Errorf("backup: root %s has no object after backup completed", root.Path)
		}
		tx, err := st.BeginImmediate(ctx)
		if err != nil {
			return n, fmt.Errorf("backup: begin snapshot tx: %w", err)
		}
		_, err = store.InsertSnapshot(ctx, tx, store.Snapshot{Path: root.Path, Root: *root.Obj, Date: now})
		if err != nil {
			tx.Rollback()
			return n, err
		}
		if err := tx.Commit(); err != nil {
			return n, fmt.Errorf("backup: commit snapshot tx: %w", err)
		}
		n++
	}
	return n, nil
}
