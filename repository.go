// Package backset ties the metadata store, object service, and remote
// backend together into the three operations a caller actually drives:
// scan the filesystem, back up what scan found dirty, and collect what
// backup left unreferenced.
package backset

import (
	"context"
	"fmt"

	"backset/backup"
	"backset/config"
	"backset/gc"
	"backset/objectsvc"
	"backset/remote"
	"backset/remote/fsremote"
	"backset/remote/s3remote"
	"backset/scan"
	"backset/store"
)

// Repository is the top-level handle a CLI or long-running process
// opens once per metadata database.
type Repository struct {
	st      *store.Store
	svc     *objectsvc.Service
	backend remote.Backend
	cfg     config.Config
}

// Open opens (creating if necessary) the metadata store at dbPath,
// loads the persisted Config, and dials the configured remote backend.
func Open(ctx context.Context, dbPath string) (*Repository, error) {
	st, err := store.Open(ctx, dbPath, store.Options{})
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(ctx, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("backset: load config: %w", err)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	svc, err := objectsvc.New(st, backend, 0)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("backset: new object service: %w", err)
	}

	return &Repository{st: st, svc: svc, backend: backend, cfg: cfg}, nil
}

func openBackend(ctx context.Context, cfg config.Config) (remote.Backend, error) {
	switch cfg.StorageBackend {
	case "", "fs":
		dir := cfg.FSDir
		if dir == "" {
			dir = "objects"
		}
		return fsremote.New(dir)
	case "s3":
		return s3remote.New(ctx, s3remote.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		})
	default:
		return nil, fmt.Errorf("backset: unknown storage backend %q", cfg.StorageBackend)
	}
}

// Init persists cfg as the repository's configuration, overwriting
// whatever defaults or prior values were in the settings table.
func (r *Repository) Init(ctx context.Context, cfg config.Config) error {
	if err := config.Save(ctx, r.st, cfg); err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

// AddRoot registers path as a new backup root. It is a no-op if path is
// already tracked.
func (r *Repository) AddRoot(ctx context.Context, path string) error {
	_, ok, err := store.GetFSEntryByPath(ctx, r.st.Underlying(), path)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return store.InsertFSEntry(ctx, r.st.Underlying(), &store.FSEntry{Path: path, New: true})
}

// Scan walks every tracked root against the real filesystem.
func (r *Repository) Scan(ctx context.Context, opts scan.Options) (scan.Stats, error) {
	return scan.Run(ctx, r.st, opts)
}

// Backup serializes every dirty FSEntry into the object graph and
// records one Snapshot per root.
func (r *Repository) Backup(ctx context.Context, progress func(done, total int)) (backup.Stats, error) {
	return backup.Run(ctx, r.st, r.svc, backup.Options{
		Workers:         r.cfg.WorkerCount,
		InlineThreshold: r.cfg.InlineThreshold,
		ChunkSize:       r.cfg.ChunkSize,
		Progress:        progress,
	})
}

// GC streams every Object unreferenced by any Snapshot and deletes it
// from both the metadata store and the remote backend, row first (§3,
// §4.G).
func (r *Repository) GC(ctx context.Context, opts gc.Options) (int, error) {
	garbage, err := gc.Collect(ctx, r.st, opts)
	if err != nil {
		return 0, err
	}

	var n int
	for obj := range garbage {
		tx, err := r.st.BeginImmediate(ctx)
		if err != nil {
			return n, fmt.Errorf("backset: gc begin tx: %w", err)
		}
		if err := store.DeleteObject(ctx, tx, obj.ID); err != nil {
			tx.Rollback()
			return n, err
		}
		if err := tx.Commit(); err != nil {
			return n, fmt.Errorf("backset: gc commit tx: %w", err)
		}
		if err := r.backend.Delete(ctx, obj.ID); err != nil {
			return n, fmt.Errorf("backset: gc remote delete: %w", err)
		}
		n++
	}
	if err := r.st.Analyze(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// ListSnapshots returns every recorded Snapshot, most recent first.
func (r *Repository) ListSnapshots(ctx context.Context) ([]*store.Snapshot, error) {
	return r.st.ListSnapshots(ctx)
}

// DeleteSnapshot prunes a Snapshot by id. Anything it alone kept
// reachable becomes eligible for the next GC pass.
func (r *Repository) DeleteSnapshot(ctx context.Context, id int64) error {
	tx, err := r.st.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("backset: delete snapshot: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := store.DeleteSnapshot(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Config returns the repository's currently loaded Config.
func (r *Repository) Config() config.Config { return r.cfg }

// Close releases the metadata store's connection.
func (r *Repository) Close() error {
	return r.st.Close()
}
