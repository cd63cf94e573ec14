package store

import (
	"context"
	"fmt"
)

// InsertSnapshot records a new named root pointer, typically called once
// per backed-up root directory at the end of a backup run (§4.F).
func InsertSnapshot(ctx context.Context, q querier, snap Snapshot) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO snapshots (path, root, date) VALUES (?, ?, ?)`,
		snap.Path, snap.Root.Bytes(), snap.Date.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: insert snapshot: %w", err)
	}
	return res.LastInsertId()
}

// ListSnapshots returns every Snapshot, most recent first.
func (s *Store) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, root, date FROM snapshots ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var (
			id       int64
			path     string
			rootBs   []byte
			dateNano int64
		)
		if err := rows.Scan(&id, &path, &rootBs, &dateNano); err != nil {
			return nil, fmt.Errorf("store: list snapshots: scan: %w", err)
		}
		root, err := castCid(rootBs)
		if err != nil {
			return nil, err
		}
		out = append(out, &Snapshot{ID: id, Path: path, Root: root, Date: unixNanoToTime(dateNano)})
	}
	return out, rows.Err()
}

// SnapshotsForPath returns every Snapshot recorded against path, most
// recent first.
func (s *Store) SnapshotsForPath(ctx context.Context, path string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, root, date FROM snapshots WHERE path = ? ORDER BY date DESC`, path)
	if err != nil {
		return nil, fmt.Errorf("store: snapshots for path: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var (
			id       int64
			p        string
			rootBs   []byte
			dateNano int64
		)
		if err := rows.Scan(&id, &p, &rootBs, &dateNano); err != nil {
			return nil, fmt.Errorf("store: snapshots for path: scan: %w", err)
		}
		root, err := castCid(rootBs)
		if err != nil {
			return nil, err
		}
		out = append(out, &Snapshot{ID: id, Path: p, Root: root, Date: unixNanoToTime(dateNano)})
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a Snapshot row, e.g. when pruning retention.
func DeleteSnapshot(ctx context.Context, q querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete snapshot: %w", err)
	}
	return nil
}
