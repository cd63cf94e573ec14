package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertFSEntry creates a new FSEntry row and fills in e.ID. Violates the
// path uniqueness constraint (F1) by returning the driver's constraint
// error unwrapped so callers can detect it with IsUniqueViolation.
func InsertFSEntry(ctx context.Context, q querier, e *FSEntry) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO fsentry (path, parent, new, obj, st_mode, st_mtime_ns, st_size)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Path, nullInt64FromPtr(e.ParentID), e.New, nullBytesFromObjID(e.Obj),
		nullUint32FromPtr(e.StMode), nullInt64FromPtr(e.StMtimeNs), nullInt64FromPtr(e.StSize))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: insert fsentry: last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// SaveFSEntry persists all mutable fields of an existing FSEntry.
func SaveFSEntry(ctx context.Context, q querier, e *FSEntry) error {
	_, err := q.ExecContext(ctx, `
		UPDATE fsentry SET parent = ?, obj = ?, new = ?, st_mode = ?, st_mtime_ns = ?, st_size = ?
		WHERE id = ?`,
		nullInt64FromPtr(e.ParentID), nullBytesFromObjID(e.Obj), e.New,
		nullUint32FromPtr(e.StMode), nullInt64FromPtr(e.StMtimeNs), nullInt64FromPtr(e.StSize),
		e.ID)
	if err != nil {
		return fmt.Errorf("store: save fsentry: %w", err)
	}
	return nil
}

// DeleteFSEntry removes an FSEntry row. Descendants (rows whose parent
// references it) cascade-delete at the database layer (F3).
func DeleteFSEntry(ctx context.Context, q querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM fsentry WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete fsentry: %w", err)
	}
	return nil
}

// DeleteChildren removes every direct child of parentID, used
// defensively when an entry stops being a directory (§4.E).
func DeleteChildren(ctx context.Context, q querier, parentID int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM fsentry WHERE parent = ?`, parentID)
	if err != nil {
		return fmt.Errorf("store: delete children: %w", err)
	}
	return nil
}

// GetFSEntryByPath looks up an FSEntry by its absolute path (F1: unique).
func GetFSEntryByPath(ctx context.Context, q querier, path string) (*FSEntry, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, path, parent, obj, new, st_mode, st_mtime_ns, st_size
		FROM fsentry WHERE path = ?`, path)
	e, err := scanFSEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get fsentry by path: %w", err)
	}
	return e, true, nil
}

// GetChildren returns every FSEntry whose parent is parentID, in no
// particular order (the directory read order lives in backup_entry's own
// tree payload construction, not here).
func GetChildren(ctx context.Context, q querier, parentID int64) ([]*FSEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, path, parent, obj, new, st_mode, st_mtime_ns, st_size
		FROM fsentry WHERE parent = ?`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: get children: %w", err)
	}
	defer rows.Close()

	var out []*FSEntry
	for rows.Next() {
		e, err := scanFSEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: get children: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetParent reparents an existing FSEntry (used when scan discovers that
// a newly added root is an ancestor of an existing root, §4.E/§7).
func SetParent(ctx context.Context, q querier, id int64, parentID int64) error {
	_, err := q.ExecContext(ctx, `UPDATE fsentry SET parent = ? WHERE id = ?`, parentID, id)
	if err != nil {
		return fmt.Errorf("store: set parent: %w", err)
	}
	return nil
}

// InvalidateAncestors walks parent pointers from id up to the root in a
// single recursive query, setting obj := NULL on every ancestor
// (including id itself). This is the enforcement mechanism for F5 and
// must not be re-implemented as a row-by-row walk in application code
// (see spec.md §9).
func (s *Store) InvalidateAncestors(ctx context.Context, q querier, id int64) error {
	_, err := q.ExecContext(ctx, `
		WITH RECURSIVE ancestors(id) AS (
			SELECT id FROM fsentry WHERE id = ?
			UNION ALL
			SELECT fsentry.parent FROM fsentry
			INNER JOIN ancestors ON fsentry.id = ancestors.id
			WHERE fsentry.parent IS NOT NULL
		)
		UPDATE fsentry SET obj = NULL WHERE id IN (SELECT id FROM ancestors)`, id)
	if err != nil {
		return fmt.Errorf("store: invalidate ancestors: %w", err)
	}
	return nil
}

// StreamFSEntries calls fn once per existing FSEntry row.
func (s *Store) StreamFSEntries(ctx context.Context, q querier, fn func(*FSEntry) error) error {
	return s.streamFSEntryQuery(ctx, q, `
		SELECT id, path, parent, obj, new, st_mode, st_mtime_ns, st_size FROM fsentry`, fn)
}

// StreamNew calls fn once per FSEntry row with new = true.
func (s *Store) StreamNew(ctx context.Context, q querier, fn func(*FSEntry) error) error {
	return s.streamFSEntryQuery(ctx, q, `
		SELECT id, path, parent, obj, new, st_mode, st_mtime_ns, st_size
		FROM fsentry WHERE new = 1`, fn)
}

// CountNew returns the number of FSEntry rows still needing their first
// scan (new = true). A nonzero count before backup starts is ScanNotRun.
func (s *Store) CountNew(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fsentry WHERE new = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count new: %w", err)
	}
	return n, nil
}

// CountDirty returns the size of to_backup: entries with obj IS NULL.
func (s *Store) CountDirty(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fsentry WHERE obj IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count dirty: %w", err)
	}
	return n, nil
}

// StreamReady calls fn once per entry in the ready set: dirty entries
// none of whose children are themselves dirty (§4.F).
func (s *Store) StreamReady(ctx context.Context, fn func(*FSEntry) error) error {
	return s.streamFSEntryQuery(ctx, s.db, `
		SELECT e.id, e.path, e.parent, e.obj, e.new, e.st_mode, e.st_mtime_ns, e.st_size
		FROM fsentry e
		WHERE e.obj IS NULL
		AND NOT EXISTS (
			SELECT 1 FROM fsentry c WHERE c.parent = e.id AND c.obj IS NULL
		)`, fn)
}

// Roots returns every FSEntry with no parent.
func (s *Store) Roots(ctx context.Context, q querier) ([]*FSEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, path, parent, obj, new, st_mode, st_mtime_ns, st_size
		FROM fsentry WHERE parent IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: roots: %w", err)
	}
	defer rows.Close()

	var out []*FSEntry
	for rows.Next() {
		e, err := scanFSEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: roots: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) streamFSEntryQuery(ctx context.Context, q querier, query string, fn func(*FSEntry) error) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("store: stream fsentry: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanFSEntry(rows.Scan)
		if err != nil {
			return fmt.Errorf("store: stream fsentry: scan: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanFSEntry(scan func(dest ...any) error) (*FSEntry, error) {
	var (
		id        int64
		path      string
		parent    sql.NullInt64
		obj       []byte
		isNew     bool
		stMode    sql.NullInt64
		stMtimeNs sql.NullInt64
		stSize    sql.NullInt64
	)
	if err := scan(&id, &path, &parent, &obj, &isNew, &stMode, &stMtimeNs, &stSize); err != nil {
		return nil, err
	}
	e := &FSEntry{ID: id, Path: path, New: isNew}
	if parent.Valid {
		v := parent.Int64
		e.ParentID = &v
	}
	if len(obj) > 0 {
		oid, err := castCid(obj)
		if err != nil {
			return nil, err
		}
		e.Obj = &oid
	}
	if stMode.Valid {
		v := uint32(stMode.Int64)
		e.StMode = &v
	}
	if stMtimeNs.Valid {
		v := stMtimeNs.Int64
		e.StMtimeNs = &v
	}
	if stSize.Valid {
		v := stSize.Int64
		e.StSize = &v
	}
	return e, nil
}

func nullInt64FromPtr(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullUint32FromPtr(p *uint32) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullBytesFromObjID(id *ObjID) any {
	if id == nil {
		return nil
	}
	return id.Bytes()
}
