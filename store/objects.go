package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ObjectExists reports whether an Object with this id has already been
// committed (I2: existence implies committed to remote storage).
func ObjectExists(ctx context.Context, q querier, id ObjID) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE objid = ?`, id.Bytes()).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: object exists: %w", err)
	}
	return true, nil
}

// GetObject fetches a single Object by id.
func GetObject(ctx context.Context, q querier, id ObjID) (*Object, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT objid, type, payload, file_size, last_modified_time
		FROM objects WHERE objid = ?`, id.Bytes())
	obj, err := scanObject(row.Scan)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get object: %w", err)
	}
	return obj, true, nil
}

// InsertObject inserts a new Object row and its outgoing ObjectRelations.
// Callers (objectsvc.Service.Admit) are responsible for calling this
// inside the same transaction as the remote upload ack, after confirming
// the object doesn't already exist.
func InsertObject(ctx context.Context, tx *sql.Tx, obj Object, children []ChildRef) error {
	var lastMod any
	if obj.LastModifiedTime != nil {
		lastMod = obj.LastModifiedTime.UnixNano()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO objects (objid, type, payload, file_size, last_modified_time)
		VALUES (?, ?, ?, ?, ?)`,
		obj.ID.Bytes(), int(obj.Type), obj.Payload, obj.FileSize, lastMod)
	if err != nil {
		return fmt.Errorf("store: insert object: %w", err)
	}
	for _, c := range children {
		var name any
		if c.Name != "" {
			name = c.Name
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO object_relations (parent, child, name) VALUES (?, ?, ?)`,
			obj.ID.Bytes(), c.Child.Bytes(), name)
		if err != nil {
			return fmt.Errorf("store: insert object relation: %w", err)
		}
	}
	return nil
}

// DeleteObject removes an Object row. object_relations referencing it as
// parent or child cascade at the database layer (I3/§3 ownership rule:
// delete the row before the remote object).
func DeleteObject(ctx context.Context, tx *sql.Tx, id ObjID) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE objid = ?`, id.Bytes())
	if err != nil {
		return fmt.Errorf("store: delete object: %w", err)
	}
	return nil
}

// CountObjects returns the total number of Object rows, used by the
// garbage collector to size its Bloom filter.
func (s *Store) CountObjects(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count objects: %w", err)
	}
	return n, nil
}

// StreamObjects calls fn once per Object row, without materializing the
// full result set in memory.
func (s *Store) StreamObjects(ctx context.Context, fn func(*Object) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT objid, type, payload, file_size, last_modified_time FROM objects`)
	if err != nil {
		return fmt.Errorf("store: stream objects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		obj, err := scanObject(rows.Scan)
		if err != nil {
			return fmt.Errorf("store: stream objects: scan: %w", err)
		}
		if err := fn(obj); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StreamReachableIDs streams the raw objid bytes reachable from any
// Snapshot.root by walking object_relations, via a single recursive CTE
// (§4.G step 4). Used only by the garbage collector.
func (s *Store) StreamReachableIDs(ctx context.Context, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE reachable(id) AS (
			SELECT root FROM snapshots
			UNION ALL
			SELECT object_relations.child FROM object_relations
			INNER JOIN reachable ON reachable.id = object_relations.parent
		) SELECT id FROM reachable`)
	if err != nil {
		return fmt.Errorf("store: stream reachable: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("store: stream reachable: scan: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanObject(scan func(dest ...any) error) (*Object, error) {
	var (
		idBytes  []byte
		typ      int
		payload  []byte
		fileSize sql.NullInt64
		lastMod  sql.NullInt64
	)
	if err := scan(&idBytes, &typ, &payload, &fileSize, &lastMod); err != nil {
		return nil, err
	}
	id, err := castCid(idBytes)
	if err != nil {
		return nil, err
	}
	obj := &Object{ID: id, Type: ObjType(typ), Payload: payload}
	if fileSize.Valid {
		v := fileSize.Int64
		obj.FileSize = &v
	}
	if lastMod.Valid {
		t := time.Unix(0, lastMod.Int64).UTC()
		obj.LastModifiedTime = &t
	}
	return obj, nil
}
