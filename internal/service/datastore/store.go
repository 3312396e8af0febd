package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

const memoryPath = ":memory:"

// errIDSpace is returned when an id or id range would pass math.MaxInt64,
// the last value the sequence can hold.
var errIDSpace = errors.New("id space exhausted")

// schema holds two copies of every entity group: entities is the strongly
// consistent state, visible is what global queries see. A group listed in
// pending_groups has writes not yet copied to visible.
const schema = `
CREATE TABLE entities (
	path      TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	kind      TEXT NOT NULL,
	root      TEXT NOT NULL,
	data      BLOB NOT NULL
);
CREATE INDEX entities_root ON entities (root);

CREATE TABLE visible (
	path      TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	kind      TEXT NOT NULL,
	root      TEXT NOT NULL,
	data      BLOB NOT NULL
);
CREATE INDEX visible_kind ON visible (namespace, kind);
CREATE INDEX visible_root ON visible (root);

CREATE TABLE pending_groups (
	root TEXT PRIMARY KEY
);

CREATE TABLE sequences (
	name TEXT PRIMARY KEY,
	next INTEGER NOT NULL
);
INSERT INTO sequences (name, next) VALUES ('ids', 1);
`

// store is the SQLite backing of one datastore session.
type store struct {
	db     *sql.DB
	policy ConsistencyPolicy
}

// openStore creates a fresh database at path. A file database is removed
// first so every session starts empty.
func openStore(path string, policy ConsistencyPolicy) (*store, error) {
	if path == "" {
		path = memoryPath
	}
	if path != memoryPath {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale database %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &store{db: db, policy: policy}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

// allocate reserves size consecutive ids and returns the first.
func (s *store) allocate(ctx context.Context, tx *sql.Tx, size int64) (int64, error) {
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM sequences WHERE name = 'ids'`).Scan(&next); err != nil {
		return 0, fmt.Errorf("read id sequence: %w", err)
	}
	if size > math.MaxInt64-next {
		return 0, fmt.Errorf("%w: cannot allocate %d ids after %d", errIDSpace, size, next-1)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sequences SET next = ? WHERE name = 'ids'`, next+size); err != nil {
		return 0, fmt.Errorf("advance id sequence: %w", err)
	}
	return next, nil
}

// reserve moves the id sequence past id so later allocations never collide
// with an explicitly chosen id.
func (s *store) reserve(ctx context.Context, tx *sql.Tx, id int64) error {
	if id == math.MaxInt64 {
		return fmt.Errorf("%w: id %d cannot be reserved", errIDSpace, id)
	}
	_, err := tx.ExecContext(ctx, `UPDATE sequences SET next = ? WHERE name = 'ids' AND next <= ?`, id+1, id)
	if err != nil {
		return fmt.Errorf("reserve id %d: %w", id, err)
	}
	return nil
}

// allocateIDs reserves size ids outside of any write.
func (s *store) allocateIDs(ctx context.Context, size int64) (start, end int64, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		start, err = s.allocate(ctx, tx, size)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return start, start + size - 1, nil
}

// put stores the entities, completing incomplete keys in place, and
// returns the final keys.
func (s *store) put(ctx context.Context, entities []Entity) ([]Key, error) {
	keys := make([]Key, len(entities))
	roots := make(map[string]struct{})

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i := range entities {
			e := &entities[i]
			last := &e.Key.Path[len(e.Key.Path)-1]
			switch {
			case e.Key.Incomplete():
				id, err := s.allocate(ctx, tx, 1)
				if err != nil {
					return err
				}
				last.ID = id
			case last.ID != 0:
				if err := s.reserve(ctx, tx, last.ID); err != nil {
					return err
				}
			}

			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entity %s: %w", e.Key, err)
			}
			root := e.Key.Root().encode()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO entities (path, namespace, kind, root, data) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (path) DO UPDATE SET data = excluded.data`,
				e.Key.encode(), e.Key.Namespace, e.Key.Kind(), root, data)
			if err != nil {
				return fmt.Errorf("write entity %s: %w", e.Key, err)
			}
			roots[root] = struct{}{}
			keys[i] = e.Key
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.settle(ctx, roots); err != nil {
		return nil, err
	}
	return keys, nil
}

// get returns the strongly consistent state of each key; missing keys
// yield nil.
func (s *store) get(ctx context.Context, keys []Key) ([]*Entity, error) {
	out := make([]*Entity, len(keys))
	for i, k := range keys {
		var data []byte
		err := s.db.QueryRowContext(ctx, `SELECT data FROM entities WHERE path = ?`, k.encode()).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read entity %s: %w", k, err)
		}
		e, err := decodeEntity(data)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func (s *store) delete(ctx context.Context, keys []Key) error {
	roots := make(map[string]struct{})
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE path = ?`, k.encode()); err != nil {
				return fmt.Errorf("delete entity %s: %w", k, err)
			}
			roots[k.Root().encode()] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.settle(ctx, roots)
}

// settle rolls the consistency policy for every written group: applied
// groups are copied to the visible table, the rest are marked pending.
func (s *store) settle(ctx context.Context, roots map[string]struct{}) error {
	for root := range roots {
		if s.policy.Apply(root) {
			if err := s.applyGroup(ctx, root); err != nil {
				return err
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO pending_groups (root) VALUES (?)`, root); err != nil {
			return fmt.Errorf("mark group pending: %w", err)
		}
	}
	return nil
}

// applyGroup makes the strongly consistent state of a group visible to
// global queries.
func (s *store) applyGroup(ctx context.Context, root string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM visible WHERE root = ?`, root); err != nil {
			return fmt.Errorf("clear visible group: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO visible (path, namespace, kind, root, data)
			SELECT path, namespace, kind, root, data FROM entities WHERE root = ?`, root)
		if err != nil {
			return fmt.Errorf("copy group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_groups WHERE root = ?`, root); err != nil {
			return fmt.Errorf("clear pending group: %w", err)
		}
		return nil
	})
}

// rollPending gives every pending group another chance to apply.
func (s *store) rollPending(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT root FROM pending_groups ORDER BY root`)
	if err != nil {
		return fmt.Errorf("list pending groups: %w", err)
	}
	var roots []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			rows.Close()
			return fmt.Errorf("scan pending group: %w", err)
		}
		roots = append(roots, root)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, root := range roots {
		if !s.policy.Apply(root) {
			continue
		}
		if err := s.applyGroup(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

// scanGroup returns the strongly consistent entities of one group.
func (s *store) scanGroup(ctx context.Context, root, kind string) ([]Entity, error) {
	query := `SELECT data FROM entities WHERE root = ?`
	args := []any{root}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	return s.scan(ctx, query+` ORDER BY path`, args...)
}

// scanVisible returns the entities visible to global queries.
func (s *store) scanVisible(ctx context.Context, namespace, kind string) ([]Entity, error) {
	query := `SELECT data FROM visible WHERE namespace = ?`
	args := []any{namespace}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	return s.scan(ctx, query+` ORDER BY path`, args...)
}

func (s *store) scan(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e, err := decodeEntity(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func decodeEntity(data []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode stored entity: %w", err)
	}
	return &e, nil
}
