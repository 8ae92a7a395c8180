package metadump

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotIndexed indicates the requested assembly is not in the index.
var ErrNotIndexed = errors.New("assembly not indexed")

const schema = `
CREATE TABLE IF NOT EXISTS assemblies (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	mvid TEXT NOT NULL UNIQUE,
	path TEXT
);
CREATE TABLE IF NOT EXISTS types (
	id            INTEGER PRIMARY KEY,
	assembly_id   INTEGER NOT NULL REFERENCES assemblies(id) ON DELETE CASCADE,
	token         INTEGER NOT NULL,
	full_name     TEXT NOT NULL,
	kind          TEXT NOT NULL,
	parent        TEXT,
	instance_size INTEGER NOT NULL,
	vtable_size   INTEGER NOT NULL,
	error         TEXT
);
CREATE TABLE IF NOT EXISTS methods (
	id        INTEGER PRIMARY KEY,
	type_id   INTEGER NOT NULL REFERENCES types(id) ON DELETE CASCADE,
	token     INTEGER NOT NULL,
	name      TEXT NOT NULL,
	signature TEXT NOT NULL,
	slot      INTEGER NOT NULL,
	code_size INTEGER NOT NULL,
	body_hash TEXT
);
CREATE TABLE IF NOT EXISTS fields (
	id      INTEGER PRIMARY KEY,
	type_id INTEGER NOT NULL REFERENCES types(id) ON DELETE CASCADE,
	token   INTEGER NOT NULL,
	name    TEXT NOT NULL,
	field_type   TEXT NOT NULL,
	field_offset INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS methods_name ON methods(name);
CREATE INDEX IF NOT EXISTS methods_body ON methods(body_hash);
CREATE INDEX IF NOT EXISTS types_name ON types(full_name);
`

// Index is a SQLite database of snapshots.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the index at path. ":memory:" gives a
// private in-memory index.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	// An in-memory database lives on one connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Add indexes every assembly of s. An assembly already present with the
// same MVID is replaced.
func (ix *Index) Add(ctx context.Context, s *Snapshot) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range s.Assemblies {
		if _, err := tx.ExecContext(ctx, "DELETE FROM assemblies WHERE mvid = ?", a.MVID); err != nil {
			return fmt.Errorf("replacing %s: %w", a.Name, err)
		}
		res, err := tx.ExecContext(ctx, "INSERT INTO assemblies (name, mvid, path) VALUES (?, ?, ?)", a.Name, a.MVID, a.Path)
		if err != nil {
			return fmt.Errorf("indexing %s: %w", a.Name, err)
		}
		asmID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for i := range a.Types {
			if err := addType(ctx, tx, asmID, &a.Types[i]); err != nil {
				return fmt.Errorf("indexing %s: %w", a.Types[i].FullName(), err)
			}
		}
	}
	return tx.Commit()
}

func addType(ctx context.Context, tx *sql.Tx, asmID int64, t *Type) error {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO types (assembly_id, token, full_name, kind, parent, instance_size, vtable_size, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		asmID, t.Token, t.FullName(), t.Kind, nullable(t.Parent), t.InstanceSize, len(t.VTable), nullable(t.Error))
	if err != nil {
		return err
	}
	typeID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, m := range t.Methods {
		var hash any
		if m.CodeSize > 0 {
			hash = fmt.Sprintf("%016x", m.BodyHash)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO methods (type_id, token, name, signature, slot, code_size, body_hash) VALUES (?, ?, ?, ?, ?, ?, ?)",
			typeID, m.Token, m.Name, m.Signature, m.Slot, m.CodeSize, hash); err != nil {
			return err
		}
	}
	for _, f := range t.Fields {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO fields (type_id, token, name, field_type, field_offset) VALUES (?, ?, ?, ?, ?)",
			typeID, f.Token, f.Name, f.Type, f.Offset); err != nil {
			return err
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MethodRow is a method found by a query.
type MethodRow struct {
	Assembly  string
	Type      string
	Name      string
	Signature string
	Token     uint32
	CodeSize  int
}

// FindMethods returns methods whose name matches the SQL LIKE pattern,
// ordered by assembly, type and token.
func (ix *Index) FindMethods(ctx context.Context, pattern string) ([]MethodRow, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT a.name, t.full_name, m.name, m.signature, m.token, m.code_size
		FROM methods m
		JOIN types t ON t.id = m.type_id
		JOIN assemblies a ON a.id = t.assembly_id
		WHERE m.name LIKE ?
		ORDER BY a.name, t.full_name, m.token`, pattern)
	if err != nil {
		return nil, fmt.Errorf("querying methods: %w", err)
	}
	defer rows.Close()
	var out []MethodRow
	for rows.Next() {
		var r MethodRow
		if err := rows.Scan(&r.Assembly, &r.Type, &r.Name, &r.Signature, &r.Token, &r.CodeSize); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DuplicateBodies groups methods with identical IL. Each group lists
// "Type::Method" names and has at least two entries.
func (ix *Index) DuplicateBodies(ctx context.Context) ([][]string, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT m.body_hash, t.full_name || '::' || m.name
		FROM methods m JOIN types t ON t.id = m.type_id
		WHERE m.body_hash IN (
			SELECT body_hash FROM methods WHERE body_hash IS NOT NULL
			GROUP BY body_hash HAVING COUNT(*) > 1)
		ORDER BY m.body_hash, t.full_name, m.name`)
	if err != nil {
		return nil, fmt.Errorf("querying bodies: %w", err)
	}
	defer rows.Close()
	var groups [][]string
	last := ""
	for rows.Next() {
		var hash, name string
		if err := rows.Scan(&hash, &name); err != nil {
			return nil, err
		}
		if hash != last || len(groups) == 0 {
			groups = append(groups, nil)
			last = hash
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], name)
	}
	return groups, rows.Err()
}

// TypeErrors returns "Type: error" for every type that failed to load in
// the assembly called name.
func (ix *Index) TypeErrors(ctx context.Context, name string) ([]string, error) {
	var id int64
	err := ix.db.QueryRowContext(ctx, "SELECT id FROM assemblies WHERE name = ? ORDER BY id DESC LIMIT 1", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, name)
	}
	if err != nil {
		return nil, err
	}
	rows, err := ix.db.QueryContext(ctx,
		"SELECT full_name, error FROM types WHERE assembly_id = ? AND error IS NOT NULL ORDER BY full_name", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var typ, msg string
		if err := rows.Scan(&typ, &msg); err != nil {
			return nil, err
		}
		out = append(out, typ+": "+msg)
	}
	return out, rows.Err()
}

// Counts returns the number of indexed assemblies, types and methods.
func (ix *Index) Counts(ctx context.Context) (assemblies, types, methods int, err error) {
	err = ix.db.QueryRowContext(ctx,
		"SELECT (SELECT COUNT(*) FROM assemblies), (SELECT COUNT(*) FROM types), (SELECT COUNT(*) FROM methods)").
		Scan(&assemblies, &types, &methods)
	return
}
