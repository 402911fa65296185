// ABOUTME: SQLite implementation of the Storage interface using modernc.org/sqlite
// ABOUTME: Documents are stored as JSON rows per class; schema classes are persisted alongside

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Storage on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	schema *SchemaController
}

// Ensure SQLiteStore implements Storage.
var _ Storage = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite store at the given path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps :memory: databases and write transactions consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}
	s.schema = NewSchemaController(s.saveClass)

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.loadClasses(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading classes: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			kind       TEXT NOT NULL,
			object_id  TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT,
			PRIMARY KEY (kind, object_id)
		);

		CREATE INDEX IF NOT EXISTS idx_documents_kind_created
			ON documents(kind, created_at);

		CREATE TABLE IF NOT EXISTS schema_classes (
			name        TEXT PRIMARY KEY,
			fields_json TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) loadClasses() error {
	rows, err := s.db.Query(`SELECT name, fields_json FROM schema_classes`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, fieldsJSON string
		if err := rows.Scan(&name, &fieldsJSON); err != nil {
			return fmt.Errorf("scanning class: %w", err)
		}
		var fields map[string]Field
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return fmt.Errorf("decoding class %s: %w", name, err)
		}
		s.schema.Put(&Class{Name: name, Fields: fields})
	}
	return rows.Err()
}

func (s *SQLiteStore) saveClass(c *Class) error {
	fieldsJSON, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO schema_classes (name, fields_json) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET fields_json = excluded.fields_json
	`, c.Name, string(fieldsJSON))
	if err != nil {
		return fmt.Errorf("saving class: %w", err)
	}
	s.logger.Debug("schema class saved", "class", c.Name, "fields", len(c.Fields))
	return nil
}

// Schema exposes the controller so callers can declare classes.
func (s *SQLiteStore) Schema() *SchemaController {
	return s.schema
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadKind reads every document of a kind, narrowed by objectId when the
// filter pins one.
func (s *SQLiteStore) loadKind(ctx context.Context, q querier, kind string, filter Filter) ([]Record, error) {
	query := `SELECT data FROM documents WHERE kind = ?`
	args := []any{kind}
	if id := filter.ObjectID(); id != "" {
		query += ` AND object_id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY created_at, object_id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Find returns readable documents matching the filter.
func (s *SQLiteStore) Find(ctx context.Context, kind string, filter Filter, opts FindOptions) ([]Record, error) {
	docs, err := s.loadKind(ctx, s.db, kind, filter)
	if err != nil {
		return nil, err
	}
	mt := newMatcher(opts.FoldFields...)
	var out []Record
	for _, r := range docs {
		if !CanRead(r, opts.ACL) || !mt.match(r, filter) {
			continue
		}
		out = append(out, project(r, opts.Keys))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Create inserts a document. With ValidateOnly nothing is written.
func (s *SQLiteStore) Create(ctx context.Context, kind string, data Record, opts WriteOptions) (Record, error) {
	if opts.ValidateOnly {
		return Record{}, nil
	}
	rec := resolveCreate(data)
	if rec.ObjectID() == "" {
		return nil, ErrMissingObjectID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkUnique(ctx, tx, kind, rec); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (kind, object_id, data, created_at) VALUES (?, ?, ?, ?)`,
		kind, rec.ObjectID(), string(raw), rec.String("createdAt"))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, &DuplicateError{Kind: kind, Field: "objectId"}
		}
		return nil, fmt.Errorf("inserting document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return rec.Clone(), nil
}

// Update applies data to the first writable document matching the filter
// (every match when opts.Many is set) and returns the updated document.
func (s *SQLiteStore) Update(ctx context.Context, kind string, filter Filter, data Record, opts WriteOptions) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	docs, err := s.loadKind(ctx, tx, kind, filter)
	if err != nil {
		return nil, err
	}
	mt := newMatcher()
	var targets []Record
	for _, r := range docs {
		if CanWrite(r, opts.ACL) && mt.match(r, filter) {
			targets = append(targets, r)
			if !opts.Many {
				break
			}
		}
	}
	if len(targets) == 0 {
		return nil, ErrNotFound
	}
	if opts.ValidateOnly {
		return targets[0].Clone(), nil
	}

	var first Record
	for _, r := range targets {
		next := Apply(r, data)
		next["objectId"] = r.ObjectID()
		if err := s.checkUnique(ctx, tx, kind, next); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encoding document: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET data = ? WHERE kind = ? AND object_id = ?`,
			string(raw), kind, next.ObjectID()); err != nil {
			return nil, fmt.Errorf("updating document: %w", err)
		}
		if first == nil {
			first = next
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return first, nil
}

// Destroy deletes every writable document matching the filter.
func (s *SQLiteStore) Destroy(ctx context.Context, kind string, filter Filter, opts WriteOptions) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	docs, err := s.loadKind(ctx, tx, kind, filter)
	if err != nil {
		return 0, err
	}
	mt := newMatcher()
	n := 0
	for _, r := range docs {
		if !CanWrite(r, opts.ACL) || !mt.match(r, filter) {
			continue
		}
		n++
		if opts.ValidateOnly {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE kind = ? AND object_id = ?`, kind, r.ObjectID()); err != nil {
			return 0, fmt.Errorf("deleting document: %w", err)
		}
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return n, nil
}

// checkUnique rejects rec when another document of the kind holds one of its unique values.
func (s *SQLiteStore) checkUnique(ctx context.Context, tx *sql.Tx, kind string, rec Record) error {
	for _, field := range uniqueFields[kind] {
		v, ok := rec[field].(string)
		if !ok || v == "" {
			continue
		}
		var other string
		err := tx.QueryRowContext(ctx, `
			SELECT object_id FROM documents
			WHERE kind = ? AND json_extract(data, '$.' || ?) = ? AND object_id != ?
			LIMIT 1
		`, kind, field, v, rec.ObjectID()).Scan(&other)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("checking unique %s: %w", field, err)
		}
		return &DuplicateError{Kind: kind, Field: field}
	}
	return nil
}

// LoadSchema returns a snapshot of the schema.
func (s *SQLiteStore) LoadSchema(ctx context.Context) (*Schema, error) {
	return s.schema.Snapshot(), nil
}

// ValidateObject checks data against the class schema, persisting new fields.
func (s *SQLiteStore) ValidateObject(ctx context.Context, kind string, data Record, filter Filter, opts WriteOptions) error {
	return s.schema.Validate(kind, data)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueConstraintError(err error) bool {
	// SQLite returns "UNIQUE constraint failed" in the error message
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "unique constraint"))
}
