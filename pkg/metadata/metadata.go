// Package metadata is the object metadata store: a thin layer over
// database/sql implementing the handful of queries the storage façade
// needs against the object table.
package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ErrNotFound is returned when no row matches the requested path.
var ErrNotFound = errors.New("metadata: object not found")

// ErrConflict is returned by Insert when the path already exists.
// Driver-specific unique-constraint errors are translated into this
// sentinel so callers never need to know which database is in use.
var ErrConflict = errors.New("metadata: object already exists")

// Object is a single row of the object table.
type Object struct {
	ID               int64
	Path             string
	ContentSize      uint64
	MimeType         string
	InternalFilename string
	Filename         string
	EncodedFilename  string
}

// maxInsertManyBatch bounds the number of rows per multi-row INSERT so
// that row_count * column_count stays comfortably under SQLite's
// default 999 bound-parameter limit.
const maxInsertManyBatch = 150

// columnsPerRow is the number of bound parameters per row in Insert /
// InsertMany's VALUES clause.
const columnsPerRow = 6

// Store wraps a *sql.DB with the object-table queries.
type Store struct {
	db     *sql.DB
	driver string
}

// New returns a Store backed by db. driver identifies the SQL dialect
// ("sqlite" or "postgres") so placeholder syntax and error inspection
// can be chosen correctly.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// GetByPath fetches the object row for path, or ErrNotFound.
func (s *Store) GetByPath(path string) (*Object, error) {
	row := s.db.QueryRow(
		`SELECT id, path, content_size, mime_type, internal_filename, filename, encoded_filename
		 FROM object WHERE path = `+s.placeholder(1),
		path,
	)

	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: get_by_path %q: %w", path, err)
	}
	return obj, nil
}

// Insert creates a single object row. Returns ErrConflict if path
// already exists.
func (s *Store) Insert(obj *Object) error {
	_, err := s.db.Exec(
		`INSERT INTO object (path, content_size, mime_type, internal_filename, filename, encoded_filename)
		 VALUES (`+s.placeholders(1)+`)`,
		obj.Path, obj.ContentSize, obj.MimeType, obj.InternalFilename, nullable(obj.Filename), nullable(obj.EncodedFilename),
	)
	if err != nil {
		if isUniqueViolation(s.driver, err) {
			return ErrConflict
		}
		return fmt.Errorf("metadata: insert %q: %w", obj.Path, err)
	}
	return nil
}

// InsertMany bulk-inserts rows in a single statement per batch. A nil
// or empty slice is a no-op.
func (s *Store) InsertMany(rows []*Object) error {
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += maxInsertManyBatch {
		end := start + maxInsertManyBatch
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertBatch(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertBatch(rows []*Object) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO object (path, content_size, mime_type, internal_filename, filename, encoded_filename) VALUES `)

	args := make([]any, 0, len(rows)*columnsPerRow)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(" + s.placeholders(i*columnsPerRow+1) + ")")
		args = append(args, row.Path, row.ContentSize, row.MimeType, row.InternalFilename, nullable(row.Filename), nullable(row.EncodedFilename))
	}

	if _, err := s.db.Exec(sb.String(), args...); err != nil {
		if isUniqueViolation(s.driver, err) {
			return ErrConflict
		}
		return fmt.Errorf("metadata: insert_many (%d rows): %w", len(rows), err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting
// UpdateFilenameIfUnset run standalone or inside a caller-managed
// transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// Begin starts a transaction against the underlying database, for
// callers (the import CLI command) that need to batch several
// UpdateFilenameIfUnset calls atomically.
func (s *Store) Begin() (*sql.Tx, error) {
	return s.db.Begin()
}

// UpdateFilenameIfUnset sets filename, encoded_filename, and mime_type
// on the row at path, but only if its filename is still unset — used
// by the import CLI command to backfill display names onto rows
// created by migrate without clobbering rows that already have one.
// It reports whether a row was updated.
func (s *Store) UpdateFilenameIfUnset(exec execer, path, filename, encodedFilename, mimeType string) (bool, error) {
	result, err := exec.Exec(
		`UPDATE object SET filename = `+s.placeholder(1)+`, encoded_filename = `+s.placeholder(2)+`, mime_type = `+s.placeholder(3)+
			` WHERE filename IS NULL AND path = `+s.placeholder(4),
		nullable(filename), nullable(encodedFilename), mimeType, path,
	)
	if err != nil {
		return false, fmt.Errorf("metadata: update_filename_if_unset %q: %w", path, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("metadata: update_filename_if_unset %q: %w", path, err)
	}
	return affected > 0, nil
}

// Delete removes the row identified by obj.ID.
func (s *Store) Delete(obj *Object) error {
	result, err := s.db.Exec(`DELETE FROM object WHERE id = `+s.placeholder(1), obj.ID)
	if err != nil {
		return fmt.Errorf("metadata: delete %q: %w", obj.Path, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// placeholder returns the driver's bound-parameter syntax for a single
// position (1-indexed).
func (s *Store) placeholder(pos int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

// placeholders returns columnsPerRow comma-joined placeholders starting
// at the given 1-indexed position.
func (s *Store) placeholders(start int) string {
	parts := make([]string, columnsPerRow)
	for i := range parts {
		parts[i] = s.placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}

func scanObject(row *sql.Row) (*Object, error) {
	var obj Object
	var filename, encodedFilename sql.NullString
	if err := row.Scan(&obj.ID, &obj.Path, &obj.ContentSize, &obj.MimeType, &obj.InternalFilename, &filename, &encodedFilename); err != nil {
		return nil, err
	}
	obj.Filename = filename.String
	obj.EncodedFilename = encodedFilename.String
	return &obj, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation inspects a driver error for a unique-constraint
// violation. postgres reports this via lib/pq's *pq.Error code 23505;
// modernc.org/sqlite reports it as plain text containing the SQLite
// "UNIQUE constraint failed" message.
func isUniqueViolation(driver string, err error) bool {
	switch driver {
	case "postgres":
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return pqErr.Code == "23505"
		}
		return false
	default:
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	}
}
