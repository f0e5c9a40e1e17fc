package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/runbox/internal/storage"

	_ "modernc.org/sqlite"
)

// ErrNotFound aliases storage.ErrNotFound.
var ErrNotFound = storage.ErrNotFound

const runColumns = `id, status, filename, entrypoint, provisioned, outcome, exit_code,
	error_kind, error_detail, output_url, bundle_url, workdir, warnings, duration_ms,
	created_at, updated_at`

// timeFormat is fixed-width so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Concurrent runs write history from their own request goroutines; one
	// connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *storage.Run) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	warnings, err := encodeWarnings(r.Warnings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Filename, r.Entrypoint, r.Provisioned, r.Outcome, r.ExitCode,
		r.ErrorKind, r.ErrorDetail, r.OutputURL, r.BundleURL, r.Workdir, warnings, r.DurationMS,
		r.CreatedAt.Format(timeFormat), r.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE id LIKE ? || '%' LIMIT 2`, id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous run prefix %q", id)
	}
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts storage.RunListOptions) ([]storage.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *storage.Run) error {
	r.UpdatedAt = time.Now().UTC()
	warnings, err := encodeWarnings(r.Warnings)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, entrypoint = ?, provisioned = ?, outcome = ?, exit_code = ?,
			error_kind = ?, error_detail = ?, output_url = ?, bundle_url = ?, warnings = ?,
			duration_ms = ?, updated_at = ?
		WHERE id = ?`,
		r.Status, r.Entrypoint, r.Provisioned, r.Outcome, r.ExitCode,
		r.ErrorKind, r.ErrorDetail, r.OutputURL, r.BundleURL, warnings,
		r.DurationMS, r.UpdatedAt.Format(timeFormat), r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	// Resolve prefix first
	r, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, r.ID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeWarnings(w []string) (string, error) {
	if len(w) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshaling warnings: %w", err)
	}
	return string(data), nil
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*storage.Run, error) {
	var r storage.Run
	var warnings, createdAt, updatedAt string
	err := s.Scan(&r.ID, &r.Status, &r.Filename, &r.Entrypoint, &r.Provisioned, &r.Outcome,
		&r.ExitCode, &r.ErrorKind, &r.ErrorDetail, &r.OutputURL, &r.BundleURL, &r.Workdir,
		&warnings, &r.DurationMS, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return nil, fmt.Errorf("unmarshaling warnings: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}
