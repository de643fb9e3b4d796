// Package sqlmeta provides a SQLite-backed remote.MetadataStore.
//
// Compare-and-set is a single conditional statement inside a transaction that
// also appends the new pointer to document_history, so a pointer swap and its
// audit row are committed together or not at all.
package sqlmeta

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/remote"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite metadata store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the metadata database at path.
// Applies WAL pragmas and the schema; safe to call repeatedly.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to metadata database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetMetadata returns the current pointer for key.
// Rows that fail validation are reported as remote.ErrCorrupt.
func (s *Store) GetMetadata(ctx context.Context, key string) (doc.Document, error) {
	var (
		d         doc.Document
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, revision, blob_path, size, digest, updated_at
		FROM documents
		WHERE key = ?
	`, key).Scan(&d.Key, &d.Revision, &d.BlobPath, &d.Size, &d.Digest, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return doc.Document{}, fmt.Errorf("metadata %s: %w", key, remote.ErrNotFound)
	}
	if err != nil {
		return doc.Document{}, fmt.Errorf("metadata %s: %w", key, err)
	}

	d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return doc.Document{}, fmt.Errorf("metadata %s: updated_at: %v: %w", key, err, remote.ErrCorrupt)
	}
	if err := d.Validate(); err != nil {
		return doc.Document{}, fmt.Errorf("metadata %s: %v: %w", key, err, remote.ErrCorrupt)
	}
	return d, nil
}

// CompareAndSet swaps the pointer for next.Key if the stored revision equals expected.
func (s *Store) CompareAndSet(ctx context.Context, expected uint64, next doc.Document) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("cas %s: %w", next.Key, err)
	}
	updatedAt := next.UpdatedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cas %s: begin tx: %w", next.Key, err)
	}
	defer tx.Rollback() // No-op if committed

	var result sql.Result
	if expected == 0 {
		result, err = tx.ExecContext(ctx, `
			INSERT INTO documents (key, revision, blob_path, size, digest, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, next.Key, next.Revision, next.BlobPath, next.Size, next.Digest, updatedAt)
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET revision = ?, blob_path = ?, size = ?, digest = ?, updated_at = ?
			WHERE key = ? AND revision = ?
		`, next.Revision, next.BlobPath, next.Size, next.Digest, updatedAt, next.Key, expected)
	}
	if err != nil {
		return fmt.Errorf("cas %s: %w", next.Key, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas %s: rows affected: %w", next.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("cas %s: expected revision %d: %w", next.Key, expected, remote.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_history (key, revision, blob_path, size, digest, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key, revision) DO NOTHING
	`, next.Key, next.Revision, next.BlobPath, next.Size, next.Digest, updatedAt); err != nil {
		return fmt.Errorf("cas %s: history: %w", next.Key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cas %s: commit: %w", next.Key, err)
	}
	return nil
}

// History returns every committed revision of key in ascending order.
func (s *Store) History(ctx context.Context, key string) ([]doc.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, revision, blob_path, size, digest, updated_at
		FROM document_history
		WHERE key = ?
		ORDER BY revision ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", key, err)
	}
	defer rows.Close()

	var out []doc.Document
	for rows.Next() {
		var (
			d         doc.Document
			updatedAt string
		)
		if err := rows.Scan(&d.Key, &d.Revision, &d.BlobPath, &d.Size, &d.Digest, &updatedAt); err != nil {
			return nil, fmt.Errorf("history %s: scan: %w", key, err)
		}
		if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("history %s: updated_at: %v: %w", key, err, remote.ErrCorrupt)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
