package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/linkrelay/linkrelay/internal/storage"
	"github.com/mattn/go-sqlite3"
)

type LinkRepository struct {
	db *sql.DB
}

func NewLinkRepository(dbConn *sql.DB) *LinkRepository {
	return &LinkRepository{db: dbConn}
}

// CreateLink inserts a new record. A primary key collision surfaces as
// storage.ErrDuplicateID so the caller can retry with a fresh ID.
func (r *LinkRepository) CreateLink(ctx context.Context, record *storage.LinkRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (id, original_url, renamed_filename, generated_link, file_size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, record.OriginalURL, record.Filename, record.Link,
		nullableString(record.FileSize), record.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return storage.ErrDuplicateID
		}

		return fmt.Errorf("failed to insert link record: %w", err)
	}

	return nil
}

// GetLink looks up a record by primary key.
func (r *LinkRepository) GetLink(ctx context.Context, id string) (*storage.LinkRecord, error) {
	var record storage.LinkRecord

	var fileSize sql.NullString

	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, original_url, renamed_filename, generated_link, file_size, created_at
		 FROM downloads WHERE id = ?`, id,
	).Scan(&record.ID, &record.OriginalURL, &record.Filename, &record.Link, &fileSize, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get link record: %w", err)
	}

	if fileSize.Valid {
		record.FileSize = fileSize.String
	}

	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		record.CreatedAt = ts
	}

	return &record, nil
}

// UpdateFileSize overwrites the resolved size for a record. Updating a record
// that no longer exists is not an error.
func (r *LinkRepository) UpdateFileSize(ctx context.Context, id, size string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE downloads SET file_size = ? WHERE id = ?`, size, id)

	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
