package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for the given ID.
	ErrNotFound = errors.New("link record not found")
	// ErrDuplicateID is returned when an insert collides with an existing ID.
	ErrDuplicateID = errors.New("link record id already exists")
	// ErrConflict is returned when ID generation kept colliding and gave up.
	ErrConflict = errors.New("could not allocate a unique link id")
)

// LinkRecord maps a short ID to the submitted source URL and display filename.
// OriginalURL and Filename are immutable after creation; FileSize is filled in
// lazily after the first successful resolution and is the only mutable field.
type LinkRecord struct {
	ID          string
	OriginalURL string
	Filename    string
	Link        string
	FileSize    string
	CreatedAt   time.Time
}

// LinkReadRepository reads link records.
type LinkReadRepository interface {
	GetLink(ctx context.Context, id string) (*LinkRecord, error)
}

// LinkWriteRepository creates link records and updates resolved sizes.
type LinkWriteRepository interface {
	CreateLink(ctx context.Context, record *LinkRecord) error
	UpdateFileSize(ctx context.Context, id, size string) error
}

// LinkRepository combines read and write access to link records.
type LinkRepository interface {
	LinkReadRepository
	LinkWriteRepository
}
