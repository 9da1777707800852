package sqlite

import (
	"context"
	"database/sql"

	"github.com/linkrelay/linkrelay/internal/storage"
	"github.com/linkrelay/linkrelay/internal/telemetry"
)

// InstrumentedLinkRepository wraps LinkRepository with telemetry.
type InstrumentedLinkRepository struct {
	repo      *LinkRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedLinkRepository creates a new instrumented link repository.
func NewInstrumentedLinkRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedLinkRepository {
	return &InstrumentedLinkRepository{
		repo:      NewLinkRepository(dbConn),
		telemetry: tel,
	}
}

// CreateLink inserts a link record with telemetry.
func (r *InstrumentedLinkRepository) CreateLink(ctx context.Context, record *storage.LinkRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_link", func(ctx context.Context) error {
		return r.repo.CreateLink(ctx, record)
	})
}

// GetLink retrieves a link record with telemetry.
func (r *InstrumentedLinkRepository) GetLink(ctx context.Context, id string) (*storage.LinkRecord, error) {
	var result *storage.LinkRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_link", func(ctx context.Context) error {
		result, err = r.repo.GetLink(ctx, id)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// UpdateFileSize updates the resolved size with telemetry.
func (r *InstrumentedLinkRepository) UpdateFileSize(ctx context.Context, id, size string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_file_size", func(ctx context.Context) error {
		return r.repo.UpdateFileSize(ctx, id, size)
	})
}
