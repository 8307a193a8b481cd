package files

import (
	"context"
	"time"

	"github.com/depotd/depot/internal/server/models"
)

// ListFilter narrows List results. Zero values mean "no filter";
// Limit <= 0 applies the repository default.
type ListFilter struct {
	Prefix     string
	Type       models.FileType
	Visibility models.Visibility
	Limit      int
	Offset     int
}

type Repository interface {
	Create(ctx context.Context, f *models.File) error

	// UpdateHead refreshes the head fields after a content-changing
	// upload: size, content type, checksum, tags, version count,
	// locator and timestamps. The path never changes here.
	UpdateHead(ctx context.Context, f *models.File) error

	// Rename moves a file to a new path and locator within its entity
	// (move is copy-then-delete, so the locator changes too).
	Rename(ctx context.Context, id, newPath, newLocator string) error

	GetByPath(ctx context.Context, entityID, path string) (*models.File, error)
	GetByID(ctx context.Context, id string) (*models.File, error)
	Delete(ctx context.Context, id string) error

	// List returns files of an entity, newest first, paginated.
	List(ctx context.Context, entityID string, filter ListFilter) ([]*models.File, error)

	// SelectByEntity returns every file of the entity (backup
	// candidate selection).
	SelectByEntity(ctx context.Context, entityID string) ([]*models.File, error)

	// SelectAll returns every file in the system (system-wide backup).
	SelectAll(ctx context.Context) ([]*models.File, error)

	// SelectModifiedSince returns files whose metadata changed at or
	// after the cutoff (incremental backup candidates).
	SelectModifiedSince(ctx context.Context, cutoff time.Time, entityID string) ([]*models.File, error)

	// SetVersionCount stores the authoritative version count.
	SetVersionCount(ctx context.Context, id string, count int) error
}
