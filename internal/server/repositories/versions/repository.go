package versions

import (
	"context"

	"github.com/depotd/depot/internal/server/models"
)

type Repository interface {
	// Create appends a version row. The caller computes VersionNumber
	// inside the same transaction that holds the file-row lock.
	Create(ctx context.Context, v *models.FileVersion) error

	// NextNumber locks the file row and returns max(version_number)+1
	// for it. Must run inside a transaction; the lock serializes
	// concurrent creation per file so numbers stay gap-free.
	NextNumber(ctx context.Context, fileID string) (int, error)

	// ListByFile returns the history newest-first with IsLatest set on
	// the head.
	ListByFile(ctx context.Context, fileID string) ([]*models.FileVersion, error)

	// GetByNumber returns one version of a file.
	GetByNumber(ctx context.Context, fileID string, number int) (*models.FileVersion, error)

	CountByFile(ctx context.Context, fileID string) (int, error)

	Delete(ctx context.Context, id string) error

	// SelectOverCap returns the oldest versions of a file beyond the
	// retention cap, never including the latest version.
	SelectOverCap(ctx context.Context, fileID string, maxVersions int) ([]*models.FileVersion, error)

	// SelectFileIDsOverCap returns ids of files holding more than
	// maxVersions versions, optionally restricted to one entity.
	SelectFileIDsOverCap(ctx context.Context, entityID string, maxVersions int) ([]string, error)
}
