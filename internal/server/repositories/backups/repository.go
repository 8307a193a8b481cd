package backups

import (
	"context"

	"github.com/depotd/depot/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, b *models.Backup) error
	GetByID(ctx context.Context, id string) (*models.Backup, error)

	// SetStatus finalizes a run: status, counts and error detail, plus
	// completed_at for terminal states.
	SetStatus(ctx context.Context, id string, status models.BackupStatus, fileCount int, totalSize int64, errDetail string) error

	List(ctx context.Context, limit, offset int) ([]*models.Backup, error)
	Delete(ctx context.Context, id string) error
}
