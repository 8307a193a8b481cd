package entities

import (
	"context"

	"github.com/depotd/depot/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, e *models.Entity) error
	GetByID(ctx context.Context, id string) (*models.Entity, error)
	GetByName(ctx context.Context, name string) (*models.Entity, error)
	List(ctx context.Context) ([]*models.Entity, error)
	Delete(ctx context.Context, id string) error

	// ReserveUsage atomically adds sizeDelta/fileDelta to the usage
	// columns, but only while total_size stays within quota. Returns
	// ErrLimitExceeded when the conditional update matches no row.
	ReserveUsage(ctx context.Context, id string, sizeDelta int64, fileDelta int64) error

	// ReleaseUsage undoes a reservation, clamping at zero.
	ReleaseUsage(ctx context.Context, id string, sizeDelta int64, fileDelta int64) error
}
