// Package entities stores the owning units of the engine and their
// running usage stats.
package entities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/dbx"
	"github.com/depotd/depot/internal/server/models"
)

// PostgresRepository implements entity storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, e *models.Entity) error {
	query := `
		INSERT INTO entities (id, name, file_count, total_size, quota)
		VALUES ($1, $2, 0, 0, $3)
	`
	if _, err := r.db.ExecContext(ctx, query, e.ID, e.Name, e.Quota); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const selectEntity = `
	SELECT id, name, file_count, total_size, quota, created_at, updated_at
	FROM entities
`

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.Entity, error) {
	e := &models.Entity{}
	err := row.Scan(&e.ID, &e.Name, &e.FileCount, &e.TotalSize, &e.Quota, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity", common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectEntity+` WHERE id=$1`, id))
}

func (r *PostgresRepository) GetByName(ctx context.Context, name string) (*models.Entity, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectEntity+` WHERE name=$1`, name))
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.Entity, error) {
	rows, err := r.db.QueryContext(ctx, selectEntity+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Entity
	for rows.Next() {
		e := &models.Entity{}
		if err := rows.Scan(&e.ID, &e.Name, &e.FileCount, &e.TotalSize, &e.Quota, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM entities WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: entity", common.ErrNotFound)
	}
	return nil
}

// ReserveUsage is the quota gate. The quota condition lives in the
// WHERE clause so check and write are one statement; concurrent
// uploads cannot both slip under the limit.
func (r *PostgresRepository) ReserveUsage(ctx context.Context, id string, sizeDelta int64, fileDelta int64) error {
	query := `
		UPDATE entities
		SET total_size = total_size + $2,
		    file_count = file_count + $3,
		    updated_at = now()
		WHERE id = $1 AND total_size + $2 <= quota
	`
	res, err := r.db.ExecContext(ctx, query, id, sizeDelta, fileDelta)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing entity from a quota rejection.
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: quota", common.ErrLimitExceeded)
}

func (r *PostgresRepository) ReleaseUsage(ctx context.Context, id string, sizeDelta int64, fileDelta int64) error {
	query := `
		UPDATE entities
		SET total_size = GREATEST(total_size - $2, 0),
		    file_count = GREATEST(file_count - $3, 0),
		    updated_at = now()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, sizeDelta, fileDelta)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: entity", common.ErrNotFound)
	}
	return nil
}
