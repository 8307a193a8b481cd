// Package backups stores the bookkeeping records of backup runs. The
// manifest object in the backup bucket stays authoritative; these rows
// exist for listing and status reporting.
package backups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/dbx"
	"github.com/depotd/depot/internal/server/models"
)

// PostgresRepository implements backup-record storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectBackup = `
	SELECT id, backup_type, status, entity_id, file_count, total_size, error, created_at, completed_at
	FROM backups
`

func (r *PostgresRepository) Create(ctx context.Context, b *models.Backup) error {
	query := `
		INSERT INTO backups (id, backup_type, status, entity_id, file_count, total_size, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		b.ID, b.Type, b.Status, b.EntityID, b.FileCount, b.TotalSize, b.Error)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Backup, error) {
	row := r.db.QueryRowContext(ctx, selectBackup+` WHERE id=$1`, id)
	b, err := scanBackup(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: backup", common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id string, status models.BackupStatus, fileCount int, totalSize int64, errDetail string) error {
	query := `
		UPDATE backups
		SET status=$2, file_count=$3, total_size=$4, error=$5,
		    completed_at = CASE WHEN $2 IN ('completed', 'completed_with_errors', 'failed') THEN now() ELSE completed_at END
		WHERE id=$1
	`
	res, err := r.db.ExecContext(ctx, query, id, status, fileCount, totalSize, errDetail)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: backup", common.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]*models.Backup, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		selectBackup+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to select backups: %w", err)
	}
	defer rows.Close()

	var result []*models.Backup
	for rows.Next() {
		b, err := scanBackup(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM backups WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: backup", common.ErrNotFound)
	}
	return nil
}

func scanBackup(scan func(dest ...any) error) (*models.Backup, error) {
	b := &models.Backup{}
	var completed sql.NullTime
	err := scan(&b.ID, &b.Type, &b.Status, &b.EntityID, &b.FileCount,
		&b.TotalSize, &b.Error, &b.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		b.CompletedAt = &t
	}
	return b, nil
}
