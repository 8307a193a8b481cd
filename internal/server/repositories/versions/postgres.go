// Package versions stores the append-only linear history of each file.
package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/dbx"
	"github.com/depotd/depot/internal/server/models"
)

// PostgresRepository implements version storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectVersion = `
	SELECT id, file_id, version_number, locator, size, checksum, comment, author, created_at
	FROM file_versions
`

func (r *PostgresRepository) Create(ctx context.Context, v *models.FileVersion) error {
	query := `
		INSERT INTO file_versions (id, file_id, version_number, locator, size, checksum, comment, author)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.FileID, v.VersionNumber, v.Locator, v.Size, v.Checksum, v.Comment, v.Author)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) NextNumber(ctx context.Context, fileID string) (int, error) {
	// The file-row lock is what serializes concurrent version
	// creation; MAX alone would race.
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM files WHERE id=$1 FOR UPDATE`, fileID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: file", common.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	var next int
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM file_versions WHERE file_id=$1`,
		fileID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return next, nil
}

func (r *PostgresRepository) ListByFile(ctx context.Context, fileID string) ([]*models.FileVersion, error) {
	result, err := r.selectMany(ctx,
		selectVersion+` WHERE file_id=$1 ORDER BY version_number DESC`, fileID)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		result[0].IsLatest = true
	}
	return result, nil
}

func (r *PostgresRepository) GetByNumber(ctx context.Context, fileID string, number int) (*models.FileVersion, error) {
	row := r.db.QueryRowContext(ctx,
		selectVersion+` WHERE file_id=$1 AND version_number=$2`, fileID, number)

	v, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %d", common.ErrNotFound, number)
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	var max int
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM file_versions WHERE file_id=$1`,
		fileID).Scan(&max)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	v.IsLatest = v.VersionNumber == max
	return v, nil
}

func (r *PostgresRepository) CountByFile(ctx context.Context, fileID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_versions WHERE file_id=$1`, fileID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM file_versions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: version", common.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) SelectOverCap(ctx context.Context, fileID string, maxVersions int) ([]*models.FileVersion, error) {
	// Oldest first, skipping the newest maxVersions-1 rows plus the
	// latest itself: everything beyond the cap except the head.
	query := selectVersion + `
		WHERE file_id=$1
		  AND version_number < (SELECT MAX(version_number) FROM file_versions WHERE file_id=$1)
		ORDER BY version_number ASC
	`
	all, err := r.selectMany(ctx, query, fileID)
	if err != nil {
		return nil, err
	}
	// all holds every non-latest version, oldest first. Keep the
	// newest maxVersions-1 of them; the rest are over the cap.
	keep := maxVersions - 1
	if keep < 0 {
		keep = 0
	}
	if len(all) <= keep {
		return nil, nil
	}
	return all[:len(all)-keep], nil
}

func (r *PostgresRepository) SelectFileIDsOverCap(ctx context.Context, entityID string, maxVersions int) ([]string, error) {
	query := `
		SELECT v.file_id
		FROM file_versions v
		JOIN files f ON f.id = v.file_id
	`
	args := []any{maxVersions}
	if entityID != "" {
		query += ` WHERE f.entity_id = $2`
		args = append(args, entityID)
	}
	query += ` GROUP BY v.file_id HAVING COUNT(*) > $1`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select over-cap files: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func scanVersion(scan func(dest ...any) error) (*models.FileVersion, error) {
	v := &models.FileVersion{}
	err := scan(&v.ID, &v.FileID, &v.VersionNumber, &v.Locator, &v.Size,
		&v.Checksum, &v.Comment, &v.Author, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *PostgresRepository) selectMany(ctx context.Context, query string, args ...any) ([]*models.FileVersion, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select versions: %w", err)
	}
	defer rows.Close()

	var result []*models.FileVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
