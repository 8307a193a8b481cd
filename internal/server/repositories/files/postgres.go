// Package files stores the per-entity versioned file heads.
package files

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/dbx"
	"github.com/depotd/depot/internal/server/models"
)

// DefaultListLimit caps List pages when the caller does not set one.
const DefaultListLimit = 100

// PostgresRepository implements file storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectFile = `
	SELECT id, entity_id, path, file_type, size, content_type, checksum,
	       tags, visibility, version_count, locator, created_at, updated_at
	FROM files
`

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func scanFile(scan func(dest ...any) error) (*models.File, error) {
	f := &models.File{}
	var tags string
	err := scan(&f.ID, &f.EntityID, &f.Path, &f.Type, &f.Size, &f.ContentType,
		&f.Checksum, &tags, &f.Visibility, &f.VersionCount, &f.Locator,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &f.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) Create(ctx context.Context, f *models.File) error {
	tags, err := encodeTags(f.Tags)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO files (id, entity_id, path, file_type, size, content_type,
		                   checksum, tags, visibility, version_count, locator)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		f.ID, f.EntityID, f.Path, f.Type, f.Size, f.ContentType,
		f.Checksum, tags, f.Visibility, f.VersionCount, f.Locator)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateHead(ctx context.Context, f *models.File) error {
	tags, err := encodeTags(f.Tags)
	if err != nil {
		return err
	}
	query := `
		UPDATE files
		SET file_type=$2, size=$3, content_type=$4, checksum=$5, tags=$6,
		    visibility=$7, version_count=$8, locator=$9, updated_at=now()
		WHERE id=$1
	`
	res, err := r.db.ExecContext(ctx, query,
		f.ID, f.Type, f.Size, f.ContentType, f.Checksum, tags,
		f.Visibility, f.VersionCount, f.Locator)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireOneRow(res)
}

func (r *PostgresRepository) Rename(ctx context.Context, id, newPath, newLocator string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE files SET path=$2, locator=$3, updated_at=now() WHERE id=$1`, id, newPath, newLocator)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireOneRow(res)
}

func (r *PostgresRepository) SetVersionCount(ctx context.Context, id string, count int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE files SET version_count=$2, updated_at=now() WHERE id=$1`, id, count)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: file", common.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, args ...any) (*models.File, error) {
	row := r.db.QueryRowContext(ctx, selectFile+where, args...)
	f, err := scanFile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file", common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) GetByPath(ctx context.Context, entityID, path string) (*models.File, error) {
	return r.getOne(ctx, ` WHERE entity_id=$1 AND path=$2`, entityID, path)
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.File, error) {
	return r.getOne(ctx, ` WHERE id=$1`, id)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return requireOneRow(res)
}

func (r *PostgresRepository) List(ctx context.Context, entityID string, filter ListFilter) ([]*models.File, error) {
	var sb strings.Builder
	sb.WriteString(selectFile)
	sb.WriteString(` WHERE entity_id=$1`)
	args := []any{entityID}

	if filter.Prefix != "" {
		args = append(args, filter.Prefix+"%")
		fmt.Fprintf(&sb, ` AND path LIKE $%d`, len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		fmt.Fprintf(&sb, ` AND file_type=$%d`, len(args))
	}
	if filter.Visibility != "" {
		args = append(args, filter.Visibility)
		fmt.Fprintf(&sb, ` AND visibility=$%d`, len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, ` ORDER BY updated_at DESC LIMIT $%d`, len(args))
	args = append(args, filter.Offset)
	fmt.Fprintf(&sb, ` OFFSET $%d`, len(args))

	return r.selectMany(ctx, sb.String(), args...)
}

func (r *PostgresRepository) SelectByEntity(ctx context.Context, entityID string) ([]*models.File, error) {
	return r.selectMany(ctx, selectFile+` WHERE entity_id=$1 ORDER BY path`, entityID)
}

func (r *PostgresRepository) SelectAll(ctx context.Context) ([]*models.File, error) {
	return r.selectMany(ctx, selectFile+` ORDER BY entity_id, path`)
}

func (r *PostgresRepository) SelectModifiedSince(ctx context.Context, cutoff time.Time, entityID string) ([]*models.File, error) {
	if entityID != "" {
		return r.selectMany(ctx,
			selectFile+` WHERE updated_at >= $1 AND entity_id=$2 ORDER BY entity_id, path`,
			cutoff, entityID)
	}
	return r.selectMany(ctx,
		selectFile+` WHERE updated_at >= $1 ORDER BY entity_id, path`, cutoff)
}

func (r *PostgresRepository) selectMany(ctx context.Context, query string, args ...any) ([]*models.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	defer rows.Close()

	var result []*models.File
	for rows.Next() {
		f, err := scanFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
