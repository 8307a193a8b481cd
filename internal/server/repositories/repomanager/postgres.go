package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/depotd/depot/internal/dbx"
	"github.com/depotd/depot/internal/server/migrations"
	"github.com/depotd/depot/internal/server/repositories/backups"
	"github.com/depotd/depot/internal/server/repositories/entities"
	"github.com/depotd/depot/internal/server/repositories/files"
	"github.com/depotd/depot/internal/server/repositories/versions"
)

type PostgresManager struct {
	db *sql.DB
}

// NewPostgresManager opens the pool and applies pending migrations.
func NewPostgresManager(ctx context.Context, dsn string) (*PostgresManager, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	m := &PostgresManager{db: db}
	if err := m.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return m, nil
}

func (m *PostgresManager) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, m.db, ".")
}

func (m *PostgresManager) Conn() *sql.DB {
	return m.db
}

func (m *PostgresManager) Close() error {
	return m.db.Close()
}

func (m *PostgresManager) Entities(db dbx.DBTX) entities.Repository {
	return entities.NewPostgresRepository(db)
}

func (m *PostgresManager) Files(db dbx.DBTX) files.Repository {
	return files.NewPostgresRepository(db)
}

func (m *PostgresManager) Versions(db dbx.DBTX) versions.Repository {
	return versions.NewPostgresRepository(db)
}

func (m *PostgresManager) Backups(db dbx.DBTX) backups.Repository {
	return backups.NewPostgresRepository(db)
}
