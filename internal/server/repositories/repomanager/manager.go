// Package repomanager hands out repositories bound to a DBTX, so a
// service can run several repository calls inside one transaction.
package repomanager

import (
	"database/sql"

	"github.com/depotd/depot/internal/dbx"
	"github.com/depotd/depot/internal/server/repositories/backups"
	"github.com/depotd/depot/internal/server/repositories/entities"
	"github.com/depotd/depot/internal/server/repositories/files"
	"github.com/depotd/depot/internal/server/repositories/versions"
)

// Manager builds repositories over the given handle (*sql.DB for
// auto-commit calls, *sql.Tx inside dbx.WithTx).
type Manager interface {
	Conn() *sql.DB
	Entities(db dbx.DBTX) entities.Repository
	Files(db dbx.DBTX) files.Repository
	Versions(db dbx.DBTX) versions.Repository
	Backups(db dbx.DBTX) backups.Repository
}
