package backups

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

var backupColumns = []string{
	"id", "backup_type", "status", "entity_id", "file_count", "total_size", "error", "created_at", "completed_at",
}

func TestCreate(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^\s*INSERT\s+INTO\s+backups\b`).
		WithArgs("b1", models.BackupTypeFull, models.BackupStatusPending, "e1", 0, int64(0), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &models.Backup{
		ID:       "b1",
		Type:     models.BackupTypeFull,
		Status:   models.BackupStatusPending,
		EntityID: "e1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetByID(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Now().Add(-time.Hour)
	completed := time.Now()
	rows := sqlmock.NewRows(backupColumns).
		AddRow("b1", "full", "completed", "e1", 2, int64(100), "", created, completed)

	mock.ExpectQuery(`(?s)^\s*SELECT\b.*\bFROM\s+backups\s+WHERE\s+id=\$1`).
		WithArgs("b1").
		WillReturnRows(rows)

	b, err := repo.GetByID(context.Background(), "b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Status != models.BackupStatusCompleted || b.FileCount != 2 {
		t.Fatalf("unexpected backup: %+v", b)
	}
	if b.CompletedAt == nil || !b.CompletedAt.Equal(completed) {
		t.Fatalf("completed_at not scanned: %+v", b.CompletedAt)
	}
}

func TestGetByID_PendingHasNoCompletedAt(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(backupColumns).
		AddRow("b1", "full", "pending", "", 0, int64(0), "", time.Now(), nil)

	mock.ExpectQuery(`(?s)^\s*SELECT\b.*\bFROM\s+backups\s+WHERE\s+id=\$1`).
		WithArgs("b1").
		WillReturnRows(rows)

	b, err := repo.GetByID(context.Background(), "b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.CompletedAt != nil {
		t.Fatalf("pending backup must not carry completed_at")
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^\s*SELECT\b.*\bFROM\s+backups\s+WHERE\s+id=\$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.GetByID(context.Background(), "ghost"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^\s*UPDATE\s+backups\b.*completed_at\s*=\s*CASE`).
		WithArgs("b1", models.BackupStatusCompleted, 2, int64(100), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SetStatus(context.Background(), "b1", models.BackupStatusCompleted, 2, 100, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.ExpectExec(`(?s)^\s*UPDATE\s+backups\b`).
		WithArgs("ghost", models.BackupStatusFailed, 0, int64(0), "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.SetStatus(context.Background(), "ghost", models.BackupStatusFailed, 0, 0, "boom"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestList_DefaultLimit(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(backupColumns).
		AddRow("b2", "full", "completed", "", 1, int64(10), "", time.Now(), time.Now()).
		AddRow("b1", "incremental", "failed", "e1", 0, int64(0), "boom", time.Now().Add(-time.Hour), time.Now())

	mock.ExpectQuery(`(?s)^\s*SELECT\b.*ORDER\s+BY\s+created_at\s+DESC\s+LIMIT\s+\$1\s+OFFSET\s+\$2`).
		WithArgs(50, 0).
		WillReturnRows(rows)

	list, err := repo.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 || list[1].Error != "boom" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestDelete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^DELETE\s+FROM\s+backups\s+WHERE\s+id=\$1$`).
		WithArgs("b1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Delete(context.Background(), "b1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.ExpectExec(`^DELETE\s+FROM\s+backups\s+WHERE\s+id=\$1$`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Delete(context.Background(), "ghost"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	mock.ExpectExec(`^DELETE\s+FROM\s+backups\s+WHERE\s+id=\$1$`).
		WithArgs("b1").
		WillReturnError(errors.New("db down"))

	err := repo.Delete(context.Background(), "b1")
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}
