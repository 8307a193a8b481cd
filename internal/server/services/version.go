package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/depotd/depot/internal/blobstore"
	"github.com/depotd/depot/internal/checksum"
	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/dbx"
	"github.com/depotd/depot/internal/logging"
	"github.com/depotd/depot/internal/pathx"
	sc "github.com/depotd/depot/internal/server/config"
	"github.com/depotd/depot/internal/server/models"
	"github.com/depotd/depot/internal/server/repositories/repomanager"
)

// cleanupBatchLimit bounds how many versions one Cleanup call may
// delete.
const cleanupBatchLimit = 100

// VersionService is the version manager: append-only per-file history
// with retention enforcement. Every version owns its own blob copy, so
// rotating the head blob on upload can never lose history.
type VersionService struct {
	db     *sql.DB
	repos  repomanager.Manager
	blobs  blobstore.Client
	config *sc.Config
	log    logging.Logger

	files *FileService
}

func NewVersionService(db *sql.DB, repos repomanager.Manager, blobs blobstore.Client, config *sc.Config, log logging.Logger) *VersionService {
	return &VersionService{
		db:     db,
		repos:  repos,
		blobs:  blobs,
		config: config,
		log:    log.With("component", "versions"),
	}
}

// BindFileManager wires the file manager after construction; restore
// and create re-enter the normal upload path.
func (s *VersionService) BindFileManager(f *FileService) {
	s.files = f
}

// versionLocator builds the object key of a version's immutable blob
// copy.
func (s *VersionService) versionLocator(fileID, path, versionID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", s.config.VersionsPrefix, fileID, pathx.Sanitize(path), versionID)
}

// appendVersion records one new version inside the caller's
// transaction: it takes the next number under the file-row lock, runs
// pre-insert retention cleanup, copies the content to the version's own
// locator and inserts the row. It returns the resulting version count
// and the locators of rows evicted by cleanup; the caller removes
// those blobs after the transaction commits.
func (s *VersionService) appendVersion(ctx context.Context, tx dbx.DBTX, file *models.File, content []byte, sum, comment, author string) (int, []string, error) {
	vRepo := s.repos.Versions(tx)

	number, err := vRepo.NextNumber(ctx, file.ID)
	if err != nil {
		return 0, nil, err
	}

	var doomed []string
	if s.config.MaxVersions > 0 {
		// Make room so the history holds at most MaxVersions rows
		// after the insert. Only non-latest rows are evictable.
		over, err := vRepo.SelectOverCap(ctx, file.ID, s.config.MaxVersions-1)
		if err != nil {
			return 0, nil, err
		}
		for _, v := range over {
			if err := vRepo.Delete(ctx, v.ID); err != nil {
				return 0, nil, err
			}
			doomed = append(doomed, v.Locator)
		}

		remaining, err := vRepo.CountByFile(ctx, file.ID)
		if err != nil {
			return 0, nil, err
		}
		if remaining+1 > s.config.MaxVersions {
			return 0, nil, fmt.Errorf("%w: file %s already holds %d versions (cap %d)",
				common.ErrLimitExceeded, file.ID, remaining, s.config.MaxVersions)
		}
	}

	versionID := uuid.NewString()
	locator := s.versionLocator(file.ID, file.Path, versionID)
	if _, err := s.blobs.Put(ctx, s.config.S3Bucket, locator, content, file.ContentType, nil); err != nil {
		return 0, nil, err
	}

	v := &models.FileVersion{
		ID:            versionID,
		FileID:        file.ID,
		VersionNumber: number,
		Locator:       locator,
		Size:          int64(len(content)),
		Checksum:      sum,
		Comment:       comment,
		Author:        author,
	}
	if err := vRepo.Create(ctx, v); err != nil {
		if rerr := s.blobs.Remove(ctx, s.config.S3Bucket, locator); rerr != nil {
			s.log.Error(ctx, "orphan version blob cleanup failed", "locator", locator, "error", rerr)
		}
		return 0, nil, err
	}

	count, err := vRepo.CountByFile(ctx, file.ID)
	if err != nil {
		return 0, nil, err
	}
	if err := s.repos.Files(tx).SetVersionCount(ctx, file.ID, count); err != nil {
		return 0, nil, err
	}
	return count, doomed, nil
}

// CreateVersion appends a version to an existing file by re-entering
// the upload path with the new content. The file must already exist.
func (s *VersionService) CreateVersion(ctx context.Context, entityID, path string, content []byte, comment, author string) (*models.FileVersion, error) {
	if s.files == nil {
		return nil, fmt.Errorf("%w: file manager not bound", common.ErrOperation)
	}

	file, err := s.repos.Files(s.db).GetByPath(ctx, entityID, path)
	if err != nil {
		return nil, err
	}

	if _, err := s.files.Upload(ctx, UploadInput{
		EntityID:    entityID,
		Path:        path,
		Content:     content,
		ContentType: file.ContentType,
		Comment:     comment,
		Author:      author,
	}); err != nil {
		return nil, err
	}

	history, err := s.repos.Versions(s.db).ListByFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: version row missing after upload", common.ErrOperation)
	}
	return history[0], nil
}

// ListVersions returns the file's history, newest first.
func (s *VersionService) ListVersions(ctx context.Context, entityID, path string) ([]*models.FileVersion, error) {
	file, err := s.repos.Files(s.db).GetByPath(ctx, entityID, path)
	if err != nil {
		return nil, err
	}
	return s.repos.Versions(s.db).ListByFile(ctx, file.ID)
}

// VersionDiff reports how two versions of one file differ. There is no
// byte-level diff; callers get the size delta and whether the content
// digests differ.
type VersionDiff struct {
	FromVersion  int
	ToVersion    int
	SizeDelta    int64
	ContentDiffs bool
}

// Compare downloads both version blobs and reports to-minus-from size
// delta and whether the recomputed checksums differ.
func (s *VersionService) Compare(ctx context.Context, entityID, path string, from, to int) (*VersionDiff, error) {
	file, err := s.repos.Files(s.db).GetByPath(ctx, entityID, path)
	if err != nil {
		return nil, err
	}

	vRepo := s.repos.Versions(s.db)
	a, err := vRepo.GetByNumber(ctx, file.ID, from)
	if err != nil {
		return nil, err
	}
	b, err := vRepo.GetByNumber(ctx, file.ID, to)
	if err != nil {
		return nil, err
	}

	sumA, sizeA, err := s.digest(ctx, a.Locator)
	if err != nil {
		return nil, err
	}
	sumB, sizeB, err := s.digest(ctx, b.Locator)
	if err != nil {
		return nil, err
	}

	return &VersionDiff{
		FromVersion:  from,
		ToVersion:    to,
		SizeDelta:    sizeB - sizeA,
		ContentDiffs: !checksum.Equal(sumA, sumB),
	}, nil
}

// Restore re-uploads a past version's content through the file
// manager, which appends a new version; the old number is never
// resurrected.
func (s *VersionService) Restore(ctx context.Context, entityID, path string, number int) (*models.File, error) {
	if s.files == nil {
		return nil, fmt.Errorf("%w: file manager not bound", common.ErrOperation)
	}

	file, err := s.repos.Files(s.db).GetByPath(ctx, entityID, path)
	if err != nil {
		return nil, err
	}
	v, err := s.repos.Versions(s.db).GetByNumber(ctx, file.ID, number)
	if err != nil {
		return nil, err
	}

	body, err := s.blobs.Get(ctx, s.config.S3Bucket, v.Locator)
	if err != nil {
		return nil, err
	}
	content, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read version blob: %v", common.ErrOperation, err)
	}

	restored, err := s.files.Upload(ctx, UploadInput{
		EntityID:    entityID,
		Path:        path,
		Content:     content,
		ContentType: file.ContentType,
		Comment:     fmt.Sprintf("restored from version %d", number),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "version restored", "entity_id", entityID, "path", path, "from_version", number)
	return restored, nil
}

// DeleteVersion removes one version and its blob. Deleting the only
// remaining version of a file is disallowed.
func (s *VersionService) DeleteVersion(ctx context.Context, entityID, path string, number int) error {
	filesRepo := s.repos.Files(s.db)
	file, err := filesRepo.GetByPath(ctx, entityID, path)
	if err != nil {
		return err
	}

	vRepo := s.repos.Versions(s.db)
	count, err := vRepo.CountByFile(ctx, file.ID)
	if err != nil {
		return err
	}
	if count <= 1 {
		return fmt.Errorf("%w: version %d is the only version of %q", common.ErrVersioning, number, path)
	}

	v, err := vRepo.GetByNumber(ctx, file.ID, number)
	if err != nil {
		return err
	}
	if err := vRepo.Delete(ctx, v.ID); err != nil {
		return err
	}
	if err := s.blobs.Remove(ctx, s.config.S3Bucket, v.Locator); err != nil {
		s.log.Warn(ctx, "version blob removal failed", "locator", v.Locator, "error", err)
	}
	if err := filesRepo.SetVersionCount(ctx, file.ID, count-1); err != nil {
		return err
	}

	s.log.Info(ctx, "version deleted", "entity_id", entityID, "path", path, "version", number)
	return nil
}

// CleanupReport aggregates one retention sweep.
type CleanupReport struct {
	FilesExamined int
	Deleted       int
	Failed        int
}

// Cleanup sweeps files over the retention cap, deleting oldest
// non-latest versions. At most cleanupBatchLimit versions are deleted
// per call; item failures are logged and counted, not fatal.
func (s *VersionService) Cleanup(ctx context.Context, entityID string) (*CleanupReport, error) {
	vRepo := s.repos.Versions(s.db)
	fileIDs, err := vRepo.SelectFileIDsOverCap(ctx, entityID, s.config.MaxVersions)
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{FilesExamined: len(fileIDs)}
	for _, fileID := range fileIDs {
		if report.Deleted >= cleanupBatchLimit {
			break
		}
		over, err := vRepo.SelectOverCap(ctx, fileID, s.config.MaxVersions)
		if err != nil {
			s.log.Warn(ctx, "retention select failed", "file_id", fileID, "error", err)
			report.Failed++
			continue
		}
		for _, v := range over {
			if report.Deleted >= cleanupBatchLimit {
				break
			}
			if err := vRepo.Delete(ctx, v.ID); err != nil {
				s.log.Warn(ctx, "retention delete failed", "version_id", v.ID, "error", err)
				report.Failed++
				continue
			}
			if err := s.blobs.Remove(ctx, s.config.S3Bucket, v.Locator); err != nil {
				s.log.Warn(ctx, "retention blob removal failed", "locator", v.Locator, "error", err)
			}
			report.Deleted++
		}

		count, err := vRepo.CountByFile(ctx, fileID)
		if err == nil {
			if serr := s.repos.Files(s.db).SetVersionCount(ctx, fileID, count); serr != nil {
				s.log.Warn(ctx, "version count refresh failed", "file_id", fileID, "error", serr)
			}
		}
	}

	if report.Deleted > 0 || report.Failed > 0 {
		s.log.Info(ctx, "retention sweep finished",
			"files", report.FilesExamined, "deleted", report.Deleted, "failed", report.Failed)
	}
	return report, nil
}

// digest streams one blob and returns its sha256 hex digest and size.
func (s *VersionService) digest(ctx context.Context, locator string) (string, int64, error) {
	body, err := s.blobs.Get(ctx, s.config.S3Bucket, locator)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	cr := &countingReader{r: body}
	sum, err := checksum.SumReader(cr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", common.ErrOperation, err)
	}
	return sum, cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
