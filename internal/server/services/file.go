package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"

	"github.com/depotd/depot/internal/blobstore"
	"github.com/depotd/depot/internal/checksum"
	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/dbx"
	"github.com/depotd/depot/internal/logging"
	"github.com/depotd/depot/internal/pathx"
	sc "github.com/depotd/depot/internal/server/config"
	"github.com/depotd/depot/internal/server/models"
	"github.com/depotd/depot/internal/server/repositories/files"
	"github.com/depotd/depot/internal/server/repositories/repomanager"
)

// FileService is the file manager: versioned-file CRUD with quota
// enforcement, checksum computation and cache invalidation. Writes go
// blob-first: the quota reservation and the blob upload both precede
// the metadata transaction, and each earlier step is compensated when
// a later one fails.
type FileService struct {
	db       *sql.DB
	repos    repomanager.Manager
	blobs    blobstore.Client
	cache    Cacher
	config   *sc.Config
	log      logging.Logger
	notifier Notifier

	versions *VersionService
}

func NewFileService(db *sql.DB, repos repomanager.Manager, blobs blobstore.Client, cache Cacher, config *sc.Config, log logging.Logger, notifier Notifier) *FileService {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &FileService{
		db:       db,
		repos:    repos,
		blobs:    blobs,
		cache:    cache,
		config:   config,
		log:      log.With("component", "files"),
		notifier: notifier,
	}
}

// BindVersionManager wires the version manager after construction; the
// two services reference each other (upload appends history, restore
// re-uploads).
func (s *FileService) BindVersionManager(v *VersionService) {
	s.versions = v
}

// newLocator returns the collision-resistant object key for an
// entity's current file content.
func newLocator(entityID string) string {
	return fmt.Sprintf("files/%s/%s", entityID, uuid.NewString())
}

// UploadInput carries one upload. Metadata is passed through to the
// object store as user metadata; Tags land on the file row.
type UploadInput struct {
	EntityID    string
	Path        string
	Content     []byte
	ContentType string
	Metadata    map[string]string
	Tags        []string
	Comment     string
	Author      string
}

// Upload stores content under (entity, path). A new path creates the
// file with version 1; an existing path appends the next version and
// refreshes the head. The quota reservation is a single conditional
// update, so a rejected upload writes no blob and leaves no orphan.
func (s *FileService) Upload(ctx context.Context, in UploadInput) (*models.File, error) {
	if err := pathx.Validate(in.Path); err != nil {
		return nil, err
	}
	if s.versions == nil {
		return nil, fmt.Errorf("%w: version manager not bound", common.ErrOperation)
	}

	sum := checksum.Sum(in.Content)
	size := int64(len(in.Content))

	filesRepo := s.repos.Files(s.db)
	existing, err := filesRepo.GetByPath(ctx, in.EntityID, in.Path)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	isNew := existing == nil

	sizeDelta := size
	fileDelta := int64(1)
	if !isNew {
		sizeDelta = size - existing.Size
		fileDelta = 0
	}

	entRepo := s.repos.Entities(s.db)
	if err := entRepo.ReserveUsage(ctx, in.EntityID, sizeDelta, fileDelta); err != nil {
		return nil, err
	}
	release := func() {
		if rerr := entRepo.ReleaseUsage(ctx, in.EntityID, sizeDelta, fileDelta); rerr != nil {
			s.log.Error(ctx, "usage release failed", "entity_id", in.EntityID, "error", rerr)
		}
	}

	// New content always lands under a fresh locator, even on
	// overwrite: the old head blob must stay intact until the metadata
	// transaction commits, or a rejected upload would clobber content
	// the engine never accepted.
	locator := newLocator(in.EntityID)
	var oldLocator string
	if !isNew {
		oldLocator = existing.Locator
	}

	if _, err := s.blobs.Put(ctx, s.config.S3Bucket, locator, in.Content, in.ContentType, in.Metadata); err != nil {
		release()
		return nil, err
	}

	file := existing
	if isNew {
		file = &models.File{
			ID:         uuid.NewString(),
			EntityID:   in.EntityID,
			Path:       in.Path,
			Visibility: models.VisibilityPrivate,
		}
	}
	file.Locator = locator
	file.Type = models.ClassifyFile(in.Path, in.ContentType)
	file.Size = size
	file.ContentType = in.ContentType
	file.Checksum = sum
	if in.Tags != nil {
		file.Tags = in.Tags
	}

	var doomed []string
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txFiles := s.repos.Files(tx)
		if isNew {
			if err := txFiles.Create(ctx, file); err != nil {
				return err
			}
		}

		// The version append runs before the head update so a
		// retention-cap rejection leaves the row untouched.
		appended, overCap, err := s.versions.appendVersion(ctx, tx, file, in.Content, sum, in.Comment, in.Author)
		if err != nil {
			return err
		}
		doomed = overCap
		file.VersionCount = appended

		if !isNew {
			if err := txFiles.UpdateHead(ctx, file); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		release()
		// Compensate the blob write so quota rejections and metadata
		// failures leave nothing behind; on overwrite the old head
		// blob is untouched and stays authoritative.
		if rerr := s.blobs.Remove(ctx, s.config.S3Bucket, locator); rerr != nil {
			s.log.Error(ctx, "orphan blob cleanup failed", "locator", locator, "error", rerr)
		}
		return nil, err
	}

	if oldLocator != "" {
		if rerr := s.blobs.Remove(ctx, s.config.S3Bucket, oldLocator); rerr != nil {
			s.log.Warn(ctx, "replaced head blob removal failed", "locator", oldLocator, "error", rerr)
		}
	}
	s.removeVersionBlobs(ctx, doomed)
	s.invalidate(ctx, in.EntityID, in.Path)

	s.log.Info(ctx, "file uploaded",
		"entity_id", in.EntityID, "path", in.Path, "size", size, "version", file.VersionCount)
	s.notifier.Notify(ctx, "file.uploaded", map[string]string{
		"entity_id": in.EntityID,
		"path":      in.Path,
		"size":      strconv.FormatInt(size, 10),
	})
	return file, nil
}

// Download returns a presigned read URL for the file's current
// content; no bytes flow through this layer.
func (s *FileService) Download(ctx context.Context, entityID, path string) (string, error) {
	file, err := s.resolve(ctx, entityID, path)
	if err != nil {
		return "", err
	}
	return s.blobs.PresignGet(ctx, s.config.S3Bucket, file.Locator, s.config.PresignTTL)
}

// Delete removes the blob, the row (versions cascade) and the cache
// entries, and releases the entity usage.
func (s *FileService) Delete(ctx context.Context, entityID, path string) error {
	filesRepo := s.repos.Files(s.db)
	file, err := filesRepo.GetByPath(ctx, entityID, path)
	if err != nil {
		return err
	}

	versions, err := s.repos.Versions(s.db).ListByFile(ctx, file.ID)
	if err != nil {
		return err
	}

	if err := filesRepo.Delete(ctx, file.ID); err != nil {
		return err
	}

	if err := s.blobs.Remove(ctx, s.config.S3Bucket, file.Locator); err != nil {
		s.log.Warn(ctx, "blob removal failed", "locator", file.Locator, "error", err)
	}
	for _, v := range versions {
		if err := s.blobs.Remove(ctx, s.config.S3Bucket, v.Locator); err != nil {
			s.log.Warn(ctx, "version blob removal failed", "locator", v.Locator, "error", err)
		}
	}

	if err := s.repos.Entities(s.db).ReleaseUsage(ctx, entityID, file.Size, 1); err != nil {
		s.log.Error(ctx, "usage release failed", "entity_id", entityID, "error", err)
	}

	s.invalidate(ctx, entityID, path)

	s.log.Info(ctx, "file deleted", "entity_id", entityID, "path", path)
	s.notifier.Notify(ctx, "file.deleted", map[string]string{
		"entity_id": entityID,
		"path":      path,
	})
	return nil
}

// List returns the entity's files, newest first, paginated and
// optionally filtered by path prefix, type and visibility.
func (s *FileService) List(ctx context.Context, entityID string, filter files.ListFilter) ([]*models.File, error) {
	if _, err := s.repos.Entities(s.db).GetByID(ctx, entityID); err != nil {
		return nil, err
	}
	return s.repos.Files(s.db).List(ctx, entityID, filter)
}

// Move relocates a file within its entity via copy-then-delete; no
// atomic rename primitive is assumed on the object store. The
// destination must not exist.
func (s *FileService) Move(ctx context.Context, entityID, src, dst string) (*models.File, error) {
	if err := pathx.Validate(dst); err != nil {
		return nil, err
	}

	filesRepo := s.repos.Files(s.db)
	file, err := filesRepo.GetByPath(ctx, entityID, src)
	if err != nil {
		return nil, err
	}
	if _, err := filesRepo.GetByPath(ctx, entityID, dst); err == nil {
		return nil, fmt.Errorf("%w: destination %q exists", common.ErrValidation, dst)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	body, err := s.blobs.Get(ctx, s.config.S3Bucket, file.Locator)
	if err != nil {
		return nil, err
	}
	content, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read source blob: %v", common.ErrOperation, err)
	}

	newLoc := newLocator(entityID)
	if _, err := s.blobs.Put(ctx, s.config.S3Bucket, newLoc, content, file.ContentType, nil); err != nil {
		return nil, err
	}

	if err := filesRepo.Rename(ctx, file.ID, dst, newLoc); err != nil {
		if rerr := s.blobs.Remove(ctx, s.config.S3Bucket, newLoc); rerr != nil {
			s.log.Error(ctx, "orphan blob cleanup failed", "locator", newLoc, "error", rerr)
		}
		return nil, err
	}

	if err := s.blobs.Remove(ctx, s.config.S3Bucket, file.Locator); err != nil {
		s.log.Warn(ctx, "source blob removal failed", "locator", file.Locator, "error", err)
	}

	s.invalidate(ctx, entityID, src)
	s.invalidate(ctx, entityID, dst)

	file.Path = dst
	file.Locator = newLoc
	s.log.Info(ctx, "file moved", "entity_id", entityID, "src", src, "dst", dst)
	return file, nil
}

// Verify re-downloads the current content, recomputes its checksum and
// compares it to the stored value in constant time. A mismatch returns
// false, not an error.
func (s *FileService) Verify(ctx context.Context, entityID, path string) (bool, error) {
	file, err := s.repos.Files(s.db).GetByPath(ctx, entityID, path)
	if err != nil {
		return false, err
	}

	body, err := s.blobs.Get(ctx, s.config.S3Bucket, file.Locator)
	if err != nil {
		return false, err
	}
	defer body.Close()

	actual, err := checksum.SumReader(body)
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrOperation, err)
	}
	return checksum.Equal(file.Checksum, actual), nil
}

// resolve returns the file head for (entity, path), serving from the
// cache when possible. Cache faults degrade to the metadata store.
func (s *FileService) resolve(ctx context.Context, entityID, path string) (*models.File, error) {
	key := fileCacheKey(entityID, path)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheNamespaceFiles, key); err == nil {
			f := &models.File{}
			if jerr := json.Unmarshal(raw, f); jerr == nil {
				return f, nil
			}
			// Unreadable entry: drop it and fall through.
			_ = s.cache.Invalidate(ctx, cacheNamespaceFiles, key)
		} else if !errors.Is(err, common.ErrNotFound) {
			s.log.Warn(ctx, "cache read failed", "key", key, "error", err)
		}
	}

	file, err := s.repos.Files(s.db).GetByPath(ctx, entityID, path)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(file); err == nil {
			if cerr := s.cache.Set(ctx, cacheNamespaceFiles, key, raw, 0); cerr != nil {
				s.log.Warn(ctx, "cache populate failed", "key", key, "error", cerr)
			}
		}
	}
	return file, nil
}

func (s *FileService) invalidate(ctx context.Context, entityID, path string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, cacheNamespaceFiles, fileCacheKey(entityID, path)); err != nil {
		s.log.Warn(ctx, "cache invalidate failed", "entity_id", entityID, "path", path, "error", err)
	}
}

func (s *FileService) removeVersionBlobs(ctx context.Context, locators []string) {
	for _, loc := range locators {
		if err := s.blobs.Remove(ctx, s.config.S3Bucket, loc); err != nil {
			s.log.Warn(ctx, "retired version blob removal failed", "locator", loc, "error", err)
		}
	}
}
