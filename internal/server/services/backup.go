package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/depotd/depot/internal/blobstore"
	"github.com/depotd/depot/internal/checksum"
	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/logging"
	"github.com/depotd/depot/internal/pathx"
	sc "github.com/depotd/depot/internal/server/config"
	"github.com/depotd/depot/internal/server/models"
	"github.com/depotd/depot/internal/server/repositories/repomanager"
)

// incrementalWindow is how far back "recently modified" reaches for
// incremental backups.
const incrementalWindow = 24 * time.Hour

const manifestObjectName = "manifest.json"

// BackupService is the backup manager: manifest-based backup, restore,
// verification and deletion over a segregated backup bucket. The
// manifest object is the commit record of a run; a backup without one
// does not exist.
type BackupService struct {
	db       *sql.DB
	repos    repomanager.Manager
	blobs    blobstore.Client
	config   *sc.Config
	log      logging.Logger
	notifier Notifier

	files *FileService

	mu     sync.Mutex
	active map[string]struct{}
}

func NewBackupService(db *sql.DB, repos repomanager.Manager, blobs blobstore.Client, config *sc.Config, log logging.Logger, notifier Notifier) *BackupService {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &BackupService{
		db:       db,
		repos:    repos,
		blobs:    blobs,
		config:   config,
		log:      log.With("component", "backups"),
		notifier: notifier,
		active:   make(map[string]struct{}),
	}
}

// BindFileManager wires the file manager after construction; restore
// re-uploads through the normal write path.
func (s *BackupService) BindFileManager(f *FileService) {
	s.files = f
}

func (s *BackupService) manifestKey(backupID string) string {
	return fmt.Sprintf("%s/%s/%s", s.config.BackupPrefix, backupID, manifestObjectName)
}

// objectKey places one file's backup copy under the run's prefix. Keys
// embed the file id: sanitizing a logical path is lossy, so two
// distinct paths may share a sanitized form, and the id keeps their
// objects apart.
func (s *BackupService) objectKey(backupID string, f *models.File) string {
	return fmt.Sprintf("%s/%s/files/%s/%s", s.config.BackupPrefix, backupID, f.ID, pathx.Sanitize(f.Path))
}

// track registers a run in the active-backup registry; the returned
// func removes it. Runs are tracked for the stats surface only, no
// exclusion is enforced.
func (s *BackupService) track(backupID string) func() {
	s.mu.Lock()
	s.active[backupID] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.active, backupID)
		s.mu.Unlock()
	}
}

// ActiveBackups returns ids of runs currently executing.
func (s *BackupService) ActiveBackups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CreateBackupInput selects what one run captures.
type CreateBackupInput struct {
	// EntityID restricts the run to one entity; empty means
	// system-wide.
	EntityID string
	Type     models.BackupType
	// Verify re-reads the finished manifest and confirms checksum and
	// per-file existence before returning.
	Verify   bool
	Progress ProgressFunc
}

// manifestChecksum digests the manifest JSON with its Checksum field
// blank, so the recorded value verifies against a recomputation over
// the stored object.
func manifestChecksum(m *models.BackupManifest) (string, error) {
	clone := *m
	clone.Checksum = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	return checksum.Sum(raw), nil
}

// CreateBackup copies each candidate's current blob into the backup
// bucket in bounded concurrent batches and writes the manifest last.
// One candidate's failure excludes it from the manifest and marks the
// run completed_with_errors; it never aborts the batch.
func (s *BackupService) CreateBackup(ctx context.Context, in CreateBackupInput) (*models.Backup, error) {
	if in.Type == "" {
		in.Type = models.BackupTypeFull
	}
	if in.Type != models.BackupTypeFull && in.Type != models.BackupTypeIncremental {
		return nil, fmt.Errorf("%w: unknown backup type %q", common.ErrValidation, in.Type)
	}
	if in.EntityID != "" {
		if _, err := s.repos.Entities(s.db).GetByID(ctx, in.EntityID); err != nil {
			return nil, err
		}
	}

	candidates, err := s.selectCandidates(ctx, in.EntityID, in.Type)
	if err != nil {
		return nil, err
	}

	backup := &models.Backup{
		ID:       uuid.NewString(),
		Type:     in.Type,
		Status:   models.BackupStatusPending,
		EntityID: in.EntityID,
	}
	bRepo := s.repos.Backups(s.db)
	if err := bRepo.Create(ctx, backup); err != nil {
		return nil, err
	}
	defer s.track(backup.ID)()

	if err := bRepo.SetStatus(ctx, backup.ID, models.BackupStatusInProgress, 0, 0, ""); err != nil {
		return nil, err
	}
	backup.Status = models.BackupStatusInProgress

	fail := func(cause error) (*models.Backup, error) {
		if serr := bRepo.SetStatus(ctx, backup.ID, models.BackupStatusFailed, 0, 0, cause.Error()); serr != nil {
			s.log.Error(ctx, "backup status update failed", "backup_id", backup.ID, "error", serr)
		}
		return nil, cause
	}

	entries, failed := s.copyCandidates(ctx, backup.ID, candidates, in.Progress)

	manifest := &models.BackupManifest{
		BackupID:  backup.ID,
		Type:      in.Type,
		CreatedAt: time.Now().UTC(),
		Entries:   entries,
	}
	for _, e := range entries {
		manifest.TotalSize += e.Size
	}
	sum, err := manifestChecksum(manifest)
	if err != nil {
		return fail(fmt.Errorf("%w: manifest checksum: %v", common.ErrOperation, err))
	}
	manifest.Checksum = sum

	raw, err := json.Marshal(manifest)
	if err != nil {
		return fail(fmt.Errorf("%w: manifest encode: %v", common.ErrOperation, err))
	}
	// The manifest is the commit record; nothing before this write
	// makes the backup observable.
	if _, err := s.blobs.Put(ctx, s.config.S3BackupBucket, s.manifestKey(backup.ID), raw, "application/json", nil); err != nil {
		return fail(err)
	}

	if in.Verify {
		result, err := s.VerifyBackup(ctx, backup.ID)
		if err != nil {
			return fail(err)
		}
		if !result.Passed {
			return fail(fmt.Errorf("%w: post-backup verification failed: %s", common.ErrIntegrity, result.Detail))
		}
	}

	status := models.BackupStatusCompleted
	errDetail := ""
	if failed > 0 {
		status = models.BackupStatusPartial
		errDetail = fmt.Sprintf("%d of %d files failed to copy", failed, len(candidates))
	}
	if err := bRepo.SetStatus(ctx, backup.ID, status, len(entries), manifest.TotalSize, errDetail); err != nil {
		s.log.Error(ctx, "backup status update failed", "backup_id", backup.ID, "error", err)
	}
	backup.Status = status
	backup.FileCount = len(entries)
	backup.TotalSize = manifest.TotalSize
	backup.Error = errDetail

	s.log.Info(ctx, "backup created",
		"backup_id", backup.ID, "type", in.Type, "files", len(entries), "failed", failed, "bytes", manifest.TotalSize)
	s.notifier.Notify(ctx, "backup.created", map[string]string{
		"backup_id": backup.ID,
		"files":     strconv.Itoa(len(entries)),
	})
	return backup, nil
}

func (s *BackupService) selectCandidates(ctx context.Context, entityID string, typ models.BackupType) ([]*models.File, error) {
	filesRepo := s.repos.Files(s.db)
	switch {
	case typ == models.BackupTypeIncremental:
		return filesRepo.SelectModifiedSince(ctx, time.Now().Add(-incrementalWindow), entityID)
	case entityID != "":
		return filesRepo.SelectByEntity(ctx, entityID)
	default:
		return filesRepo.SelectAll(ctx)
	}
}

// copyCandidates streams each candidate's current blob into the backup
// bucket with bounded parallelism and reports manifest entries for the
// successes. Entries come back sorted by (entity, path) so the
// manifest checksum is deterministic.
func (s *BackupService) copyCandidates(ctx context.Context, backupID string, candidates []*models.File, progress ProgressFunc) ([]models.ManifestEntry, int) {
	var (
		mu        sync.Mutex
		entries   []models.ManifestEntry
		failed    int
		completed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrentBackups)
	for _, f := range candidates {
		g.Go(func() error {
			entry, err := s.copyOne(gctx, backupID, f)

			mu.Lock()
			if err != nil {
				s.log.Warn(gctx, "backup copy failed",
					"backup_id", backupID, "entity_id", f.EntityID, "path", f.Path, "error", err)
				failed++
			} else {
				entries = append(entries, *entry)
			}
			completed++
			// Reported under the lock so callers see completed counts
			// in order.
			if progress != nil {
				progress(completed, len(candidates))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EntityID != entries[j].EntityID {
			return entries[i].EntityID < entries[j].EntityID
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, failed
}

func (s *BackupService) copyOne(ctx context.Context, backupID string, f *models.File) (*models.ManifestEntry, error) {
	body, err := s.blobs.Get(ctx, s.config.S3Bucket, f.Locator)
	if err != nil {
		return nil, err
	}
	content, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read blob: %v", common.ErrOperation, err)
	}

	key := s.objectKey(backupID, f)
	if _, err := s.blobs.Put(ctx, s.config.S3BackupBucket, key, content, f.ContentType, nil); err != nil {
		return nil, err
	}
	return &models.ManifestEntry{
		EntityID:    f.EntityID,
		Path:        f.Path,
		Locator:     key,
		Size:        int64(len(content)),
		Checksum:    checksum.Sum(content),
		ContentType: f.ContentType,
	}, nil
}

// readManifest loads and decodes a backup's manifest object.
func (s *BackupService) readManifest(ctx context.Context, backupID string) (*models.BackupManifest, error) {
	body, err := s.blobs.Get(ctx, s.config.S3BackupBucket, s.manifestKey(backupID))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	m := &models.BackupManifest{}
	if err := json.NewDecoder(body).Decode(m); err != nil {
		return nil, fmt.Errorf("%w: malformed manifest for backup %s: %v", common.ErrOperation, backupID, err)
	}
	return m, nil
}

// RestoreInput selects what RestoreBackup replays.
type RestoreInput struct {
	BackupID string
	// EntityID filters manifest entries to one source entity.
	EntityID string
	// TargetEntityID receives the files; empty restores each file into
	// its source entity.
	TargetEntityID string
	// Verify runs VerifyBackup before restoring anything.
	Verify   bool
	Progress ProgressFunc
}

// RestoreResult aggregates one restore run.
type RestoreResult struct {
	Restored int
	Failed   int
}

// RestoreBackup re-uploads backed-up blobs through the file manager,
// creating new versions in the target entity. A mid-restore failure
// leaves already-restored files in place; there is no rollback.
func (s *BackupService) RestoreBackup(ctx context.Context, in RestoreInput) (*RestoreResult, error) {
	if s.files == nil {
		return nil, fmt.Errorf("%w: file manager not bound", common.ErrOperation)
	}
	manifest, err := s.readManifest(ctx, in.BackupID)
	if err != nil {
		return nil, err
	}

	if in.Verify {
		v, err := s.VerifyBackup(ctx, in.BackupID)
		if err != nil {
			return nil, err
		}
		if !v.Passed {
			return nil, fmt.Errorf("%w: backup %s failed verification: %s", common.ErrIntegrity, in.BackupID, v.Detail)
		}
	}

	entries := manifest.Entries
	if in.EntityID != "" {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.EntityID == in.EntityID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	result := &RestoreResult{}
	for i, e := range entries {
		target := e.EntityID
		if in.TargetEntityID != "" {
			target = in.TargetEntityID
		}
		if err := s.restoreOne(ctx, e, target); err != nil {
			s.log.Warn(ctx, "restore item failed",
				"backup_id", in.BackupID, "path", e.Path, "target", target, "error", err)
			result.Failed++
		} else {
			result.Restored++
		}
		if in.Progress != nil {
			in.Progress(i+1, len(entries))
		}
	}

	s.log.Info(ctx, "backup restored",
		"backup_id", in.BackupID, "restored", result.Restored, "failed", result.Failed)
	s.notifier.Notify(ctx, "backup.restored", map[string]string{
		"backup_id": in.BackupID,
		"restored":  strconv.Itoa(result.Restored),
	})
	return result, nil
}

func (s *BackupService) restoreOne(ctx context.Context, e models.ManifestEntry, targetEntity string) error {
	body, err := s.blobs.Get(ctx, s.config.S3BackupBucket, e.Locator)
	if err != nil {
		return err
	}
	content, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		return fmt.Errorf("%w: read backup object: %v", common.ErrOperation, err)
	}

	if sum := checksum.Sum(content); !checksum.Equal(sum, e.Checksum) {
		return fmt.Errorf("%w: backup object %s does not match manifest checksum", common.ErrIntegrity, e.Locator)
	}

	_, err = s.files.Upload(ctx, UploadInput{
		EntityID:    targetEntity,
		Path:        e.Path,
		Content:     content,
		ContentType: e.ContentType,
		Comment:     "restored from backup",
	})
	return err
}

// VerifyResult reports the three independent backup checks.
type VerifyResult struct {
	BackupID     string
	ManifestOK   bool
	FilesOK      bool
	ChecksumOK   bool
	MissingFiles []string
	Detail       string
	Passed       bool
}

// VerifyBackup runs three independent checks: the manifest decodes and
// is self-consistent, every listed object exists, and the manifest
// checksum recomputes to the recorded value. Passed requires all
// three.
func (s *BackupService) VerifyBackup(ctx context.Context, backupID string) (*VerifyResult, error) {
	result := &VerifyResult{BackupID: backupID}

	manifest, err := s.readManifest(ctx, backupID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		result.Detail = err.Error()
		return result, nil
	}
	result.ManifestOK = manifest.BackupID == backupID && manifest.Checksum != ""
	if !result.ManifestOK {
		result.Detail = "manifest inconsistent with backup id"
	}

	result.FilesOK = true
	for _, e := range manifest.Entries {
		if _, err := s.blobs.Stat(ctx, s.config.S3BackupBucket, e.Locator); err != nil {
			result.FilesOK = false
			result.MissingFiles = append(result.MissingFiles, e.Locator)
		}
	}
	if !result.FilesOK && result.Detail == "" {
		result.Detail = fmt.Sprintf("%d backup objects missing", len(result.MissingFiles))
	}

	sum, err := manifestChecksum(manifest)
	if err == nil {
		result.ChecksumOK = checksum.Equal(sum, manifest.Checksum)
	}
	if !result.ChecksumOK && result.Detail == "" {
		result.Detail = "manifest checksum mismatch"
	}

	result.Passed = result.ManifestOK && result.FilesOK && result.ChecksumOK
	return result, nil
}

// DeleteBackup removes the manifest object first, so a partially
// deleted backup is never discoverable as valid, then every per-file
// backup object, then the bookkeeping row. Missing manifest means the
// backup does not exist.
func (s *BackupService) DeleteBackup(ctx context.Context, backupID string) error {
	manifestKey := s.manifestKey(backupID)
	if _, err := s.blobs.Stat(ctx, s.config.S3BackupBucket, manifestKey); err != nil {
		return err
	}
	if err := s.blobs.Remove(ctx, s.config.S3BackupBucket, manifestKey); err != nil {
		return err
	}

	prefix := fmt.Sprintf("%s/%s/", s.config.BackupPrefix, backupID)
	objects, err := s.blobs.List(ctx, s.config.S3BackupBucket, prefix, true)
	if err != nil {
		s.log.Warn(ctx, "backup object listing failed", "backup_id", backupID, "error", err)
	}
	for _, obj := range objects {
		if err := s.blobs.Remove(ctx, s.config.S3BackupBucket, obj.Key); err != nil {
			s.log.Warn(ctx, "backup object removal failed", "key", obj.Key, "error", err)
		}
	}

	if err := s.repos.Backups(s.db).Delete(ctx, backupID); err != nil && !errors.Is(err, common.ErrNotFound) {
		s.log.Warn(ctx, "backup row removal failed", "backup_id", backupID, "error", err)
	}

	s.log.Info(ctx, "backup deleted", "backup_id", backupID)
	return nil
}

// ListBackups returns bookkeeping rows, newest first.
func (s *BackupService) ListBackups(ctx context.Context, limit, offset int) ([]*models.Backup, error) {
	return s.repos.Backups(s.db).List(ctx, limit, offset)
}
