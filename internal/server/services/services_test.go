package services

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/depotd/depot/internal/blobstore"
	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/dbx"
	"github.com/depotd/depot/internal/logging"
	"github.com/depotd/depot/internal/server/config"
	"github.com/depotd/depot/internal/server/models"
	"github.com/depotd/depot/internal/server/repositories/backups"
	"github.com/depotd/depot/internal/server/repositories/entities"
	"github.com/depotd/depot/internal/server/repositories/files"
	"github.com/depotd/depot/internal/server/repositories/versions"
)

// -------- in-memory blob store --------

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	ctypes  map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{
		objects: make(map[string][]byte),
		ctypes:  make(map[string]string),
	}
}

func blobKey(bucket, key string) string { return bucket + "/" + key }

func (m *memBlobs) EnsureBucket(ctx context.Context, bucket string) error { return nil }
func (m *memBlobs) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return true, nil
}
func (m *memBlobs) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (m *memBlobs) Put(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) (*blobstore.PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[blobKey(bucket, key)] = cp
	m.ctypes[blobKey(bucket, key)] = contentType
	return &blobstore.PutResult{Locator: key, ETag: "etag"}, nil
}

func (m *memBlobs) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[blobKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", common.ErrNotFound, bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	rc, err := m.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	data, _ := io.ReadAll(rc)
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	data = data[offset:]
	if length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) Remove(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, blobKey(bucket, key))
	delete(m.ctypes, blobKey(bucket, key))
	return nil
}

func (m *memBlobs) Stat(ctx context.Context, bucket, key string) (*blobstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[blobKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", common.ErrNotFound, bucket, key)
	}
	return &blobstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memBlobs) List(ctx context.Context, bucket, prefix string, recursive bool) ([]blobstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []blobstore.ObjectInfo
	for k, data := range m.objects {
		if strings.HasPrefix(k, bucket+"/"+prefix) {
			out = append(out, blobstore.ObjectInfo{
				Key:  strings.TrimPrefix(k, bucket+"/"),
				Size: int64(len(data)),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memBlobs) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if _, err := m.Stat(ctx, bucket, key); err != nil {
		return "", err
	}
	return "https://signed.example/" + bucket + "/" + key, nil
}

// corrupt overwrites a stored object, bypassing the client contract.
func (m *memBlobs) corrupt(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[blobKey(bucket, key)] = data
}

func (m *memBlobs) has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[blobKey(bucket, key)]
	return ok
}

func (m *memBlobs) count(bucket string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, bucket+"/") {
			n++
		}
	}
	return n
}

// -------- in-memory cache --------

type memCache struct {
	mu          sync.Mutex
	values      map[string][]byte
	gets        int
	hits        int
	invalidated []string
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string][]byte)}
}

func (c *memCache) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.values[namespace+":"+key]
	if !ok {
		return nil, common.ErrNotFound
	}
	c.hits++
	return v, nil
}

func (c *memCache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[namespace+":"+key] = value
	return nil
}

func (c *memCache) Invalidate(ctx context.Context, namespace, keyPrefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, namespace+":"+keyPrefix)
	for k := range c.values {
		if strings.HasPrefix(k, namespace+":"+keyPrefix) {
			delete(c.values, k)
		}
	}
	return nil
}

// -------- in-memory repositories --------

type memEntities struct {
	mu   sync.Mutex
	rows map[string]*models.Entity
}

func newMemEntities() *memEntities {
	return &memEntities{rows: make(map[string]*models.Entity)}
}

func (r *memEntities) Create(ctx context.Context, e *models.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	r.rows[e.ID] = e
	return nil
}

func (r *memEntities) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", common.ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (r *memEntities) GetByName(ctx context.Context, name string) (*models.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.rows {
		if e.Name == name {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: entity %q", common.ErrNotFound, name)
}

func (r *memEntities) List(ctx context.Context) ([]*models.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Entity
	for _, e := range r.rows {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memEntities) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memEntities) ReserveUsage(ctx context.Context, id string, sizeDelta, fileDelta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("%w: entity %s", common.ErrNotFound, id)
	}
	if e.TotalSize+sizeDelta > e.Quota {
		return fmt.Errorf("%w: quota %d", common.ErrLimitExceeded, e.Quota)
	}
	e.TotalSize += sizeDelta
	e.FileCount += fileDelta
	return nil
}

func (r *memEntities) ReleaseUsage(ctx context.Context, id string, sizeDelta, fileDelta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("%w: entity %s", common.ErrNotFound, id)
	}
	e.TotalSize -= sizeDelta
	if e.TotalSize < 0 {
		e.TotalSize = 0
	}
	e.FileCount -= fileDelta
	if e.FileCount < 0 {
		e.FileCount = 0
	}
	return nil
}

type memFiles struct {
	mu   sync.Mutex
	rows []*models.File
}

func (r *memFiles) Create(ctx context.Context, f *models.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now
	cp := *f
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *memFiles) UpdateHead(ctx context.Context, f *models.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == f.ID {
			row.Size = f.Size
			row.ContentType = f.ContentType
			row.Checksum = f.Checksum
			row.Tags = f.Tags
			row.Type = f.Type
			row.Locator = f.Locator
			row.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: file %s", common.ErrNotFound, f.ID)
}

func (r *memFiles) Rename(ctx context.Context, id, newPath, newLocator string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.Path = newPath
			row.Locator = newLocator
			row.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: file %s", common.ErrNotFound, id)
}

func (r *memFiles) GetByPath(ctx context.Context, entityID, path string) (*models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.EntityID == entityID && row.Path == path {
			cp := *row
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: file %s/%s", common.ErrNotFound, entityID, path)
}

func (r *memFiles) GetByID(ctx context.Context, id string) (*models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: file %s", common.ErrNotFound, id)
}

func (r *memFiles) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.ID == id {
			r.rows = append(r.rows[:i], r.rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: file %s", common.ErrNotFound, id)
}

func (r *memFiles) List(ctx context.Context, entityID string, filter files.ListFilter) ([]*models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.File
	for _, row := range r.rows {
		if row.EntityID != entityID {
			continue
		}
		if filter.Prefix != "" && !strings.HasPrefix(row.Path, filter.Prefix) {
			continue
		}
		if filter.Type != "" && row.Type != filter.Type {
			continue
		}
		if filter.Visibility != "" && row.Visibility != filter.Visibility {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *memFiles) SelectByEntity(ctx context.Context, entityID string) ([]*models.File, error) {
	return r.List(ctx, entityID, files.ListFilter{})
}

func (r *memFiles) SelectAll(ctx context.Context) ([]*models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.File
	for _, row := range r.rows {
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memFiles) SelectModifiedSince(ctx context.Context, cutoff time.Time, entityID string) ([]*models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.File
	for _, row := range r.rows {
		if entityID != "" && row.EntityID != entityID {
			continue
		}
		if row.UpdatedAt.Before(cutoff) {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memFiles) SetVersionCount(ctx context.Context, id string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.VersionCount = count
			return nil
		}
	}
	return fmt.Errorf("%w: file %s", common.ErrNotFound, id)
}

// setUpdatedAt backdates a row for incremental-backup tests.
func (r *memFiles) setUpdatedAt(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.UpdatedAt = at
		}
	}
}

type memVersions struct {
	mu   sync.Mutex
	rows []*models.FileVersion
}

func (r *memVersions) Create(ctx context.Context, v *models.FileVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v.CreatedAt = time.Now()
	cp := *v
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *memVersions) NextNumber(ctx context.Context, fileID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, row := range r.rows {
		if row.FileID == fileID && row.VersionNumber > max {
			max = row.VersionNumber
		}
	}
	return max + 1, nil
}

func (r *memVersions) byFile(fileID string) []*models.FileVersion {
	var out []*models.FileVersion
	for _, row := range r.rows {
		if row.FileID == fileID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out
}

func (r *memVersions) ListByFile(ctx context.Context, fileID string) ([]*models.FileVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.byFile(fileID)
	if len(out) > 0 {
		out[0].IsLatest = true
	}
	return out, nil
}

func (r *memVersions) GetByNumber(ctx context.Context, fileID string, number int) (*models.FileVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.byFile(fileID)
	for i, row := range all {
		if row.VersionNumber == number {
			row.IsLatest = i == 0
			return row, nil
		}
	}
	return nil, fmt.Errorf("%w: version %d of file %s", common.ErrNotFound, number, fileID)
}

func (r *memVersions) CountByFile(ctx context.Context, fileID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, row := range r.rows {
		if row.FileID == fileID {
			n++
		}
	}
	return n, nil
}

func (r *memVersions) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.ID == id {
			r.rows = append(r.rows[:i], r.rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: version %s", common.ErrNotFound, id)
}

func (r *memVersions) SelectOverCap(ctx context.Context, fileID string, maxVersions int) ([]*models.FileVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.byFile(fileID) // newest first, index 0 is latest
	if len(all) <= maxVersions {
		return nil, nil
	}
	keep := maxVersions - 1 // non-latest slots
	if keep < 0 {
		keep = 0
	}
	over := all[1+keep:]
	sort.Slice(over, func(i, j int) bool { return over[i].VersionNumber < over[j].VersionNumber })
	return over, nil
}

func (r *memVersions) SelectFileIDsOverCap(ctx context.Context, entityID string, maxVersions int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, row := range r.rows {
		counts[row.FileID]++
	}
	var out []string
	for id, n := range counts {
		if n > maxVersions {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

type memBackups struct {
	mu   sync.Mutex
	rows map[string]*models.Backup
}

func newMemBackups() *memBackups {
	return &memBackups{rows: make(map[string]*models.Backup)}
}

func (r *memBackups) Create(ctx context.Context, b *models.Backup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.CreatedAt = time.Now()
	cp := *b
	r.rows[b.ID] = &cp
	return nil
}

func (r *memBackups) GetByID(ctx context.Context, id string) (*models.Backup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: backup %s", common.ErrNotFound, id)
	}
	cp := *b
	return &cp, nil
}

func (r *memBackups) SetStatus(ctx context.Context, id string, status models.BackupStatus, fileCount int, totalSize int64, errDetail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("%w: backup %s", common.ErrNotFound, id)
	}
	b.Status = status
	b.FileCount = fileCount
	b.TotalSize = totalSize
	b.Error = errDetail
	return nil
}

func (r *memBackups) List(ctx context.Context, limit, offset int) ([]*models.Backup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Backup
	for _, b := range r.rows {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memBackups) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return fmt.Errorf("%w: backup %s", common.ErrNotFound, id)
	}
	delete(r.rows, id)
	return nil
}

// -------- repo manager over the fakes --------

type memRepoManager struct {
	db       *sql.DB
	entities *memEntities
	files    *memFiles
	versions *memVersions
	backups  *memBackups
}

func (m *memRepoManager) Conn() *sql.DB                            { return m.db }
func (m *memRepoManager) Entities(db dbx.DBTX) entities.Repository { return m.entities }
func (m *memRepoManager) Files(db dbx.DBTX) files.Repository       { return m.files }
func (m *memRepoManager) Versions(db dbx.DBTX) versions.Repository { return m.versions }
func (m *memRepoManager) Backups(db dbx.DBTX) backups.Repository   { return m.backups }

// -------- fixture --------

type fixture struct {
	t    *testing.T
	db   *sql.DB
	mock sqlmock.Sqlmock

	blobs *memBlobs
	cache *memCache
	repos *memRepoManager
	cfg   *config.Config

	entities *EntityService
	files    *FileService
	versions *VersionService
	backups  *BackupService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		S3Bucket:             "depot",
		S3BackupBucket:       "depot-backups",
		MaxVersions:          3,
		DefaultQuota:         1 << 20,
		MaxConcurrentBackups: 2,
		PresignTTL:           time.Hour,
		VersionsPrefix:       "versions",
		BackupPrefix:         "backups",
	}

	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	blobs := newMemBlobs()
	cch := newMemCache()
	rm := &memRepoManager{
		db:       db,
		entities: newMemEntities(),
		files:    &memFiles{},
		versions: &memVersions{},
		backups:  newMemBackups(),
	}

	es := NewEntityService(db, rm, cfg, log)
	fs := NewFileService(db, rm, blobs, cch, cfg, log, nil)
	vs := NewVersionService(db, rm, blobs, cfg, log)
	bs := NewBackupService(db, rm, blobs, cfg, log, nil)
	fs.BindVersionManager(vs)
	vs.BindFileManager(fs)
	bs.BindFileManager(fs)

	return &fixture{
		t:        t,
		db:       db,
		mock:     mock,
		blobs:    blobs,
		cache:    cch,
		repos:    rm,
		cfg:      cfg,
		entities: es,
		files:    fs,
		versions: vs,
		backups:  bs,
	}
}

// expectUploads queues transaction expectations for n successful
// uploads.
func (f *fixture) expectUploads(n int) {
	for i := 0; i < n; i++ {
		f.mock.ExpectBegin()
		f.mock.ExpectCommit()
	}
}

// expectFailedUpload queues expectations for one upload that fails
// inside the transaction.
func (f *fixture) expectFailedUpload() {
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
}

func (f *fixture) newEntity(name string, quota int64) *models.Entity {
	f.t.Helper()
	e, err := f.entities.Create(context.Background(), name, quota)
	if err != nil {
		f.t.Fatalf("Create entity error: %v", err)
	}
	return e
}

func (f *fixture) upload(entityID, path string, content []byte) *models.File {
	f.t.Helper()
	f.expectUploads(1)
	file, err := f.files.Upload(context.Background(), UploadInput{
		EntityID:    entityID,
		Path:        path,
		Content:     content,
		ContentType: "text/plain",
	})
	if err != nil {
		f.t.Fatalf("Upload(%s) error: %v", path, err)
	}
	return file
}
