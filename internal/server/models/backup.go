package models

import "time"

// BackupType selects the candidate set of a backup run.
type BackupType string

const (
	BackupTypeFull BackupType = "full"
	// BackupTypeIncremental restricts candidates to files whose
	// metadata changed within the incremental window.
	BackupTypeIncremental BackupType = "incremental"
)

// BackupStatus tracks a backup record through its lifecycle.
type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "pending"
	BackupStatusInProgress BackupStatus = "in_progress"
	BackupStatusCompleted  BackupStatus = "completed"
	// BackupStatusPartial marks a run where some candidates failed and
	// were excluded from the manifest.
	BackupStatusPartial BackupStatus = "completed_with_errors"
	BackupStatusFailed  BackupStatus = "failed"
)

// Backup is the bookkeeping row for one backup run. The authoritative
// artifact is the manifest object in the backup bucket; a backup whose
// manifest object is missing is treated as nonexistent regardless of
// this row.
type Backup struct {
	ID          string
	Type        BackupType
	Status      BackupStatus
	EntityID    string // empty for system-wide backups
	FileCount   int
	TotalSize   int64
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ManifestEntry describes one file captured by a backup.
type ManifestEntry struct {
	EntityID    string `json:"entity_id"`
	Path        string `json:"path"`
	Locator     string `json:"locator"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

// BackupManifest is the immutable description of a backup's file set.
// It is written last, as the durability commit record, and its
// Checksum is never recomputed in place once recorded.
type BackupManifest struct {
	BackupID  string          `json:"backup_id"`
	Type      BackupType      `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Entries   []ManifestEntry `json:"entries"`
	TotalSize int64           `json:"total_size"`
	Checksum  string          `json:"checksum"`
}
