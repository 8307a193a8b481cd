package models

import "time"

// FileVersion is one immutable entry in a file's linear history.
// VersionNumber starts at 1 and strictly increases; numbers are never
// reused or mutated. Locator addresses the version's own blob copy.
//
// IsLatest is derived, not stored: repositories set it on the row with
// the highest VersionNumber when listing.
type FileVersion struct {
	ID            string
	FileID        string
	VersionNumber int
	Locator       string
	Size          int64
	Checksum      string
	Comment       string
	Author        string
	CreatedAt     time.Time
	IsLatest      bool
}
