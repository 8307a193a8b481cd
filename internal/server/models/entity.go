// Package models defines the rows and records persisted by the engine:
// entities, files, file versions and backups.
package models

import "time"

// Entity is the owning unit files and a quota belong to.
//
// FileCount and TotalSize are running usage stats maintained by the
// file manager through atomic conditional updates; Quota bounds
// TotalSize.
type Entity struct {
	ID        string
	Name      string
	FileCount int64
	TotalSize int64
	Quota     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
