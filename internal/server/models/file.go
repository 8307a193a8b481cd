package models

import (
	"strings"
	"time"
)

// Visibility controls who may list a file.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// FileType is a coarse classification derived at upload time from the
// content type and path extension.
type FileType string

const (
	FileTypeDocument FileType = "document"
	FileTypeImage    FileType = "image"
	FileTypeArchive  FileType = "archive"
	FileTypeCode     FileType = "code"
	FileTypeOther    FileType = "other"
)

// File is the current head of a versioned file within an entity. The
// logical Path is unique per entity; Locator addresses the current
// blob in the object store.
type File struct {
	ID           string
	EntityID     string
	Path         string
	Type         FileType
	Size         int64
	ContentType  string
	Checksum     string
	Tags         []string
	Visibility   Visibility
	VersionCount int
	Locator      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ClassifyFile derives the FileType for a path/content-type pair.
func ClassifyFile(path, contentType string) FileType {
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "image/") {
		return FileTypeImage
	}

	ext := ""
	if i := strings.LastIndex(path, "."); i >= 0 {
		ext = strings.ToLower(path[i+1:])
	}
	switch ext {
	case "txt", "md", "pdf", "doc", "docx", "rtf", "odt", "csv", "json", "yaml", "yml", "xml":
		return FileTypeDocument
	case "png", "jpg", "jpeg", "gif", "webp", "svg", "bmp":
		return FileTypeImage
	case "zip", "tar", "gz", "tgz", "bz2", "xz", "7z", "rar":
		return FileTypeArchive
	case "go", "py", "js", "ts", "rb", "rs", "c", "h", "cpp", "java", "sh", "sql":
		return FileTypeCode
	}

	if strings.HasPrefix(ct, "text/") {
		return FileTypeDocument
	}
	return FileTypeOther
}
