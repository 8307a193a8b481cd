// Package blobstore adapts the bucket/object primitives of an
// S3-compatible object store for the rest of the engine.
//
// The adapter does exactly three things beyond forwarding calls:
// it translates backend faults into the engine taxonomy (ErrNotFound,
// ErrUnavailable for retryable faults, ErrValidation for non-retryable
// bad requests, ErrOperation otherwise), it duration-logs every call,
// and it presigns read URLs. It never retries; retry policy belongs to
// callers, and most callers deliberately surface ErrUnavailable as-is.
package blobstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// PutResult reports where a blob landed.
type PutResult struct {
	// Locator is the key the object was stored under. Callers persist
	// it as the opaque address of the blob.
	Locator string
	ETag    string
}

// Client is the object-store contract consumed by the file, version
// and backup managers.
type Client interface {
	// EnsureBucket creates the bucket if it does not already exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// BucketExists reports whether the bucket exists.
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// DeleteBucket removes an (empty) bucket.
	DeleteBucket(ctx context.Context, bucket string) error

	// Put stores data under bucket/key with the given content type and
	// user metadata.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) (*PutResult, error)

	// Get opens the object for reading. The caller must close the
	// returned stream.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// GetRange opens a byte range of the object. A length < 0 reads to
	// the end of the object.
	GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)

	// Remove deletes a single object.
	Remove(ctx context.Context, bucket, key string) error

	// Stat returns object metadata without reading the body.
	Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// List returns descriptors of the objects under prefix. With
	// recursive=false, only one "directory" level is returned.
	List(ctx context.Context, bucket, prefix string, recursive bool) ([]ObjectInfo, error)

	// PresignGet issues a time-boxed read URL for the object.
	PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
