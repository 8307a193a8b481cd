// Package common defines the sentinel errors shared by every layer of
// the depot engine. Callers match these values with errors.Is; lower
// layers wrap them with context via fmt.Errorf("...: %w", err).
package common

import "errors"

var (
	// ErrNotFound signals that an entity, file, version, blob or
	// backup manifest does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLimitExceeded signals that an entity quota or a per-file
	// version cap would be exceeded.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrIntegrity signals a checksum mismatch between stored and
	// recomputed digests.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrValidation signals malformed input (path, name, metadata).
	// Validation errors are never retried.
	ErrValidation = errors.New("validation error")

	// ErrUnavailable signals a temporarily unreachable backend. The
	// engine performs no internal retries; callers may retry.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrVersioning signals a disallowed version-history transition,
	// such as deleting the only remaining version of a file.
	ErrVersioning = errors.New("versioning error")

	// ErrOperation is the uncategorized backend failure.
	ErrOperation = errors.New("operation failed")
)
