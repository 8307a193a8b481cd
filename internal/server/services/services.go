// Package services implements the managers of the engine: entities,
// files, versions and backups. Services coordinate the three backends
// (object store, metadata store, cache); no cross-store transaction
// exists, so ordering and compensation rules live here.
package services

import (
	"context"
	"time"
)

// Cacher is the slice of the cache layer the services consume.
// Implemented by cache.Cache.
type Cacher interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, namespace, keyPrefix string) error
}

// cacheNamespaceFiles holds serialized file heads keyed by
// "<entityID>:<path>". Entries are invalidated, never updated in
// place, on every write to the keyed file.
const cacheNamespaceFiles = "files"

func fileCacheKey(entityID, path string) string {
	return entityID + ":" + path
}

// Notifier is invoked after successful uploads, deletes, backups and
// restores. The engine treats it as fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, event string, fields map[string]string)
}

// NoopNotifier is the default when no notification hook is wired.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, map[string]string) {}

// ProgressFunc reports monotonic progress of a long-running backup or
// restore: completed only grows, total is fixed for the run.
type ProgressFunc func(completed, total int)
