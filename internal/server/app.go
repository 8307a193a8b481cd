// Package server wires the depot engine together: configuration,
// backends, services, signal handling and the background maintenance
// loops.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/depotd/depot/internal/blobstore"
	"github.com/depotd/depot/internal/cache"
	"github.com/depotd/depot/internal/logging"
	"github.com/depotd/depot/internal/server/config"
	"github.com/depotd/depot/internal/server/repositories/repomanager"
	"github.com/depotd/depot/internal/server/services"
)

// App owns the engine's long-lived resources and services.
type App struct {
	config *config.Config
	logger logging.Logger

	repos *repomanager.PostgresManager
	blobs blobstore.Client
	cache *cache.Cache

	Entities *services.EntityService
	Files    *services.FileService
	Versions *services.VersionService
	Backups  *services.BackupService
}

// NewApp connects all three backends (metadata store, object store,
// cache), runs migrations, ensures the buckets and constructs the
// services.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	repos, err := repomanager.NewPostgresManager(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	blobs, err := blobstore.NewS3Client(ctx, blobstore.Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("object store init error: %w", err)
	}
	for _, bucket := range []string{cfg.S3Bucket, cfg.S3BackupBucket} {
		if err := blobs.EnsureBucket(ctx, bucket); err != nil {
			return nil, fmt.Errorf("bucket %q init error: %w", bucket, err)
		}
	}

	cch := cache.New(cache.Config{
		Addr:             cfg.RedisAddr,
		Password:         cfg.RedisPassword,
		DB:               cfg.RedisDB,
		DefaultTTL:       cfg.CacheTTL,
		MaxSize:          cfg.CacheMaxSize,
		CleanupThreshold: cfg.CacheCleanupThreshold,
	}, logger)

	db := repos.Conn()
	notifier := services.NoopNotifier{}

	es := services.NewEntityService(db, repos, cfg, logger)
	fs := services.NewFileService(db, repos, blobs, cch, cfg, logger, notifier)
	vs := services.NewVersionService(db, repos, blobs, cfg, logger)
	bs := services.NewBackupService(db, repos, blobs, cfg, logger, notifier)

	fs.BindVersionManager(vs)
	vs.BindFileManager(fs)
	bs.BindFileManager(fs)

	return &App{
		config:   cfg,
		logger:   logger,
		repos:    repos,
		blobs:    blobs,
		cache:    cch,
		Entities: es,
		Files:    fs,
		Versions: vs,
		Backups:  bs,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runMaintenance drives the periodic retention sweep and cache stats
// log until the context ends. A task-runner collaborator would replace
// this loop in a larger deployment.
func (app *App) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(app.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := app.Versions.Cleanup(ctx, "")
			if err != nil {
				app.logger.Error(ctx, "retention sweep failed", "error", err)
			} else if report.Deleted > 0 {
				app.logger.Info(ctx, "retention sweep",
					"files", report.FilesExamined, "deleted", report.Deleted, "failed", report.Failed)
			}

			stats := app.cache.Stats()
			app.logger.Info(ctx, "cache stats",
				"hits", stats.Hits, "misses", stats.Misses, "sets", stats.Sets,
				"evictions", stats.Evictions, "errors", stats.Errors,
				"hit_rate", stats.HitRate())
		}
	}
}

// Run blocks until a termination signal arrives, then releases the
// backends.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting depot engine")

	app.initSignalHandler(cancelFunc)
	app.runMaintenance(ctx)

	app.logger.Info(context.Background(), "shutting down")
	if err := app.cache.Close(); err != nil {
		app.logger.Error(context.Background(), "cache close error", "error", err)
	}
	if err := app.repos.Close(); err != nil {
		app.logger.Error(context.Background(), "db close error", "error", err)
	}
}
