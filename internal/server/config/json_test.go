package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_LoadsFromFile(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, map[string]any{
		"database_dsn":           "postgres://depot@db/depot",
		"s3_bucket":              "primary",
		"s3_backup_bucket":       "backups-here",
		"cache_ttl":              "90s",
		"max_versions":           3,
		"default_quota":          1048576,
		"max_concurrent_backups": 2,
	})
	os.Args = []string{"testbin", "-config", path}

	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)

	assert.Equal(t, "postgres://depot@db/depot", cfg.DatabaseDSN)
	assert.Equal(t, "primary", cfg.S3Bucket)
	assert.Equal(t, "backups-here", cfg.S3BackupBucket)
	assert.Equal(t, 90*time.Second, cfg.CacheTTL)
	assert.Equal(t, 3, cfg.MaxVersions)
	assert.Equal(t, int64(1048576), cfg.DefaultQuota)
	assert.Equal(t, 2, cfg.MaxConcurrentBackups)

	// untouched fields keep their defaults
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.Equal(t, time.Hour, cfg.PresignTTL)
}

func Test_parseJson_NoFileFlagIsNoop(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin"}

	cfg := &Config{}
	cfg.LoadDefaults()
	want := *cfg
	parseJson(cfg)

	assert.Equal(t, want, *cfg)
}

func Test_parseJson_InvalidFilePanics(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	os.Args = []string{"testbin", "-c", path}

	cfg := &Config{}
	cfg.LoadDefaults()
	require.Panics(t, func() { parseJson(cfg) })
}
