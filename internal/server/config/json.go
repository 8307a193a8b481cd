package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/depotd/depot/internal/flagx"
	"github.com/depotd/depot/internal/timex"
)

// JsonConfig is the JSON-file shape of Config. Interval fields use
// timex.Duration so files can say "1h" as well as raw nanoseconds;
// after unmarshalling the values are copied into the runtime Config.
type JsonConfig struct {
	DatabaseDSN           string         `json:"database_dsn"`
	S3AccessKey           string         `json:"s3_access_key"`
	S3SecretKey           string         `json:"s3_secret_key"`
	S3Region              string         `json:"s3_region"`
	S3Endpoint            string         `json:"s3_endpoint"`
	S3Bucket              string         `json:"s3_bucket"`
	S3BackupBucket        string         `json:"s3_backup_bucket"`
	RedisAddr             string         `json:"redis_addr"`
	RedisPassword         string         `json:"redis_password"`
	RedisDB               *int           `json:"redis_db"`
	CacheTTL              timex.Duration `json:"cache_ttl"`
	CacheMaxSize          *int           `json:"cache_max_size"`
	CacheCleanupThreshold *float64       `json:"cache_cleanup_threshold"`
	MaxVersions           *int           `json:"max_versions"`
	DefaultQuota          *int64         `json:"default_quota"`
	MaxConcurrentBackups  *int           `json:"max_concurrent_backups"`
	PresignTTL            timex.Duration `json:"presign_ttl"`
	VersionsPrefix        string         `json:"versions_prefix"`
	BackupPrefix          string         `json:"backup_prefix"`
	CleanupInterval       timex.Duration `json:"cleanup_interval"`
}

// parseJson loads configuration values from the JSON file named by the
// -c/-config flags into config. Absent file path means nothing to
// load; an unreadable or invalid file panics, matching flag-parse
// behavior. String fields overlay only when non-empty and numeric
// fields only when present, so the file can override a subset.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3Endpoint, c.S3Endpoint)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3BackupBucket, c.S3BackupBucket)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	setString(&config.VersionsPrefix, c.VersionsPrefix)
	setString(&config.BackupPrefix, c.BackupPrefix)

	if c.RedisDB != nil {
		config.RedisDB = *c.RedisDB
	}
	if c.CacheMaxSize != nil {
		config.CacheMaxSize = *c.CacheMaxSize
	}
	if c.CacheCleanupThreshold != nil {
		config.CacheCleanupThreshold = *c.CacheCleanupThreshold
	}
	if c.MaxVersions != nil {
		config.MaxVersions = *c.MaxVersions
	}
	if c.DefaultQuota != nil {
		config.DefaultQuota = *c.DefaultQuota
	}
	if c.MaxConcurrentBackups != nil {
		config.MaxConcurrentBackups = *c.MaxConcurrentBackups
	}
	if c.CacheTTL.Duration != 0 {
		config.CacheTTL = time.Duration(c.CacheTTL.Duration)
	}
	if c.PresignTTL.Duration != 0 {
		config.PresignTTL = time.Duration(c.PresignTTL.Duration)
	}
	if c.CleanupInterval.Duration != 0 {
		config.CleanupInterval = time.Duration(c.CleanupInterval.Duration)
	}
}
