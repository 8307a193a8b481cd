package config

import (
	"flag"
	"os"
	"time"

	"github.com/depotd/depot/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-d string     PostgreSQL DSN
//	-s3u string   S3 access key
//	-s3p string   S3 secret key
//	-s3r string   S3 region
//	-s3e string   S3 base endpoint (e.g. "http://127.0.0.1:9000/")
//	-s3b string   primary bucket
//	-s3bb string  backup bucket
//	-ra string    Redis address
//	-rp string    Redis password
//	-rdb int      Redis database index
//	-ttl int      cache TTL, seconds
//	-mv int       max retained versions per file
//	-q int        default entity quota, bytes
//	-mcb int      max concurrent backup uploads
//	-pt int       presigned URL TTL, seconds
//
// The function first filters os.Args to only the flags it recognizes
// using flagx.FilterArgs, avoiding collisions with the -c/-config
// flags handled by the JSON layer.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-d", "-s3u", "-s3p", "-s3r", "-s3e", "-s3b", "-s3bb",
		"-ra", "-rp", "-rdb", "-ttl", "-mv", "-q", "-mcb", "-pt",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.S3AccessKey, "s3u", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "s3p", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.S3Region, "s3r", config.S3Region, "S3 region")
	fs.StringVar(&config.S3Endpoint, "s3e", config.S3Endpoint, "S3 base endpoint")
	fs.StringVar(&config.S3Bucket, "s3b", config.S3Bucket, "primary bucket")
	fs.StringVar(&config.S3BackupBucket, "s3bb", config.S3BackupBucket, "backup bucket")
	fs.StringVar(&config.RedisAddr, "ra", config.RedisAddr, "redis address")
	fs.StringVar(&config.RedisPassword, "rp", config.RedisPassword, "redis password")
	fs.IntVar(&config.RedisDB, "rdb", config.RedisDB, "redis database index")

	cacheTTL := fs.Int("ttl", int(config.CacheTTL.Seconds()), "cache TTL (in seconds)")
	presignTTL := fs.Int("pt", int(config.PresignTTL.Seconds()), "presigned URL TTL (in seconds)")

	fs.IntVar(&config.MaxVersions, "mv", config.MaxVersions, "max retained versions per file")
	fs.Int64Var(&config.DefaultQuota, "q", config.DefaultQuota, "default entity quota (bytes)")
	fs.IntVar(&config.MaxConcurrentBackups, "mcb", config.MaxConcurrentBackups, "max concurrent backup uploads")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.CacheTTL = time.Duration(*cacheTTL) * time.Second
	config.PresignTTL = time.Duration(*presignTTL) * time.Second
}
