package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"github.com/depotd/depot/internal/common"
	"github.com/depotd/depot/internal/logging"
)

// Indirections over the SDK so tests can substitute failure modes
// without a live endpoint.
var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// Config holds connection settings for the S3-compatible backend.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Client implements Client over aws-sdk-go-v2 against any
// S3-compatible endpoint (MinIO in development).
type S3Client struct {
	api *s3.Client
	log logging.Logger
}

// NewS3Client builds the SDK client with static credentials and a
// custom base endpoint. Path-style addressing is forced because MinIO
// does not resolve virtual-host bucket names.
func NewS3Client(ctx context.Context, cfg Config, log logging.Logger) (*S3Client, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	api := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &S3Client{api: api, log: log.With("component", "blobstore")}, nil
}

// observe emits the per-call duration log line. Used via defer with
// time.Now() captured at call entry.
func (c *S3Client) observe(ctx context.Context, op string, start time.Time, kv ...any) {
	args := append([]any{"op", op, "elapsed_ms", time.Since(start).Milliseconds()}, kv...)
	c.log.Debug(ctx, "object store call", args...)
}

func (c *S3Client) EnsureBucket(ctx context.Context, bucket string) error {
	defer c.observe(ctx, "ensure_bucket", time.Now(), "bucket", bucket)

	exists, err := c.bucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = c.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var taken *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &taken) {
			return nil
		}
		return translate(err)
	}
	return nil
}

func (c *S3Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	defer c.observe(ctx, "bucket_exists", time.Now(), "bucket", bucket)
	return c.bucketExists(ctx, bucket)
}

func (c *S3Client) bucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		terr := translate(err)
		if errors.Is(terr, common.ErrNotFound) {
			return false, nil
		}
		return false, terr
	}
	return true, nil
}

func (c *S3Client) DeleteBucket(ctx context.Context, bucket string) error {
	defer c.observe(ctx, "delete_bucket", time.Now(), "bucket", bucket)

	_, err := c.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	return translate(err)
}

func (c *S3Client) Put(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) (*PutResult, error) {
	defer c.observe(ctx, "put", time.Now(), "bucket", bucket, "key", key, "size", len(data))

	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if len(metadata) > 0 {
		in.Metadata = metadata
	}

	out, err := c.api.PutObject(ctx, in)
	if err != nil {
		return nil, translate(err)
	}
	return &PutResult{Locator: key, ETag: aws.ToString(out.ETag)}, nil
}

func (c *S3Client) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	defer c.observe(ctx, "get", time.Now(), "bucket", bucket, "key", key)

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translate(err)
	}
	return out.Body, nil
}

func (c *S3Client) GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	defer c.observe(ctx, "get_range", time.Now(), "bucket", bucket, "key", key, "offset", offset, "length", length)

	rng := fmt.Sprintf("bytes=%d-", offset)
	if length >= 0 {
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return nil, translate(err)
	}
	return out.Body, nil
}

func (c *S3Client) Remove(ctx context.Context, bucket, key string) error {
	defer c.observe(ctx, "remove", time.Now(), "bucket", bucket, "key", key)

	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return translate(err)
}

func (c *S3Client) Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	defer c.observe(ctx, "stat", time.Now(), "bucket", bucket, "key", key)

	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translate(err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (c *S3Client) List(ctx context.Context, bucket, prefix string, recursive bool) ([]ObjectInfo, error) {
	defer c.observe(ctx, "list", time.Now(), "bucket", bucket, "prefix", prefix)

	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		in.Delimiter = aws.String("/")
	}

	var result []ObjectInfo
	p := s3.NewListObjectsV2Paginator(c.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, translate(err)
		}
		for _, obj := range page.Contents {
			result = append(result, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return result, nil
}

func (c *S3Client) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	defer c.observe(ctx, "presign_get", time.Now(), "bucket", bucket, "key", key)

	pc := newS3PresignClient(c.api)
	req, err := presignGetObject(pc, ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", translate(err)
	}
	return req.URL, nil
}

// translate maps a backend fault onto the engine taxonomy. Exactly
// three fault kinds leave this package: not-found, retryable
// unavailability, and non-retryable invalid requests; anything else is
// the uncategorized ErrOperation.
func translate(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}

	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &noBucket) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", common.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %v", common.ErrNotFound, err)
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout", "RequestTimeTooSkewed":
			return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
		case "InvalidArgument", "InvalidRequest", "InvalidBucketName", "KeyTooLongError", "MalformedXML", "EntityTooLarge", "AccessDenied":
			return fmt.Errorf("%w: %v", common.ErrValidation, err)
		}
	}

	return fmt.Errorf("%w: %v", common.ErrOperation, err)
}
