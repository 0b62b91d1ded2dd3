package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures the S3-compatible backend. A custom Endpoint with
// PathStyle covers MinIO and other S3 clones.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3Backend stores blobs in an S3-compatible bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Backend = (*S3Backend)(nil)

// NewS3 creates the S3 backend.
func NewS3(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Name returns "s3".
func (b *S3Backend) Name() string { return BackendS3 }

// Store writes the blob with a single PutObject.
func (b *S3Backend) Store(ctx context.Context, key string, data []byte, contentType string) (Metadata, error) {
	objectKey := b.objectKey(key)
	input := &s3.PutObjectInput{
		Bucket: &b.bucket,
		Key:    &objectKey,
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return Metadata{}, fmt.Errorf("s3 put object: %w", err)
	}

	return Metadata{
		Key:         key,
		Backend:     BackendS3,
		Size:        int64(len(data)),
		ContentType: contentType,
		Reference:   fmt.Sprintf("s3://%s/%s", b.bucket, objectKey),
		StoredAt:    time.Now().UTC(),
	}, nil
}

// Get retrieves the blob's bytes.
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	objectKey := b.objectKey(key)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read object: %w", err)
	}
	return data, nil
}

// Delete removes the blob and reports whether it existed.
func (b *S3Backend) Delete(ctx context.Context, key string) (bool, error) {
	objectKey := b.objectKey(key)
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &b.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head object: %w", err)
	}

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &b.bucket,
		Key:    &objectKey,
	}); err != nil {
		return false, fmt.Errorf("s3 delete object: %w", err)
	}
	return true, nil
}

// HealthCheck verifies the bucket is reachable.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &b.bucket}); err != nil {
		return fmt.Errorf("s3 head bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Close releases resources.
func (b *S3Backend) Close() error { return nil }

func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		(strings.EqualFold(apiErr.ErrorCode(), "NotFound") || strings.EqualFold(apiErr.ErrorCode(), "NoSuchKey"))
}
