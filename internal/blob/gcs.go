package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// GCSConfig configures the Google Cloud Storage backend. Credentials come
// from the ambient environment (application default credentials).
type GCSConfig struct {
	Bucket string
}

// GCSBackend stores blobs in a GCS bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
}

var _ Backend = (*GCSBackend)(nil)

// NewGCS creates the GCS backend.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBackend{client: client, bucket: cfg.Bucket}, nil
}

// Name returns "gcs".
func (b *GCSBackend) Name() string { return BackendGCS }

// Store writes the blob through an object writer.
func (b *GCSBackend) Store(ctx context.Context, key string, data []byte, contentType string) (Metadata, error) {
	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return Metadata{}, fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return Metadata{}, fmt.Errorf("gcs finalize %s: %w", key, err)
	}

	return Metadata{
		Key:         key,
		Backend:     BackendGCS,
		Size:        int64(len(data)),
		ContentType: contentType,
		Reference:   fmt.Sprintf("gs://%s/%s", b.bucket, key),
		StoredAt:    time.Now().UTC(),
	}, nil
}

// Get reads the blob's bytes.
func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob and reports whether it existed.
func (b *GCSBackend) Delete(ctx context.Context, key string) (bool, error) {
	err := b.client.Bucket(b.bucket).Object(key).Delete(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return true, nil
}

// HealthCheck verifies the bucket is reachable.
func (b *GCSBackend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.Bucket(b.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Close releases the client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}
