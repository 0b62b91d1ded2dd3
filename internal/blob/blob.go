// Package blob stores user uploads and generated artifacts behind a
// uniform interface with S3-compatible, Azure Blob, GCS, and local
// filesystem backends. The backend is picked once at startup.
package blob

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agenticwork/awchat/internal/observability"
)

// ErrNotFound is returned by Get when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// Backend names accepted in configuration.
const (
	BackendS3    = "s3"
	BackendAzure = "azure"
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

// Metadata describes a stored blob.
type Metadata struct {
	Key         string
	Backend     string
	Size        int64
	ContentType string
	Reference   string
	StoredAt    time.Time
}

// Backend is implemented by every blob storage target.
type Backend interface {
	// Name returns the backend identifier used in references and logs.
	Name() string

	// Store writes data under key, overwriting any existing blob.
	Store(ctx context.Context, key string, data []byte, contentType string) (Metadata, error)

	// Get returns the blob's bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// HealthCheck verifies the backend is reachable and writable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Config selects and configures the blob backend. An empty Type means
// auto-detect: the first backend with credentials present wins, falling
// back to local disk.
type Config struct {
	Type  string
	S3    S3Config
	Azure AzureConfig
	GCS   GCSConfig
	Local LocalConfig
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config, logger *observability.Logger) (Backend, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	backendType := strings.ToLower(strings.TrimSpace(cfg.Type))
	if backendType == "" {
		switch {
		case cfg.S3.Bucket != "":
			backendType = BackendS3
		case cfg.Azure.ConnectionString != "":
			backendType = BackendAzure
		case cfg.GCS.Bucket != "":
			backendType = BackendGCS
		default:
			backendType = BackendLocal
		}
	}

	var (
		backend Backend
		err     error
	)
	switch backendType {
	case BackendS3:
		backend, err = NewS3(ctx, cfg.S3)
	case BackendAzure:
		backend, err = NewAzure(cfg.Azure)
	case BackendGCS:
		backend, err = NewGCS(ctx, cfg.GCS)
	case BackendLocal:
		backend, err = NewLocal(cfg.Local)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", backendType)
	}
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "blob backend selected", "backend", backend.Name())
	return backend, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SafeUserID keeps alphanumerics, underscore, and hyphen from a user
// identifier and truncates to 50 characters, so identifiers cannot alter
// the key's path shape.
func SafeUserID(userID string) string {
	safe := unsafeKeyChars.ReplaceAllString(userID, "")
	if len(safe) > 50 {
		safe = safe[:50]
	}
	if safe == "" {
		safe = "anonymous"
	}
	return safe
}

// GenerateKey builds a key of the form
// YYYY/MM/<safe-user-id>/<prefix>_<epoch-ms>_<random-hex>. The random
// suffix carries 64 bits of entropy, so keys can double as capability
// tokens for public-read endpoints.
func GenerateKey(userID, prefix string) (string, error) {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate key entropy: %w", err)
	}

	safePrefix := unsafeKeyChars.ReplaceAllString(prefix, "")
	if safePrefix == "" {
		safePrefix = "blob"
	}

	now := time.Now().UTC()
	return fmt.Sprintf("%04d/%02d/%s/%s_%d_%s",
		now.Year(), int(now.Month()), SafeUserID(userID),
		safePrefix, now.UnixMilli(), hex.EncodeToString(suffix)), nil
}
