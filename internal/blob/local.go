package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Dir string
}

// LocalBackend stores blobs under a directory, mirroring the key's path
// structure. Writes go through a temp file and an atomic rename.
type LocalBackend struct {
	dir string
}

var _ Backend = (*LocalBackend)(nil)

// NewLocal creates the filesystem backend.
func NewLocal(cfg LocalConfig) (*LocalBackend, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "data/blobs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

// Name returns "local".
func (b *LocalBackend) Name() string { return BackendLocal }

// Store writes the blob to disk.
func (b *LocalBackend) Store(ctx context.Context, key string, data []byte, contentType string) (Metadata, error) {
	path, err := b.path(key)
	if err != nil {
		return Metadata{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Metadata{}, fmt.Errorf("create blob subdirectory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Metadata{}, fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return Metadata{}, fmt.Errorf("rename blob %s: %w", key, err)
	}

	return Metadata{
		Key:         key,
		Backend:     BackendLocal,
		Size:        int64(len(data)),
		ContentType: contentType,
		Reference:   fmt.Sprintf("file://%s", path),
		StoredAt:    time.Now().UTC(),
	}, nil
}

// Get reads the blob's bytes.
func (b *LocalBackend) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob and reports whether it existed.
func (b *LocalBackend) Delete(ctx context.Context, key string) (bool, error) {
	path, err := b.path(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete blob %s: %w", key, err)
	}
	return true, nil
}

// HealthCheck verifies the directory is writable.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	f, err := os.CreateTemp(b.dir, ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("blob directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name) //nolint:errcheck
	return nil
}

// Close releases resources.
func (b *LocalBackend) Close() error { return nil }

// path resolves a key inside the base directory, rejecting anything that
// would escape it.
func (b *LocalBackend) path(key string) (string, error) {
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(b.dir, filepath.FromSlash(key)), nil
}
