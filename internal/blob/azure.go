package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azureblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureConfig configures the Azure Blob backend. The container must
// already exist.
type AzureConfig struct {
	ConnectionString string
	Container        string
}

// AzureBackend stores blobs in an Azure Blob Storage container.
type AzureBackend struct {
	client    *azblob.Client
	container string
}

var _ Backend = (*AzureBackend)(nil)

// NewAzure creates the Azure backend from a connection string.
func NewAzure(cfg AzureConfig) (*AzureBackend, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("azure connection string is required")
	}
	container := cfg.Container
	if container == "" {
		container = "blobs"
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &AzureBackend{client: client, container: container}, nil
}

// Name returns "azure".
func (b *AzureBackend) Name() string { return BackendAzure }

// Store uploads the blob, overwriting any existing one.
func (b *AzureBackend) Store(ctx context.Context, key string, data []byte, contentType string) (Metadata, error) {
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &azureblob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := b.client.UploadBuffer(ctx, b.container, key, data, opts); err != nil {
		return Metadata{}, fmt.Errorf("azure upload %s: %w", key, err)
	}

	return Metadata{
		Key:         key,
		Backend:     BackendAzure,
		Size:        int64(len(data)),
		ContentType: contentType,
		Reference:   fmt.Sprintf("azure://%s/%s", b.container, key),
		StoredAt:    time.Now().UTC(),
	}, nil
}

// Get downloads the blob's bytes.
func (b *AzureBackend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("azure download %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob and reports whether it existed.
func (b *AzureBackend) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := b.client.DeleteBlob(ctx, b.container, key, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("azure delete %s: %w", key, err)
	}
	return true, nil
}

// HealthCheck verifies the container is reachable.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	containerClient := b.client.ServiceClient().NewContainerClient(b.container)
	if _, err := containerClient.GetProperties(ctx, nil); err != nil {
		return fmt.Errorf("azure container %s: %w", b.container, err)
	}
	return nil
}

// Close releases resources.
func (b *AzureBackend) Close() error { return nil }
