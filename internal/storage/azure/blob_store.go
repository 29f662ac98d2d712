// Package azure provides a BlobStore backed by Azure Blob Storage.
package azure

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// Config identifies the storage account and container.
type Config struct {
	Account    string
	AccountKey string
	Container  string
	// Endpoint defaults to https://<account>.blob.core.windows.net/.
	Endpoint string
}

type uploader interface {
	UploadStream(
		ctx context.Context,
		containerName string,
		blobName string,
		body io.Reader,
		o *azblob.UploadStreamOptions,
	) (azblob.UploadStreamResponse, error)
}

// BlobStore uploads artifacts as block blobs.
type BlobStore struct {
	client    uploader
	container string
	endpoint  string
}

// Dial builds a shared-key client for cfg.
func Dial(cfg Config) (*BlobStore, error) {
	if cfg.Account == "" || cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure account and key are required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("build shared key credential: %w", err)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	cfg.Endpoint = endpoint
	return New(client, cfg)
}

// New wraps an existing client.
func New(client uploader, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("blob client is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("container is required")
	}
	return &BlobStore{
		client:    client,
		container: cfg.Container,
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
	}, nil
}

// PutObject streams data into the container and returns the blob URL.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	opts := &azblob.UploadStreamOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := s.client.UploadStream(ctx, s.container, path, data, opts); err != nil {
		return "", fmt.Errorf("upload blob %s: %w", path, err)
	}
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.container, path), nil
}
