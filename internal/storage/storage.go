// Package storage selects the artifact mirror backend from configuration.
// Concrete stores live in the subpackages.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/JakeFAU/terrain-export/internal/config"
	"github.com/JakeFAU/terrain-export/internal/storage/azure"
	"github.com/JakeFAU/terrain-export/internal/storage/gcs"
	"github.com/JakeFAU/terrain-export/internal/storage/local"
	"github.com/JakeFAU/terrain-export/internal/storage/memory"
	"github.com/JakeFAU/terrain-export/internal/storage/s3"
)

// BlobStore mirrors artifacts and returns a URI for the stored copy.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// CloseFunc releases resources held by a BlobStore.
type CloseFunc func() error

func noopClose() error { return nil }

// Open builds the BlobStore named by cfg.Backend. It returns a nil store for
// the "none" backend.
func Open(ctx context.Context, cfg config.StorageConfig) (BlobStore, CloseFunc, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, noopClose, nil
	case "memory":
		return memory.NewBlobStore(), noopClose, nil
	case "local":
		s, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store: %w", err)
		}
		return s, noopClose, nil
	case "gcs":
		s, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Bucket, CheckBucket: true})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return s, s.Close, nil
	case "s3":
		s, err := s3.Dial(ctx, s3.Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.S3Endpoint})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 blob store: %w", err)
		}
		return s, noopClose, nil
	case "azure":
		s, err := azure.Dial(azure.Config{
			Account:    cfg.AzureAccount,
			AccountKey: cfg.AzureAccountKey,
			Container:  cfg.AzureContainer,
			Endpoint:   cfg.AzureEndpoint,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("azure blob store: %w", err)
		}
		return s, noopClose, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
