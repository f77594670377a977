// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// CacheControl is applied to every uploaded object when set.
	CacheControl string
}

// BlobStore writes page content to a configured GCS bucket.
type BlobStore struct {
	client       *storage.Client
	bucket       string
	cacheControl string
	owned        bool
}

// New creates a GCS-backed blob store over an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client:       client,
		bucket:       cfg.Bucket,
		cacheControl: cfg.CacheControl,
	}, nil
}

// Dial opens a client, confirms the bucket is reachable and returns a store
// that closes the client on Close.
func Dial(ctx context.Context, cfg Config, opts ...option.ClientOption) (*BlobStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get gcs bucket %s: %w", cfg.Bucket, err)
	}
	store.owned = true
	return store, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(path, "/")
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if s.cacheControl != "" {
		writer.CacheControl = s.cacheControl
	}
	if _, err := io.Copy(writer, r); err != nil {
		return "", errors.Join(fmt.Errorf("copy object: %w", err), writer.Close())
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Close releases the client when the store created it.
func (s *BlobStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
