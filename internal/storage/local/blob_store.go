// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where page content is written.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes page content under a base directory.
type BlobStore struct {
	baseDir string
}

// New creates the base directory if needed and verifies it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(baseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe, err := os.CreateTemp(baseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &BlobStore{baseDir: baseDir}, nil
}

// PutObject streams data into a temporary file and renames it into place, so
// readers never observe a partial object. It returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}

	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(path))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the base directory", path)
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("rename %s: %w", path, err)
	}
	return "file://" + filepath.ToSlash(fullPath), nil
}

// Close is a no-op.
func (s *BlobStore) Close() error { return nil }
