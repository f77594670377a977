// Package memory provides in-memory job, progress, and blob stores for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore stores page content in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	s.data[path] = byteData
	s.mu.Unlock()
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a copy of the object stored at path.
func (s *BlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
