// Package artifacts stores exported objects under opaque keys and issues
// HMAC-signed, time-limited retrieval URLs for them. Authorization of a
// retrieval derives solely from the signature, never from user identity.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no object exists under the key.
var ErrNotFound = errors.New("artifacts: object not found")

// ObjectStore is the contract for the external object store.
type ObjectStore interface {
	// Put persists data under key with the given content type.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get retrieves the object and its content type.
	Get(ctx context.Context, key string) ([]byte, string, error)
}

// FileStore is a filesystem-backed ObjectStore for development and tests.
// Content types are recovered from the key extension.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// cleanKey rejects keys that would escape the base directory.
func cleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("artifacts: invalid key %q", key)
	}
	return filepath.FromSlash(key), nil
}

func (s *FileStore) Put(_ context.Context, key string, data []byte, _ string) error {
	rel, err := cleanKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifacts: ensure key dir: %w", err)
	}

	// Write to temp, then rename.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("artifacts: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("artifacts: commit: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, string, error) {
	rel, err := cleanKey(key)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("artifacts: read: %w", err)
	}
	return data, contentTypeForKey(key), nil
}

func contentTypeForKey(key string) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
