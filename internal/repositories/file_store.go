package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps one JSON file per collection inside a directory.
type FileStore struct {
	dir string
}

// NewFileStore constructs a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

// Load reads the snapshot file for collection.
func (s *FileStore) Load(_ context.Context, collection string) ([]byte, error) {
	body, err := os.ReadFile(s.path(collection))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}
	return body, err
}

// Save replaces the snapshot file atomically via a temp file and rename.
func (s *FileStore) Save(_ context.Context, collection string, body []byte) error {
	tmp, err := os.CreateTemp(s.dir, collection+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(collection))
}

func (s *FileStore) Close() error {
	return nil
}
