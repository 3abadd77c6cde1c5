package model

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/banshee-data/autopilot/internal/fsutil"
)

// Store persists bundles by key.
type Store interface {
	// Load returns the bundle for key, ErrNotFound when none exists, or an
	// error wrapping ErrModelLoad when the stored bundle is unusable.
	Load(key string) (*Bundle, error)
	Save(b *Bundle) error
}

// FileStore keeps each bundle in a JSON file named after its key.
type FileStore struct {
	fs fsutil.FileSystem
}

// NewFileStore returns a FileStore on fsys.
func NewFileStore(fsys fsutil.FileSystem) *FileStore {
	return &FileStore{fs: fsys}
}

// Path returns the file a key is stored in.
func (s *FileStore) Path(key string) string {
	return key + ".json"
}

// Load reads and validates the bundle file for key.
func (s *FileStore) Load(key string) (*Bundle, error) {
	path := s.Path(key)
	data, err := s.fs.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrModelLoad, path, err)
	}
	b, err := UnmarshalBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Save replaces the bundle file atomically.
func (s *FileStore) Save(b *Bundle) error {
	data, err := MarshalBundle(b)
	if err != nil {
		return fmt.Errorf("encode bundle %s: %w", b.Key, err)
	}
	path := s.Path(b.Key)
	if dir := filepath.Dir(path); dir != "." && !s.fs.Exists(dir) {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create model dir %s: %w", dir, err)
		}
	}
	return fsutil.WriteFileAtomic(s.fs, path, data, 0644)
}
