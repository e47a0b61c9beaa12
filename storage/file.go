package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// File is a directory-backed Storage with one file per index.
type File struct {
	dir string
}

// NewFile opens (creating if needed) a directory-backed storage.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(index uint64) string {
	return filepath.Join(f.dir, strconv.FormatUint(index, 10))
}

// Read returns the block at index, or ErrNotFound.
func (f *File) Read(index uint64) ([]byte, error) {
	data, err := os.ReadFile(f.path(index))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write stores a block at index. The write goes through a temporary
// file and a rename so a crash never leaves a torn block behind.
func (f *File) Write(index uint64, data []byte) error {
	tmp := f.path(index) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(index))
}

// Flush syncs the backing directory.
func (f *File) Flush() error {
	dir, err := os.Open(f.dir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
