package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PartialSuffix marks an in-progress transfer. The final name only ever
// appears through Finalize's rename.
const PartialSuffix = ".part"

// FileStorage manages partial and final files below a root directory.
type FileStorage struct {
	dir string
}

// NewFileStorage creates a new FileStorage instance with the given directory.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: filepath.Clean(dir)}
}

// Root returns the storage directory.
func (s *FileStorage) Root() string {
	return s.dir
}

// Path joins a relative name onto the root and rejects names escaping it.
func (s *FileStorage) Path(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("path %q must be relative", name)
	}
	p := filepath.Join(s.dir, name)
	rel, err := filepath.Rel(s.dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage root", name)
	}
	return p, nil
}

// PartialPath returns the in-progress file name for a destination.
func PartialPath(dest string) string {
	return dest + PartialSuffix
}

// PartialSize returns the size of the destination's partial file, or zero if
// there is none.
func (s *FileStorage) PartialSize(dest string) (int64, error) {
	size, err := s.GetFileSize(PartialPath(dest))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return size, err
}

// OpenPartial opens the destination's partial file for appending. When
// truncate is set any existing content is discarded first.
func (s *FileStorage) OpenPartial(dest string, truncate bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	return s.OpenFile(PartialPath(dest), flags)
}

// Finalize atomically renames the partial file onto the destination.
func (s *FileStorage) Finalize(dest string) error {
	if err := os.Rename(PartialPath(dest), dest); err != nil {
		return fmt.Errorf("rename partial file: %w", err)
	}
	return nil
}

// RemovePartial deletes the destination's partial file if present.
func (s *FileStorage) RemovePartial(dest string) error {
	err := os.Remove(PartialPath(dest))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// OpenFile opens a file with the specified flags (e.g., read, write).
func (s *FileStorage) OpenFile(path string, flags int) (*os.File, error) {
	return os.OpenFile(path, flags, 0o644)
}

// FileExists checks whether a file exists.
func (s *FileStorage) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetFileSize returns the size of the file in bytes.
func (s *FileStorage) GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
