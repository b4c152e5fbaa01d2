package imaging

import (
	"fmt"
	"io"
	"os"
)

// Destination is something an image can be written to and read back from.
type Destination interface {
	Name() string
	OpenWrite() (io.WriteCloser, error)
	OpenRead() (io.ReadCloser, error)
}

// FileDestination writes to a regular file or a block device.
type FileDestination struct {
	Path string
	// Create makes OpenWrite create or truncate a regular file. Block
	// devices must not be opened with it.
	Create bool
}

// NewBlockDestination returns a destination for an existing block device.
func NewBlockDestination(path string) *FileDestination {
	return &FileDestination{Path: path}
}

// NewFileDestination returns a destination for a regular file that is
// created or truncated on open.
func NewFileDestination(path string) *FileDestination {
	return &FileDestination{Path: path, Create: true}
}

// Name returns the destination path.
func (d *FileDestination) Name() string {
	return d.Path
}

// OpenWrite opens the file for writing. The returned writer syncs the
// file to stable storage when closed.
func (d *FileDestination) OpenWrite() (io.WriteCloser, error) {
	flags := os.O_WRONLY
	if d.Create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(d.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for writing: %w", d.Path, err)
	}
	return &syncCloser{f}, nil
}

// OpenRead opens the file for read-back verification.
func (d *FileDestination) OpenRead() (io.ReadCloser, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for reading: %w", d.Path, err)
	}
	return f, nil
}

// syncCloser flushes the file to stable storage before closing it.
type syncCloser struct {
	*os.File
}

func (s *syncCloser) Close() error {
	if err := s.File.Sync(); err != nil {
		_ = s.File.Close()
		return fmt.Errorf("failed to sync %s: %w", s.File.Name(), err)
	}
	return s.File.Close()
}
