package storage

import (
	"io"
	"os"
	"time"
)

// BlobStore manages the local copies of synchronized files. Paths are
// slash separated and relative to the store root.
type BlobStore interface {
	// Write saves data to a file path.
	Write(path string, data []byte, mode os.FileMode) error

	// WriteStream saves data from a reader without holding it in memory.
	WriteStream(path string, reader io.Reader, mode os.FileMode) error

	// Read retrieves file contents.
	Read(path string) ([]byte, error)

	// ReadChunk reads length bytes starting at offset.
	ReadChunk(path string, offset, length int64) ([]byte, error)

	// Delete removes a file.
	Delete(path string) error

	// DeleteAll removes a directory tree.
	DeleteAll(path string) error

	// Stat returns file information.
	Stat(path string) (FileInfo, error)

	// SetModTime updates file modification time.
	SetModTime(path string, modTime time.Time) error

	// CheckSpace fails with models.ErrLocalStorageFull when need bytes
	// would not fit.
	CheckSpace(need int64) error

	// FullPath returns the location of path on the local filesystem.
	FullPath(path string) (string, error)
}

// FileInfo contains file metadata.
type FileInfo struct {
	Path       string
	Size       int64
	Mode       os.FileMode
	ModTime    time.Time
	IsDir      bool
	IsSymlink  bool
	LinkTarget string
}
