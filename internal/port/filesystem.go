package port

import (
	"io"
	"time"
)

// DiskUsage represents disk usage statistics for the storage root.
type DiskUsage struct {
	Total   uint64  // Total disk space in bytes
	Used    uint64  // Used disk space in bytes
	Free    uint64  // Free disk space in bytes
	UsedPct float64 // Used percentage (0-100)
}

// FileSystem defines the interface for materializing files under the
// configured storage root. Implementations own the temp-file-then-rename
// discipline that keeps partial writes invisible at their final path.
type FileSystem interface {
	// RootDir returns the storage root directory.
	RootDir() string

	// ResolvePath maps a (source, relative path) pair to the absolute local
	// path a File/SftpDownload would be materialized at.
	ResolvePath(source, relPath string) string

	// WriteFile streams reader to destPath, writing through a temporary file
	// under the same directory and atomically renaming into place. Returns
	// the number of bytes written.
	WriteFile(destPath string, reader io.Reader) (int64, error)

	// DeleteFile removes a materialized file. Not an error if it is already gone.
	DeleteFile(path string) error

	// FileExists reports whether path exists and is a regular file.
	FileExists(path string) bool

	// GetFileInfo returns the size and modification time of path.
	GetFileInfo(path string) (size int64, modified time.Time, err error)

	// GetDiskUsage returns disk usage statistics for the storage root's
	// filesystem, used to detect PersistentIO ("disk full") conditions.
	GetDiskUsage() (*DiskUsage, error)

	// CleanOldTempFiles removes orphaned temp files older than olderThan,
	// left behind by a crash mid-write. Returns the number of files removed.
	CleanOldTempFiles(olderThan time.Duration) (int, error)
}
