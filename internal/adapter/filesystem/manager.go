// Package filesystem implements port.FileSystem over the local disk: every
// write goes through a temp file in the destination's own directory and is
// atomically renamed into place, so a crash mid-write never leaves a partial
// file visible at its final path.
package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cortexsys/dispatcher/internal/port"
)

// Manager handles local filesystem operations under a single storage root.
type Manager struct {
	rootDir    string
	bufferSize int
}

// Ensure Manager implements port.FileSystem.
var _ port.FileSystem = (*Manager)(nil)

// NewManager creates a new filesystem manager with the default buffer size.
func NewManager(rootDir string) (*Manager, error) {
	return NewManagerWithBufferSize(rootDir, 8*1024*1024) // 8MB default
}

// NewManagerWithBufferSize creates a new filesystem manager with a custom
// copy buffer size, useful for tuning throughput on high-speed networks.
func NewManagerWithBufferSize(rootDir string, bufferSize int) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root dir: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = 8 * 1024 * 1024 // 8MB default
	}

	return &Manager{
		rootDir:    rootDir,
		bufferSize: bufferSize,
	}, nil
}

// RootDir returns the storage root directory.
func (m *Manager) RootDir() string {
	return m.rootDir
}

// ResolvePath maps a (source, relative path) pair to the absolute local path
// a File/SftpDownload would be materialized at.
func (m *Manager) ResolvePath(source, relPath string) string {
	return filepath.Join(m.rootDir, source, filepath.FromSlash(relPath))
}

// EnsureDir ensures the directory for a file path exists.
func (m *Manager) EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0755)
}

// WriteFile streams reader to destPath, writing through a temporary file
// under the same directory and atomically renaming into place.
func (m *Manager) WriteFile(destPath string, reader io.Reader) (int64, error) {
	if err := m.EnsureDir(destPath); err != nil {
		return 0, fmt.Errorf("failed to create parent dir: %w", err)
	}

	tempPath := destPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	buf := make([]byte, m.bufferSize)
	written, err := io.CopyBuffer(f, reader, buf)
	if err != nil {
		f.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return written, nil
}

// DeleteFile removes a materialized file. Not an error if already gone.
func (m *Manager) DeleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// FileExists reports whether path exists and is a regular file.
func (m *Manager) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// GetFileInfo returns the size and modification time of path.
func (m *Manager) GetFileInfo(path string) (int64, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime(), nil
}

// CleanOldTempFiles removes orphaned ".tmp" files older than olderThan, left
// behind by a crash mid-write.
func (m *Manager) CleanOldTempFiles(olderThan time.Duration) (int, error) {
	count := 0
	threshold := time.Now().Add(-olderThan)

	err := filepath.Walk(m.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".tmp" {
			if info.ModTime().Before(threshold) {
				if removeErr := os.Remove(path); removeErr == nil {
					count++
				}
			}
		}
		return nil
	})
	return count, err
}

// CleanEmptyDirs removes empty directories under root, run periodically by
// the maintenance service alongside CleanOldTempFiles.
func (m *Manager) CleanEmptyDirs() error {
	return filepath.Walk(m.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != m.rootDir {
			os.Remove(path) // only succeeds if empty
		}
		return nil
	})
}
