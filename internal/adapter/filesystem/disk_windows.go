//go:build windows
// +build windows

package filesystem

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/cortexsys/dispatcher/internal/port"
)

// GetDiskUsage returns disk usage for the storage root directory on Windows.
func (m *Manager) GetDiskUsage() (*port.DiskUsage, error) {
	var freeBytes, totalBytes, totalFreeBytes uint64

	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	proc := kernel32.NewProc("GetDiskFreeSpaceExW")

	pathPtr, err := syscall.UTF16PtrFromString(m.rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to convert path: %w", err)
	}

	ret, _, callErr := proc.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&freeBytes)),
		uintptr(unsafe.Pointer(&totalBytes)),
		uintptr(unsafe.Pointer(&totalFreeBytes)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("failed to get disk stats: %w", callErr)
	}

	used := totalBytes - totalFreeBytes
	return &port.DiskUsage{
		Total:   totalBytes,
		Used:    used,
		Free:    totalFreeBytes,
		UsedPct: float64(used) / float64(totalBytes) * 100,
	}, nil
}
