package maintenance

import (
	"context"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/port"
)

type fakeFS struct {
	usage    *port.DiskUsage
	usageErr error
}

var _ port.FileSystem = (*fakeFS)(nil)

func (f *fakeFS) RootDir() string                           { return "/root" }
func (f *fakeFS) ResolvePath(source, relPath string) string { return relPath }
func (f *fakeFS) WriteFile(destPath string, r io.Reader) (int64, error) {
	return 0, nil
}
func (f *fakeFS) DeleteFile(path string) error { return nil }
func (f *fakeFS) FileExists(path string) bool  { return false }
func (f *fakeFS) GetFileInfo(path string) (int64, time.Time, error) {
	return 0, time.Time{}, nil
}
func (f *fakeFS) GetDiskUsage() (*port.DiskUsage, error) { return f.usage, f.usageErr }
func (f *fakeFS) CleanOldTempFiles(olderThan time.Duration) (int, error) {
	return 0, nil
}

func TestRun_EscalatesPersistentIOWhenDiskFull(t *testing.T) {
	fs := &fakeFS{usage: &port.DiskUsage{UsedPct: 99}}
	svc := New(&Config{
		CleanupInterval:     time.Hour,
		DiskCheckInterval:   10 * time.Millisecond,
		MaxDiskUsagePercent: 95,
	}, fs, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := svc.Run(ctx)
	if !domain.Is(err, domain.KindPersistentIO) {
		t.Fatalf("Run returned %v, want a KindPersistentIO error", err)
	}
}

func TestRun_ReturnsCancelledOnContextDone(t *testing.T) {
	fs := &fakeFS{usage: &port.DiskUsage{UsedPct: 10}}
	svc := New(&Config{
		CleanupInterval:   time.Hour,
		DiskCheckInterval: time.Hour,
	}, fs, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Run(ctx)
	if !domain.IsCancelled(err) {
		t.Fatalf("Run returned %v, want a cancelled error", err)
	}
}
