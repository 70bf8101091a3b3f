package sftp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cortexsys/dispatcher/internal/adapter/filesystem"
	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/port"
)

type fakeRegistry struct {
	downloads int64
	linked    map[int64]int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{linked: make(map[int64]int64)}
}

func (r *fakeRegistry) RegisterFile(ctx context.Context, key domain.FileKey, modified time.Time, size int64, hash string) (int64, domain.UpsertResult, error) {
	return 0, domain.Created, nil
}
func (r *fakeRegistry) GetFile(ctx context.Context, key domain.FileKey) (*domain.File, error) {
	return nil, domain.ErrNotFound
}
func (r *fakeRegistry) ListFilesBySource(ctx context.Context, source string) ([]*domain.File, error) {
	return nil, nil
}
func (r *fakeRegistry) HasDispatched(ctx context.Context, fileID int64, target string) (bool, error) {
	return false, nil
}
func (r *fakeRegistry) RecordDispatched(ctx context.Context, fileID int64, target string) error {
	return nil
}
func (r *fakeRegistry) RecordSftpDownload(ctx context.Context, source, remotePath string, size *int64) (int64, error) {
	r.downloads++
	return r.downloads, nil
}
func (r *fakeRegistry) LinkSftpDownload(ctx context.Context, downloadID, fileID int64) error {
	r.linked[downloadID] = fileID
	return nil
}
func (r *fakeRegistry) RecordDirectorySource(ctx context.Context, source, path string, modified time.Time, size int64) (int64, error) {
	return 0, nil
}
func (r *fakeRegistry) LinkDirectorySource(ctx context.Context, recordID, fileID int64) error {
	return nil
}
func (r *fakeRegistry) Close() error                   { return nil }
func (r *fakeRegistry) Ping(ctx context.Context) error { return nil }

type fakeSftpClient struct {
	files map[string][]byte
}

func (c *fakeSftpClient) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	data, ok := c.files[path]
	if !ok {
		return nil, domain.NewDataError(io.ErrUnexpectedEOF, "remote file missing")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *fakeSftpClient) Stat(ctx context.Context, path string) (int64, error) {
	data, ok := c.files[path]
	if !ok {
		return 0, domain.NewDataError(io.ErrUnexpectedEOF, "remote file missing")
	}
	return int64(len(data)), nil
}

func (c *fakeSftpClient) Close() error { return nil }

type fakeDialer struct {
	client port.SftpClient
}

func (d *fakeDialer) Dial(ctx context.Context, sourceName string) (port.SftpClient, error) {
	return d.client, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// failingSftpClient fails Stat/Open with a transient-i/o error, simulating
// an unreachable remote host.
type failingSftpClient struct{}

func (c *failingSftpClient) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, domain.NewTransientIOError(io.ErrClosedPipe, "open failed", 0)
}
func (c *failingSftpClient) Stat(ctx context.Context, path string) (int64, error) {
	return 0, domain.NewTransientIOError(io.ErrClosedPipe, "stat failed", 0)
}
func (c *failingSftpClient) Close() error { return nil }

// fakeFullDiskFS fails every write, simulating a full local disk.
type fakeFullDiskFS struct{}

func (f *fakeFullDiskFS) RootDir() string                           { return "/root" }
func (f *fakeFullDiskFS) ResolvePath(source, relPath string) string { return relPath }
func (f *fakeFullDiskFS) WriteFile(destPath string, r io.Reader) (int64, error) {
	return 0, errors.New("no space left on device")
}
func (f *fakeFullDiskFS) DeleteFile(path string) error { return nil }
func (f *fakeFullDiskFS) FileExists(path string) bool  { return false }
func (f *fakeFullDiskFS) GetFileInfo(path string) (int64, time.Time, error) {
	return 0, time.Time{}, nil
}
func (f *fakeFullDiskFS) GetDiskUsage() (*port.DiskUsage, error) { return nil, nil }
func (f *fakeFullDiskFS) CleanOldTempFiles(time.Duration) (int, error) {
	return 0, nil
}

type publishedMsg struct {
	queue string
	body  []byte
}

type fakeGateway struct {
	mu        sync.Mutex
	published []publishedMsg
}

func (g *fakeGateway) Publish(ctx context.Context, exchange, routingKey string, body []byte) (port.Confirmed, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.published = append(g.published, publishedMsg{queue: routingKey, body: append([]byte(nil), body...)})
	return port.Confirmed{DeliveryTag: 1}, nil
}
func (g *fakeGateway) Subscribe(ctx context.Context, queue string, prefetch int, handler port.Handler) error {
	return nil
}
func (g *fakeGateway) Close() error { return nil }

func (g *fakeGateway) snapshot() []publishedMsg {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]publishedMsg(nil), g.published...)
}

func TestHandle_MaterializesFileAndRecordsDownload(t *testing.T) {
	content := []byte("hello from upstream sftp server")
	client := &fakeSftpClient{files: map[string][]byte{"/upload/b.bin": content}}
	dialer := &fakeDialer{client: client}
	fs, err := filesystem.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	reg := newFakeRegistry()

	e := New(Config{
		SourceName: "s1",
		JobQueue:   "q.s1",
		Dialer:     dialer,
		FS:         fs,
		Registry:   reg,
		Log:        zap.NewNop().Sugar(),
	})

	hash := sha256Hex(content)
	size := int64(len(content))
	job := Job{Source: "s1", Path: "/upload/b.bin", Size: &size, Hash: hash}

	event, err := e.handle(context.Background(), job)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if event.Hash != hash {
		t.Fatalf("event.Hash = %q, want %q", event.Hash, hash)
	}
	if event.Size != size {
		t.Fatalf("event.Size = %d, want %d", event.Size, size)
	}

	dest := fs.ResolvePath("s1", "/upload/b.bin")
	if !fs.FileExists(dest) {
		t.Fatalf("materialized file missing at %q", dest)
	}
	got, err := readFile(dest)
	if err != nil {
		t.Fatalf("reading materialized file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("materialized file content mismatch")
	}

	if reg.downloads != 1 {
		t.Fatalf("RecordSftpDownload called %d times, want 1", reg.downloads)
	}
}

func TestHandle_HashMismatchRemovesFinalFile(t *testing.T) {
	content := []byte("actual bytes served by the server")
	client := &fakeSftpClient{files: map[string][]byte{"/upload/b.bin": content}}
	dialer := &fakeDialer{client: client}
	fs, err := filesystem.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	reg := newFakeRegistry()

	e := New(Config{
		SourceName: "s1",
		JobQueue:   "q.s1",
		Dialer:     dialer,
		FS:         fs,
		Registry:   reg,
		Log:        zap.NewNop().Sugar(),
	})

	job := Job{Source: "s1", Path: "/upload/b.bin", Hash: "0000000000000000000000000000000000000000000000000000000000000"}

	_, err = e.handle(context.Background(), job)
	if !domain.Is(err, domain.KindData) {
		t.Fatalf("handle returned %v, want a KindData error", err)
	}

	dest := fs.ResolvePath("s1", "/upload/b.bin")
	if fs.FileExists(dest) {
		t.Fatalf("hash-mismatched file was left at final path %q", dest)
	}
}

func TestHandleDelivery_HashMismatchNacksWithoutRequeue(t *testing.T) {
	content := []byte("payload")
	client := &fakeSftpClient{files: map[string][]byte{"/x": content}}
	dialer := &fakeDialer{client: client}
	fs, err := filesystem.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	reg := newFakeRegistry()

	e := New(Config{
		SourceName: "s1",
		JobQueue:   "q.s1",
		Dialer:     dialer,
		FS:         fs,
		Registry:   reg,
		Log:        zap.NewNop().Sugar(),
	})

	job := Job{Source: "s1", Path: "/x", Hash: "deadbeef"}
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}

	decision := e.handleDelivery(context.Background(), port.Delivery{Body: body})
	if decision != port.NackDrop {
		t.Fatalf("handleDelivery decision = %v, want NackDrop", decision)
	}
}

func TestHandleDelivery_PersistentIOStopsConsumptionAndSurfacesFatal(t *testing.T) {
	content := []byte("payload")
	client := &fakeSftpClient{files: map[string][]byte{"/y": content}}
	dialer := &fakeDialer{client: client}
	reg := newFakeRegistry()

	e := New(Config{
		SourceName: "s1",
		JobQueue:   "q.s1",
		Dialer:     dialer,
		FS:         &fakeFullDiskFS{},
		Registry:   reg,
		Log:        zap.NewNop().Sugar(),
	})

	job := Job{Source: "s1", Path: "/y"}
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}

	decision := e.handleDelivery(context.Background(), port.Delivery{Body: body})
	if decision != port.NackRequeue {
		t.Fatalf("decision = %v, want NackRequeue", decision)
	}
	if !e.stopped.Load() {
		t.Fatal("executor did not mark itself stopped after a persistent i/o failure")
	}

	select {
	case fatalErr := <-e.fatal:
		if !domain.Is(fatalErr, domain.KindPersistentIO) {
			t.Fatalf("fatal error = %v, want KindPersistentIO", fatalErr)
		}
	default:
		t.Fatal("expected a fatal error to be queued for Run to observe")
	}

	// a subsequent delivery must not touch disk again.
	decision = e.handleDelivery(context.Background(), port.Delivery{Body: body})
	if decision != port.NackRequeue {
		t.Fatalf("decision after stop = %v, want NackRequeue", decision)
	}
}

func TestHandleDelivery_TransientFailureDeadLettersAfterMaxRetries(t *testing.T) {
	dialer := &fakeDialer{client: &failingSftpClient{}}
	fs, err := filesystem.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	reg := newFakeRegistry()
	gw := &fakeGateway{}

	e := New(Config{
		SourceName: "s1",
		JobQueue:   "q.s1",
		MaxRetries: 2,
		Dialer:     dialer,
		FS:         fs,
		Registry:   reg,
		Gateway:    gw,
		Log:        zap.NewNop().Sugar(),
	})

	job := Job{Source: "s1", Path: "/x"}
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	delivery := port.Delivery{Body: body}

	for i := 0; i < 3; i++ {
		decision := e.handleDelivery(context.Background(), delivery)
		if decision != port.Ack {
			t.Fatalf("attempt %d: decision = %v, want Ack (job manually republished)", i, decision)
		}
		published := gw.snapshot()
		if len(published) != i+1 {
			t.Fatalf("attempt %d: %d messages published, want %d", i, len(published), i+1)
		}
		delivery = port.Delivery{Body: published[len(published)-1].body}
	}

	published := gw.snapshot()
	if published[0].queue != "q.s1" || published[1].queue != "q.s1" {
		t.Fatalf("first two republishes should target the job queue, got %+v", published[:2])
	}
	if published[2].queue != "q.s1.dead" {
		t.Fatalf("third publish should target the dead-letter queue, got %q", published[2].queue)
	}
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
