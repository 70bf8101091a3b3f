package dispatcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cortexsys/dispatcher/internal/adapter/filesystem"
	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/eventbus"
	"github.com/cortexsys/dispatcher/internal/port"
)

type fakeRegistry struct {
	mu         sync.Mutex
	files      map[domain.FileKey]*domain.File
	nextID     int64
	dispatched map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		files:      make(map[domain.FileKey]*domain.File),
		dispatched: make(map[string]bool),
	}
}

func (r *fakeRegistry) RegisterFile(ctx context.Context, key domain.FileKey, modified time.Time, size int64, hash string) (int64, domain.UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.files[key]
	if !ok {
		r.nextID++
		r.files[key] = &domain.File{ID: r.nextID, Source: key.Source, Path: key.Path, Modified: modified, Size: size, Hash: hash}
		return r.nextID, domain.Created, nil
	}

	if existing.Hash == hash {
		return existing.ID, domain.UpdatedSameHash, nil
	}
	existing.Modified = modified
	existing.Size = size
	existing.Hash = hash
	return existing.ID, domain.UpdatedNewHash, nil
}

func (r *fakeRegistry) GetFile(ctx context.Context, key domain.FileKey) (*domain.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[key]; ok {
		return f, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakeRegistry) ListFilesBySource(ctx context.Context, source string) ([]*domain.File, error) {
	return nil, nil
}

func (r *fakeRegistry) HasDispatched(ctx context.Context, fileID int64, target string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatched[dispatchKey(fileID, target)], nil
}

func (r *fakeRegistry) RecordDispatched(ctx context.Context, fileID int64, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched[dispatchKey(fileID, target)] = true
	return nil
}

func dispatchKey(fileID int64, target string) string {
	return target + ":" + string(rune(fileID))
}

func (r *fakeRegistry) RecordSftpDownload(ctx context.Context, source, remotePath string, size *int64) (int64, error) {
	return 0, nil
}
func (r *fakeRegistry) LinkSftpDownload(ctx context.Context, downloadID, fileID int64) error {
	return nil
}
func (r *fakeRegistry) RecordDirectorySource(ctx context.Context, source, path string, modified time.Time, size int64) (int64, error) {
	return 0, nil
}
func (r *fakeRegistry) LinkDirectorySource(ctx context.Context, recordID, fileID int64) error {
	return nil
}
func (r *fakeRegistry) Close() error              { return nil }
func (r *fakeRegistry) Ping(ctx context.Context) error { return nil }

type fakeGateway struct {
	mu        sync.Mutex
	published []string
	failNext  bool
}

func (g *fakeGateway) Publish(ctx context.Context, exchange, routingKey string, body []byte) (port.Confirmed, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext {
		g.failNext = false
		return port.Confirmed{}, domain.NewTransientIOError(nil, "simulated publish failure", 0)
	}
	g.published = append(g.published, routingKey+":"+string(body))
	return port.Confirmed{DeliveryTag: 1}, nil
}

func (g *fakeGateway) Subscribe(ctx context.Context, queue string, prefetch int, handler port.Handler) error {
	return nil
}

func (g *fakeGateway) Close() error { return nil }

func newTestEngine(t *testing.T, targets []Target) (*Engine, *fakeRegistry, *fakeGateway, *filesystem.Manager) {
	t.Helper()
	fs, err := filesystem.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	reg := newFakeRegistry()
	gw := &fakeGateway{}
	eng := New(Config{
		Targets:  targets,
		Registry: reg,
		Gateway:  gw,
		FS:       fs,
		Bus:      eventbus.New(4),
		Log:      zap.NewNop().Sugar(),
	})
	return eng, reg, gw, fs
}

func TestProcess_NewFileDispatchedToMatchingTarget(t *testing.T) {
	targets := []Target{{Name: "archive", Match: regexp.MustCompile(`\.csv$`), Queue: "q.archive"}}
	eng, reg, gw, _ := newTestEngine(t, targets)

	event := domain.FileEvent{Source: "red", Path: "a.csv", Size: 5, Modified: time.Now().UTC(), Hash: "deadbeef"}
	if err := eng.process(context.Background(), event); err != nil {
		t.Fatalf("process: %v", err)
	}

	f, err := reg.GetFile(context.Background(), event.Key())
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	has, _ := reg.HasDispatched(context.Background(), f.ID, "archive")
	if !has {
		t.Fatalf("HasDispatched = false, want true")
	}
	if len(gw.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(gw.published))
	}
}

func TestProcess_NonMatchingTargetSkipped(t *testing.T) {
	targets := []Target{{Name: "archive", Match: regexp.MustCompile(`\.bin$`), Queue: "q.archive"}}
	eng, _, gw, _ := newTestEngine(t, targets)

	event := domain.FileEvent{Source: "red", Path: "a.csv", Size: 5, Modified: time.Now().UTC(), Hash: "deadbeef"}
	if err := eng.process(context.Background(), event); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(gw.published) != 0 {
		t.Fatalf("published %d messages, want 0", len(gw.published))
	}
}

func TestProcess_EventScopedToDisjointTargetSkipsMatchingTarget(t *testing.T) {
	targets := []Target{
		{Name: "archive", Match: regexp.MustCompile(`\.csv$`), Queue: "q.archive"},
		{Name: "audit", Match: regexp.MustCompile(`\.csv$`), Queue: "q.audit"},
	}
	eng, _, gw, _ := newTestEngine(t, targets)

	event := domain.FileEvent{Source: "red", Path: "a.csv", Size: 5, Modified: time.Now().UTC(), Hash: "deadbeef", AllowedTargets: []string{"audit"}}
	if err := eng.process(context.Background(), event); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(gw.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(gw.published))
	}
	if gw.published[0][:len("q.audit")] != "q.audit" {
		t.Fatalf("published to %q, want q.audit", gw.published[0])
	}
}

func TestProcess_DuplicateSameHashNotRedispatched(t *testing.T) {
	targets := []Target{{Name: "archive", Match: regexp.MustCompile(`.*`), Queue: "q.archive"}}
	eng, _, gw, _ := newTestEngine(t, targets)

	event := domain.FileEvent{Source: "red", Path: "a.csv", Size: 5, Modified: time.Now().UTC(), Hash: "deadbeef"}
	if err := eng.process(context.Background(), event); err != nil {
		t.Fatalf("process (first): %v", err)
	}
	if err := eng.process(context.Background(), event); err != nil {
		t.Fatalf("process (duplicate): %v", err)
	}

	if len(gw.published) != 1 {
		t.Fatalf("published %d messages after duplicate event, want 1", len(gw.published))
	}
}

func TestProcess_ChangedHashRedispatches(t *testing.T) {
	targets := []Target{{Name: "archive", Match: regexp.MustCompile(`.*`), Queue: "q.archive"}}
	eng, _, gw, _ := newTestEngine(t, targets)

	first := domain.FileEvent{Source: "red", Path: "a.csv", Size: 5, Modified: time.Now().UTC(), Hash: "hash1"}
	if err := eng.process(context.Background(), first); err != nil {
		t.Fatalf("process (first): %v", err)
	}

	second := first
	second.Hash = "hash2"
	second.Size = 9
	if err := eng.process(context.Background(), second); err != nil {
		t.Fatalf("process (changed hash): %v", err)
	}

	if len(gw.published) != 2 {
		t.Fatalf("published %d messages, want 2 (redispatch on content change)", len(gw.published))
	}
}

func TestProcess_PublishFailureDoesNotRecordDispatched(t *testing.T) {
	targets := []Target{{Name: "archive", Match: regexp.MustCompile(`.*`), Queue: "q.archive"}}
	eng, reg, gw, _ := newTestEngine(t, targets)
	gw.failNext = true

	event := domain.FileEvent{Source: "red", Path: "a.csv", Size: 5, Modified: time.Now().UTC(), Hash: "deadbeef"}
	if err := eng.process(context.Background(), event); err == nil {
		t.Fatal("process with failing publish returned nil error, want TransientIO error")
	}

	f, err := reg.GetFile(context.Background(), event.Key())
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	has, _ := reg.HasDispatched(context.Background(), f.ID, "archive")
	if has {
		t.Fatalf("HasDispatched = true after a failed publish, want false")
	}
}

func TestHashStably_ReadsFromEventPathDirectly(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, nil)

	// Directory Source events carry an absolute path independent of the
	// engine's storage root, unlike SFTP-materialized events.
	dir := t.TempDir()
	abs := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(abs, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	event := domain.FileEvent{Source: "red", Path: abs}
	hashed, err := eng.hashStably(event)
	if err != nil {
		t.Fatalf("hashStably on a stable file returned error: %v", err)
	}
	if hashed.Hash == "" {
		t.Fatal("hashStably did not populate Hash")
	}
}

// flakyStatFS reports a different size on its second GetFileInfo call,
// simulating a file that is still being written to while hashStably reads
// it.
type flakyStatFS struct {
	calls int
}

func (f *flakyStatFS) RootDir() string                           { return "" }
func (f *flakyStatFS) ResolvePath(source, relPath string) string { return relPath }
func (f *flakyStatFS) WriteFile(string, io.Reader) (int64, error) {
	return 0, nil
}
func (f *flakyStatFS) DeleteFile(string) error { return nil }
func (f *flakyStatFS) FileExists(string) bool  { return true }
func (f *flakyStatFS) GetFileInfo(string) (int64, time.Time, error) {
	f.calls++
	if f.calls == 1 {
		return 5, time.Unix(0, 0), nil
	}
	return 999, time.Unix(0, 0), nil
}
func (f *flakyStatFS) GetDiskUsage() (*port.DiskUsage, error) { return nil, nil }
func (f *flakyStatFS) CleanOldTempFiles(time.Duration) (int, error) {
	return 0, nil
}

func TestHashStably_DetectsUnstableFile(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(abs, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	eng := New(Config{FS: &flakyStatFS{}, Log: zap.NewNop().Sugar()})

	event := domain.FileEvent{Source: "red", Path: abs}
	_, err := eng.hashStably(event)
	if err == nil || !domain.IsTransient(err) {
		t.Fatalf("hashStably = %v, want a transient not-stable error", err)
	}
}
