package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cortexsys/dispatcher/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterFile_CreatedThenUpdatedSameHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := domain.FileKey{Source: "red", Path: "a.csv"}
	now := time.Now().UTC().Truncate(time.Second)

	id, result, err := s.RegisterFile(ctx, key, now, 100, "deadbeef")
	if err != nil {
		t.Fatalf("RegisterFile (create): %v", err)
	}
	if result != domain.Created {
		t.Fatalf("first RegisterFile result = %v, want Created", result)
	}

	id2, result2, err := s.RegisterFile(ctx, key, now, 100, "deadbeef")
	if err != nil {
		t.Fatalf("RegisterFile (same hash): %v", err)
	}
	if id2 != id {
		t.Fatalf("RegisterFile changed id across upserts: %d != %d", id2, id)
	}
	if result2 != domain.UpdatedSameHash {
		t.Fatalf("second RegisterFile result = %v, want UpdatedSameHash", result2)
	}
}

func TestRegisterFile_UpdatedNewHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := domain.FileKey{Source: "red", Path: "a.csv"}
	now := time.Now().UTC().Truncate(time.Second)

	if _, _, err := s.RegisterFile(ctx, key, now, 100, "hash1"); err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}
	_, result, err := s.RegisterFile(ctx, key, now, 120, "hash2")
	if err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}
	if result != domain.UpdatedNewHash {
		t.Fatalf("result = %v, want UpdatedNewHash", result)
	}

	f, err := s.GetFile(ctx, key)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f.Hash != "hash2" || f.Size != 120 {
		t.Fatalf("GetFile after update = %+v", f)
	}
}

func TestGetFile_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetFile(context.Background(), domain.FileKey{Source: "red", Path: "missing.csv"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetFile on missing key = %v, want domain.ErrNotFound", err)
	}
}

func TestDispatched_RecordAndCheck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := domain.FileKey{Source: "red", Path: "a.csv"}
	id, _, err := s.RegisterFile(ctx, key, time.Now().UTC(), 10, "h")
	if err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}

	has, err := s.HasDispatched(ctx, id, "archive")
	if err != nil {
		t.Fatalf("HasDispatched: %v", err)
	}
	if has {
		t.Fatalf("HasDispatched before RecordDispatched = true")
	}

	if err := s.RecordDispatched(ctx, id, "archive"); err != nil {
		t.Fatalf("RecordDispatched: %v", err)
	}

	has, err = s.HasDispatched(ctx, id, "archive")
	if err != nil {
		t.Fatalf("HasDispatched: %v", err)
	}
	if !has {
		t.Fatalf("HasDispatched after RecordDispatched = false")
	}
}

func TestSftpDownload_RecordAndLink(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	size := int64(42)
	downloadID, err := s.RecordSftpDownload(ctx, "blue", "/remote/a.csv", &size)
	if err != nil {
		t.Fatalf("RecordSftpDownload: %v", err)
	}

	fileID, _, err := s.RegisterFile(ctx, domain.FileKey{Source: "blue", Path: "a.csv"}, time.Now().UTC(), size, "h")
	if err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}

	if err := s.LinkSftpDownload(ctx, downloadID, fileID); err != nil {
		t.Fatalf("LinkSftpDownload: %v", err)
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
