package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cortexsys/dispatcher/internal/config"
	"github.com/cortexsys/dispatcher/internal/domain"
)

// openTestStore requires a reachable PostgreSQL instance and is skipped
// unless TEST_INTEGRATION is set, matching the gating style used by the
// other example repos' database-backed tests.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	cfg := &config.PostgreSQLConfig{
		Host:    envOr("CORTEX_TEST_PG_HOST", "localhost"),
		Port:    5432,
		User:    envOr("CORTEX_TEST_PG_USER", "postgres"),
		Password: envOr("CORTEX_TEST_PG_PASSWORD", "postgres"),
		DBName:  envOr("CORTEX_TEST_PG_DBNAME", "cortex_test"),
		SSLMode: "disable",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestRegisterFile_CreatedThenUpdated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := domain.FileKey{Source: "red", Path: "a.csv"}
	now := time.Now().UTC().Truncate(time.Millisecond)

	id, result, err := s.RegisterFile(ctx, key, now, 100, "hash1")
	if err != nil {
		t.Fatalf("RegisterFile (create): %v", err)
	}
	if result != domain.Created {
		t.Fatalf("result = %v, want Created", result)
	}

	id2, result2, err := s.RegisterFile(ctx, key, now, 120, "hash2")
	if err != nil {
		t.Fatalf("RegisterFile (update): %v", err)
	}
	if id2 != id {
		t.Fatalf("id changed across upserts: %d != %d", id2, id)
	}
	if result2 != domain.UpdatedNewHash {
		t.Fatalf("result = %v, want UpdatedNewHash", result2)
	}
}

func TestHasDispatched_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _, err := s.RegisterFile(ctx, domain.FileKey{Source: "red", Path: "b.csv"}, time.Now().UTC(), 1, "h")
	if err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}

	if has, _ := s.HasDispatched(ctx, id, "archive"); has {
		t.Fatalf("HasDispatched before record = true")
	}
	if err := s.RecordDispatched(ctx, id, "archive"); err != nil {
		t.Fatalf("RecordDispatched: %v", err)
	}
	if has, _ := s.HasDispatched(ctx, id, "archive"); !has {
		t.Fatalf("HasDispatched after record = false")
	}
}
