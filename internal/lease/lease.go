// Package lease implements the Dispatcher Engine's key concurrency
// invariant: at most one in-flight processing run per (source, path). It is
// a map from domain.FileKey to a per-key mutex, used in place of an
// actor-per-connection model. The map is a single table, not sharded.
package lease

import (
	"sync"

	"github.com/cortexsys/dispatcher/internal/domain"
)

// entry is a reference-counted mutex for one key. refCount lets Table evict
// the entry once nobody holds or awaits it, so the map does not grow
// unbounded as distinct files are observed over the process lifetime.
type entry struct {
	mu       sync.Mutex
	refCount int
}

// Table is a single map of per-key mutexes guarded by one coarse
// lock that only ever protects map bookkeeping, never the critical section
// itself — a goroutine holding a key's lease blocks no other key.
type Table struct {
	mu      sync.Mutex
	entries map[domain.FileKey]*entry
}

// New creates an empty Table.
func New() *Table {
	return &Table{entries: make(map[domain.FileKey]*entry)}
}

// Acquire blocks until the lease for key is held by the caller and returns a
// release function. The release function must be called exactly once.
func (t *Table) Acquire(key domain.FileKey) func() {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refCount++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		t.mu.Lock()
		e.refCount--
		if e.refCount == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}

// Len reports the number of keys with an active or awaited lease, used by
// tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
