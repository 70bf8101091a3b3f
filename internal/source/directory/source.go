// Package directory implements the Directory Source component: it watches a
// local directory tree with fsnotify, waits for each file to become stable
// (a dwell-time-based approximation of "write complete", since fsnotify has
// no close-write event on all platforms), and emits a FileEvent on the Event
// Bus for every matching, stable file. Startup reconciliation reuses the
// teacher's internal/scanner.Scanner bounded-worker-pool shape, generalized
// from a Synology API walk to a local directory walk.
package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/eventbus"
	"github.com/cortexsys/dispatcher/internal/port"
)

// Config describes one configured directory source.
type Config struct {
	Name      string
	Root      string
	Recursive bool
	Filter    *regexp.Regexp
	DwellTime time.Duration

	// Targets restricts events from this source to the named dispatch
	// targets. Empty means unrestricted.
	Targets []string

	// ReconcileConcurrency bounds the startup scan's worker pool, mirrored
	// from the teacher scanner's MaxConcurrency.
	ReconcileConcurrency int
}

// Source watches one configured local directory.
type Source struct {
	cfg      Config
	bus      *eventbus.Bus
	registry port.Registry
	log      *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]*pendingFile
}

type pendingFile struct {
	timer *time.Timer
}

// New creates a Source for one configured directory.
func New(cfg Config, bus *eventbus.Bus, registry port.Registry, log *zap.SugaredLogger) *Source {
	if cfg.DwellTime <= 0 {
		cfg.DwellTime = 250 * time.Millisecond
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = 3
	}
	return &Source{
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		log:      log,
		pending:  make(map[string]*pendingFile),
	}
}

// Run starts the filesystem watch, performs startup reconciliation, and
// blocks until ctx is cancelled. Intended to be run as a Supervisor-managed
// task with Transient restart policy: a lost watch descriptor surfaces as a
// TransientIO error so the Supervisor restarts this Source, which re-arms
// the watch and reconciles again.
func (s *Source) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return domain.NewTransientIOError(err, "creating fsnotify watcher", 0)
	}
	defer watcher.Close()

	if err := s.addWatches(watcher); err != nil {
		return domain.NewTransientIOError(err, "adding fsnotify watches", 0)
	}

	if err := s.reconcile(ctx); err != nil && !domain.IsCancelled(err) {
		s.log.Errorw("startup reconciliation scan failed", "source", s.cfg.Name, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.cancelPending()
			return domain.NewCancelledError(ctx.Err())

		case event, ok := <-watcher.Events:
			if !ok {
				return domain.NewTransientIOError(fmt.Errorf("fsnotify event channel closed"), "directory watch lost", 0)
			}
			s.handleFsEvent(ctx, watcher, event)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return domain.NewTransientIOError(fmt.Errorf("fsnotify error channel closed"), "directory watch lost", 0)
			}
			s.log.Warnw("fsnotify reported an error", "source", s.cfg.Name, "error", werr)
		}
	}
}

func (s *Source) addWatches(watcher *fsnotify.Watcher) error {
	if !s.cfg.Recursive {
		return watcher.Add(s.cfg.Root)
	}
	return filepath.WalkDir(s.cfg.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (s *Source) handleFsEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return // file already gone, or a transient stat race; the next write event will retry
	}

	if info.IsDir() {
		if s.cfg.Recursive && event.Op&fsnotify.Create != 0 {
			if err := watcher.Add(event.Name); err != nil {
				s.log.Warnw("failed to watch new subdirectory", "source", s.cfg.Name, "path", event.Name, "error", err)
			}
		}
		return
	}

	if !s.matches(event.Name) {
		return
	}

	s.armStabilityTimer(ctx, event.Name)
}

func (s *Source) matches(path string) bool {
	rel, err := filepath.Rel(s.cfg.Root, path)
	if err != nil {
		rel = path
	}
	return s.cfg.Filter.MatchString(rel)
}

// armStabilityTimer (re)starts a dwell-time timer for path: every new write
// event for the same path pushes the timer back, so a file is only emitted
// once writes have stopped for DwellTime.
func (s *Source) armStabilityTimer(ctx context.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[path]; ok {
		p.timer.Reset(s.cfg.DwellTime)
		return
	}

	timer := time.AfterFunc(s.cfg.DwellTime, func() {
		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()
		s.emit(ctx, path)
	})
	s.pending[path] = &pendingFile{timer: timer}
}

func (s *Source) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, path)
	}
}

// emit publishes a FileEvent for path. The event's Path is the file's
// absolute path (File.path is absolute per the data model), not a path
// relative to this Source's Root — the Dispatcher Engine opens it directly
// for hashing, since a locally-observed file has nothing to do with the
// shared storage root that FS.ResolvePath resolves SFTP downloads under.
func (s *Source) emit(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return // removed or renamed away before it stabilized
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	event := domain.FileEvent{
		Source:         s.cfg.Name,
		Path:           abs,
		Size:           info.Size(),
		Modified:       info.ModTime(),
		AllowedTargets: s.cfg.Targets,
	}

	if err := s.bus.Publish(ctx, event); err != nil {
		s.log.Warnw("publishing directory FileEvent was cancelled", "source", s.cfg.Name, "path", abs, "error", err)
	}
}

// reconcile scans the directory tree for files with no matching Registry
// entry and emits a synthetic FileEvent for each, recovering from any gap
// between a previous shutdown and this startup. The walk fans out with a
// bounded worker pool, the same shape as the teacher's internal/scanner.Scanner.
func (s *Source) reconcile(ctx context.Context) error {
	existing, err := s.registry.ListFilesBySource(ctx, s.cfg.Name)
	if err != nil {
		return err
	}
	// Registry rows key on the file's absolute path (matching what emit
	// publishes), not a path relative to Root.
	known := make(map[string]bool, len(existing))
	for _, f := range existing {
		known[f.Path] = true
	}

	sem := make(chan struct{}, s.cfg.ReconcileConcurrency)
	var wg sync.WaitGroup

	walkErr := filepath.WalkDir(s.cfg.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !s.cfg.Recursive && path != s.cfg.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.matches(path) {
			return nil
		}

		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			abs = path
		}
		if known[abs] {
			return nil
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.emit(ctx, path)
		}(path)

		return nil
	})

	wg.Wait()
	return walkErr
}
