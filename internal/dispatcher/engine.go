// Package dispatcher implements the Dispatcher Engine: the central consumer
// of FileEvents that hashes (when needed), registers into the Registry
// Store, and fans out to every matching Target over the AMQP Gateway. The
// per-event algorithm and its lease discipline follow SPEC_FULL.md §4.3.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/eventbus"
	"github.com/cortexsys/dispatcher/internal/lease"
	"github.com/cortexsys/dispatcher/internal/metrics"
	"github.com/cortexsys/dispatcher/internal/port"
)

// Target is a configured AMQP destination plus its compiled path predicate.
type Target struct {
	Name  string
	Match *regexp.Regexp
	Queue string
}

// Config bundles an Engine's dependencies.
type Config struct {
	Targets     []Target
	Registry    port.Registry
	Gateway     port.Gateway
	FS          port.FileSystem
	Bus         *eventbus.Bus
	Log         *zap.SugaredLogger
	MaxRequeues int // per-event requeue-with-delay cap before failure logging, SPEC_FULL.md §4.3 edge cases
	RequeueBase time.Duration
}

// Engine consumes FileEvents from the Event Bus and dispatches them.
type Engine struct {
	cfg     Config
	leases  *lease.Table
	retries chan retryItem
	inFlight sync.WaitGroup
}

type retryItem struct {
	event   domain.FileEvent
	attempt int
}

// New creates an Engine. Call Run to start consuming.
func New(cfg Config) *Engine {
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = 5
	}
	if cfg.RequeueBase <= 0 {
		cfg.RequeueBase = 500 * time.Millisecond
	}
	return &Engine{
		cfg:     cfg,
		leases:  lease.New(),
		retries: make(chan retryItem, 256),
	}
}

// Run subscribes to the Event Bus and processes events until ctx is
// cancelled, at which point it drains in-flight work before returning —
// the Supervisor's shutdown sequence depends on this: in-flight events must
// finish and write their Dispatched rows before the process exits, since
// closeAll() closes the AMQP Gateway and Registry Store right after Run
// returns.
func (e *Engine) Run(ctx context.Context) error {
	events := e.cfg.Bus.Subscribe(ctx)

	for {
		select {
		case event, ok := <-events:
			if !ok {
				e.inFlight.Wait()
				return domain.NewCancelledError(ctx.Err())
			}
			e.spawn(ctx, event, 0)

		case item := <-e.retries:
			e.spawn(ctx, item.event, item.attempt)

		case <-ctx.Done():
			e.inFlight.Wait()
			return domain.NewCancelledError(ctx.Err())
		}
	}
}

// spawn runs processWithRetry in its own goroutine, tracked by inFlight so
// Run can wait for every outstanding attempt to finish before returning.
func (e *Engine) spawn(ctx context.Context, event domain.FileEvent, attempt int) {
	e.inFlight.Add(1)
	go func() {
		defer e.inFlight.Done()
		e.processWithRetry(ctx, event, attempt)
	}()
}

func (e *Engine) processWithRetry(ctx context.Context, event domain.FileEvent, attempt int) {
	if err := e.process(ctx, event); err != nil {
		if domain.IsCancelled(err) {
			return
		}
		if attempt >= e.cfg.MaxRequeues {
			e.cfg.Log.Errorw("event exceeded max requeue attempts, giving up", "source", event.Source, "path", event.Path, "attempts", attempt, "error", err)
			return
		}
		delay := e.cfg.RequeueBase * time.Duration(1<<uint(attempt))
		e.cfg.Log.Warnw("requeueing event after error", "source", event.Source, "path", event.Path, "attempt", attempt, "retry_in", delay, "error", err)
		time.AfterFunc(delay, func() {
			select {
			case e.retries <- retryItem{event: event, attempt: attempt + 1}:
			case <-ctx.Done():
			}
		})
	}
}

// process implements the per-event algorithm of SPEC_FULL.md §4.3.
func (e *Engine) process(ctx context.Context, event domain.FileEvent) error {
	key := event.Key()
	release := e.leases.Acquire(key)
	defer release()

	if event.Hash == "" {
		hashed, err := e.hashStably(event)
		if err != nil {
			return err
		}
		event = hashed
	}

	fileID, result, err := e.cfg.Registry.RegisterFile(ctx, key, event.Modified, event.Size, event.Hash)
	if err != nil {
		return err
	}
	metrics.EventsProcessedTotal.WithLabelValues(event.Source, result.String()).Inc()

	if event.SftpDownloadID != 0 {
		if err := e.cfg.Registry.LinkSftpDownload(ctx, event.SftpDownloadID, fileID); err != nil {
			e.cfg.Log.Warnw("failed to link sftp_download to file", "file_id", fileID, "download_id", event.SftpDownloadID, "error", err)
		}
	}

	for _, target := range e.cfg.Targets {
		if !target.Match.MatchString(event.Path) {
			continue
		}
		if !targetAllowed(event.AllowedTargets, target.Name) {
			continue
		}

		if result == domain.UpdatedSameHash {
			already, err := e.cfg.Registry.HasDispatched(ctx, fileID, target.Name)
			if err != nil {
				return err
			}
			if already {
				continue
			}
		}

		if err := e.dispatchToTarget(ctx, fileID, event, target); err != nil {
			return err
		}
	}

	return nil
}

// targetAllowed reports whether name may be dispatched to given a source's
// configured target scope. An empty allowed list means unrestricted.
func targetAllowed(allowed []string, name string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

func (e *Engine) dispatchToTarget(ctx context.Context, fileID int64, event domain.FileEvent, target Target) error {
	envelope := port.Envelope{
		Source:    event.Source,
		Path:      event.Path,
		Size:      event.Size,
		Hash:      event.Hash,
		Target:    target.Name,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return domain.NewDataError(err, "marshalling dispatch envelope")
	}

	if _, err := e.cfg.Gateway.Publish(ctx, "", target.Queue, body); err != nil {
		// the registry upsert already happened and is idempotent; the
		// Dispatched row is deliberately not written so the event is
		// retried and consumers see at-least-once delivery.
		return err
	}

	if err := e.cfg.Registry.RecordDispatched(ctx, fileID, target.Name); err != nil {
		return err
	}

	metrics.DispatchedTotal.WithLabelValues(target.Name).Inc()
	e.cfg.Log.Infow("dispatched file to target",
		"source", event.Source, "path", event.Path, "target", target.Name,
		"size", humanize.Bytes(uint64(event.Size)), "file_id", fileID)
	return nil
}

// hashStably streams the local file through SHA-256, then checks that size
// and modified time did not change during hashing. A file that changed
// mid-hash is still being written and is not yet stable.
//
// Only events with no pre-computed Hash reach here, which in practice means
// only Directory Source events: the SFTP Executor always hashes in flight
// during download and publishes with Hash already set. A Directory Source
// event's Path is therefore the file's own absolute path, not a path under
// the shared storage root — FS.ResolvePath is for resolving an SFTP job's
// (source, remote path) to where it was materialized, and does not apply
// here.
func (e *Engine) hashStably(event domain.FileEvent) (domain.FileEvent, error) {
	path := event.Path

	beforeSize, beforeModified, err := e.cfg.FS.GetFileInfo(path)
	if err != nil {
		return event, domain.NewTransientIOError(err, "stat file before hashing", 0)
	}

	f, err := os.Open(path)
	if err != nil {
		return event, domain.NewTransientIOError(err, "open file for hashing", 0)
	}
	defer f.Close()

	start := time.Now()
	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return event, domain.NewTransientIOError(err, "reading file for hashing", 0)
	}
	metrics.HashDurationSeconds.WithLabelValues(event.Source).Observe(time.Since(start).Seconds())

	afterSize, afterModified, err := e.cfg.FS.GetFileInfo(path)
	if err != nil {
		return event, domain.NewTransientIOError(err, "stat file after hashing", 0)
	}

	if beforeSize != afterSize || !beforeModified.Equal(afterModified) {
		return event, domain.NewTransientIOError(domain.ErrFileNotStable, "hashing file for dispatch", 0)
	}

	event.Size = afterSize
	event.Modified = afterModified
	event.Hash = hex.EncodeToString(digest.Sum(nil))
	return event, nil
}
