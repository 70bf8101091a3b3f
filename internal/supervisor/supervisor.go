// Package supervisor implements the Supervisor component of §4.7: it starts
// every source producer and the Dispatcher Engine as independent tasks,
// restarts Transient failures with backoff and jitter, escalates Fatal
// failures (and any per-task error carrying domain.KindPersistentIO or
// domain.KindConfig, regardless of the task's own policy) to a process-wide
// shutdown, and on termination runs the phased graceful-shutdown sequence
// named in the design notes: cancel producers, drain the Event Bus, stop the
// Dispatcher Engine, then close registered resources in order.
//
// The Run(ctx)/Shutdown(ctx) lifecycle, with an atomic started flag, is
// grounded on the Start(ctx)/Stop() shape of the teacher's
// internal/service/maintenance.Service; restart-with-backoff
// generalizes that service's single ticking loop into one loop per
// supervised task, each with its own internal/backoff.Backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cortexsys/dispatcher/internal/backoff"
	"github.com/cortexsys/dispatcher/internal/domain"
	"github.com/cortexsys/dispatcher/internal/eventbus"
	"github.com/cortexsys/dispatcher/internal/metrics"
)

// RestartPolicy decides what the Supervisor does when a task's Run returns
// a non-cancellation error.
type RestartPolicy int

const (
	// Transient restarts the task with exponential backoff and jitter.
	// A Transient task whose error is nonetheless domain.KindPersistentIO or
	// domain.KindConfig still escalates fatally — §4.2's "local disk full"
	// must stop the whole process even though SFTP connection loss on the
	// same task is merely transient.
	Transient RestartPolicy = iota
	// Fatal propagates the task's error and triggers global shutdown.
	Fatal
)

// Phase groups tasks for the ordered shutdown sequence: producer-phase
// tasks are cancelled first so no new FileEvents enter the bus, then
// core-phase tasks (the Dispatcher Engine) are given a drain window before
// being cancelled themselves.
type Phase int

const (
	PhaseProducer Phase = iota
	PhaseCore
)

// Task is one unit the Supervisor owns: a Directory Source, an SFTP
// Executor, or the Dispatcher Engine. Run must block until ctx is cancelled
// or an unrecoverable condition is reached, and should return a
// domain.TypedError so the Supervisor can classify it.
type Task struct {
	Name   string
	Phase  Phase
	Policy RestartPolicy
	Run    func(ctx context.Context) error
}

// Config bundles a Supervisor's tunables.
type Config struct {
	Log           *zap.SugaredLogger
	Backoff       backoff.Policy
	ShutdownDrain time.Duration
	// Bus is polled during shutdown to decide when the Event Bus has
	// drained; nil skips the poll and falls back to sleeping the full
	// drain window.
	Bus *eventbus.Bus
}

// Supervisor starts, restarts, and shuts down every component task.
type Supervisor struct {
	cfg Config
	log *zap.SugaredLogger

	mu      sync.Mutex
	tasks   []Task
	closers []namedCloser

	producerCancel context.CancelFunc
	coreCancel     context.CancelFunc
	producerWG     sync.WaitGroup
	coreWG         sync.WaitGroup

	fatal     chan error
	started   atomic.Bool
	forceKill atomic.Bool
}

type namedCloser struct {
	name string
	c    io.Closer
}

// New creates a Supervisor. Call AddTask/AddCloser to register components,
// then Run to start them.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownDrain <= 0 {
		cfg.ShutdownDrain = 30 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.Default()
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Supervisor{
		cfg:   cfg,
		log:   log,
		fatal: make(chan error, 1),
	}
}

// AddTask registers a component task. Must be called before Run.
func (s *Supervisor) AddTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// AddCloser registers a resource to be closed during the final shutdown
// phase, in the order added: the AMQP Gateway before the Registry Store,
// matching §4.7 step 4.
func (s *Supervisor) AddCloser(name string, c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, namedCloser{name: name, c: c})
}

// Healthy reports whether Run has started every task, used by the HTTP admin
// surface's /healthz. It does not track Shutdown: once Run has started, it
// keeps reporting healthy while Shutdown runs.
func (s *Supervisor) Healthy() error {
	if !s.started.Load() {
		return fmt.Errorf("supervisor not yet started")
	}
	return nil
}

// ForceKill causes any in-progress Shutdown drain wait to return
// immediately, the hard-kill path for a second termination signal.
func (s *Supervisor) ForceKill() {
	s.forceKill.Store(true)
}

// Run starts every registered task and blocks until ctx is cancelled or a
// Fatal task (or a Transient task whose error escalates per RestartPolicy's
// doc) reports failure, whichever happens first. It returns the escalated
// error, or a domain.CancelledError if ctx was cancelled first.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	producerCtx, producerCancel := context.WithCancel(ctx)
	coreCtx, coreCancel := context.WithCancel(ctx)
	s.producerCancel = producerCancel
	s.coreCancel = coreCancel

	for _, t := range tasks {
		taskCtx := coreCtx
		wg := &s.coreWG
		if t.Phase == PhaseProducer {
			taskCtx = producerCtx
			wg = &s.producerWG
		}
		wg.Add(1)
		go s.runSupervised(taskCtx, wg, t)
	}
	s.started.Store(true)

	select {
	case <-ctx.Done():
		return domain.NewCancelledError(ctx.Err())
	case err := <-s.fatal:
		return err
	}
}

func (s *Supervisor) runSupervised(ctx context.Context, wg *sync.WaitGroup, t Task) {
	defer wg.Done()

	bo := backoff.New(s.cfg.Backoff)
	for {
		err := t.Run(ctx)
		if err == nil || domain.IsCancelled(err) {
			return
		}

		metrics.ObserveFailure(t.Name, kindOf(err))

		if t.Policy == Fatal || domain.IsFatal(err) {
			s.log.Errorw("task failed fatally, triggering shutdown", "task", t.Name, "error", err)
			select {
			case s.fatal <- fmt.Errorf("task %q: %w", t.Name, err):
			default:
			}
			return
		}

		metrics.SupervisedTaskRestartsTotal.WithLabelValues(t.Name).Inc()
		delay := bo.Next()
		s.log.Warnw("restarting task after transient failure", "task", t.Name, "error", err, "retry_in", delay, "attempt", bo.Attempt())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func kindOf(err error) string {
	var te *domain.TypedError
	if errors.As(err, &te) {
		return te.Kind.String()
	}
	return domain.KindUnknown.String()
}

// Shutdown runs the phased graceful-shutdown sequence described in §4.7:
// cancel producers, drain the Event Bus up to the configured deadline (or
// until ForceKill is called), stop the core tasks, then close every
// registered resource in order. It blocks until every phase completes or
// ctx is cancelled.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.ShutdownDrain)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	s.log.Info("shutdown: cancelling source producers")
	if s.producerCancel != nil {
		s.producerCancel()
	}
	s.waitGroupUntil(&s.producerWG, deadline)

	s.log.Info("shutdown: draining event bus")
	s.drainBus(deadline)

	s.log.Info("shutdown: stopping core tasks")
	if s.coreCancel != nil {
		s.coreCancel()
	}
	s.waitGroupUntil(&s.coreWG, deadline)

	s.log.Info("shutdown: closing resources")
	return s.closeAll()
}

func (s *Supervisor) waitGroupUntil(wg *sync.WaitGroup, deadline time.Time) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if s.forceKill.Load() {
				s.log.Warn("shutdown: force kill requested, abandoning remaining tasks")
				return
			}
			if time.Now().After(deadline) {
				s.log.Warn("shutdown: deadline exceeded waiting for tasks to stop")
				return
			}
		}
	}
}

// drainBus polls Bus.Pending until it reports zero or the deadline/force
// kill is reached, giving the Dispatcher Engine a window to finish in-flight
// events and write their Dispatched rows (§8 invariant 1) before core tasks
// are cancelled.
func (s *Supervisor) drainBus(deadline time.Time) {
	if s.cfg.Bus == nil {
		return
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.cfg.Bus.Pending() == 0 {
			return
		}
		if time.Now().After(deadline) || s.forceKill.Load() {
			s.log.Warn("shutdown: event bus did not fully drain before deadline")
			return
		}
		<-ticker.C
	}
}

func (s *Supervisor) closeAll() error {
	s.mu.Lock()
	closers := make([]namedCloser, len(s.closers))
	copy(closers, s.closers)
	s.mu.Unlock()

	var firstErr error
	for _, nc := range closers {
		if err := nc.c.Close(); err != nil {
			s.log.Errorw("error closing resource during shutdown", "resource", nc.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
