// Package supervisor tracks every long-lived component in the piwheels
// master: it fans PAUSE/RESUME/QUIT out to all of them together and
// brings the whole process down cleanly on a single fatal error or OS
// signal. It does not start components: each is started by its caller and
// then registered, and shutdown runs in reverse registration order. It generalizes the
// teacher's observability.ShutdownManager (one *http.Server plus a list
// of best-effort shutdown funcs, fired once on SIGINT/SIGTERM) into
// SPEC_FULL.md §5's full control surface: named tasks that can each be
// paused and resumed independently, not just torn down.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/piwheels/master/pkg/observability"
)

// Task is the control surface every taskruntime.Task exposes; registered
// directly, since *taskruntime.Task already satisfies this interface.
type Task interface {
	Quit()
	Pause()
	Resume()
	Join()
}

// Service is a non-Task component with its own Start/Stop lifecycle
// (AdminEndpoint, StatsAggregator, LogIngest): these serve network
// listeners rather than running a taskruntime poll loop, so they're
// tracked separately but quit in the same fan-out.
type Service interface {
	Stop(ctx context.Context) error
}

// entry is one registered component, holding whichever of Task/Service
// it implements (a component may implement both).
type entry struct {
	name    string
	task    Task
	service Service
}

// Supervisor is the Tasks/Services registry and control fan-out point.
type Supervisor struct {
	logger *observability.Logger

	mu      sync.Mutex
	entries []*entry

	shutdownOnce sync.Once
	shutdownErr  error
}

// New constructs an empty Supervisor.
func New(logger *observability.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Register adds a component under name. t and svc may each be nil; pass
// whichever interfaces the component implements.
func (s *Supervisor) Register(name string, t Task, svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{name: name, task: t, service: svc})
	s.logger.WithField("task", name).Info("supervisor: registered")
}

// RegisterTask is a convenience for components that are only a Task.
func (s *Supervisor) RegisterTask(name string, t Task) {
	s.Register(name, t, nil)
}

// RegisterService is a convenience for components that are only a
// Service.
func (s *Supervisor) RegisterService(name string, svc Service) {
	s.Register(name, nil, svc)
}

// OnFatal implements taskruntime.FatalFunc: any registered Task's fatal
// error brings the whole Supervisor down, since a single Task in an
// unrecoverable state (most often DbWorker or WorkerRouter) means the
// invariants the other tasks depend on can no longer be trusted (§5).
func (s *Supervisor) OnFatal(taskName string, err error) {
	s.logger.WithField("task", taskName).WithError(err).Error("supervisor: fatal error, shutting down")
	s.Shutdown(context.Background())
}

// PauseAll sends PAUSE to every registered Task. Tasks built with
// taskruntime.NonStop (the workerrouter task) silently ignore it, matching
// §4.1; Services, the DbWorkers included, are never paused.
func (s *Supervisor) PauseAll() {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()
	for _, e := range entries {
		if e.task != nil {
			e.task.Pause()
		}
	}
	s.logger.Info("supervisor: paused all tasks")
}

// ResumeAll sends RESUME to every registered Task.
func (s *Supervisor) ResumeAll() {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()
	for _, e := range entries {
		if e.task != nil {
			e.task.Resume()
		}
	}
	s.logger.Info("supervisor: resumed all tasks")
}

// Shutdown sends QUIT to every registered Task, calls Stop on every
// registered Service, and waits (bounded by ctx) for every Task to
// actually exit. It is safe to call more than once; only the first call
// does anything.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownLocked(ctx)
	})
	return s.shutdownErr
}

func (s *Supervisor) shutdownLocked(ctx context.Context) error {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	// Quit is requested in reverse registration order, so components
	// started last (those most likely to depend on something started
	// earlier, e.g. AdminEndpoint depending on DbWorker) stop first.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.task != nil {
			e.task.Quit()
		}
	}

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.service != nil {
			if err := e.service.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		for _, e := range entries {
			if e.task != nil {
				e.task.Join()
			}
		}
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("supervisor: all tasks stopped")
	case <-ctx.Done():
		s.logger.Warn("supervisor: shutdown deadline reached before all tasks stopped")
		errs = append(errs, ctx.Err())
	}

	if len(errs) > 0 {
		return fmt.Errorf("supervisor: shutdown errors: %v", errs)
	}
	return nil
}

// WaitForSignal blocks until SIGINT or SIGTERM, then shuts every
// registered component down within timeout.
func (s *Supervisor) WaitForSignal(timeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	s.logger.WithField("signal", sig.String()).Info("supervisor: received signal, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}
