package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/piwheels/master/pkg/observability"
)

type fakeTask struct {
	quit, pause, resume int32
	joined               chan struct{}
}

func newFakeTask() *fakeTask {
	return &fakeTask{joined: make(chan struct{})}
}

func (f *fakeTask) Quit()   { atomic.AddInt32(&f.quit, 1); close(f.joined) }
func (f *fakeTask) Pause()  { atomic.AddInt32(&f.pause, 1) }
func (f *fakeTask) Resume() { atomic.AddInt32(&f.resume, 1) }
func (f *fakeTask) Join()   { <-f.joined }

type fakeService struct {
	stopped int32
	err     error
}

func (f *fakeService) Stop(ctx context.Context) error {
	atomic.AddInt32(&f.stopped, 1)
	return f.err
}

func newTestSupervisor() *Supervisor {
	return New(observability.NewLogger(observability.InfoLevel, nil))
}

func TestPauseAllAndResumeAllFanOut(t *testing.T) {
	s := newTestSupervisor()
	t1, t2 := newFakeTask(), newFakeTask()
	s.RegisterTask("a", t1)
	s.RegisterTask("b", t2)

	s.PauseAll()
	if t1.pause != 1 || t2.pause != 1 {
		t.Fatalf("expected both tasks paused once, got %d %d", t1.pause, t2.pause)
	}

	s.ResumeAll()
	if t1.resume != 1 || t2.resume != 1 {
		t.Fatalf("expected both tasks resumed once, got %d %d", t1.resume, t2.resume)
	}
}

func TestShutdownQuitsTasksAndStopsServices(t *testing.T) {
	s := newTestSupervisor()
	task := newFakeTask()
	svc := &fakeService{}
	s.Register("combo", task, svc)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if task.quit != 1 {
		t.Fatalf("task.quit = %d, want 1", task.quit)
	}
	if svc.stopped != 1 {
		t.Fatalf("svc.stopped = %d, want 1", svc.stopped)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := newTestSupervisor()
	task := newFakeTask()
	s.RegisterTask("a", task)

	ctx := context.Background()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if task.quit != 1 {
		t.Fatalf("task.quit = %d, want exactly 1 despite two Shutdown calls", task.quit)
	}
}

func TestShutdownCollectsServiceErrors(t *testing.T) {
	s := newTestSupervisor()
	task := newFakeTask()
	svc := &fakeService{err: fmt.Errorf("boom")}
	s.Register("combo", task, svc)

	ctx := context.Background()
	if err := s.Shutdown(ctx); err == nil {
		t.Fatal("expected Shutdown to surface the service's error")
	}
}

func TestOnFatalTriggersShutdown(t *testing.T) {
	s := newTestSupervisor()
	task := newFakeTask()
	s.RegisterTask("a", task)

	s.OnFatal("a", fmt.Errorf("disk full"))

	select {
	case <-task.joined:
	case <-time.After(time.Second):
		t.Fatal("expected OnFatal to quit the registered task")
	}
}
