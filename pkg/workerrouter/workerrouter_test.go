package workerrouter

import (
	"testing"
	"time"

	"github.com/piwheels/master/pkg/observability"
	"github.com/piwheels/master/pkg/queuebuilder"
)

type fakeFileReceiver struct {
	calledWorker *Worker
	report       BuildReport
}

func (f *fakeFileReceiver) ReceiveFiles(w *Worker, report BuildReport) {
	f.calledWorker = w
	f.report = report
}

type fakeNotifier struct {
	changed []string
}

func (n *fakeNotifier) NotifyPackageChanged(pkg string) { n.changed = append(n.changed, pkg) }

func newTestRouter() (*Router, *fakeFileReceiver, *fakeNotifier) {
	logger := observability.NewLogger(observability.InfoLevel, nil)
	fr := &fakeFileReceiver{}
	n := &fakeNotifier{}
	return New(logger, fr, n), fr, n
}

func TestHelloRegistersWorkerIdle(t *testing.T) {
	r, _, _ := newTestRouter()
	w := r.HandleHello(nil, time.Minute, "cp311", "linux_x86_64", "worker-1")

	if w.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", w.State())
	}
	if w.ID == "" {
		t.Error("expected a worker id to be assigned")
	}
}

func TestPollReturnsSleepWhenQueueEmpty(t *testing.T) {
	r, _, _ := newTestRouter()
	w := r.HandleHello(nil, time.Minute, "cp311", "linux_x86_64", "worker-1")

	action := r.Poll(w)
	if action.Kind != "SLEEP" {
		t.Fatalf("expected SLEEP, got %s", action.Kind)
	}
}

func TestPollAssignsFromQueueAndMovesToActive(t *testing.T) {
	r, _, _ := newTestRouter()
	w := r.HandleHello(nil, time.Minute, "cp311", "linux_x86_64", "worker-1")
	r.PublishQueue(queuebuilder.Queue{
		"cp311": {{Package: "numpy", Version: "1.0", ReleasedAt: time.Now()}},
	})

	action := r.Poll(w)
	if action.Kind != "BUILD" {
		t.Fatalf("expected BUILD, got %s", action.Kind)
	}
	if action.Assignment.Package != "numpy" {
		t.Errorf("expected numpy assigned, got %+v", action.Assignment)
	}
	if w.State() != StateActive {
		t.Errorf("expected ACTIVE, got %s", w.State())
	}
}

func TestPollDoesNotDoubleAssignSamePackageToTwoWorkers(t *testing.T) {
	r, _, _ := newTestRouter()
	w1 := r.HandleHello(nil, time.Minute, "cp311", "linux_x86_64", "worker-1")
	w2 := r.HandleHello(nil, time.Minute, "cp311", "linux_x86_64", "worker-2")
	r.PublishQueue(queuebuilder.Queue{
		"cp311": {{Package: "numpy", Version: "1.0", ReleasedAt: time.Now()}},
	})

	a1 := r.Poll(w1)
	a2 := r.Poll(w2)

	if a1.Kind != "BUILD" {
		t.Fatal("expected first worker to get the build")
	}
	if a2.Kind != "SLEEP" {
		t.Fatalf("expected second worker to sleep since the only entry is taken, got %s", a2.Kind)
	}
}

func TestHandleBuiltSuccessWithFilesMovesToTransfer(t *testing.T) {
	r, fr, _ := newTestRouter()
	w := r.HandleHello(nil, time.Minute, "cp311", "linux_x86_64", "worker-1")
	r.PublishQueue(queuebuilder.Queue{
		"cp311": {{Package: "numpy", Version: "1.0", ReleasedAt: time.Now()}},
	})
	r.Poll(w)

	r.HandleBuilt(w, true, time.Minute, "ok", []string{"numpy-1.0-cp311-linux_x86_64.whl"})

	if w.State() != StateTransfer {
		t.Fatalf("expected TRANSFER, got %s", w.State())
	}
	if fr.calledWorker != w {
		t.Error("expected FileReceiver to be invoked for this worker")
	}
}

func TestHandleBuiltFailureKeepsCoolDownAfterLogging(t *testing.T) {
	r, _, _ := newTestRouter()
	w := r.HandleHello(nil, time.Minute, "cp311", "linux_x86_64", "worker-1")
	r.PublishQueue(queuebuilder.Queue{
		"cp311": {{Package: "numpy", Version: "1.0", ReleasedAt: time.Now()}},
	})
	r.Poll(w)
	r.HandleBuilt(w, false, time.Second, "boom", nil)

	if w.State() != StateLogging {
		t.Fatalf("expected LOGGING after failure with no files, got %s", w.State())
	}

	assignment := Assignment{Package: "numpy", Version: "1.0", ABI: "cp311"}
	r.LogBuildAndIdle(w, assignment)

	action := r.Poll(w)
	if action.Kind != "SLEEP" {
		t.Fatalf("expected failed build to stay cooled down, got %s", action.Kind)
	}
}

func TestKillSchedulesDieOnNextPoll(t *testing.T) {
	r, _, _ := newTestRouter()
	w := r.HandleHello(nil, time.Minute, "cp311", "linux_x86_64", "worker-1")

	if err := r.Kill(w.ID); err != nil {
		t.Fatal(err)
	}
	action := r.Poll(w)
	if action.Kind != "DIE" {
		t.Fatalf("expected DIE, got %s", action.Kind)
	}
}

func TestSweepExpiredRemovesSilentWorkers(t *testing.T) {
	r, _, _ := newTestRouter()
	w := r.HandleHello(nil, time.Millisecond, "cp311", "linux_x86_64", "worker-1")
	time.Sleep(10 * time.Millisecond)

	r.SweepExpired()

	if len(r.Workers()) != 0 {
		t.Error("expected expired worker to be removed from the active set")
	}
	_ = w
}
