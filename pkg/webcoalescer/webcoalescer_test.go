package webcoalescer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/observability"
)

type fakeForwarder struct {
	mu       sync.Mutex
	accept   bool
	forwards []RewriteMsg
}

func (f *fakeForwarder) Forward(msg RewriteMsg) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.forwards = append(f.forwards, msg)
	return true
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwards)
}

type fakeDB struct {
	saved  []catalog.RewritePending
	loaded []catalog.RewritePending
}

func (f *fakeDB) SaveRewrites(ctx context.Context, pending []catalog.RewritePending) error {
	f.saved = pending
	return nil
}

func (f *fakeDB) LoadRewrites(ctx context.Context) ([]catalog.RewritePending, error) {
	return f.loaded, nil
}

func newTestCoalescer(fwd *fakeForwarder, hold time.Duration) *Coalescer {
	logger := observability.NewLogger(observability.InfoLevel, nil)
	return New(logger, &fakeDB{}, fwd, Config{HoldInterval: hold})
}

func TestHomeAndSearchPassThroughImmediately(t *testing.T) {
	fwd := &fakeForwarder{accept: true}
	c := newTestCoalescer(fwd, time.Hour)

	c.Enqueue(catalog.RewriteHome, "")
	c.Enqueue(catalog.RewriteSearch, "")

	if fwd.count() != 2 {
		t.Fatalf("expected HOME and SEARCH to forward immediately, got %d forwards", fwd.count())
	}
	if c.BufferLen() != 0 {
		t.Error("expected nothing buffered for HOME/SEARCH")
	}
}

func TestDuplicateProjectRewritesCoalesce(t *testing.T) {
	fwd := &fakeForwarder{accept: true}
	c := newTestCoalescer(fwd, time.Hour)

	c.Enqueue(catalog.RewriteProject, "numpy")
	c.Enqueue(catalog.RewriteProject, "numpy")
	c.Enqueue(catalog.RewriteProject, "numpy")

	if c.BufferLen() != 1 {
		t.Errorf("expected duplicate PROJECT rewrites to collapse into one buffered entry, got %d", c.BufferLen())
	}
}

func TestBothSupersedesProjectKeepingOriginalTimestamp(t *testing.T) {
	fwd := &fakeForwarder{accept: true}
	c := newTestCoalescer(fwd, time.Hour)

	c.Enqueue(catalog.RewriteProject, "numpy")
	c.mu.Lock()
	original := c.buffer["numpy"].AddedAt
	c.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	c.Enqueue(catalog.RewriteBoth, "numpy")

	c.mu.Lock()
	entry := c.buffer["numpy"]
	c.mu.Unlock()

	if entry.Command != catalog.RewriteBoth {
		t.Errorf("expected BOTH to supersede PROJECT, got %v", entry.Command)
	}
	if !entry.AddedAt.Equal(original) {
		t.Error("expected original timestamp to be preserved when BOTH supersedes PROJECT")
	}
}

func TestSweepReleasesExpiredEntriesWhenDownstreamAccepts(t *testing.T) {
	fwd := &fakeForwarder{accept: true}
	c := newTestCoalescer(fwd, 10*time.Millisecond)

	c.Enqueue(catalog.RewriteBoth, "numpy")
	time.Sleep(20 * time.Millisecond)
	c.Sweep()

	if fwd.count() != 1 {
		t.Fatalf("expected expired entry to be forwarded, got %d forwards", fwd.count())
	}
	if c.BufferLen() != 0 {
		t.Error("expected buffer to be drained after successful forward")
	}
}

func TestSweepRetainsEntryWhenDownstreamRejects(t *testing.T) {
	fwd := &fakeForwarder{accept: false}
	c := newTestCoalescer(fwd, 10*time.Millisecond)

	c.Enqueue(catalog.RewriteBoth, "numpy")
	time.Sleep(20 * time.Millisecond)
	c.Sweep()

	if fwd.count() != 0 {
		t.Error("expected no forward to succeed")
	}
	if c.BufferLen() != 1 {
		t.Error("expected entry to remain buffered after a rejected forward")
	}
}

func TestPausedCoalescerSuppressesForwarding(t *testing.T) {
	fwd := &fakeForwarder{accept: true}
	c := newTestCoalescer(fwd, time.Nanosecond)
	c.Pause()

	c.Enqueue(catalog.RewriteHome, "")
	c.Sweep()

	if fwd.count() != 0 {
		t.Error("expected a paused coalescer to forward nothing")
	}

	c.Resume()
	c.Enqueue(catalog.RewriteHome, "")
	if fwd.count() != 1 {
		t.Error("expected forwarding to resume after Resume")
	}
}

func TestSaveAndLoadBacklogRoundTrips(t *testing.T) {
	fwd := &fakeForwarder{accept: false}
	db := &fakeDB{}
	logger := observability.NewLogger(observability.InfoLevel, nil)
	c := New(logger, db, fwd, Config{HoldInterval: time.Hour})

	c.Enqueue(catalog.RewriteBoth, "numpy")
	if err := c.SaveBacklog(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(db.saved) != 1 || db.saved[0].Package != "numpy" {
		t.Fatalf("expected the buffered entry to be saved, got %+v", db.saved)
	}

	db.loaded = db.saved
	restored := New(logger, db, fwd, Config{HoldInterval: time.Hour})
	if err := restored.LoadBacklog(context.Background()); err != nil {
		t.Fatal(err)
	}
	if restored.BufferLen() != 1 {
		t.Errorf("expected restored coalescer to have the persisted entry, got %d", restored.BufferLen())
	}
}
