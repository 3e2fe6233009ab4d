package dbgateway

import (
	"context"
	"testing"
	"time"

	"github.com/piwheels/master/pkg/dbworker"
)

// fakeWorker stands in for a dbworker.Worker: it just echoes the request
// op back as the result, recording which fake worker id handled it.
type fakeWorker struct {
	id   string
	seen chan string
}

func (f *fakeWorker) register(g *Gateway) {
	g.mu.Lock()
	g.markReadyLocked(&worker{id: f.id, handle: f.handle})
	g.mu.Unlock()
}

func (f *fakeWorker) handle(ctx context.Context, req dbworker.Request) {
	f.seen <- f.id
	req.Reply <- dbworker.Response{Result: req.Op}
}

func TestSubmitDispatchesToReadyWorker(t *testing.T) {
	g := New()
	fw := &fakeWorker{id: "w1", seen: make(chan string, 1)}
	fw.register(g)

	reply := make(chan dbworker.Response, 1)
	g.Submit(context.Background(), dbworker.Request{Op: "ALLPKGS", Reply: reply})

	select {
	case resp := <-reply:
		if resp.Result != "ALLPKGS" {
			t.Errorf("got %v", resp.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestSubmitQueuesWhenNoWorkerReady(t *testing.T) {
	g := New()
	reply := make(chan dbworker.Response, 1)
	g.Submit(context.Background(), dbworker.Request{Op: "ALLPKGS", Reply: reply})

	if g.WaitingCount() != 1 {
		t.Fatalf("expected 1 waiter, got %d", g.WaitingCount())
	}

	fw := &fakeWorker{id: "w1", seen: make(chan string, 1)}
	fw.register(g)

	select {
	case resp := <-reply:
		if resp.Result != "ALLPKGS" {
			t.Errorf("got %v", resp.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued request to dispatch")
	}
}

func TestLeastRecentlyUsedOrdering(t *testing.T) {
	g := New()
	w1 := &fakeWorker{id: "w1", seen: make(chan string, 2)}
	w2 := &fakeWorker{id: "w2", seen: make(chan string, 2)}
	w1.register(g)
	w2.register(g)

	// w1 was registered first, so it's least-recently-used and should
	// take the first request.
	reply1 := make(chan dbworker.Response, 1)
	g.Submit(context.Background(), dbworker.Request{Op: "A", Reply: reply1})
	<-reply1

	// w1 just finished and rejoined at the back (most-recently-used), so
	// the next request should go to w2.
	reply2 := make(chan dbworker.Response, 1)
	g.Submit(context.Background(), dbworker.Request{Op: "B", Reply: reply2})
	<-reply2

	first := <-w1.seen
	second := <-w2.seen
	if first != "w1" || second != "w2" {
		t.Errorf("expected w1 then w2, got %s then %s", first, second)
	}
}

func TestSubmitCanceledWhileQueuedReturnsError(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	reply := make(chan dbworker.Response, 1)
	g.Submit(ctx, dbworker.Request{Op: "ALLPKGS", Reply: reply})

	cancel()

	select {
	case resp := <-reply:
		if resp.Err == nil {
			t.Error("expected a cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation reply")
	}

	if g.WaitingCount() != 0 {
		t.Errorf("expected waiter to be removed, got %d", g.WaitingCount())
	}
}

func TestReadyCountReflectsRegisteredWorkers(t *testing.T) {
	g := New()
	if g.ReadyCount() != 0 {
		t.Fatal("expected empty gateway to have 0 ready workers")
	}
	fw := &fakeWorker{id: "w1", seen: make(chan string, 1)}
	fw.register(g)
	if g.ReadyCount() != 1 {
		t.Errorf("expected 1 ready worker, got %d", g.ReadyCount())
	}
}
