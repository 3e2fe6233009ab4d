// Package dbgateway implements the Seraph: the strict least-recently-used
// router that fronts the pool of dbworker.Workers described in
// SPEC_FULL.md §4.3. Workers announce readiness; DbClient callers submit
// requests to the front endpoint; the gateway matches each request to the
// least-recently-used ready worker, dispatches, and returns the worker to
// the ready set the moment it replies. When no worker is ready, requests
// queue and wait — the gateway never drops a request.
package dbgateway

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/piwheels/master/pkg/dbworker"
)

// worker is this package's private view of a registered dbworker.Worker:
// enough to dispatch a Request and know its identity for the LRU list.
type worker struct {
	id     string
	handle func(ctx context.Context, req dbworker.Request)
}

// Gateway is the Seraph. It is safe for concurrent use by many DbClient
// goroutines submitting requests concurrently.
type Gateway struct {
	mu      sync.Mutex
	ready   *list.List               // list of *worker, front = least-recently-used
	byID    map[string]*list.Element // worker id -> its element when ready
	waiters *list.List               // queued *pendingRequest when no worker is ready
}

type pendingRequest struct {
	ctx        context.Context
	req        dbworker.Request
	dispatched bool
}

// New creates an empty Gateway; call Register for each Worker it should
// balance across.
func New() *Gateway {
	return &Gateway{
		ready:   list.New(),
		byID:    make(map[string]*list.Element),
		waiters: list.New(),
	}
}

// Register adds w to the pool and immediately marks it ready, mirroring
// the teacher's worker pool's "register then go idle" startup sequence.
func (g *Gateway) Register(w *dbworker.Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markReadyLocked(&worker{id: w.ID(), handle: w.Handle})
}

func (g *Gateway) markReadyLocked(w *worker) {
	for {
		front := g.waiters.Front()
		if front == nil {
			el := g.ready.PushBack(w)
			g.byID[w.id] = el
			return
		}
		g.waiters.Remove(front)
		pr := front.Value.(*pendingRequest)
		if pr.dispatched {
			// canceled while queued; its reply was already sent by
			// cancelWaiter, skip it and look at the next waiter.
			continue
		}
		pr.dispatched = true
		go g.dispatch(w, pr.ctx, pr.req)
		return
	}
}

// Submit enqueues req for the least-recently-used ready worker. It
// returns as soon as the request is either handed to a worker or queued;
// the caller reads its result from req.Reply, same as it would talking
// to a Worker directly. If ctx is canceled before a worker becomes
// available, req.Reply receives a context.Canceled/DeadlineExceeded
// error response instead of blocking forever.
func (g *Gateway) Submit(ctx context.Context, req dbworker.Request) {
	g.mu.Lock()
	front := g.ready.Front()
	if front == nil {
		pr := &pendingRequest{ctx: ctx, req: req}
		el := g.waiters.PushBack(pr)
		g.mu.Unlock()

		if ctx != nil && ctx.Done() != nil {
			go g.cancelWaiter(ctx, el, pr)
		}
		return
	}
	g.ready.Remove(front)
	w := front.Value.(*worker)
	delete(g.byID, w.id)
	g.mu.Unlock()

	go g.dispatch(w, ctx, req)
}

func (g *Gateway) cancelWaiter(ctx context.Context, el *list.Element, pr *pendingRequest) {
	<-ctx.Done()
	g.mu.Lock()
	if pr.dispatched {
		g.mu.Unlock()
		return
	}
	pr.dispatched = true
	g.waiters.Remove(el)
	g.mu.Unlock()
	pr.req.Reply <- dbworker.Response{Err: fmt.Errorf("dbgateway: %w", ctx.Err())}
}

func (g *Gateway) dispatch(w *worker, ctx context.Context, req dbworker.Request) {
	w.handle(ctx, req)
	g.mu.Lock()
	g.markReadyLocked(w)
	g.mu.Unlock()
}

// ReadyCount reports how many workers are currently idle, used by
// observability.HealthChecker to flag a gateway with zero ready workers
// as degraded.
func (g *Gateway) ReadyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready.Len()
}

// WaitingCount reports how many requests are queued for lack of a ready
// worker.
func (g *Gateway) WaitingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
