// Package workerrouter implements the per-worker state machine described
// in SPEC_FULL.md §4.6: registration, assignment, heartbeat/expiry, and
// the handoff to FileServer on a successful build. It is the network
// boundary where remote build workers (specified only by their wire
// protocol) attach over pkg/transport's websocket endpoint.
package workerrouter

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/piwheels/master/pkg/observability"
	"github.com/piwheels/master/pkg/queuebuilder"
	"github.com/piwheels/master/pkg/transport"
)

// State is a worker's position in the §4.6 state machine.
type State int

const (
	StateUnborn State = iota
	StateIdle
	StateActive
	StateTransfer
	StateLogging
	StateExpired
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateTransfer:
		return "TRANSFER"
	case StateLogging:
		return "LOGGING"
	case StateExpired:
		return "EXPIRED"
	case StateDead:
		return "DEAD"
	default:
		return "UNBORN"
	}
}

// Assignment is one (package, version, ABI) currently given to a worker.
type Assignment struct {
	Package string
	Version string
	ABI     string
}

// Worker is the router's view of one connected build worker.
type Worker struct {
	ID       string
	Label    string
	PyABI    string
	Platform string
	Timeout  time.Duration

	conn *transport.WSConn

	mu         sync.Mutex
	state      State
	lastSeen   time.Time
	assignment *Assignment
}

// Conn returns the worker's websocket connection, used by FileServer to
// drive the chunked-pull protocol against the same peer WorkerRouter
// is tracking state for.
func (w *Worker) Conn() *transport.WSConn { return w.conn }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

func (w *Worker) expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastSeen) > 2*w.Timeout
}

// coolDown tracks (package, version, ABI) keys blocked from reassignment
// after a failed build, until the next successful catalog change for
// that version clears them (§4.6: "blocked... until next successful
// catalog change for that version").
type coolDown struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newCoolDown() *coolDown { return &coolDown{keys: make(map[string]bool)} }

func key(a Assignment) string { return a.Package + "/" + a.Version + "/" + a.ABI }

func (c *coolDown) block(a Assignment) {
	c.mu.Lock()
	c.keys[key(a)] = true
	c.mu.Unlock()
}

func (c *coolDown) blocked(a Assignment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[key(a)]
}

// ClearPackage releases every cool-down entry for pkg, called by
// IndexPoller/AdminEndpoint notifications on catalog-changing events.
func (c *coolDown) ClearPackage(pkg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.keys {
		if len(k) > len(pkg) && k[:len(pkg)+1] == pkg+"/" {
			delete(c.keys, k)
		}
	}
}

// BuildReport carries everything FileServer needs to log the build and
// pull its files once WorkerRouter hands off the TRANSFER state.
type BuildReport struct {
	Assignment Assignment
	OK         bool
	Duration   time.Duration
	Output     string
	Files      []string
}

// FileReceiver is handed a successful build's file listing, transferring
// ownership of the TRANSFER state to FileServer. FileServer is expected
// to log the build row itself (it alone knows when the transfer
// completes) and call back into Router.LogBuildAndIdle once done.
type FileReceiver interface {
	ReceiveFiles(worker *Worker, report BuildReport)
}

// Notifier is told a package changed so WebCoalescer can schedule a page
// rewrite.
type Notifier interface {
	NotifyPackageChanged(pkg string)
}

// Router owns every connected Worker and the current per-ABI Queue
// published by QueueBuilder.
type Router struct {
	logger   *observability.Logger
	files    FileReceiver
	notifier Notifier

	mu      sync.Mutex
	workers map[string]*Worker
	queue   queuebuilder.Queue
	cool    *coolDown
}

// New constructs an empty Router.
func New(logger *observability.Logger, files FileReceiver, notifier Notifier) *Router {
	return &Router{
		logger:   logger,
		files:    files,
		notifier: notifier,
		workers:  make(map[string]*Worker),
		cool:     newCoolDown(),
	}
}

// PublishQueue implements queuebuilder.Publisher: QueueBuilder pushes its
// freshly computed queue here on every refresh (§4.5).
func (r *Router) PublishQueue(q queuebuilder.Queue) {
	r.mu.Lock()
	r.queue = q
	r.mu.Unlock()
}

// HandleHello registers a new worker on first HELLO, assigning it a
// stable id via google/uuid (the teacher has no worker-identity
// concept; original_source/master/the_secretary.py assigns ids the same
// way, at first contact).
func (r *Router) HandleHello(conn *transport.WSConn, timeout time.Duration, pyABI, platform, label string) *Worker {
	w := &Worker{
		ID:       uuid.NewString(),
		Label:    label,
		PyABI:    pyABI,
		Platform: platform,
		Timeout:  timeout,
		conn:     conn,
		state:    StateIdle,
		lastSeen: time.Now(),
	}
	r.mu.Lock()
	r.workers[w.ID] = w
	r.mu.Unlock()
	r.logger.WithField("worker_id", w.ID).WithField("label", label).Info("worker registered")
	return w
}

// NextAction decides what to reply to a worker currently polling IDLE:
// BUILD if an assignable (pkg, ver) exists for its ABI/platform, SLEEP
// otherwise, or DIE if the router has been asked to retire it.
type NextAction struct {
	Kind       string // "BUILD", "SLEEP", "DIE"
	Assignment Assignment
}

// Poll advances a worker sitting in IDLE, applying the assignment policy
// from §4.6: match native ABI, prefer oldest released-at, skip anything
// currently cooling down or already assigned elsewhere.
func (r *Router) Poll(w *Worker) NextAction {
	w.touch()

	w.mu.Lock()
	if w.state == StateDead {
		w.mu.Unlock()
		return NextAction{Kind: "DIE"}
	}
	w.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.queue[w.PyABI]
	for _, e := range entries {
		a := Assignment{Package: e.Package, Version: e.Version, ABI: w.PyABI}
		if r.cool.blocked(a) {
			continue
		}
		if r.isAssignedLocked(a) {
			continue
		}
		w.mu.Lock()
		w.state = StateActive
		w.assignment = &a
		w.mu.Unlock()
		return NextAction{Kind: "BUILD", Assignment: a}
	}
	return NextAction{Kind: "SLEEP"}
}

func (r *Router) isAssignedLocked(a Assignment) bool {
	for _, other := range r.workers {
		other.mu.Lock()
		assigned := other.assignment != nil && *other.assignment == a
		other.mu.Unlock()
		if assigned {
			return true
		}
	}
	return false
}

// HandleBuilt processes a worker's BUILT report: ok=true with files moves
// to TRANSFER, ok=true with no files or ok=false moves straight to
// LOGGING, and a failure schedules a cool-down for the (pkg, ver, abi)
// triple. Either way FileServer is handed the report: it alone logs the
// build row (LOGGING is just "waiting for that log to land") and calls
// back into LogBuildAndIdle once done, whether or not a transfer
// happened.
func (r *Router) HandleBuilt(w *Worker, ok bool, duration time.Duration, output string, files []string) {
	w.touch()
	w.mu.Lock()
	assignment := w.assignment
	w.mu.Unlock()
	if assignment == nil {
		r.logger.WithField("worker_id", w.ID).Warn("BUILT received with no active assignment, ignoring")
		return
	}

	if !ok {
		r.cool.block(*assignment)
	}

	nextState := StateLogging
	if ok && len(files) > 0 {
		nextState = StateTransfer
	}
	w.mu.Lock()
	w.state = nextState
	w.mu.Unlock()

	r.files.ReceiveFiles(w, BuildReport{
		Assignment: *assignment,
		OK:         ok,
		Duration:   duration,
		Output:     output,
		Files:      files,
	})
}

// LogBuildAndIdle is called once a build's outcome (with or without file
// transfer) has been durably recorded, moving the worker back to IDLE
// and notifying WebCoalescer of the catalog change.
func (r *Router) LogBuildAndIdle(w *Worker, assignment Assignment) {
	w.mu.Lock()
	w.state = StateIdle
	w.assignment = nil
	w.mu.Unlock()
	r.notifier.NotifyPackageChanged(assignment.Package)
}

// ClearPackage releases pkg's cool-down entries, called once a new
// version or rebuild request lands for it so workers can be reassigned
// immediately rather than waiting out the block from a prior failure.
func (r *Router) ClearPackage(pkg string) {
	r.cool.ClearPackage(pkg)
}

// Kill marks a worker for termination; it will be sent DIE at its next
// poll opportunity rather than interrupted mid-handler (§4.6, §5).
func (r *Router) Kill(workerID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("workerrouter: unknown worker %s", workerID)
	}
	w.mu.Lock()
	w.state = StateDead
	w.mu.Unlock()
	return nil
}

// SweepExpired scans every worker for missed heartbeats (absence beyond
// 2x timeout, §4.6) and releases any in-flight assignment back to the
// queue. Intended to be registered as a taskruntime.Interval.
func (r *Router) SweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, w := range r.workers {
		if !w.expired() {
			continue
		}
		w.mu.Lock()
		wasActive := w.state == StateActive || w.state == StateTransfer || w.state == StateLogging
		w.state = StateExpired
		assignment := w.assignment
		w.assignment = nil
		w.mu.Unlock()

		if wasActive && assignment != nil {
			r.logger.WithField("worker_id", id).Warn("worker expired mid-build, releasing assignment")
		}
		w.mu.Lock()
		w.state = StateDead
		w.mu.Unlock()
		delete(r.workers, id)
	}
}

// Workers returns a snapshot of every currently tracked worker, used by
// StatsAggregator and the admin status feed.
func (r *Router) Workers() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// QueueDepth reports the most recently published pending-build count per
// ABI, feeding StatsAggregator's §4.9 "per-ABI pending queue size" metric.
func (r *Router) QueueDepth() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.queue))
	for abi, entries := range r.queue {
		out[abi] = len(entries)
	}
	return out
}
