// Package taskruntime implements the base of every long-lived component in
// the piwheels master: a Task owns its state, communicates only by
// messages on registered sources, and never shares mutable memory with its
// peers. It generalizes the teacher's pkg/async (SafeGo/WorkerPool,
// context-scoped timeouts, panic recovery) from "fire a goroutine and
// collect its error" into "a long-running poll loop with a control plane,
// periodic hooks, and three pause strategies" (§4.1).
package taskruntime

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// ControlMessage is sent on a Task's control channel.
type ControlMessage int

const (
	ControlNone ControlMessage = iota
	ControlQuit
	ControlPause
	ControlResume
)

// Source is anything a Task can poll once per loop tick. Poll returns
// true if it had a message and handled it; Tasks call all registered
// sources every tick, so a Source must not block indefinitely.
type Source interface {
	// Poll blocks for at most timeout waiting for a message, invoking the
	// handler if one arrives. It returns true if a message was handled.
	Poll(ctx context.Context, timeout time.Duration) (handled bool)
}

// PauseMode controls how a Task reacts to ControlPause/ControlResume.
// Three variants are required by §4.1:
//   - Pauseable: block the main loop entirely until RESUME/QUIT.
//   - Pausing: keep draining inputs, but set a flag individual handlers
//     must honor.
//   - NonStop: PAUSE/RESUME are no-ops.
type PauseMode interface {
	// BeforeTick is called once per loop iteration before sources are
	// polled. It may block (Pauseable) to suspend the loop.
	BeforeTick(ctx context.Context, ctrl <-chan ControlMessage)
	// Paused reports whether handlers should suppress work (Pausing).
	Paused() bool
}

// Pauseable blocks the entire main loop on PAUSE until RESUME or QUIT.
type Pauseable struct {
	mu     sync.Mutex
	paused bool
}

func (p *Pauseable) BeforeTick(ctx context.Context, ctrl <-chan ControlMessage) {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if !paused {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ctrl:
			switch msg {
			case ControlResume:
				p.mu.Lock()
				p.paused = false
				p.mu.Unlock()
				return
			case ControlQuit:
				return
			}
		}
	}
}

func (p *Pauseable) Paused() bool { return false }

func (p *Pauseable) setPaused(v bool) {
	p.mu.Lock()
	p.paused = v
	p.mu.Unlock()
}

// Pausing keeps draining inputs while PAUSE is in effect, but exposes a
// flag individual handlers can check before doing real work.
type Pausing struct {
	flag sync.Map // single key "paused" -> bool, avoids a dedicated mutex
}

func (p *Pausing) BeforeTick(ctx context.Context, ctrl <-chan ControlMessage) {}

func (p *Pausing) Paused() bool {
	v, ok := p.flag.Load("paused")
	return ok && v.(bool)
}

func (p *Pausing) setPaused(v bool) { p.flag.Store("paused", v) }

// NonStop treats PAUSE/RESUME as no-ops; used by tasks that must keep
// making progress regardless (e.g. DbWorker).
type NonStop struct{}

func (NonStop) BeforeTick(ctx context.Context, ctrl <-chan ControlMessage) {}
func (NonStop) Paused() bool                                              { return false }
func (NonStop) setPaused(bool)                                            {}

type pauseSetter interface {
	setPaused(bool)
}

// Interval associates a periodic handler with the minimum time between
// runs. Overruns are absorbed: a handler that runs long simply delays the
// next tick, never queues up missed runs.
type Interval struct {
	period  time.Duration
	handler func()
	lastRun time.Time
	forced  bool
	mu      sync.Mutex
}

// NewInterval creates a periodic hook, already primed to fire on the next
// poll (mirrors the teacher's `force()` on construction).
func NewInterval(period time.Duration, handler func()) *Interval {
	return &Interval{period: period, handler: handler, forced: true}
}

// Force marks the interval to run at the next poll regardless of how much
// time has elapsed.
func (iv *Interval) Force() {
	iv.mu.Lock()
	iv.forced = true
	iv.mu.Unlock()
}

func (iv *Interval) poll(now time.Time) {
	iv.mu.Lock()
	due := iv.forced || now.Sub(iv.lastRun) >= iv.period
	if !due {
		iv.mu.Unlock()
		return
	}
	iv.forced = false
	iv.mu.Unlock()

	iv.handler()

	// Re-query the clock; otherwise a slow handler would leave no gap
	// before the next run.
	iv.mu.Lock()
	iv.lastRun = time.Now()
	iv.mu.Unlock()
}

// FatalFunc is invoked when a Task hits an unrecoverable error; by
// convention it is Supervisor.OnFatal, which shuts every registered
// component down.
type FatalFunc func(taskName string, err error)

// Task is the base of every long-lived component. Pass one of Pauseable,
// Pausing, or NonStop to New to pick a pause strategy, then Register sources and
// Every periodic hooks during construction, and call Run in the owning
// goroutine (or via taskruntime.Go).
type Task struct {
	Name string

	pauseMode PauseMode

	ctx    context.Context
	cancel context.CancelFunc

	control chan ControlMessage

	mu        sync.Mutex
	sources   []Source
	intervals []*Interval

	onFatal FatalFunc

	done chan struct{}
}

// New constructs a Task. pauseMode must be one of Pauseable, Pausing, or
// NonStop (or a custom implementation of PauseMode).
func New(name string, pauseMode PauseMode, onFatal FatalFunc) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		Name:      name,
		pauseMode: pauseMode,
		ctx:       ctx,
		cancel:    cancel,
		control:   make(chan ControlMessage, 10), // hwm matches spec's small high-water marks
		onFatal:   onFatal,
		done:      make(chan struct{}),
	}
}

// Register associates an additional Source to be polled every loop tick.
// Must be called before Run.
func (t *Task) Register(src Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources = append(t.sources, src)
}

// Every registers a periodic hook and returns it so callers can Force it
// later (e.g. "refresh after a catalog-changing event").
func (t *Task) Every(period time.Duration, handler func()) *Interval {
	iv := NewInterval(period, handler)
	t.mu.Lock()
	t.intervals = append(t.intervals, iv)
	t.mu.Unlock()
	return iv
}

// Context returns the Task's lifetime context; it is canceled when Quit
// is called or the run loop exits.
func (t *Task) Context() context.Context { return t.ctx }

// Control returns the control channel this Task's own handler reads from
// -- primarily useful for tasks that extend the base protocol.
func (t *Task) Control() chan<- ControlMessage { return t.control }

// Quit requests an orderly shutdown.
func (t *Task) Quit() {
	select {
	case t.control <- ControlQuit:
	default:
		// control plane is always small and drained every tick; if full,
		// cancel directly rather than block the caller.
		t.cancel()
	}
}

// Pause requests the task suspend (semantics depend on the embedded
// PauseMode).
func (t *Task) Pause() {
	select {
	case t.control <- ControlPause:
	default:
	}
}

// Resume requests the task resume from a Pause.
func (t *Task) Resume() {
	select {
	case t.control <- ControlResume:
	default:
	}
}

// Join blocks until the task's Run loop has returned.
func (t *Task) Join() { <-t.done }

// Fatal reports a fatal error: logs it, notifies the Supervisor, and
// requests shutdown.
func (t *Task) Fatal(err error) {
	log.Printf("[%s] FATAL: %v", t.Name, err)
	if t.onFatal != nil {
		t.onFatal(t.Name, err)
	}
	t.Quit()
}

// Run executes the poll loop until QUIT is received or the context is
// canceled. It recovers from panics in the loop body itself (individual
// Source handlers are expected to do their own recovery, matching the
// teacher's WorkerPool convention of per-unit-of-work recovery).
func (t *Task) Run() {
	defer close(t.done)
	defer t.cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] PANIC in task loop: %v\n%s", t.Name, r, debug.Stack())
			if t.onFatal != nil {
				t.onFatal(t.Name, fmt.Errorf("panic: %v", r))
			}
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			return
		case msg := <-t.control:
			if !t.handleControl(msg) {
				return
			}
			continue
		default:
		}

		t.pauseMode.BeforeTick(t.ctx, t.control)

		select {
		case <-t.ctx.Done():
			return
		default:
		}

		handled := false
		t.mu.Lock()
		sources := append([]Source(nil), t.sources...)
		t.mu.Unlock()
		for _, src := range sources {
			if src.Poll(t.ctx, 20*time.Millisecond) {
				handled = true
			}
		}

		now := time.Now()
		t.mu.Lock()
		intervals := append([]*Interval(nil), t.intervals...)
		t.mu.Unlock()
		for _, iv := range intervals {
			iv.poll(now)
		}

		if !handled {
			// Avoid a hot spin when every source timed out empty.
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *Task) handleControl(msg ControlMessage) (keepRunning bool) {
	switch msg {
	case ControlQuit:
		return false
	case ControlPause:
		if setter, ok := t.pauseMode.(pauseSetter); ok {
			setter.setPaused(true)
		}
	case ControlResume:
		if setter, ok := t.pauseMode.(pauseSetter); ok {
			setter.setPaused(false)
		}
	}
	return true
}

// Paused reports whether a Pausing task's handlers should currently
// suppress work.
func (t *Task) Paused() bool { return t.pauseMode.Paused() }

// Go starts a Task's Run loop in a new goroutine, matching the teacher's
// SafeGo naming/shape but for a long-lived Task rather than a one-shot
// function.
func Go(t *Task) { go t.Run() }
