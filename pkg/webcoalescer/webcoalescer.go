// Package webcoalescer implements the hold-and-collapse rewrite buffer
// described in SPEC_FULL.md §4.8, grounded on
// original_source/piwheels/master/the_scribe.py's handle_index dispatch
// (HOME/SEARCH pass straight through; PKGPROJ/PKGBOTH are the two kinds
// this package actually holds) and catalog.RewritePending, the durable
// shape the_scribe's caller (mr_chase) persists across a restart.
package webcoalescer

import (
	"context"
	"sync"
	"time"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/observability"
)

// DefaultHoldInterval is the default hold-back before a PKGPROJ/PKGBOTH
// entry is released downstream.
const DefaultHoldInterval = 60 * time.Second

// DevHoldInterval is the shortened hold used in dev mode.
const DevHoldInterval = 3 * time.Second

// RewriteMsg is one rewrite request, passed to Forwarder once its hold
// has elapsed (or immediately, for HOME/SEARCH).
type RewriteMsg struct {
	Command catalog.RewriteCommand
	Package string // empty for HOME/SEARCH
}

// Forwarder accepts a released rewrite. Forward must be non-blocking: it
// reports false if downstream isn't ready, in which case the entry stays
// buffered for the next sweep. *pagewriter.Writer implements this.
type Forwarder interface {
	Forward(msg RewriteMsg) bool
}

// DBClient persists the hold buffer across a restart.
type DBClient interface {
	SaveRewrites(ctx context.Context, pending []catalog.RewritePending) error
	LoadRewrites(ctx context.Context) ([]catalog.RewritePending, error)
}

// Config configures a Coalescer.
type Config struct {
	HoldInterval time.Duration
}

// Coalescer buffers (package, action) rewrite requests for a hold
// interval, collapsing duplicates for the same package, and forwards
// each entry downstream once it has aged past the hold and downstream
// accepts it.
type Coalescer struct {
	logger       *observability.Logger
	db           DBClient
	forwarder    Forwarder
	holdInterval time.Duration

	mu      sync.Mutex
	buffer  map[string]catalog.RewritePending // keyed by package
	paused  bool
}

// New constructs a Coalescer. Call LoadBacklog once at startup and
// SaveBacklog on shutdown to persist the hold buffer.
func New(logger *observability.Logger, db DBClient, forwarder Forwarder, cfg Config) *Coalescer {
	if cfg.HoldInterval <= 0 {
		cfg.HoldInterval = DefaultHoldInterval
	}
	return &Coalescer{
		logger:       logger,
		db:           db,
		forwarder:    forwarder,
		holdInterval: cfg.HoldInterval,
		buffer:       make(map[string]catalog.RewritePending),
	}
}

// NotifyPackageChanged implements indexpoller.Notifier: a catalog change
// (new version, skip, delete) always needs both the simple index and the
// project page rebuilt, so it is buffered as PKGBOTH.
func (c *Coalescer) NotifyPackageChanged(pkg string) {
	c.Enqueue(catalog.RewriteBoth, pkg)
}

// Enqueue buffers or immediately forwards a rewrite request, depending on
// its command. HOME and SEARCH pass straight through (and are discarded
// while the Coalescer is paused); PROJECT and
// BOTH are held and collapsed per-package, with BOTH superseding a
// pending PROJECT while keeping the original entry's timestamp (so a
// package that keeps changing doesn't have its hold indefinitely
// extended).
func (c *Coalescer) Enqueue(cmd catalog.RewriteCommand, pkg string) {
	switch cmd {
	case catalog.RewriteHome, catalog.RewriteSearch:
		c.mu.Lock()
		paused := c.paused
		c.mu.Unlock()
		if paused {
			return
		}
		c.forwarder.Forward(RewriteMsg{Command: cmd})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.buffer[pkg]
	if !ok {
		c.buffer[pkg] = catalog.RewritePending{Package: pkg, AddedAt: time.Now(), Command: cmd}
		return
	}
	if existing.Command == catalog.RewriteBoth || cmd == catalog.RewriteProject {
		// Already BOTH (the superset), or a duplicate PROJECT: nothing
		// to upgrade, keep the original timestamp.
		return
	}
	// cmd is BOTH superseding a pending PROJECT: upgrade the command but
	// keep the original AddedAt so an actively-changing package isn't
	// held forever.
	existing.Command = cmd
	c.buffer[pkg] = existing
}

// Pause stops HOME/SEARCH forwarding and held-entry release. PROJECT and
// BOTH input continues to be accepted and buffered; HOME and SEARCH
// requests that arrive while paused are discarded and not forwarded
// later. Resume restores forwarding and release.
func (c *Coalescer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Coalescer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Sweep releases every buffered entry older than the hold interval whose
// downstream Forward accepts it. Intended to be driven by a
// taskruntime.Interval at a fraction of the hold interval.
func (c *Coalescer) Sweep() {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	var ready []catalog.RewritePending
	for pkg, entry := range c.buffer {
		if now.Sub(entry.AddedAt) >= c.holdInterval {
			ready = append(ready, entry)
			_ = pkg
		}
	}
	c.mu.Unlock()

	for _, entry := range ready {
		cmd := entry.Command
		if cmd == "" {
			cmd = catalog.RewriteProject
		}
		if c.forwarder.Forward(RewriteMsg{Command: cmd, Package: entry.Package}) {
			c.mu.Lock()
			delete(c.buffer, entry.Package)
			c.mu.Unlock()
		}
	}
}

// SaveBacklog persists every currently-buffered entry, called on
// shutdown so a restart doesn't lose pending rewrites.
func (c *Coalescer) SaveBacklog(ctx context.Context) error {
	c.mu.Lock()
	pending := make([]catalog.RewritePending, 0, len(c.buffer))
	for _, entry := range c.buffer {
		pending = append(pending, entry)
	}
	c.mu.Unlock()
	return c.db.SaveRewrites(ctx, pending)
}

// LoadBacklog restores the hold buffer, called once at startup before
// the Coalescer starts accepting new input.
func (c *Coalescer) LoadBacklog(ctx context.Context) error {
	pending, err := c.db.LoadRewrites(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range pending {
		c.buffer[entry.Package] = entry
	}
	return nil
}

// BufferLen reports how many packages currently have a held rewrite,
// mainly for tests and metrics.
func (c *Coalescer) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}
