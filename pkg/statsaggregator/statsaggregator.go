// Package statsaggregator implements the periodic telemetry collector
// described in SPEC_FULL.md §4.9, grounded on
// original_source/piwheels/master/the_architect.py's 60-second
// statistics cycle: it pulls package/version/file/build/download
// rollups from the database, process and disk telemetry from the host,
// and the current per-ABI pending-build count from WorkerRouter, then
// triggers a HOME page rewrite and republishes the same snapshot to any
// connected status-feed subscriber.
//
// the_architect.py is driven by an asyncio periodic task; here the
// equivalent is github.com/robfig/cron/v3, already in the teacher's
// dependency set but unused until now, scheduled with "@every 60s".
package statsaggregator

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/dbworker"
	"github.com/piwheels/master/pkg/observability"
	"github.com/piwheels/master/pkg/transport"
)

// CollectionInterval matches the_architect.py's 60-second cycle.
const CollectionInterval = "@every 60s"

// DBClient is the subset of dbclient.Client the aggregator pulls from.
type DBClient interface {
	GetStats(ctx context.Context) (dbworker.StatisticsRecord, error)
	GetSearch(ctx context.Context) (map[string]dbworker.SearchCounts, error)
}

// HomeNotifier is told a fresh snapshot is ready so the home page gets
// rebuilt with it. *webcoalescer.Coalescer implements this.
type HomeNotifier interface {
	Enqueue(cmd catalog.RewriteCommand, pkg string)
}

// QueueDepther reports the current per-ABI pending-build count.
// *workerrouter.Router implements this.
type QueueDepther interface {
	QueueDepth() map[string]int
}

// Snapshot is one collection cycle's result, published to subscribers
// and used by PageWriter's HOME rewrite indirectly via the database
// rollup it re-reads itself.
type Snapshot struct {
	CollectedAt time.Time

	Packages       int64
	Versions       int64
	Files          int64
	Builds         int64
	BuildsOK       int64
	BuildsFailed   int64
	DownloadsTotal int64

	TopDownloads map[string]int64

	QueueDepth map[string]int

	DiskTotalBytes uint64
	DiskFreeBytes  uint64

	GoRoutines    int
	MemAllocBytes uint64
	Uptime        time.Duration
}

// Config configures an Aggregator.
type Config struct {
	// OutputPath is statfs'd each cycle to report the published tree's
	// filesystem free/total bytes.
	OutputPath string

	// DiskFreeAlertPercent triggers a SLAVE warning when free space on
	// OutputPath's filesystem drops below this percentage. Zero disables
	// the check.
	DiskFreeAlertPercent float64
	// QueueDepthAlertLimit triggers a SLAVE warning when any ABI's
	// pending build count exceeds this. Zero disables the check.
	QueueDepthAlertLimit int

	// DailyRollupCron and WeeklyRollupCron are robfig/cron schedules for
	// the download-count rollup broadcasts. Empty disables each.
	DailyRollupCron  string
	WeeklyRollupCron string
}

// Rollup is one daily or weekly download-count summary, the direct
// generalization of the teacher's pkg/analytics aggregator.go rollup
// rows onto piwheels' single DownloadsTotal counter.
type Rollup struct {
	Period         string // "daily" or "weekly"
	PeriodStart    time.Time
	PeriodEnd      time.Time
	DownloadsDelta int64
}

// Alert is a threshold breach, the generalization of the teacher's
// pkg/analytics.Alerter onto piwheels' disk-free and queue-depth
// thresholds. Broadcast on the status feed with a "SLAVE" message kind,
// mirroring the_architect.py's SLAVE warning prefix for a worker-facing
// condition (disk nearly full, queue backing up) rather than a
// developer-facing one.
type Alert struct {
	Kind        string // "disk_free" or "queue_depth"
	Message     string
	TriggeredAt time.Time
}

// Aggregator runs the periodic collection cycle and serves the external
// status feed subscribed to via RegisterRoutes.
type Aggregator struct {
	logger    *observability.Logger
	db        DBClient
	home      HomeNotifier
	queue     QueueDepther
	outputDir string
	startedAt time.Time
	cfg       Config

	cron *cron.Cron

	mu     sync.RWMutex
	latest Snapshot

	rollupMu         sync.Mutex
	dailyBaseline    int64
	dailyBaselineAt  time.Time
	weeklyBaseline   int64
	weeklyBaselineAt time.Time

	hub *hub

	// alertHook, if set, is called with every Alert in addition to the
	// normal log/broadcast path. Test-only seam.
	alertHook func(Alert)
}

// New constructs an Aggregator. Call Start to begin the collection
// cycle.
func New(logger *observability.Logger, db DBClient, home HomeNotifier, queue QueueDepther, cfg Config) *Aggregator {
	return &Aggregator{
		logger:    logger,
		db:        db,
		home:      home,
		queue:     queue,
		outputDir: cfg.OutputPath,
		startedAt: time.Now(),
		cfg:       cfg,
		cron:      cron.New(),
		hub:       newHub(),
	}
}

// Start schedules the collection cycle. It runs one collection
// immediately so the first status feed subscriber doesn't see a zero
// snapshot.
func (a *Aggregator) Start(ctx context.Context) error {
	a.collect(ctx)
	a.dailyBaseline, a.dailyBaselineAt = a.latest.DownloadsTotal, time.Now()
	a.weeklyBaseline, a.weeklyBaselineAt = a.latest.DownloadsTotal, time.Now()

	if _, err := a.cron.AddFunc(CollectionInterval, func() { a.collect(context.Background()) }); err != nil {
		return err
	}
	if a.cfg.DailyRollupCron != "" {
		if _, err := a.cron.AddFunc(a.cfg.DailyRollupCron, func() { a.rollup("daily") }); err != nil {
			return fmt.Errorf("statsaggregator: invalid daily rollup schedule: %w", err)
		}
	}
	if a.cfg.WeeklyRollupCron != "" {
		if _, err := a.cron.AddFunc(a.cfg.WeeklyRollupCron, func() { a.rollup("weekly") }); err != nil {
			return fmt.Errorf("statsaggregator: invalid weekly rollup schedule: %w", err)
		}
	}
	a.cron.Start()
	return nil
}

// rollup publishes a daily or weekly download-count delta and resets
// that period's baseline, the direct generalization of the teacher's
// pkg/analytics aggregator.go periodic rollup onto piwheels' single
// DownloadsTotal counter.
func (a *Aggregator) rollup(period string) {
	a.rollupMu.Lock()
	defer a.rollupMu.Unlock()

	current := a.Latest().DownloadsTotal
	now := time.Now()

	var baseline int64
	var since time.Time
	switch period {
	case "daily":
		baseline, since = a.dailyBaseline, a.dailyBaselineAt
		a.dailyBaseline, a.dailyBaselineAt = current, now
	case "weekly":
		baseline, since = a.weeklyBaseline, a.weeklyBaselineAt
		a.weeklyBaseline, a.weeklyBaselineAt = current, now
	default:
		return
	}

	r := Rollup{Period: period, PeriodStart: since, PeriodEnd: now, DownloadsDelta: current - baseline}
	a.logger.WithField("period", period).WithField("downloads", r.DownloadsDelta).Info("statsaggregator: rollup")
	a.hub.broadcast(transport.Envelope{Msg: "ROLLUP", Data: r})
}

// Stop halts the collection cycle, waiting (bounded by ctx) for any
// in-flight run to finish.
func (a *Aggregator) Stop(ctx context.Context) error {
	select {
	case <-a.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the most recently collected Snapshot.
func (a *Aggregator) Latest() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

func (a *Aggregator) collect(ctx context.Context) {
	snap := Snapshot{CollectedAt: time.Now(), Uptime: time.Since(a.startedAt)}

	if stats, err := a.db.GetStats(ctx); err != nil {
		a.logger.WithError(err).Warn("statsaggregator: GetStats failed")
	} else {
		snap.Packages = stats.Packages
		snap.Versions = stats.Versions
		snap.Files = stats.Files
		snap.Builds = stats.Builds
		snap.BuildsOK = stats.BuildsOK
		snap.BuildsFailed = stats.BuildsFailed
		snap.DownloadsTotal = stats.DownloadsTotal
	}

	if search, err := a.db.GetSearch(ctx); err != nil {
		a.logger.WithError(err).Warn("statsaggregator: GetSearch failed")
	} else {
		top := make(map[string]int64, len(search))
		for pkg, counts := range search {
			top[pkg] = counts.All
		}
		snap.TopDownloads = top
	}

	if a.queue != nil {
		snap.QueueDepth = a.queue.QueueDepth()
	}

	if a.outputDir != "" {
		var fs syscall.Statfs_t
		if err := syscall.Statfs(a.outputDir, &fs); err != nil {
			a.logger.WithError(err).Warn("statsaggregator: statfs failed")
		} else {
			snap.DiskTotalBytes = fs.Blocks * uint64(fs.Bsize)
			snap.DiskFreeBytes = fs.Bavail * uint64(fs.Bsize)
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.GoRoutines = runtime.NumGoroutine()
	snap.MemAllocBytes = mem.Alloc

	a.mu.Lock()
	a.latest = snap
	a.mu.Unlock()

	if a.home != nil {
		a.home.Enqueue(catalog.RewriteHome, "")
	}
	a.hub.broadcast(transport.Envelope{Msg: "STATS", Data: snap})

	a.checkAlerts(snap)
}

// checkAlerts generalizes the teacher's pkg/analytics.Alerter threshold
// checks onto piwheels' two operational signals: running low on output
// tree disk space, and a per-ABI build queue that isn't draining.
func (a *Aggregator) checkAlerts(snap Snapshot) {
	if a.cfg.DiskFreeAlertPercent > 0 && snap.DiskTotalBytes > 0 {
		freePercent := float64(snap.DiskFreeBytes) / float64(snap.DiskTotalBytes) * 100
		if freePercent < a.cfg.DiskFreeAlertPercent {
			a.alert(Alert{
				Kind:        "disk_free",
				Message:     fmt.Sprintf("output tree free space at %.1f%%, below %.1f%% threshold", freePercent, a.cfg.DiskFreeAlertPercent),
				TriggeredAt: time.Now(),
			})
		}
	}

	if a.cfg.QueueDepthAlertLimit > 0 {
		for abi, depth := range snap.QueueDepth {
			if depth > a.cfg.QueueDepthAlertLimit {
				a.alert(Alert{
					Kind:        "queue_depth",
					Message:     fmt.Sprintf("ABI %s queue depth %d exceeds %d", abi, depth, a.cfg.QueueDepthAlertLimit),
					TriggeredAt: time.Now(),
				})
			}
		}
	}
}

func (a *Aggregator) alert(al Alert) {
	a.logger.WithField("kind", al.Kind).Warn(al.Message)
	a.hub.broadcast(transport.Envelope{Msg: "SLAVE", Data: al})
	if a.alertHook != nil {
		a.alertHook(al)
	}
}

// RegisterRoutes exposes the external status feed as a websocket
// endpoint, mirroring original_source/piwheels/master/the_architect.py's
// status PUB socket: any connected subscriber receives every future
// STATS broadcast.
func (a *Aggregator) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
}

func (a *Aggregator) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, statusProtocol)
	if err != nil {
		a.logger.WithError(err).Warn("statsaggregator: status subscribe failed")
		return
	}
	a.hub.register(conn)
	defer a.hub.unregister(conn)

	if err := conn.Send(transport.Envelope{Msg: "STATS", Data: a.Latest()}); err != nil {
		return
	}
	for {
		if _, err := conn.Recv(); err != nil {
			return
		}
	}
}

// statusProtocol validates the outbound messages this feed ever sends
// (the 60-second STATS snapshot, periodic ROLLUP summaries, and SLAVE
// threshold alerts); it has no inbound messages worth naming since
// subscribers never talk back.
var statusProtocol = transport.NewProtocol("status").
	On("STATS", nil).
	On("ROLLUP", nil).
	On("SLAVE", nil)

// hub fans STATS broadcasts out to every currently-subscribed status
// feed connection.
type hub struct {
	mu    sync.Mutex
	conns map[*transport.WSConn]struct{}
}

func newHub() *hub { return &hub{conns: make(map[*transport.WSConn]struct{})} }

func (h *hub) register(c *transport.WSConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *hub) unregister(c *transport.WSConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	c.Close()
}

func (h *hub) broadcast(env transport.Envelope) {
	h.mu.Lock()
	conns := make([]*transport.WSConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Send(env)
	}
}
