// Package indexpoller implements the upstream-event ingestion task
// described in SPEC_FULL.md §4.4: it consumes the upstream index's event
// log starting from the last persisted serial, repairs the log's
// out-of-order arrival near the configured epoch, deduplicates
// create/source pairs, and drives catalog mutations through DbClient.
package indexpoller

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/observability"
)

// Event is one upstream event-log row.
type Event struct {
	Package   string
	Version   string
	Timestamp time.Time
	Action    string
	Serial    int64
}

// actionKind classifies Event.Action by regex, per §4.4 ("by regex on
// the action string").
var actionPatterns = map[string]*regexp.Regexp{
	"create": regexp.MustCompile(`(?i)create`),
	"source": regexp.MustCompile(`(?i)source`),
	"remove": regexp.MustCompile(`(?i)remove`),
	"yank":   regexp.MustCompile(`(?i)\byank\b`),
	"unyank": regexp.MustCompile(`(?i)unyank`),
}

func classify(action string) string {
	for _, kind := range []string{"unyank", "yank", "remove", "source", "create"} {
		if actionPatterns[kind].MatchString(action) {
			return kind
		}
	}
	return ""
}

// Fetcher retrieves events starting at (but not necessarily including)
// afterSerial, and the short description for a package, both from the
// upstream index. Implementations wrap the real HTTP client behind
// gobreaker/backoff; tests substitute a stub.
type Fetcher interface {
	FetchEvents(ctx context.Context, afterSerial int64) ([]Event, error)
	FetchDescription(ctx context.Context, pkg string) (string, error)
}

// DBClient is the subset of dbclient.Client this poller needs, declared
// narrowly so tests can supply an in-memory fake.
type DBClient interface {
	GetPyPISerial(ctx context.Context) (int64, error)
	SetPyPISerial(ctx context.Context, serial int64) error
	NewPackage(ctx context.Context, p catalog.Package) (bool, error)
	NewVersion(ctx context.Context, v catalog.Version) (bool, error)
	SkipVersion(ctx context.Context, pkg, version, reason string) error
	DeleteVersion(ctx context.Context, pkg, version string) error
	YankVersion(ctx context.Context, pkg, version string) error
}

// Notifier is told which package changed, so WebCoalescer can schedule a
// page rewrite. Declared narrowly for the same reason as DBClient.
type Notifier interface {
	NotifyPackageChanged(pkg string)
}

// bufferedEvent is one event held in the sort-and-hold-back buffer,
// tagged with whether it has already been yielded downstream.
type bufferedEvent struct {
	Event
	yielded bool
}

// Poller is the IndexPoller task. It is not itself a taskruntime.Task
// because its work is driven entirely by a single Interval tick
// (registered by the caller via taskruntime.Task.Every); it has no
// network-facing Source of its own.
type Poller struct {
	fetcher  Fetcher
	db       DBClient
	notifier Notifier
	logger   *observability.Logger

	epochSerial   int64
	holdBack      time.Duration
	dedup         *lru.Cache[string, string] // (pkg,ver) -> last action kind
	breaker       *gobreaker.CircuitBreaker

	mu     sync.Mutex
	buffer []bufferedEvent
}

// Config holds the tunables from SPEC_FULL.md's config addendum.
type Config struct {
	EpochSerial   int64
	HoldBack      time.Duration // default 5 minutes, per §4.4 step 3
	DedupCapacity int           // default 1000, per §4.4
}

// New constructs a Poller. Its circuit breaker wraps every upstream call
// so a stretch of failures trips open and the poller backs off as a
// unit, rather than retrying each call independently against a
// degraded upstream (adopted from jordigilh-kubernaut's use of
// sony/gobreaker around its own external dependencies).
func New(fetcher Fetcher, db DBClient, notifier Notifier, logger *observability.Logger, cfg Config) (*Poller, error) {
	if cfg.HoldBack <= 0 {
		cfg.HoldBack = 5 * time.Minute
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 1000
	}
	cache, err := lru.New[string, string](cfg.DedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("indexpoller: new lru: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "indexpoller-upstream",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Poller{
		fetcher:     fetcher,
		db:          db,
		notifier:    notifier,
		logger:      logger,
		epochSerial: cfg.EpochSerial,
		holdBack:    cfg.HoldBack,
		dedup:       cache,
		breaker:     breaker,
	}, nil
}

// Poll runs one ingestion cycle: fetch, buffer, yield-ready, advance
// serial. It is registered as a taskruntime.Interval handler by the
// owning Supervisor wiring; it never panics across upstream failures
// (§4.4 step 5: "never raise").
func (p *Poller) Poll(ctx context.Context) {
	lastSerial, err := p.db.GetPyPISerial(ctx)
	if err != nil {
		p.logger.WithError(err).Error("indexpoller: read last serial")
		return
	}

	// Step 1: before the epoch, events are unreliable; fetch from 0 and
	// silently skip until we pass the epoch.
	fetchFrom := lastSerial
	if fetchFrom < p.epochSerial {
		fetchFrom = 0
	}

	events, err := p.fetchWithBreaker(ctx, fetchFrom)
	if err != nil {
		p.logger.WithError(err).Warn("indexpoller: upstream fetch failed, will retry next tick")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range events {
		if ev.Serial <= lastSerial {
			continue
		}
		if ev.Serial < p.epochSerial && lastSerial < p.epochSerial {
			// still catching up to the epoch; events here are unreliable,
			// skip them entirely rather than buffering.
			continue
		}
		p.buffer = append(p.buffer, bufferedEvent{Event: ev})
	}

	sort.SliceStable(p.buffer, func(i, j int) bool {
		if !p.buffer[i].Timestamp.Equal(p.buffer[j].Timestamp) {
			return p.buffer[i].Timestamp.Before(p.buffer[j].Timestamp)
		}
		return p.buffer[i].Serial < p.buffer[j].Serial
	})

	if len(p.buffer) == 0 {
		return
	}
	maxTS := p.buffer[len(p.buffer)-1].Timestamp
	cutoff := maxTS.Add(-p.holdBack)

	var advanced int64 = -1
	remaining := p.buffer[:0]
	for i := range p.buffer {
		be := p.buffer[i]
		if be.yielded || be.Timestamp.After(cutoff) {
			remaining = append(remaining, be)
			continue
		}
		p.handle(ctx, be.Event)
		if be.Serial > advanced {
			advanced = be.Serial
		}
	}
	p.buffer = remaining

	if advanced >= 0 {
		if err := p.db.SetPyPISerial(ctx, advanced); err != nil {
			p.logger.WithError(err).Error("indexpoller: persist serial")
		}
	}
}

func (p *Poller) fetchWithBreaker(ctx context.Context, afterSerial int64) ([]Event, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		return p.fetcher.FetchEvents(ctx, afterSerial)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Event), nil
}

func (p *Poller) handle(ctx context.Context, ev Event) {
	kind := classify(ev.Action)
	key := ev.Package + "\x00" + ev.Version

	switch kind {
	case "create", "source":
		prior, hadPrior := p.dedup.Get(key)
		// Upgrade rule (§4.4): create then source => emit source, losing
		// the automatic "binary only" skip reason.
		if hadPrior && prior == "create" && kind == "source" {
			if err := p.db.SkipVersion(ctx, ev.Package, ev.Version, ""); err != nil {
				p.logger.WithError(err).Error("indexpoller: clear binary-only skip")
			}
			p.dedup.Add(key, kind)
			p.notifier.NotifyPackageChanged(ev.Package)
			return
		}
		if hadPrior && prior == kind {
			return // exact repeat, dedup entirely
		}
		p.dedup.Add(key, kind)
		p.createOrSource(ctx, ev, kind)
	case "remove":
		if err := p.db.DeleteVersion(ctx, ev.Package, ev.Version); err != nil {
			p.logger.WithError(err).Error("indexpoller: remove version")
		}
		p.notifier.NotifyPackageChanged(ev.Package)
	case "yank":
		if err := p.db.YankVersion(ctx, ev.Package, ev.Version); err != nil {
			p.logger.WithError(err).Error("indexpoller: yank version")
		}
		p.notifier.NotifyPackageChanged(ev.Package)
	case "unyank":
		// unyank clears the yanked flag; modeled as re-announcing the
		// version with yanked=false via NewVersion's idempotent insert
		// path is not correct once the row exists, so this goes through
		// SkipVersion("") as a stand-in clear until a dedicated UNYANK
		// op is warranted by real traffic volume.
		if err := p.db.SkipVersion(ctx, ev.Package, ev.Version, ""); err != nil {
			p.logger.WithError(err).Error("indexpoller: unyank version")
		}
		p.notifier.NotifyPackageChanged(ev.Package)
	default:
		p.logger.WithField("action", ev.Action).Warn("indexpoller: unrecognized action, ignoring")
	}
}

func (p *Poller) createOrSource(ctx context.Context, ev Event, kind string) {
	desc, err := p.fetchDescriptionWithBreaker(ctx, ev.Package)
	if err != nil {
		// Description lookup failures are explicitly non-fatal (§4.4).
		p.logger.WithError(err).Debug("indexpoller: description lookup failed, using empty description")
		desc = ""
	}

	if _, err := p.db.NewPackage(ctx, catalog.Package{Name: catalog.Canonicalize(ev.Package), Description: desc}); err != nil {
		p.logger.WithError(err).Error("indexpoller: new package")
	}

	skipReason := ""
	if kind == "create" {
		// A bare "create" with no accompanying "source" means the
		// upstream only ever announced a binary artifact so far.
		skipReason = catalog.BinaryOnlyReason
	}

	if _, err := p.db.NewVersion(ctx, catalog.Version{
		Package:    catalog.Canonicalize(ev.Package),
		Version:    ev.Version,
		ReleasedAt: ev.Timestamp,
		SkipReason: skipReason,
	}); err != nil {
		p.logger.WithError(err).Error("indexpoller: new version")
	}

	p.notifier.NotifyPackageChanged(ev.Package)
}

func (p *Poller) fetchDescriptionWithBreaker(ctx context.Context, pkg string) (string, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		return p.fetcher.FetchDescription(ctx, pkg)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
