// Command piwheels-master is the build-farm orchestrator: it wires every
// task and service described in SPEC_FULL.md §4 into one process,
// following the teacher's cmd/spoke/main.go shape (load config, build the
// observability stack, construct each component in dependency order,
// start background work, then block for a shutdown signal).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/piwheels/master/pkg/adminendpoint"
	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/config"
	"github.com/piwheels/master/pkg/dbclient"
	"github.com/piwheels/master/pkg/dbgateway"
	"github.com/piwheels/master/pkg/dbworker"
	"github.com/piwheels/master/pkg/fileserver"
	"github.com/piwheels/master/pkg/indexpoller"
	"github.com/piwheels/master/pkg/logingest"
	"github.com/piwheels/master/pkg/observability"
	"github.com/piwheels/master/pkg/pagewriter"
	"github.com/piwheels/master/pkg/queuebuilder"
	"github.com/piwheels/master/pkg/statsaggregator"
	"github.com/piwheels/master/pkg/supervisor"
	"github.com/piwheels/master/pkg/taskruntime"
	"github.com/piwheels/master/pkg/webcoalescer"
	"github.com/piwheels/master/pkg/workerrouter"
)

// serviceFunc adapts a plain shutdown function to supervisor.Service,
// used for the handful of components (raw *sql.DB handles, dbworker.Worker
// connections) that are just a Close with no richer lifecycle.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Stop(ctx context.Context) error { return f(ctx) }

// masterDBClient is the union of every component's narrow DBClient/
// FileLogger interface, satisfied by both *dbclient.Client and, when the
// read-through Redis cache is enabled, *dbclient.CachingClient. Holding
// one variable of this type lets every constructor below keep declaring
// its own minimal interface while main.go decides once, in one place,
// whether reads go straight to DbGateway or through Redis first.
type masterDBClient interface {
	AllPackages(ctx context.Context) (map[string]bool, error)
	ProjectFiles(ctx context.Context, pkg string) ([]catalog.File, error)
	ProjectVersions(ctx context.Context, pkg string) ([]catalog.Version, error)
	GetStats(ctx context.Context) (dbworker.StatisticsRecord, error)
	GetSearch(ctx context.Context) (map[string]dbworker.SearchCounts, error)
	NewPackage(ctx context.Context, p catalog.Package) (bool, error)
	NewVersion(ctx context.Context, v catalog.Version) (bool, error)
	SkipPackage(ctx context.Context, pkg, reason string) error
	SkipVersion(ctx context.Context, pkg, version, reason string) error
	GetSkip(ctx context.Context, pkg, version string) (string, error)
	DeletePackage(ctx context.Context, pkg string) error
	DeleteVersion(ctx context.Context, pkg, version string) error
	YankVersion(ctx context.Context, pkg, version string) error
	SetYank(ctx context.Context, pkg, version string, yanked bool) error
	LogBuild(ctx context.Context, b catalog.Build) (int64, error)
	LogFile(ctx context.Context, f catalog.File) error
	LogAccessEvent(ctx context.Context, e catalog.AccessEvent) error
	GetPyPISerial(ctx context.Context) (int64, error)
	SetPyPISerial(ctx context.Context, serial int64) error
	SaveRewrites(ctx context.Context, pending []catalog.RewritePending) error
	LoadRewrites(ctx context.Context) ([]catalog.RewritePending, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting piwheels-master")

	ctx := context.Background()
	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize OpenTelemetry, continuing without it")
		}
	}

	sup := supervisor.New(logger)

	// DbWorker pool: one single-connection Worker per configured slot,
	// fronted by the Seraph (dbgateway.Gateway) least-recently-used
	// balancer.
	gateway := dbgateway.New()
	var firstWorker *dbworker.Worker
	for i := 0; i < cfg.DBWorkers; i++ {
		id := fmt.Sprintf("dbworker-%d", i)
		w, err := dbworker.Open(ctx, id, cfg.DSN, logger)
		if err != nil {
			log.Fatalf("failed to open %s: %v", id, err)
		}
		if firstWorker == nil {
			firstWorker = w
		}
		gateway.Register(w)
		sup.RegisterService(id, serviceFunc(func(context.Context) error { return w.Close() }))
		logger.WithField("worker_id", id).Info("dbworker connected")
	}
	if err := firstWorker.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	rawClient := dbclient.New(gateway, 10*time.Second)
	var dbClient masterDBClient = rawClient
	var cacheClient *dbclient.CachingClient
	if cfg.CacheEnabled {
		cc, err := dbclient.NewCaching(rawClient, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.WithError(err).Warn("failed to initialize Redis read-through cache, reading straight from DbGateway")
		} else {
			dbClient = cc
			cacheClient = cc
			sup.RegisterService("dbcache", serviceFunc(func(context.Context) error { return cc.Close() }))
			logger.Info("redis read-through cache enabled for ALLPKGS/GETSTATS/GETSEARCH")
		}
	}

	// QueueBuilder needs its own direct, cancellable connection: a
	// DbWorker round-trip would pin a write-serialized connection for the
	// length of the pending-build query (§4.5).
	queueDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		log.Fatalf("failed to open queuebuilder connection: %v", err)
	}
	sup.RegisterService("queuebuilder-db", serviceFunc(func(context.Context) error { return queueDB.Close() }))

	// PageWriter and WebCoalescer: PageWriter renders into the output
	// tree, WebCoalescer buffers and collapses the rewrite requests that
	// drive it.
	pageWriter := pagewriter.New(logger, dbClient, pagewriter.Config{OutputRoot: cfg.OutputRoot})
	if err := pageWriter.EnsureTree(ctx); err != nil {
		log.Fatalf("failed to prepare output tree: %v", err)
	}
	coalescer := webcoalescer.New(logger, dbClient, pageWriter, webcoalescer.Config{HoldInterval: cfg.HoldInterval})
	if err := coalescer.LoadBacklog(ctx); err != nil {
		logger.WithError(err).Warn("failed to load rewrite backlog, starting empty")
	}
	coalescerTask := taskruntime.New("webcoalescer", &taskruntime.Pauseable{}, sup.OnFatal)
	coalescerTask.Every(5*time.Second, coalescer.Sweep)
	taskruntime.Go(coalescerTask)
	sup.RegisterTask("webcoalescer", coalescerTask)
	sup.RegisterService("webcoalescer-backlog", serviceFunc(coalescer.SaveBacklog))

	// WorkerRouter and FileServer. Each depends on the other (Router hands
	// TRANSFER off to FileServer; FileServer calls back into Router once a
	// build is logged), so FileServer is constructed behind a proxy set
	// once both exist. Router's own Notifier is wrapped so that every
	// catalog change also releases that package's cool-down, letting a
	// new release or rebuild request clear a prior failure immediately.
	filesProxy := &fileReceiverProxy{}
	notifierProxy := &catalogNotifier{coalescer: coalescer, cache: cacheClient}
	router := workerrouter.New(logger, filesProxy, notifierProxy)
	notifierProxy.router = router

	var archiver fileserver.LogArchiver
	if cfg.S3Bucket != "" {
		a, err := fileserver.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Region, "build-logs")
		if err != nil {
			logger.WithError(err).Warn("failed to initialize S3 build-log archiver, disabling it")
		} else {
			archiver = a
		}
	}
	fileServer := fileserver.New(logger, dbClient, router, fileserver.Config{
		OutputRoot: cfg.OutputRoot,
		ChunkSize:  cfg.ChunkSize,
		Credit:     cfg.Credit,
		Archiver:   archiver,
	})
	filesProxy.target = fileServer

	workerServer := workerrouter.NewServer(logger, router, workerrouter.ServerConfig{
		ListenAddr:       cfg.WorkerAddr,
		DefaultTimeout:   cfg.HeartbeatTTL,
		UpstreamIndexURL: cfg.IndexURL,
	})
	workerServer.Task().Every(cfg.HeartbeatTTL, router.SweepExpired)
	if err := workerServer.Start(ctx); err != nil {
		log.Fatalf("failed to start worker endpoint: %v", err)
	}
	sup.Register("workerrouter", workerServer.Task(), workerServer)

	// QueueBuilder refreshes the per-ABI pending-build queue on its own
	// ticker, publishing into Router.
	queueBuilder := queuebuilder.New(queueDB, cfg.ABIs, router)
	queueTask := taskruntime.New("queuebuilder", &taskruntime.Pausing{}, sup.OnFatal)
	queueTask.Every(30*time.Second, func() {
		refreshCtx, cancel := context.WithTimeout(queueTask.Context(), 20*time.Second)
		defer cancel()
		if err := queueBuilder.Refresh(refreshCtx); err != nil {
			logger.WithError(err).Warn("queuebuilder: refresh failed")
		}
	})
	taskruntime.Go(queueTask)
	sup.RegisterTask("queuebuilder", queueTask)

	// IndexPoller ingests the upstream event log on its own ticker.
	fetcher := indexpoller.NewHTTPFetcher(nil, cfg.IndexURL+"events?since=%d", cfg.IndexURL)
	poller, err := indexpoller.New(fetcher, dbClient, notifierProxy, logger, indexpoller.Config{
		EpochSerial:   cfg.EpochSerial,
		DedupCapacity: cfg.DedupCacheLen,
	})
	if err != nil {
		log.Fatalf("failed to construct indexpoller: %v", err)
	}
	pollerTask := taskruntime.New("indexpoller", &taskruntime.Pausing{}, sup.OnFatal)
	pollerTask.Every(cfg.IndexPeriod, func() { poller.Poll(pollerTask.Context()) })
	taskruntime.Go(pollerTask)
	sup.RegisterTask("indexpoller", pollerTask)

	// StatsAggregator: periodic rollups, feeding PageWriter's HOME rewrite
	// and the external status feed.
	stats := statsaggregator.New(logger, dbClient, coalescer, router, statsaggregator.Config{
		OutputPath:           cfg.OutputRoot,
		DiskFreeAlertPercent: cfg.DiskFreeAlertPercent,
		QueueDepthAlertLimit: cfg.QueueDepthAlertLimit,
		DailyRollupCron:      cfg.DailyRollupAt,
		WeeklyRollupCron:     cfg.WeeklyRollupAt,
	})
	if err := stats.Start(ctx); err != nil {
		log.Fatalf("failed to start statsaggregator: %v", err)
	}
	sup.RegisterService("statsaggregator", stats)

	// LogIngest: the access-log relay fed by the (out-of-scope) HTTP
	// front end's log shippers.
	ingest := logingest.New(logger, dbClient, logingest.Config{
		SocketPath:  cfg.LogIngestSocket,
		LogFilePath: cfg.AccessLogPath,
		MaxSizeMB:   cfg.AccessLogMaxSizeMB,
		MaxBackups:  cfg.AccessLogMaxBackups,
		MaxAgeDays:  cfg.AccessLogMaxAgeDays,
	})
	if err := ingest.Start(ctx); err != nil {
		log.Fatalf("failed to start logingest: %v", err)
	}
	sup.RegisterService("logingest", ingest)

	// AdminEndpoint: the Unix-socket IPC surface for piwheels-admin.
	admin := adminendpoint.New(logger, dbClient, coalescer, notifierProxy, adminendpoint.Config{SocketPath: cfg.AdminSocket})
	if err := admin.Start(ctx); err != nil {
		log.Fatalf("failed to start adminendpoint: %v", err)
	}
	sup.RegisterService("adminendpoint", admin)

	// Health and metrics, exposed on a dedicated mux the way the teacher
	// separates its health server from the main API listener.
	var redisHandle *redis.Client
	if cacheClient != nil {
		redisHandle = cacheClient.RedisHandle()
	}
	healthChecker := observability.NewHealthChecker(queueDB, redisHandle)
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)
	if cfg.Observability.MetricsEnabled {
		registry := prometheus.NewRegistry()
		observability.NewMetrics(registry)
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{Addr: ":8081", Handler: healthMux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server stopped serving")
		}
	}()
	sup.RegisterService("health-server", serviceFunc(healthServer.Shutdown))

	if otelProviders != nil {
		sup.RegisterService("otel", serviceFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		}))
	}

	logger.Info("piwheels-master started, waiting for shutdown signal")
	if err := sup.WaitForSignal(cfg.ShutdownTimeout); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("piwheels-master shutdown complete")
}

// fileReceiverProxy breaks the constructor cycle between WorkerRouter
// (which needs a FileReceiver at construction) and FileServer (which
// needs the Router as its Idler): Router is built first against the
// proxy, FileServer is built against Router, and the proxy's target is
// set before either is started.
type fileReceiverProxy struct {
	target workerrouter.FileReceiver
}

func (p *fileReceiverProxy) ReceiveFiles(w *workerrouter.Worker, report workerrouter.BuildReport) {
	p.target.ReceiveFiles(w, report)
}

// catalogNotifier fans a single catalog-change event out to WebCoalescer
// (which schedules the page rewrite), WorkerRouter (which releases that
// package's build cool-down), and the Redis read-through cache (which
// must drop ALLPKGS/GETSTATS/GETSEARCH so the next read doesn't serve a
// stale set). router is back-filled once constructed, mirroring
// fileReceiverProxy's cycle-breaking shape. cache is nil unless
// PIWHEELS_CACHE_ENABLED is set.
type catalogNotifier struct {
	coalescer *webcoalescer.Coalescer
	router    *workerrouter.Router
	cache     *dbclient.CachingClient
}

func (n *catalogNotifier) NotifyPackageChanged(pkg string) {
	n.coalescer.NotifyPackageChanged(pkg)
	if n.router != nil {
		n.router.ClearPackage(pkg)
	}
	if n.cache != nil {
		n.cache.InvalidateCatalog(context.Background())
	}
}
