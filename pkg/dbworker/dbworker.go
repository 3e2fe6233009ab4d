// Package dbworker implements the Oracle: the single-writer-serialized
// database execution context described in SPEC_FULL.md §4.3. Each Worker
// owns exactly one *sql.DB connection (SetMaxOpenConns(1)), generalizing
// the teacher's ConnectionManager (pkg/storage/postgres/connection.go,
// now deleted) from "one primary plus round-robin replicas shared by all
// callers" into "N independent single-connection workers, fronted by a
// least-recently-used router" (pkg/dbgateway). Every write this process
// makes goes through exactly one of these connections, so Postgres never
// sees cross-statement write concurrency from this process.
package dbworker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/observability"
)

// Request is one DbWorker menu operation: a message name plus an opaque
// payload, and a channel the caller will read exactly one Response from.
type Request struct {
	Op      string
	Payload any
	Reply   chan Response
}

// Response is OK(result) or ERROR(message), matching §4.3's menu contract.
type Response struct {
	Result any
	Err    error
}

// Worker is one single-connection execution context. It is NonStop in
// taskruntime terms: pausing DB writers would stall every other task's
// progress, so it is deliberately excluded from the Supervisor's
// pause/resume fan-out (§4.1 "NonStop... used for correctness-critical
// tasks that must continue").
type Worker struct {
	id     string
	db     *sql.DB
	logger *observability.Logger
}

// Open connects one single-connection Worker. dsn is a lib/pq connection
// string.
func Open(ctx context.Context, id, dsn string, logger *observability.Logger) (*Worker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbworker %s: open: %w", id, err)
	}
	// Exactly one physical connection: this Worker IS the serialization
	// boundary, not a pool competing with its siblings for it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbworker %s: ping: %w", id, err)
	}

	return &Worker{id: id, db: db, logger: logger.WithField("worker_id", id)}, nil
}

// WrapDB builds a Worker around an already-open *sql.DB, for tests that
// inject a go-sqlmock connection rather than dialing Postgres.
func WrapDB(id string, db *sql.DB, logger *observability.Logger) *Worker {
	return &Worker{id: id, db: db, logger: logger.WithField("worker_id", id)}
}

// ID returns the worker's identity, used by DbGateway's readiness
// registration.
func (w *Worker) ID() string { return w.id }

// Close releases the underlying connection.
func (w *Worker) Close() error { return w.db.Close() }

// Ping reports whether the connection is alive, backing the health
// checker registered with observability.HealthChecker.
func (w *Worker) Ping(ctx context.Context) error { return w.db.PingContext(ctx) }

// Handle executes one Request and sends its Response. Every operation
// runs inside its own transaction (§4.3: "Operations are atomic at the
// transaction level"); handlers never span multiple requests.
func (w *Worker) Handle(ctx context.Context, req Request) {
	result, err := w.dispatch(ctx, req.Op, req.Payload)
	if err != nil {
		w.logger.WithError(err).WithField("op", req.Op).Error("dbworker request failed")
	}
	req.Reply <- Response{Result: result, Err: err}
}

func (w *Worker) dispatch(ctx context.Context, op string, payload any) (any, error) {
	switch op {
	case "ALLPKGS":
		return w.allPackages(ctx)
	case "ALLVERS":
		return w.allVersions(ctx)
	case "NEWPKG":
		p, ok := payload.(catalog.Package)
		if !ok {
			return nil, fmt.Errorf("NEWPKG: bad payload type %T", payload)
		}
		return w.newPackage(ctx, p)
	case "NEWVER":
		v, ok := payload.(catalog.Version)
		if !ok {
			return nil, fmt.Errorf("NEWVER: bad payload type %T", payload)
		}
		return w.newVersion(ctx, v)
	case "SKIPPKG":
		a, ok := payload.(SkipPkgArgs)
		if !ok {
			return nil, fmt.Errorf("SKIPPKG: bad payload type %T", payload)
		}
		return nil, w.skipPackage(ctx, a.Package, a.Reason)
	case "SKIPVER":
		a, ok := payload.(SkipVerArgs)
		if !ok {
			return nil, fmt.Errorf("SKIPVER: bad payload type %T", payload)
		}
		return nil, w.skipVersion(ctx, a.Package, a.Version, a.Reason)
	case "GETSKIP":
		a, ok := payload.(VerKey)
		if !ok {
			return nil, fmt.Errorf("GETSKIP: bad payload type %T", payload)
		}
		return w.getSkip(ctx, a.Package, a.Version)
	case "DELPKG":
		name, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("DELPKG: bad payload type %T", payload)
		}
		return nil, w.deletePackage(ctx, name)
	case "DELVER":
		a, ok := payload.(VerKey)
		if !ok {
			return nil, fmt.Errorf("DELVER: bad payload type %T", payload)
		}
		return nil, w.deleteVersion(ctx, a.Package, a.Version)
	case "YANKVER":
		a, ok := payload.(VerKey)
		if !ok {
			return nil, fmt.Errorf("YANKVER: bad payload type %T", payload)
		}
		return nil, w.setYank(ctx, a.Package, a.Version, true)
	case "SETYANK":
		a, ok := payload.(YankArgs)
		if !ok {
			return nil, fmt.Errorf("SETYANK: bad payload type %T", payload)
		}
		return nil, w.setYank(ctx, a.Package, a.Version, a.Yanked)
	case "LOGBUILD":
		b, ok := payload.(catalog.Build)
		if !ok {
			return nil, fmt.Errorf("LOGBUILD: bad payload type %T", payload)
		}
		return w.logBuild(ctx, b)
	case "LOGFILE":
		f, ok := payload.(catalog.File)
		if !ok {
			return nil, fmt.Errorf("LOGFILE: bad payload type %T", payload)
		}
		return nil, w.logFile(ctx, f)
	case "LOGACCESS":
		e, ok := payload.(catalog.AccessEvent)
		if !ok {
			return nil, fmt.Errorf("LOGACCESS: bad payload type %T", payload)
		}
		return nil, w.logAccess(ctx, e)
	case "PROJFILES":
		name, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("PROJFILES: bad payload type %T", payload)
		}
		return w.projectFiles(ctx, name)
	case "PROJVERS":
		name, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("PROJVERS: bad payload type %T", payload)
		}
		return w.projectVersions(ctx, name)
	case "FILEDEPS":
		filename, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("FILEDEPS: bad payload type %T", payload)
		}
		return w.fileDeps(ctx, filename)
	case "GETSTATS":
		return w.getStats(ctx)
	case "GETSEARCH":
		return w.getSearch(ctx)
	case "GETPYPI":
		return w.getPyPISerial(ctx)
	case "SETPYPI":
		serial, ok := payload.(int64)
		if !ok {
			return nil, fmt.Errorf("SETPYPI: bad payload type %T", payload)
		}
		return nil, w.setPyPISerial(ctx, serial)
	case "SAVEREWRITES":
		pending, ok := payload.([]catalog.RewritePending)
		if !ok {
			return nil, fmt.Errorf("SAVEREWRITES: bad payload type %T", payload)
		}
		return nil, w.saveRewrites(ctx, pending)
	case "LOADREWRITES":
		return w.loadRewrites(ctx)
	default:
		return nil, fmt.Errorf("dbworker: unknown operation %q", op)
	}
}

// SkipPkgArgs is the SKIPPKG payload.
type SkipPkgArgs struct {
	Package string
	Reason  string
}

// SkipVerArgs is the SKIPVER payload.
type SkipVerArgs struct {
	Package, Version, Reason string
}

// VerKey identifies one (package, version) pair, used by GETSKIP, DELVER,
// and YANKVER.
type VerKey struct {
	Package, Version string
}

// YankArgs is the SETYANK payload, letting AdminEndpoint's REMVER/ADDVER
// unyank a version as well as yank it.
type YankArgs struct {
	Package, Version string
	Yanked           bool
}
