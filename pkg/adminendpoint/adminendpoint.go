// Package adminendpoint implements the §4.10 administrator command
// surface: ADDPKG, ADDVER, REMPKG, REMVER, REBUILD, and IMPORT, each
// replying DONE(kind) or ERROR(code). Grounded on the teacher's
// pkg/audit/handlers.go (RegisterRoutes(*mux.Router), one handler per
// verb, httputil-style JSON responses) generalized from an audit-log
// read API into an admin-command write API, and on
// original_source/piwheels/rebuild/__init__.py for REBUILD's exact wire
// shape (part name plus optional package).
package adminendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/httputil"
	"github.com/piwheels/master/pkg/middleware"
	"github.com/piwheels/master/pkg/observability"
)

// Error codes returned in ERROR(code) responses, per spec.md §4.10.
const (
	ErrNoPkg    = "NOPKG"
	ErrNoVer    = "NOVER"
	ErrSkipPkg  = "SKIPPKG"
	ErrSkipVer  = "SKIPVER"
	ErrYankVer  = "YANKVER"
	ErrBadInput = "BADINPUT"
)

// DBClient is the subset of dbclient.Client the admin endpoint drives.
type DBClient interface {
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
	AllPackages(ctx context.Context) (map[string]bool, error)
}

// Coalescer is the subset of webcoalescer.Coalescer the admin endpoint
// drives; REBUILD's whole effect is enqueuing a rewrite.
type Coalescer interface {
	Enqueue(cmd catalog.RewriteCommand, pkg string)
}

// Notifier receives the same per-package change signal the IndexPoller
// path sends to cmd/piwheels-master/main.go's catalogNotifier, so an
// admin-issued ADDPKG/ADDVER/REMPKG/REMVER/IMPORT clears the worker
// router's cool-down and the read-through cache for that package
// immediately rather than waiting on the cache TTL. Optional: a nil
// Notifier just means those two side effects don't fire early.
type Notifier interface {
	NotifyPackageChanged(pkg string)
}

// Config configures a Server.
type Config struct {
	// SocketPath is the Unix domain socket the REQ/REP endpoint listens
	// on. Access control is the socket file's permission bits, not a
	// credential system (spec.md has no worker/admin auth non-goal to
	// satisfy beyond that).
	SocketPath string
}

// Server is the admin command HTTP surface, served over a Unix socket.
type Server struct {
	logger    *observability.Logger
	db        DBClient
	coalescer Coalescer
	notifier  Notifier
	cfg       Config

	router     *mux.Router
	rateLimit  *middleware.RateLimitMiddleware
	httpServer *http.Server
	listener   net.Listener
}

// New constructs a Server. Call Start to begin serving. notifier may be
// nil, in which case admin-issued changes rely on the cache's TTL, and
// the router's cool-down entries for the package are not cleared (they
// have no expiry of their own).
func New(logger *observability.Logger, db DBClient, coalescer Coalescer, notifier Notifier, cfg Config) *Server {
	s := &Server{
		logger:    logger,
		db:        db,
		coalescer: coalescer,
		notifier:  notifier,
		cfg:       cfg,
		router:    mux.NewRouter(),
		rateLimit: middleware.NewRateLimitMiddleware(),
	}
	s.registerRoutes(s.router)
	return s
}

// notify signals notifier, if any, that pkg changed. A no-op for the
// REBUILD home/search parts, which pass an empty pkg.
func (s *Server) notify(pkg string) {
	if s.notifier != nil && pkg != "" {
		s.notifier.NotifyPackageChanged(pkg)
	}
}

// registerRoutes wires each admin verb to its handler, matching the
// teacher's Handlers.RegisterRoutes idiom.
func (s *Server) registerRoutes(router *mux.Router) {
	router.HandleFunc("/admin/addpkg", s.handleAddPkg).Methods(http.MethodPost)
	router.HandleFunc("/admin/addver", s.handleAddVer).Methods(http.MethodPost)
	router.HandleFunc("/admin/rempkg", s.handleRemPkg).Methods(http.MethodPost)
	router.HandleFunc("/admin/remver", s.handleRemVer).Methods(http.MethodPost)
	router.HandleFunc("/admin/rebuild", s.handleRebuild).Methods(http.MethodPost)
	router.HandleFunc("/admin/import", s.handleImport).Methods(http.MethodPost)
}

// Start binds the Unix socket and begins serving in the background. The
// socket file is removed first if a stale one is left from a prior
// crashed run.
func (s *Server) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.rateLimit.Handler(s.router)}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("admin endpoint stopped serving")
		}
	}()
	s.logger.WithField("socket", s.cfg.SocketPath).Info("admin endpoint listening")
	return nil
}

// Stop gracefully shuts the endpoint down and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	os.RemoveAll(s.cfg.SocketPath)
	return err
}

func writeDone(w http.ResponseWriter, kind string) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"done": kind})
}

func writeAdminError(w http.ResponseWriter, code string) {
	httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// addPkgRequest is ADDPKG's payload: (pkg, desc, skip, unskip, aliases).
type addPkgRequest struct {
	Package     string   `json:"package"`
	Description string   `json:"description"`
	Skip        string   `json:"skip"`
	Unskip      bool     `json:"unskip"`
	Aliases     []string `json:"aliases"`
}

func (s *Server) handleAddPkg(w http.ResponseWriter, r *http.Request) {
	var req addPkgRequest
	if err := decode(r, &req); err != nil || req.Package == "" {
		writeAdminError(w, ErrBadInput)
		return
	}
	ctx := r.Context()

	pkg := catalog.Package{Name: req.Package, Description: req.Description, Aliases: req.Aliases, SkipReason: req.Skip}
	created, err := s.db.NewPackage(ctx, pkg)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	kind := "NEWPKG"
	if !created {
		kind = "UPDPKG"
		if req.Unskip {
			err = s.db.SkipPackage(ctx, req.Package, "")
		} else if req.Skip != "" {
			err = s.db.SkipPackage(ctx, req.Package, req.Skip)
		}
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
	}

	s.coalescer.Enqueue(catalog.RewriteBoth, req.Package)
	s.notify(req.Package)
	writeDone(w, kind)
}

// addVerRequest is ADDVER's payload: (pkg, ver, skip, unskip, released,
// yank, unyank).
type addVerRequest struct {
	Package    string    `json:"package"`
	Version    string    `json:"version"`
	Skip       string    `json:"skip"`
	Unskip     bool      `json:"unskip"`
	ReleasedAt time.Time `json:"released"`
	Yank       bool      `json:"yank"`
	Unyank     bool      `json:"unyank"`
}

func (s *Server) handleAddVer(w http.ResponseWriter, r *http.Request) {
	var req addVerRequest
	if err := decode(r, &req); err != nil || req.Package == "" || req.Version == "" {
		writeAdminError(w, ErrBadInput)
		return
	}
	ctx := r.Context()

	v := catalog.Version{
		Package:    req.Package,
		Version:    req.Version,
		ReleasedAt: req.ReleasedAt,
		SkipReason: req.Skip,
		Yanked:     req.Yank,
	}
	created, err := s.db.NewVersion(ctx, v)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	kind := "NEWVER"
	if !created {
		kind = "UPDVER"
		if req.Unskip {
			err = s.db.SkipVersion(ctx, req.Package, req.Version, "")
		} else if req.Skip != "" {
			err = s.db.SkipVersion(ctx, req.Package, req.Version, req.Skip)
		}
		if err == nil && (req.Yank || req.Unyank) {
			err = s.db.SetYank(ctx, req.Package, req.Version, req.Yank && !req.Unyank)
		}
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
	}

	s.coalescer.Enqueue(catalog.RewriteBoth, req.Package)
	s.notify(req.Package)
	writeDone(w, kind)
}

// remPkgRequest is REMPKG's payload: (pkg, also_builds, skip).
type remPkgRequest struct {
	Package     string `json:"package"`
	AlsoBuilds  bool   `json:"also_builds"`
	SkipReason  string `json:"skip"`
}

func (s *Server) handleRemPkg(w http.ResponseWriter, r *http.Request) {
	var req remPkgRequest
	if err := decode(r, &req); err != nil || req.Package == "" {
		writeAdminError(w, ErrBadInput)
		return
	}
	ctx := r.Context()

	if req.SkipReason != "" {
		if err := s.db.SkipPackage(ctx, req.Package, req.SkipReason); err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		s.coalescer.Enqueue(catalog.RewriteBoth, req.Package)
		s.notify(req.Package)
		writeDone(w, "SKIPPKG")
		return
	}

	if err := s.db.DeletePackage(ctx, req.Package); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	s.coalescer.Enqueue(catalog.RewriteBoth, req.Package)
	s.notify(req.Package)
	writeDone(w, "DELPKG")
}

// remVerRequest is REMVER's payload: (pkg, ver, also_builds, skip, yank).
type remVerRequest struct {
	Package    string `json:"package"`
	Version    string `json:"version"`
	AlsoBuilds bool   `json:"also_builds"`
	SkipReason string `json:"skip"`
	Yank       bool   `json:"yank"`
}

func (s *Server) handleRemVer(w http.ResponseWriter, r *http.Request) {
	var req remVerRequest
	if err := decode(r, &req); err != nil || req.Package == "" || req.Version == "" {
		writeAdminError(w, ErrBadInput)
		return
	}
	ctx := r.Context()

	switch {
	case req.Yank:
		if err := s.db.YankVersion(ctx, req.Package, req.Version); err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		s.coalescer.Enqueue(catalog.RewriteBoth, req.Package)
		s.notify(req.Package)
		writeDone(w, "YANKVER")
	case req.SkipReason != "":
		if err := s.db.SkipVersion(ctx, req.Package, req.Version, req.SkipReason); err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		s.coalescer.Enqueue(catalog.RewriteBoth, req.Package)
		s.notify(req.Package)
		writeDone(w, "SKIPVER")
	default:
		if err := s.db.DeleteVersion(ctx, req.Package, req.Version); err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		s.coalescer.Enqueue(catalog.RewriteBoth, req.Package)
		s.notify(req.Package)
		writeDone(w, "DELVER")
	}
}

// rebuildRequest is REBUILD's payload: (part, optional pkg), matching
// original_source/piwheels/rebuild/__init__.py's 'home'/'search'/
// 'project'/'index' -> HOME/SEARCH/PROJECT/BOTH mapping (already applied
// client-side; this endpoint takes the mapped RewriteCommand directly).
type rebuildRequest struct {
	Part    string `json:"part"`
	Package string `json:"package"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := decode(r, &req); err != nil {
		writeAdminError(w, ErrBadInput)
		return
	}
	cmd := catalog.RewriteCommand(req.Part)
	switch cmd {
	case catalog.RewriteHome, catalog.RewriteSearch:
		s.coalescer.Enqueue(cmd, "")
		writeDone(w, "REBUILD")
		return
	case catalog.RewriteProject, catalog.RewriteBoth:
		if req.Package != "" {
			s.coalescer.Enqueue(cmd, req.Package)
			s.notify(req.Package)
			writeDone(w, "REBUILD")
			return
		}
		packages, err := s.db.AllPackages(r.Context())
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		for name := range packages {
			s.coalescer.Enqueue(cmd, name)
			s.notify(name)
		}
		writeDone(w, "REBUILD")
		return
	default:
		writeAdminError(w, ErrBadInput)
	}
}

// importRequest is IMPORT's payload: a synthetic build result plus the
// files it produced, for back-filling history without a real build.
type importRequest struct {
	Build catalog.Build   `json:"build"`
	Files []catalog.File  `json:"files"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decode(r, &req); err != nil || req.Build.Package == "" {
		writeAdminError(w, ErrBadInput)
		return
	}
	ctx := r.Context()

	buildID, err := s.db.LogBuild(ctx, req.Build)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	for _, f := range req.Files {
		f.BuildID = buildID
		if err := s.db.LogFile(ctx, f); err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
	}

	s.coalescer.Enqueue(catalog.RewriteBoth, req.Build.Package)
	s.notify(req.Build.Package)
	writeDone(w, "IMPORT")
}
