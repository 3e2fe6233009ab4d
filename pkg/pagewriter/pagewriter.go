// Package pagewriter owns the published output tree: the simple index
// pip reads from, the project pages, the JSON feeds, and the sitemap.
// Grounded on original_source/master/the_scribe.py's write_simple_index/
// write_package_index/write_project_page/write_project_json/
// write_statistics_json/write_search_index/write_sitemap, translated from
// chameleon page templates to html/template and from the_scribe's
// AtomicReplaceFile to pkg/atomicfile.
package pagewriter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/piwheels/master/pkg/atomicfile"
	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/dbworker"
	"github.com/piwheels/master/pkg/observability"
	"github.com/piwheels/master/pkg/webcoalescer"
)

// SitemapPageSize is Google's per-sitemap link cap (§4.8).
const SitemapPageSize = 50000

// DBClient is the subset of dbclient.Client PageWriter reads from. The
// output tree is rendered entirely from the database, never from what's
// already on disk.
type DBClient interface {
	AllPackages(ctx context.Context) (map[string]bool, error)
	ProjectFiles(ctx context.Context, pkg string) ([]catalog.File, error)
	ProjectVersions(ctx context.Context, pkg string) ([]catalog.Version, error)
	GetStats(ctx context.Context) (dbworker.StatisticsRecord, error)
	GetSearch(ctx context.Context) (map[string]dbworker.SearchCounts, error)
}

// Config configures a Writer.
type Config struct {
	OutputRoot string
}

// Writer implements webcoalescer.Forwarder, rendering each released
// rewrite into the output tree.
type Writer struct {
	logger     *observability.Logger
	db         DBClient
	outputRoot string

	packageCache map[string]bool
}

// New constructs a Writer. Call EnsureTree once at startup before the
// Writer starts accepting Forward calls.
func New(logger *observability.Logger, db DBClient, cfg Config) *Writer {
	return &Writer{logger: logger, db: db, outputRoot: cfg.OutputRoot}
}

// EnsureTree creates the simple/ and project/ directories if absent and
// renders the root simple index if it doesn't already exist, matching
// the_scribe.py's once()/setup_output_path().
func (w *Writer) EnsureTree(ctx context.Context) error {
	for _, dir := range []string{w.outputRoot, filepath.Join(w.outputRoot, "simple"), filepath.Join(w.outputRoot, "project")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("pagewriter: ensure tree: %w", err)
		}
	}

	packages, err := w.db.AllPackages(ctx)
	if err != nil {
		return fmt.Errorf("pagewriter: load package cache: %w", err)
	}
	w.packageCache = packages

	rootIndex := filepath.Join(w.outputRoot, "simple", "index.html")
	if _, err := os.Stat(rootIndex); os.IsNotExist(err) {
		return w.writeSimpleRootIndex()
	}
	return nil
}

// Forward implements webcoalescer.Forwarder.
func (w *Writer) Forward(msg webcoalescer.RewriteMsg) bool {
	ctx := context.Background()
	var err error
	switch msg.Command {
	case catalog.RewriteHome:
		err = w.writeHome(ctx)
	case catalog.RewriteSearch:
		err = w.writeSearchIndex(ctx)
	case catalog.RewriteProject:
		err = w.writeProjectPages(ctx, msg.Package)
	case catalog.RewriteBoth:
		err = w.writeBoth(ctx, msg.Package)
	default:
		err = fmt.Errorf("pagewriter: unknown rewrite command %q", msg.Command)
	}
	if err != nil {
		w.logger.WithError(err).WithField("package", msg.Package).Error("failed to render page")
		return false
	}
	return true
}

func (w *Writer) writeBoth(ctx context.Context, pkg string) error {
	if w.packageCache == nil {
		w.packageCache = make(map[string]bool)
	}
	if !w.packageCache[pkg] {
		w.packageCache[pkg] = true
		if err := w.writeSimpleRootIndex(); err != nil {
			return err
		}
	}
	if err := w.writePackageIndex(ctx, pkg); err != nil {
		return err
	}
	return w.writeProjectPages(ctx, pkg)
}

func (w *Writer) writeProjectPages(ctx context.Context, pkg string) error {
	if err := w.writeProjectPage(pkg); err != nil {
		return err
	}
	return w.writeProjectJSON(ctx, pkg)
}

// writeSimpleRootIndex renders simple/index.html, the list of every
// known package.
func (w *Writer) writeSimpleRootIndex() error {
	names := make([]string, 0, len(w.packageCache))
	for name := range w.packageCache {
		names = append(names, name)
	}
	sort.Strings(names)

	path := filepath.Join(w.outputRoot, "simple", "index.html")
	return atomicfile.Write(path, 0o644, func(wr io.Writer) error {
		return renderSimpleRootIndex(wr, names)
	})
}

// writePackageIndex renders simple/<pkg>/index.html, sorted by version
// descending, and the canonicalized-name alias symlink.
func (w *Writer) writePackageIndex(ctx context.Context, pkg string) error {
	dir := filepath.Join(w.outputRoot, "simple", pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pagewriter: mkdir %s: %w", dir, err)
	}

	files, err := w.db.ProjectFiles(ctx, pkg)
	if err != nil {
		return fmt.Errorf("pagewriter: project files: %w", err)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].VersionTag != files[j].VersionTag {
			return files[i].VersionTag > files[j].VersionTag
		}
		return files[i].Filename > files[j].Filename
	})

	path := filepath.Join(dir, "index.html")
	if err := atomicfile.Write(path, 0o644, func(wr io.Writer) error {
		return renderSimplePackageIndex(wr, pkg, files)
	}); err != nil {
		return err
	}

	return w.linkCanonicalAlias("simple", pkg)
}

// writeProjectPage renders project/<pkg>/index.html and its alias
// symlink.
func (w *Writer) writeProjectPage(pkg string) error {
	dir := filepath.Join(w.outputRoot, "project", pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pagewriter: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "index.html")
	if err := atomicfile.Write(path, 0o644, func(wr io.Writer) error {
		return renderProjectPage(wr, pkg)
	}); err != nil {
		return err
	}
	return w.linkCanonicalAlias("project", pkg)
}

// writeProjectJSON renders project/<pkg>/json/index.json.
func (w *Writer) writeProjectJSON(ctx context.Context, pkg string) error {
	versions, err := w.db.ProjectVersions(ctx, pkg)
	if err != nil {
		return fmt.Errorf("pagewriter: project versions: %w", err)
	}
	dir := filepath.Join(w.outputRoot, "project", pkg, "json")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pagewriter: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "index.json")
	return atomicfile.Write(path, 0o644, func(wr io.Writer) error {
		payload := projectJSON{
			Package:     pkg,
			NumVersions: len(versions),
			Versions:    versions,
			ProjectURL:  "https://www.piwheels.org/project/" + pkg,
			SimpleURL:   "https://www.piwheels.org/simple/" + pkg,
			Updated:     time.Now().UTC().Format(time.RFC3339),
		}
		return json.NewEncoder(wr).Encode(payload)
	})
}

type projectJSON struct {
	Package     string            `json:"package"`
	NumVersions int               `json:"num_versions"`
	Versions    []catalog.Version `json:"versions"`
	ProjectURL  string            `json:"project_url"`
	SimpleURL   string            `json:"simple_url"`
	Updated     string            `json:"updated"`
}

// writeHome renders statistics.json and the sitemap, the HOME(stats)
// handler.
func (w *Writer) writeHome(ctx context.Context) error {
	stats, err := w.db.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("pagewriter: get stats: %w", err)
	}
	if err := w.writeStatisticsJSON(stats); err != nil {
		return err
	}
	return w.writeSitemap()
}

func (w *Writer) writeStatisticsJSON(stats dbworker.StatisticsRecord) error {
	path := filepath.Join(w.outputRoot, "statistics.json")
	return atomicfile.Write(path, 0o644, func(wr io.Writer) error {
		return json.NewEncoder(wr).Encode(statisticsJSON{
			NumPackages:    stats.Packages,
			NumVersions:    stats.Versions,
			NumWheels:      stats.Files,
			DownloadsAll:   stats.DownloadsTotal,
			BuildsOK:       stats.BuildsOK,
			BuildsFailed:   stats.BuildsFailed,
			Updated:        time.Now().UTC().Format(time.RFC3339),
		})
	})
}

type statisticsJSON struct {
	NumPackages  int64  `json:"num_packages"`
	NumVersions  int64  `json:"num_versions"`
	NumWheels    int64  `json:"num_wheels"`
	DownloadsAll int64  `json:"downloads_all"`
	BuildsOK     int64  `json:"builds_ok"`
	BuildsFailed int64  `json:"builds_failed"`
	Updated      string `json:"updated"`
}

// writeSearchIndex renders packages.json, the SEARCH(index) handler.
func (w *Writer) writeSearchIndex(ctx context.Context) error {
	counts, err := w.db.GetSearch(ctx)
	if err != nil {
		return fmt.Errorf("pagewriter: get search: %w", err)
	}
	type row struct {
		Package string `json:"package"`
		Recent  int64  `json:"downloads_recent"`
		All     int64  `json:"downloads_all"`
	}
	rows := make([]row, 0, len(counts))
	for pkg, c := range counts {
		rows = append(rows, row{Package: pkg, Recent: c.Recent, All: c.All})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Package < rows[j].Package })

	path := filepath.Join(w.outputRoot, "packages.json")
	return atomicfile.Write(path, 0o644, func(wr io.Writer) error {
		return json.NewEncoder(wr).Encode(rows)
	})
}

// writeSitemap renders sitemap0.xml (static pages), sitemap<N>.xml
// (package pages, chunked at SitemapPageSize), and the sitemap.xml
// index, per the_scribe.py's write_sitemap.
func (w *Writer) writeSitemap() error {
	staticPath := filepath.Join(w.outputRoot, "sitemap0.xml")
	if err := atomicfile.Write(staticPath, 0o644, func(wr io.Writer) error {
		return renderStaticSitemap(wr)
	}); err != nil {
		return err
	}

	names := make([]string, 0, len(w.packageCache))
	for name := range w.packageCache {
		names = append(names, name)
	}
	sort.Strings(names)

	numPages := 0
	for start := 0; start < len(names); start += SitemapPageSize {
		end := start + SitemapPageSize
		if end > len(names) {
			end = len(names)
		}
		numPages++
		chunk := names[start:end]
		path := filepath.Join(w.outputRoot, fmt.Sprintf("sitemap%d.xml", numPages))
		if err := atomicfile.Write(path, 0o644, func(wr io.Writer) error {
			return renderPackageSitemap(wr, chunk)
		}); err != nil {
			return err
		}
	}

	indexPath := filepath.Join(w.outputRoot, "sitemap.xml")
	return atomicfile.Write(indexPath, 0o644, func(wr io.Writer) error {
		return renderSitemapIndex(wr, numPages, time.Now().UTC())
	})
}

// linkCanonicalAlias creates a symlink from the canonicalized package
// name to pkg's real directory under section, refusing to clobber an
// existing real directory or a symlink to something else (§4.8's "do
// not clobber" rule).
func (w *Writer) linkCanonicalAlias(section, pkg string) error {
	canon := catalog.Canonicalize(pkg)
	if canon == pkg {
		return nil
	}
	aliasPath := filepath.Join(w.outputRoot, section, canon)
	if err := atomicfile.Symlink(pkg, aliasPath); err != nil {
		w.logger.WithField("package", pkg).WithField("alias", canon).Warn("alias collision, keeping existing content")
	}
	return nil
}

// DeletePackage removes a package's published wheels and indexes,
// the DELPKG handler.
func (w *Writer) DeletePackage(pkg string) error {
	if w.packageCache != nil {
		delete(w.packageCache, pkg)
	}
	if err := os.RemoveAll(filepath.Join(w.outputRoot, "simple", pkg)); err != nil {
		return fmt.Errorf("pagewriter: delete package %s: %w", pkg, err)
	}
	if err := os.RemoveAll(filepath.Join(w.outputRoot, "project", pkg)); err != nil {
		return fmt.Errorf("pagewriter: delete package %s: %w", pkg, err)
	}
	canon := catalog.Canonicalize(pkg)
	if canon != pkg {
		os.Remove(filepath.Join(w.outputRoot, "simple", canon))
		os.Remove(filepath.Join(w.outputRoot, "project", canon))
	}
	return w.writeSimpleRootIndex()
}

// DeleteVersion removes one version's files from a package's simple
// index and re-renders it. If the package has no remaining versions the
// project directory is removed entirely.
func (w *Writer) DeleteVersion(ctx context.Context, pkg, version string) error {
	files, err := w.db.ProjectFiles(ctx, pkg)
	if err != nil {
		return fmt.Errorf("pagewriter: delete version: %w", err)
	}
	for _, f := range files {
		if f.VersionTag == version {
			os.Remove(filepath.Join(w.outputRoot, "simple", pkg, f.Filename))
		}
	}
	if err := w.writePackageIndex(ctx, pkg); err != nil {
		return err
	}

	remaining, err := w.db.ProjectVersions(ctx, pkg)
	if err != nil {
		return fmt.Errorf("pagewriter: delete version: %w", err)
	}
	if len(remaining) == 0 {
		return os.RemoveAll(filepath.Join(w.outputRoot, "project", pkg))
	}
	return w.writeProjectJSON(ctx, pkg)
}
