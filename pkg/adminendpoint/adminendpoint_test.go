package adminendpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/observability"
)

type fakeDB struct {
	packages map[string]catalog.Package
	versions map[string]catalog.Version
	skips    map[string]string
	yanks    map[string]bool
	deletedP []string
	deletedV []string
	builds   []catalog.Build
	files    []catalog.File
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		packages: map[string]catalog.Package{},
		versions: map[string]catalog.Version{},
		skips:    map[string]string{},
		yanks:    map[string]bool{},
	}
}

func verKey(pkg, ver string) string { return pkg + "/" + ver }

func (f *fakeDB) NewPackage(ctx context.Context, p catalog.Package) (bool, error) {
	if _, ok := f.packages[p.Name]; ok {
		return false, nil
	}
	f.packages[p.Name] = p
	return true, nil
}

func (f *fakeDB) NewVersion(ctx context.Context, v catalog.Version) (bool, error) {
	key := verKey(v.Package, v.Version)
	if _, ok := f.versions[key]; ok {
		return false, nil
	}
	f.versions[key] = v
	return true, nil
}

func (f *fakeDB) SkipPackage(ctx context.Context, pkg, reason string) error {
	f.skips["pkg:"+pkg] = reason
	return nil
}

func (f *fakeDB) SkipVersion(ctx context.Context, pkg, version, reason string) error {
	f.skips["ver:"+verKey(pkg, version)] = reason
	return nil
}

func (f *fakeDB) GetSkip(ctx context.Context, pkg, version string) (string, error) {
	return f.skips["ver:"+verKey(pkg, version)], nil
}

func (f *fakeDB) DeletePackage(ctx context.Context, pkg string) error {
	f.deletedP = append(f.deletedP, pkg)
	return nil
}

func (f *fakeDB) DeleteVersion(ctx context.Context, pkg, version string) error {
	f.deletedV = append(f.deletedV, verKey(pkg, version))
	return nil
}

func (f *fakeDB) YankVersion(ctx context.Context, pkg, version string) error {
	f.yanks[verKey(pkg, version)] = true
	return nil
}

func (f *fakeDB) SetYank(ctx context.Context, pkg, version string, yanked bool) error {
	f.yanks[verKey(pkg, version)] = yanked
	return nil
}

func (f *fakeDB) LogBuild(ctx context.Context, b catalog.Build) (int64, error) {
	f.builds = append(f.builds, b)
	return int64(len(f.builds)), nil
}

func (f *fakeDB) LogFile(ctx context.Context, file catalog.File) error {
	f.files = append(f.files, file)
	return nil
}

func (f *fakeDB) AllPackages(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(f.packages))
	for name := range f.packages {
		out[name] = true
	}
	return out, nil
}

type fakeCoalescer struct {
	enqueued []struct {
		cmd catalog.RewriteCommand
		pkg string
	}
}

func (f *fakeCoalescer) Enqueue(cmd catalog.RewriteCommand, pkg string) {
	f.enqueued = append(f.enqueued, struct {
		cmd catalog.RewriteCommand
		pkg string
	}{cmd, pkg})
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) NotifyPackageChanged(pkg string) {
	f.notified = append(f.notified, pkg)
}

func newTestServer() (*Server, *fakeDB, *fakeCoalescer) {
	s, db, coalescer, _ := newTestServerWithNotifier()
	return s, db, coalescer
}

func newTestServerWithNotifier() (*Server, *fakeDB, *fakeCoalescer, *fakeNotifier) {
	logger := observability.NewLogger(observability.InfoLevel, nil)
	db := newFakeDB()
	coalescer := &fakeCoalescer{}
	notifier := &fakeNotifier{}
	s := New(logger, db, coalescer, notifier, Config{SocketPath: filepath.Join("/tmp", "adminendpoint-test.sock")})
	return s, db, coalescer, notifier
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestHandleAddPkgCreatesNewPackage(t *testing.T) {
	s, db, coalescer := newTestServer()
	rec := doRequest(s, http.MethodPost, "/admin/addpkg", addPkgRequest{Package: "foo", Description: "a package"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["done"] != "NEWPKG" {
		t.Fatalf("done = %q, want NEWPKG", body["done"])
	}
	if _, ok := db.packages["foo"]; !ok {
		t.Fatal("package was not created")
	}
	if len(coalescer.enqueued) != 1 || coalescer.enqueued[0].pkg != "foo" {
		t.Fatalf("coalescer not enqueued for foo: %+v", coalescer.enqueued)
	}
}

func TestHandleAddPkgExistingReturnsUpdPkg(t *testing.T) {
	s, db, _ := newTestServer()
	db.packages["foo"] = catalog.Package{Name: "foo"}

	rec := doRequest(s, http.MethodPost, "/admin/addpkg", addPkgRequest{Package: "foo", Skip: "manual hold"})
	body := decodeBody(t, rec)
	if body["done"] != "UPDPKG" {
		t.Fatalf("done = %q, want UPDPKG", body["done"])
	}
	if db.skips["pkg:foo"] != "manual hold" {
		t.Fatalf("skip reason not applied: %q", db.skips["pkg:foo"])
	}
}

func TestHandleAddPkgBadInput(t *testing.T) {
	s, _, _ := newTestServer()
	rec := doRequest(s, http.MethodPost, "/admin/addpkg", addPkgRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != ErrBadInput {
		t.Fatalf("error = %q, want %q", body["error"], ErrBadInput)
	}
}

func TestHandleAddVerCreatesNewVersion(t *testing.T) {
	s, db, coalescer := newTestServer()
	rec := doRequest(s, http.MethodPost, "/admin/addver", addVerRequest{
		Package: "foo", Version: "1.0", ReleasedAt: time.Unix(0, 0),
	})
	body := decodeBody(t, rec)
	if body["done"] != "NEWVER" {
		t.Fatalf("done = %q, want NEWVER", body["done"])
	}
	if _, ok := db.versions[verKey("foo", "1.0")]; !ok {
		t.Fatal("version was not created")
	}
	if len(coalescer.enqueued) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(coalescer.enqueued))
	}
}

func TestHandleAddVerUnyankExistingVersion(t *testing.T) {
	s, db, _ := newTestServer()
	db.versions[verKey("foo", "1.0")] = catalog.Version{Package: "foo", Version: "1.0", Yanked: true}
	db.yanks[verKey("foo", "1.0")] = true

	rec := doRequest(s, http.MethodPost, "/admin/addver", addVerRequest{Package: "foo", Version: "1.0", Unyank: true})
	body := decodeBody(t, rec)
	if body["done"] != "UPDVER" {
		t.Fatalf("done = %q, want UPDVER", body["done"])
	}
	if db.yanks[verKey("foo", "1.0")] {
		t.Fatal("version still yanked after unyank")
	}
}

func TestHandleRemPkgDeletesByDefault(t *testing.T) {
	s, db, _ := newTestServer()
	rec := doRequest(s, http.MethodPost, "/admin/rempkg", remPkgRequest{Package: "foo"})
	body := decodeBody(t, rec)
	if body["done"] != "DELPKG" {
		t.Fatalf("done = %q, want DELPKG", body["done"])
	}
	if len(db.deletedP) != 1 || db.deletedP[0] != "foo" {
		t.Fatalf("package not deleted: %+v", db.deletedP)
	}
}

func TestHandleRemPkgSkipsWhenReasonGiven(t *testing.T) {
	s, db, _ := newTestServer()
	rec := doRequest(s, http.MethodPost, "/admin/rempkg", remPkgRequest{Package: "foo", SkipReason: "abuse"})
	body := decodeBody(t, rec)
	if body["done"] != "SKIPPKG" {
		t.Fatalf("done = %q, want SKIPPKG", body["done"])
	}
	if db.skips["pkg:foo"] != "abuse" {
		t.Fatalf("skip reason not recorded: %q", db.skips["pkg:foo"])
	}
}

func TestHandleRemVerYankSkipAndDelete(t *testing.T) {
	s, db, _ := newTestServer()

	rec := doRequest(s, http.MethodPost, "/admin/remver", remVerRequest{Package: "foo", Version: "1.0", Yank: true})
	if decodeBody(t, rec)["done"] != "YANKVER" {
		t.Fatalf("expected YANKVER, got body %s", rec.Body.String())
	}
	if !db.yanks[verKey("foo", "1.0")] {
		t.Fatal("version not yanked")
	}

	rec = doRequest(s, http.MethodPost, "/admin/remver", remVerRequest{Package: "foo", Version: "2.0", SkipReason: "broken"})
	if decodeBody(t, rec)["done"] != "SKIPVER" {
		t.Fatalf("expected SKIPVER, got body %s", rec.Body.String())
	}

	rec = doRequest(s, http.MethodPost, "/admin/remver", remVerRequest{Package: "foo", Version: "3.0"})
	if decodeBody(t, rec)["done"] != "DELVER" {
		t.Fatalf("expected DELVER, got body %s", rec.Body.String())
	}
	if len(db.deletedV) != 1 || db.deletedV[0] != verKey("foo", "3.0") {
		t.Fatalf("version not deleted: %+v", db.deletedV)
	}
}

func TestHandleRebuildHomeDoesNotNeedPackage(t *testing.T) {
	s, _, coalescer := newTestServer()
	rec := doRequest(s, http.MethodPost, "/admin/rebuild", rebuildRequest{Part: "HOME"})
	if decodeBody(t, rec)["done"] != "REBUILD" {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
	if len(coalescer.enqueued) != 1 || coalescer.enqueued[0].cmd != catalog.RewriteHome {
		t.Fatalf("expected one HOME enqueue, got %+v", coalescer.enqueued)
	}
}

func TestHandleRebuildProjectWithPackage(t *testing.T) {
	s, _, coalescer := newTestServer()
	rec := doRequest(s, http.MethodPost, "/admin/rebuild", rebuildRequest{Part: "PROJECT", Package: "foo"})
	if decodeBody(t, rec)["done"] != "REBUILD" {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
	if len(coalescer.enqueued) != 1 || coalescer.enqueued[0].pkg != "foo" {
		t.Fatalf("expected enqueue for foo, got %+v", coalescer.enqueued)
	}
}

func TestHandleRebuildBothWithoutPackageFansOutToAll(t *testing.T) {
	s, db, coalescer := newTestServer()
	db.packages["foo"] = catalog.Package{Name: "foo"}
	db.packages["bar"] = catalog.Package{Name: "bar"}

	rec := doRequest(s, http.MethodPost, "/admin/rebuild", rebuildRequest{Part: "BOTH"})
	if decodeBody(t, rec)["done"] != "REBUILD" {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
	if len(coalescer.enqueued) != 2 {
		t.Fatalf("expected a rewrite enqueued per package, got %+v", coalescer.enqueued)
	}
}

func TestHandleImportInsertsBuildAndFiles(t *testing.T) {
	s, db, coalescer := newTestServer()
	rec := doRequest(s, http.MethodPost, "/admin/import", importRequest{
		Build: catalog.Build{Package: "foo", Version: "1.0", ABI: "cp311", Status: catalog.BuildSuccess},
		Files: []catalog.File{{Filename: "foo-1.0-cp311-cp311-linux_armv7l.whl", Size: 1024}},
	})
	if decodeBody(t, rec)["done"] != "IMPORT" {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
	if len(db.builds) != 1 {
		t.Fatalf("expected one build logged, got %d", len(db.builds))
	}
	if len(db.files) != 1 || db.files[0].BuildID != 1 {
		t.Fatalf("expected one file logged with build id 1, got %+v", db.files)
	}
	if len(coalescer.enqueued) != 1 || coalescer.enqueued[0].pkg != "foo" {
		t.Fatalf("expected rewrite enqueued for foo: %+v", coalescer.enqueued)
	}
}

func TestHandleAddPkgNotifiesPackageChanged(t *testing.T) {
	s, _, _, notifier := newTestServerWithNotifier()
	doRequest(s, http.MethodPost, "/admin/addpkg", addPkgRequest{Package: "foo"})
	if len(notifier.notified) != 1 || notifier.notified[0] != "foo" {
		t.Fatalf("expected notifier to fire for foo, got %+v", notifier.notified)
	}
}

func TestHandleRebuildHomeDoesNotNotify(t *testing.T) {
	s, _, _, notifier := newTestServerWithNotifier()
	doRequest(s, http.MethodPost, "/admin/rebuild", rebuildRequest{Part: "HOME"})
	if len(notifier.notified) != 0 {
		t.Fatalf("expected no notification for a packageless rebuild, got %+v", notifier.notified)
	}
}
