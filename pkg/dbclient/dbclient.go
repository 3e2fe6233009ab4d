// Package dbclient gives every other task a typed, synchronous-looking
// call surface over the DbGateway, hiding the Request/Response/channel
// plumbing of pkg/dbworker and pkg/dbgateway. This is the "DbClient"
// component of spec.md §4.3 ("typed request/response helper for all
// tasks needing DB").
package dbclient

import (
	"context"
	"fmt"
	"time"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/dbworker"
)

// Submitter is satisfied by *dbgateway.Gateway; declared as an interface
// here so dbclient doesn't import dbgateway directly, keeping the
// dependency graph DbClient -> DbWorker (for types) with DbGateway
// injected, matching how every other task only ever talks to "the
// gateway" as an abstract front-end.
type Submitter interface {
	Submit(ctx context.Context, req dbworker.Request)
}

// Client is the typed façade every task holds instead of a raw Gateway.
type Client struct {
	gateway Submitter
	timeout time.Duration
}

// New builds a Client. timeout bounds how long a single request may wait
// for a worker plus execution time before the call gives up.
func New(gateway Submitter, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{gateway: gateway, timeout: timeout}
}

func (c *Client) call(ctx context.Context, op string, payload any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply := make(chan dbworker.Response, 1)
	c.gateway.Submit(ctx, dbworker.Request{Op: op, Payload: payload, Reply: reply})

	select {
	case resp := <-reply:
		return resp.Result, resp.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("dbclient: %s: %w", op, ctx.Err())
	}
}

// AllPackages returns the set of canonical package names.
func (c *Client) AllPackages(ctx context.Context) (map[string]bool, error) {
	res, err := c.call(ctx, "ALLPKGS", nil)
	if err != nil {
		return nil, err
	}
	return res.(map[string]bool), nil
}

// AllVersions returns every (package, version) pair.
func (c *Client) AllVersions(ctx context.Context) ([]dbworker.VerKey, error) {
	res, err := c.call(ctx, "ALLVERS", nil)
	if err != nil {
		return nil, err
	}
	return res.([]dbworker.VerKey), nil
}

// NewPackage inserts p if it doesn't already exist, reporting whether it
// was created.
func (c *Client) NewPackage(ctx context.Context, p catalog.Package) (bool, error) {
	res, err := c.call(ctx, "NEWPKG", p)
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// NewVersion inserts v if it doesn't already exist.
func (c *Client) NewVersion(ctx context.Context, v catalog.Version) (bool, error) {
	res, err := c.call(ctx, "NEWVER", v)
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// SkipPackage sets pkg's skip-reason.
func (c *Client) SkipPackage(ctx context.Context, pkg, reason string) error {
	_, err := c.call(ctx, "SKIPPKG", dbworker.SkipPkgArgs{Package: pkg, Reason: reason})
	return err
}

// SkipVersion sets (pkg, version)'s skip-reason.
func (c *Client) SkipVersion(ctx context.Context, pkg, version, reason string) error {
	_, err := c.call(ctx, "SKIPVER", dbworker.SkipVerArgs{Package: pkg, Version: version, Reason: reason})
	return err
}

// GetSkip returns (pkg, version)'s current skip-reason.
func (c *Client) GetSkip(ctx context.Context, pkg, version string) (string, error) {
	res, err := c.call(ctx, "GETSKIP", dbworker.VerKey{Package: pkg, Version: version})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// DeletePackage tombstones pkg and cascades to its versions and files.
func (c *Client) DeletePackage(ctx context.Context, pkg string) error {
	_, err := c.call(ctx, "DELPKG", pkg)
	return err
}

// DeleteVersion tombstones (pkg, version) and removes its files.
func (c *Client) DeleteVersion(ctx context.Context, pkg, version string) error {
	_, err := c.call(ctx, "DELVER", dbworker.VerKey{Package: pkg, Version: version})
	return err
}

// YankVersion marks (pkg, version) as yanked.
func (c *Client) YankVersion(ctx context.Context, pkg, version string) error {
	_, err := c.call(ctx, "YANKVER", dbworker.VerKey{Package: pkg, Version: version})
	return err
}

// SetYank sets (pkg, version)'s yanked flag explicitly, letting a caller
// unyank a version as well as yank one.
func (c *Client) SetYank(ctx context.Context, pkg, version string, yanked bool) error {
	_, err := c.call(ctx, "SETYANK", dbworker.YankArgs{Package: pkg, Version: version, Yanked: yanked})
	return err
}

// LogBuild records one build attempt, returning its assigned id.
func (c *Client) LogBuild(ctx context.Context, b catalog.Build) (int64, error) {
	res, err := c.call(ctx, "LOGBUILD", b)
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// LogFile records one published artifact against its build.
func (c *Client) LogFile(ctx context.Context, f catalog.File) error {
	_, err := c.call(ctx, "LOGFILE", f)
	return err
}

// LogAccessEvent records one access-log row (download/search/project/
// json/page hit), relayed by LogIngest.
func (c *Client) LogAccessEvent(ctx context.Context, e catalog.AccessEvent) error {
	_, err := c.call(ctx, "LOGACCESS", e)
	return err
}

// ProjectFiles returns the ordered file rows for pkg.
func (c *Client) ProjectFiles(ctx context.Context, pkg string) ([]catalog.File, error) {
	res, err := c.call(ctx, "PROJFILES", pkg)
	if err != nil {
		return nil, err
	}
	return res.([]catalog.File), nil
}

// ProjectVersions returns the version rows for pkg.
func (c *Client) ProjectVersions(ctx context.Context, pkg string) ([]catalog.Version, error) {
	res, err := c.call(ctx, "PROJVERS", pkg)
	if err != nil {
		return nil, err
	}
	return res.([]catalog.Version), nil
}

// FileDeps returns the OS package dependency set for filename.
func (c *Client) FileDeps(ctx context.Context, filename string) ([]string, error) {
	res, err := c.call(ctx, "FILEDEPS", filename)
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// GetStats returns the current StatisticsRecord.
func (c *Client) GetStats(ctx context.Context) (dbworker.StatisticsRecord, error) {
	res, err := c.call(ctx, "GETSTATS", nil)
	if err != nil {
		return dbworker.StatisticsRecord{}, err
	}
	return res.(dbworker.StatisticsRecord), nil
}

// GetSearch returns per-package download counts for the search index.
func (c *Client) GetSearch(ctx context.Context) (map[string]dbworker.SearchCounts, error) {
	res, err := c.call(ctx, "GETSEARCH", nil)
	if err != nil {
		return nil, err
	}
	return res.(map[string]dbworker.SearchCounts), nil
}

// GetPyPISerial returns the last-processed upstream serial.
func (c *Client) GetPyPISerial(ctx context.Context) (int64, error) {
	res, err := c.call(ctx, "GETPYPI", nil)
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// SetPyPISerial persists the last-processed upstream serial. The DB
// enforces that it never decreases (invariant 5).
func (c *Client) SetPyPISerial(ctx context.Context, serial int64) error {
	_, err := c.call(ctx, "SETPYPI", serial)
	return err
}

// SaveRewrites persists WebCoalescer's pending-rewrite backlog.
func (c *Client) SaveRewrites(ctx context.Context, pending []catalog.RewritePending) error {
	_, err := c.call(ctx, "SAVEREWRITES", pending)
	return err
}

// LoadRewrites restores WebCoalescer's backlog at startup.
func (c *Client) LoadRewrites(ctx context.Context) ([]catalog.RewritePending, error) {
	res, err := c.call(ctx, "LOADREWRITES", nil)
	if err != nil {
		return nil, err
	}
	return res.([]catalog.RewritePending), nil
}
