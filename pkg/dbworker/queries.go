package dbworker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/piwheels/master/pkg/catalog"
)

// Schema creates every table this Worker operates on if it doesn't
// already exist. Called once at master startup against the first Worker
// to come up; safe to call from every Worker since CREATE TABLE IF NOT
// EXISTS is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS packages (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	skip_reason TEXT NOT NULL DEFAULT '',
	aliases TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS versions (
	package TEXT NOT NULL REFERENCES packages(name),
	version TEXT NOT NULL,
	released_at TIMESTAMPTZ NOT NULL,
	skip_reason TEXT NOT NULL DEFAULT '',
	yanked BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (package, version)
);

CREATE TABLE IF NOT EXISTS builds (
	id BIGSERIAL PRIMARY KEY,
	package TEXT NOT NULL,
	version TEXT NOT NULL,
	abi TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	status SMALLINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	output TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS builds_pkg_ver_abi_idx ON builds (package, version, abi);

CREATE TABLE IF NOT EXISTS files (
	filename TEXT PRIMARY KEY,
	build_id BIGINT NOT NULL REFERENCES builds(id),
	size_bytes BIGINT NOT NULL,
	content_hash TEXT NOT NULL,
	package_tag TEXT NOT NULL,
	version_tag TEXT NOT NULL,
	interp_tag TEXT NOT NULL,
	abi_tag TEXT NOT NULL,
	platform_tag TEXT NOT NULL,
	dependencies TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS files_package_tag_idx ON files (package_tag);

CREATE TABLE IF NOT EXISTS access_events (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	package TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL DEFAULT '',
	client_ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS access_events_ts_idx ON access_events (ts);
CREATE INDEX IF NOT EXISTS access_events_package_idx ON access_events (package);

CREATE TABLE IF NOT EXISTS rewrites_pending (
	package TEXT PRIMARY KEY,
	added_at TIMESTAMPTZ NOT NULL,
	command TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS configuration (
	id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	schema_version TEXT NOT NULL,
	pypi_serial BIGINT NOT NULL DEFAULT 0
);
INSERT INTO configuration (id, schema_version, pypi_serial)
	VALUES (1, '1', 0) ON CONFLICT (id) DO NOTHING;
`

// EnsureSchema runs the DDL above. It is idempotent and safe to call
// concurrently from multiple Workers at startup.
func (w *Worker) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("dbworker %s: ensure schema: %w", w.id, err)
	}
	return nil
}

func (w *Worker) allPackages(ctx context.Context) (map[string]bool, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT name FROM packages`)
	if err != nil {
		return nil, fmt.Errorf("ALLPKGS: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("ALLPKGS: scan: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

func (w *Worker) allVersions(ctx context.Context) ([]VerKey, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT package, version FROM versions`)
	if err != nil {
		return nil, fmt.Errorf("ALLVERS: %w", err)
	}
	defer rows.Close()

	var out []VerKey
	for rows.Next() {
		var v VerKey
		if err := rows.Scan(&v.Package, &v.Version); err != nil {
			return nil, fmt.Errorf("ALLVERS: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (w *Worker) newPackage(ctx context.Context, p catalog.Package) (bool, error) {
	res, err := w.db.ExecContext(ctx,
		`INSERT INTO packages (name, description, skip_reason, aliases)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO NOTHING`,
		p.Name, p.Description, p.SkipReason, pqStringArray(p.Aliases))
	if err != nil {
		return false, fmt.Errorf("NEWPKG: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("NEWPKG: rows affected: %w", err)
	}
	return n > 0, nil
}

func (w *Worker) newVersion(ctx context.Context, v catalog.Version) (bool, error) {
	res, err := w.db.ExecContext(ctx,
		`INSERT INTO versions (package, version, released_at, skip_reason, yanked)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (package, version) DO NOTHING`,
		v.Package, v.Version, v.ReleasedAt, v.SkipReason, v.Yanked)
	if err != nil {
		return false, fmt.Errorf("NEWVER: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("NEWVER: rows affected: %w", err)
	}
	return n > 0, nil
}

func (w *Worker) skipPackage(ctx context.Context, name, reason string) error {
	_, err := w.db.ExecContext(ctx,
		`UPDATE packages SET skip_reason = $2 WHERE name = $1`, name, reason)
	if err != nil {
		return fmt.Errorf("SKIPPKG: %w", err)
	}
	return nil
}

func (w *Worker) skipVersion(ctx context.Context, pkg, version, reason string) error {
	_, err := w.db.ExecContext(ctx,
		`UPDATE versions SET skip_reason = $3 WHERE package = $1 AND version = $2`,
		pkg, version, reason)
	if err != nil {
		return fmt.Errorf("SKIPVER: %w", err)
	}
	return nil
}

func (w *Worker) getSkip(ctx context.Context, pkg, version string) (string, error) {
	var reason string
	err := w.db.QueryRowContext(ctx,
		`SELECT skip_reason FROM versions WHERE package = $1 AND version = $2`,
		pkg, version).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("GETSKIP: no such version %s %s", pkg, version)
	}
	if err != nil {
		return "", fmt.Errorf("GETSKIP: %w", err)
	}
	return reason, nil
}

// deletePackage upholds invariant 1 (§3) by cascading: in one transaction
// it deletes every file and version row under the package and then
// tombstones the package row with catalog.DeletedReason, matching the
// cascading DELPKG semantics in original_source/master/the_oracle.py.
func (w *Worker) deletePackage(ctx context.Context, name string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("DELPKG: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE package_tag = $1`, name); err != nil {
		return fmt.Errorf("DELPKG: delete files: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM versions WHERE package = $1`, name); err != nil {
		return fmt.Errorf("DELPKG: delete versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE packages SET skip_reason = $2 WHERE name = $1`, name, catalog.DeletedReason); err != nil {
		return fmt.Errorf("DELPKG: tombstone: %w", err)
	}
	return tx.Commit()
}

func (w *Worker) deleteVersion(ctx context.Context, pkg, version string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("DELVER: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE package_tag = $1 AND version_tag = $2`, pkg, version); err != nil {
		return fmt.Errorf("DELVER: delete files: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE versions SET skip_reason = $3 WHERE package = $1 AND version = $2`,
		pkg, version, catalog.DeletedReason); err != nil {
		return fmt.Errorf("DELVER: tombstone: %w", err)
	}
	return tx.Commit()
}

func (w *Worker) setYank(ctx context.Context, pkg, version string, yanked bool) error {
	_, err := w.db.ExecContext(ctx,
		`UPDATE versions SET yanked = $3 WHERE package = $1 AND version = $2`, pkg, version, yanked)
	if err != nil {
		return fmt.Errorf("SETYANK: %w", err)
	}
	return nil
}

func (w *Worker) logBuild(ctx context.Context, b catalog.Build) (int64, error) {
	var id int64
	err := w.db.QueryRowContext(ctx,
		`INSERT INTO builds (package, version, abi, worker_id, status, duration_ms, output)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		b.Package, b.Version, b.ABI, b.WorkerID, int(b.Status), b.Duration.Milliseconds(), b.Output,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("LOGBUILD: %w", err)
	}
	return id, nil
}

// logFile records one published artifact against its build, called by
// FileServer once a transferred file has been verified and atomically
// published to the output tree.
func (w *Worker) logFile(ctx context.Context, f catalog.File) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO files (filename, build_id, size_bytes, content_hash, package_tag,
		                     version_tag, interp_tag, abi_tag, platform_tag, dependencies)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (filename) DO NOTHING`,
		f.Filename, f.BuildID, f.Size, f.Hash, f.PackageTag,
		f.VersionTag, f.InterpTag, f.ABITag, f.PlatformTag, pqStringArray(f.Dependencies))
	if err != nil {
		return fmt.Errorf("LOGFILE: %w", err)
	}
	return nil
}

// logAccess records one access-log row, called by LogIngest for every
// download/search/project/json/page hit relayed to it.
func (w *Worker) logAccess(ctx context.Context, e catalog.AccessEvent) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO access_events (kind, ts, package, filename, client_ip, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.Kind), e.Timestamp, e.Package, e.Filename, e.ClientIP, e.UserAgent)
	if err != nil {
		return fmt.Errorf("LOGACCESS: %w", err)
	}
	return nil
}

func (w *Worker) projectFiles(ctx context.Context, pkg string) ([]catalog.File, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT filename, build_id, size_bytes, content_hash, package_tag,
		        version_tag, interp_tag, abi_tag, platform_tag, dependencies
		 FROM files WHERE package_tag = $1 ORDER BY filename`, pkg)
	if err != nil {
		return nil, fmt.Errorf("PROJFILES: %w", err)
	}
	defer rows.Close()

	var out []catalog.File
	for rows.Next() {
		var f catalog.File
		var deps pqStringArray
		if err := rows.Scan(&f.Filename, &f.BuildID, &f.Size, &f.Hash, &f.PackageTag,
			&f.VersionTag, &f.InterpTag, &f.ABITag, &f.PlatformTag, &deps); err != nil {
			return nil, fmt.Errorf("PROJFILES: scan: %w", err)
		}
		f.Dependencies = deps
		out = append(out, f)
	}
	return out, rows.Err()
}

func (w *Worker) projectVersions(ctx context.Context, pkg string) ([]catalog.Version, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT package, version, released_at, skip_reason, yanked
		 FROM versions WHERE package = $1 ORDER BY released_at`, pkg)
	if err != nil {
		return nil, fmt.Errorf("PROJVERS: %w", err)
	}
	defer rows.Close()

	var out []catalog.Version
	for rows.Next() {
		var v catalog.Version
		if err := rows.Scan(&v.Package, &v.Version, &v.ReleasedAt, &v.SkipReason, &v.Yanked); err != nil {
			return nil, fmt.Errorf("PROJVERS: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (w *Worker) fileDeps(ctx context.Context, filename string) ([]string, error) {
	var deps pqStringArray
	err := w.db.QueryRowContext(ctx,
		`SELECT dependencies FROM files WHERE filename = $1`, filename).Scan(&deps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("FILEDEPS: no such file %s", filename)
	}
	if err != nil {
		return nil, fmt.Errorf("FILEDEPS: %w", err)
	}
	return deps, nil
}

// StatisticsRecord is the GETSTATS result, matching the rollup fields
// original_source computes in the_oracle.py's get_statistics.
type StatisticsRecord struct {
	Packages      int64
	Versions      int64
	Files         int64
	Builds        int64
	BuildsOK      int64
	BuildsFailed  int64
	DownloadsTotal int64
}

func (w *Worker) getStats(ctx context.Context) (StatisticsRecord, error) {
	var s StatisticsRecord
	err := w.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM packages),
			(SELECT count(*) FROM versions),
			(SELECT count(*) FROM files),
			(SELECT count(*) FROM builds),
			(SELECT count(*) FROM builds WHERE status = 1),
			(SELECT count(*) FROM builds WHERE status = 2),
			(SELECT count(*) FROM access_events WHERE kind = 'download')
	`).Scan(&s.Packages, &s.Versions, &s.Files, &s.Builds, &s.BuildsOK, &s.BuildsFailed, &s.DownloadsTotal)
	if err != nil {
		return StatisticsRecord{}, fmt.Errorf("GETSTATS: %w", err)
	}
	return s, nil
}

// SearchCounts is one package's (recent, all-time) download counts, the
// GETSEARCH result shape.
type SearchCounts struct {
	Recent int64
	All    int64
}

func (w *Worker) getSearch(ctx context.Context) (map[string]SearchCounts, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT package,
		       count(*) FILTER (WHERE ts > now() - interval '30 days'),
		       count(*)
		FROM access_events
		WHERE kind = 'download'
		GROUP BY package
	`)
	if err != nil {
		return nil, fmt.Errorf("GETSEARCH: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SearchCounts)
	for rows.Next() {
		var pkg string
		var c SearchCounts
		if err := rows.Scan(&pkg, &c.Recent, &c.All); err != nil {
			return nil, fmt.Errorf("GETSEARCH: scan: %w", err)
		}
		out[pkg] = c
	}
	return out, rows.Err()
}

func (w *Worker) getPyPISerial(ctx context.Context) (int64, error) {
	var serial int64
	err := w.db.QueryRowContext(ctx, `SELECT pypi_serial FROM configuration WHERE id = 1`).Scan(&serial)
	if err != nil {
		return 0, fmt.Errorf("GETPYPI: %w", err)
	}
	return serial, nil
}

// setPyPISerial enforces invariant 5 (§3): the persisted serial never
// decreases, even if called with a stale value by a racing caller.
func (w *Worker) setPyPISerial(ctx context.Context, serial int64) error {
	_, err := w.db.ExecContext(ctx,
		`UPDATE configuration SET pypi_serial = $1 WHERE id = 1 AND pypi_serial < $1`, serial)
	if err != nil {
		return fmt.Errorf("SETPYPI: %w", err)
	}
	return nil
}

func (w *Worker) saveRewrites(ctx context.Context, pending []catalog.RewritePending) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SAVEREWRITES: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rewrites_pending`); err != nil {
		return fmt.Errorf("SAVEREWRITES: clear: %w", err)
	}
	for _, p := range pending {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rewrites_pending (package, added_at, command) VALUES ($1, $2, $3)
			 ON CONFLICT (package) DO UPDATE SET command = EXCLUDED.command`,
			p.Package, p.AddedAt, string(p.Command)); err != nil {
			return fmt.Errorf("SAVEREWRITES: insert %s: %w", p.Package, err)
		}
	}
	return tx.Commit()
}

func (w *Worker) loadRewrites(ctx context.Context) ([]catalog.RewritePending, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT package, added_at, command FROM rewrites_pending`)
	if err != nil {
		return nil, fmt.Errorf("LOADREWRITES: %w", err)
	}
	defer rows.Close()

	var out []catalog.RewritePending
	for rows.Next() {
		var p catalog.RewritePending
		var cmd string
		if err := rows.Scan(&p.Package, &p.AddedAt, &cmd); err != nil {
			return nil, fmt.Errorf("LOADREWRITES: scan: %w", err)
		}
		p.Command = catalog.RewriteCommand(cmd)
		out = append(out, p)
	}
	return out, rows.Err()
}

// pqStringArray scans/serializes a Postgres TEXT[] without pulling in
// lib/pq's pq.Array helper generic wrapper, keeping the dependency
// surface to the driver import already required for sql.Open.
type pqStringArray []string

func (a *pqStringArray) Scan(src any) error {
	if src == nil {
		*a = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return a.parse(string(v))
	case string:
		return a.parse(v)
	default:
		return fmt.Errorf("pqStringArray: unsupported scan type %T", src)
	}
}

func (a *pqStringArray) parse(s string) error {
	// Postgres array text format: {a,b,c} or {"a","b","c"} (the form Value
	// writes). Elements are split on commas and surrounding double quotes
	// are dropped; escapes are not handled, which suffices for these domain
	// values (package/dependency names never contain commas, braces, or
	// quotes).
	s = trimBraces(s)
	if s == "" {
		*a = nil
		return nil
	}
	parts := splitUnquoted(s)
	for i, p := range parts {
		if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
			parts[i] = p[1 : len(p)-1]
		}
	}
	*a = parts
	return nil
}

func trimBraces(s string) string {
	if len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}' {
		return s[1 : len(s)-1]
	}
	return s
}

func splitUnquoted(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// Value implements driver.Valuer, serializing to Postgres array literal
// syntax for INSERT/UPDATE statements.
func (a pqStringArray) Value() (any, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	// json array ["a","b"] and postgres array {"a","b"} agree on quoting
	// for our alphanumeric-only domain values; only the outer brackets
	// differ.
	s := string(b)
	return "{" + s[1:len(s)-1] + "}", nil
}

