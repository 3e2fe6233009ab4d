// Package queuebuilder implements the cancellable per-ABI build queue
// query described in SPEC_FULL.md §4.5: it derives {abi: [(pkg, ver)]}
// from the catalog (invariant 3, §3) and publishes the result to
// WorkerRouter on every refresh.
package queuebuilder

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/piwheels/master/pkg/catalog"
)

// Entry is one pending build, identified by package/version/ABI.
type Entry struct {
	Package    string
	Version    string
	ReleasedAt time.Time
}

// Queue is the published result: pending entries grouped by ABI tag,
// oldest release first within each ABI (assignment policy in §4.6
// prefers the oldest unbuilt version).
type Queue map[string][]Entry

// Publisher receives a freshly built Queue. WorkerRouter implements this.
type Publisher interface {
	PublishQueue(q Queue)
}

// Builder runs the cancellable long query against the catalog database
// directly (not through DbGateway: this query is read-only, long-running,
// and must be abortable independently of the DbWorker serialization
// fabric, matching §4.5's "the builder must be cancellable" requirement,
// which a gateway round-trip through a single-connection DbWorker would
// defeat since the worker itself would be pinned for the query's
// duration).
type Builder struct {
	db   *sql.DB
	abis []string
	pub  Publisher
}

// New constructs a Builder. abis lists every ABI tag the farm builds for.
func New(db *sql.DB, abis []string, pub Publisher) *Builder {
	return &Builder{db: db, abis: abis, pub: pub}
}

// Refresh runs the query and publishes its result. ctx cancellation
// aborts the in-flight statement immediately via QueryContext, satisfying
// the Supervisor's QUIT-must-abort-long-queries requirement (§5).
func (b *Builder) Refresh(ctx context.Context) error {
	rows, err := b.db.QueryContext(ctx, pendingQuery, pq.Array(b.abis), fatalBuildStatus)
	if err != nil {
		return fmt.Errorf("queuebuilder: query: %w", err)
	}
	defer rows.Close()

	q := make(Queue)
	for rows.Next() {
		var pkg, version, abi string
		var releasedAt time.Time
		if err := rows.Scan(&pkg, &version, &abi, &releasedAt); err != nil {
			return fmt.Errorf("queuebuilder: scan: %w", err)
		}
		q[abi] = append(q[abi], Entry{Package: pkg, Version: version, ReleasedAt: releasedAt})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("queuebuilder: rows: %w", err)
	}

	for abi := range q {
		entries := q[abi]
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].ReleasedAt.Before(entries[j].ReleasedAt)
		})
		q[abi] = entries
	}

	b.pub.PublishQueue(q)
	return nil
}

// pendingQuery implements invariant 3 (§3): a pending build exists for
// (package, version, ABI) when neither is skipped, no successful file
// exists for that (version, ABI), and no fatal-failed build blocks it.
// The ABI dimension comes from a CROSS JOIN against the configured ABI
// list rather than a files/builds column, since ABI is a property of
// the worker pool, not of the version being built.
const pendingQuery = `
SELECT v.package, v.version, abi.tag, v.released_at
FROM versions v
JOIN packages p ON p.name = v.package
CROSS JOIN (SELECT unnest($1::text[]) AS tag) abi
WHERE p.skip_reason = ''
  AND v.skip_reason = ''
  AND NOT v.yanked
  AND NOT EXISTS (
        SELECT 1 FROM files f
        JOIN builds b ON b.id = f.build_id
        WHERE f.package_tag = v.package AND f.version_tag = v.version AND f.abi_tag = abi.tag
  )
  AND NOT EXISTS (
        SELECT 1 FROM builds b2
        WHERE b2.package = v.package AND b2.version = v.version AND b2.abi = abi.tag
          AND b2.status = $2
  )
`

// fatalBuildStatus pins the placeholder for catalog.BuildFailure so the
// query above stays in one parameterized literal rather than string
// formatting the status code in.
var fatalBuildStatus = int(catalog.BuildFailure)
