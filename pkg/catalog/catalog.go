// Package catalog defines the data model shared by every task in the
// piwheels master: packages, versions, builds, files, access-log events,
// the web-rewrite backlog, and the configuration singleton.
package catalog

import "time"

// DeletedReason is the distinguished skip-reason value that tombstones a
// package or version: it marks the row as gone without ever deleting it.
const DeletedReason = "deleted"

// BinaryOnlyReason is produced automatically by IndexPoller when the
// upstream index only ever announced a binary artifact for a version.
const BinaryOnlyReason = "binary only"

// Package is a canonical package record. Created by IndexPoller or
// AdminEndpoint, mutated by the same, never deleted while any version
// exists.
type Package struct {
	Name        string // canonical name, see Canonicalize
	Description string
	SkipReason  string // empty = buildable
	Aliases     []string
}

// Buildable reports whether the package may currently be built.
func (p Package) Buildable() bool { return p.SkipReason == "" }

// Version is a single (package, version) release record.
type Version struct {
	Package     string
	Version     string
	ReleasedAt  time.Time
	SkipReason  string
	Yanked      bool
}

// Buildable reports whether the version may currently be built.
func (v Version) Buildable() bool { return v.SkipReason == "" && !v.Yanked }

// BuildStatus is the outcome of a single build attempt.
type BuildStatus int

const (
	BuildUnknown BuildStatus = iota
	BuildSuccess
	BuildFailure
)

// Build is one build attempt of (package, version) for a given ABI.
type Build struct {
	ID       int64 // assigned by the DB on insert
	Package  string
	Version  string
	ABI      string
	WorkerID string
	Status   BuildStatus
	Duration time.Duration
	Output   string
}

// File is one published artifact attached to a successful Build.
type File struct {
	Filename     string // globally unique
	BuildID      int64
	Size         int64
	Hash         string // hex content hash
	PackageTag   string
	VersionTag   string
	InterpTag    string
	ABITag       string
	PlatformTag  string
	Dependencies []string // OS package names
}

// EventKind distinguishes the access-log event tables described in §3.
type EventKind string

const (
	EventDownload EventKind = "download"
	EventSearch   EventKind = "search"
	EventProject  EventKind = "project"
	EventJSON     EventKind = "json"
	EventPage     EventKind = "page"
)

// AccessEvent is one append-only access-log row, persisted for stats.
type AccessEvent struct {
	Kind      EventKind
	Timestamp time.Time
	Package   string
	Filename  string // set for EventDownload
	ClientIP  string
	UserAgent string
}

// RewriteCommand is the kind of page rewrite WebCoalescer is asked to
// eventually forward to PageWriter.
type RewriteCommand string

const (
	RewriteHome    RewriteCommand = "HOME"
	RewriteSearch  RewriteCommand = "SEARCH"
	RewriteProject RewriteCommand = "PROJECT"
	RewriteBoth    RewriteCommand = "BOTH"
)

// RewritePending is WebCoalescer's durable backlog entry: a queued page
// rewrite that must survive a master restart.
type RewritePending struct {
	Package string
	AddedAt time.Time
	Command RewriteCommand
}

// Configuration is the single-row configuration singleton.
type Configuration struct {
	SchemaVersion string
	PyPISerial    int64
}

// FileDependencies maps a filename to the set of OS package names it
// depends on, backing the FILEDEPS DB operation. Adapted from the
// teacher's proto-import dependency graph, trimmed to the flat shape this
// domain actually needs: wheel dependencies don't form a transitive graph.
type FileDependencies map[string][]string
