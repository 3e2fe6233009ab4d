// Package fileserver implements the chunked pull-with-credit file
// transfer described in SPEC_FULL.md §4.7, grounded on
// original_source/piwheels/protocols.py's file_juggler_files/fs schemas
// (FileJuggler's own implementation wasn't part of the retrieved
// source, only its wire protocol and tests/slave/test_slave.py's use of
// it). The master requests one file at a time (FETCH), the worker
// streams it back as a sequence of base64 CHUNK frames, and a final DONE
// frame carries the size/hash the master verifies against before
// publishing. The configured chunk size and credit are stored on the
// Server but not sent to the worker or enforced: the transfer loop
// accepts CHUNK frames of any size, with no in-flight window, until DONE.
package fileserver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/piwheels/master/pkg/atomicfile"
	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/observability"
	"github.com/piwheels/master/pkg/transport"
	"github.com/piwheels/master/pkg/workerrouter"
)

// DefaultChunkSize is the default Config.ChunkSize, matching §4.7's
// stated default. The transfer loop does not request or check it.
const DefaultChunkSize = 64 * 1024

// DefaultCredit is the default Config.Credit. The transfer loop does not
// limit how many CHUNK frames are in flight.
const DefaultCredit = 4

// Protocol is the file_juggler_files wire schema: FETCH requests a
// filename, CHUNK/DONE/RETRY are the worker's replies.
var Protocol = transport.NewProtocol("file_juggler").
	On("FETCH", nil).
	On("CHUNK", nil).
	On("DONE", nil).
	On("RETRY", nil)

// FileLogger persists a build row and its verified, published files.
// dbclient.Client satisfies this.
type FileLogger interface {
	LogBuild(ctx context.Context, b catalog.Build) (int64, error)
	LogFile(ctx context.Context, f catalog.File) error
}

// Idler is told a build finished so the worker can return to IDLE.
// *workerrouter.Router satisfies this.
type Idler interface {
	LogBuildAndIdle(w *workerrouter.Worker, assignment workerrouter.Assignment)
}

// Conn is the subset of transport.WSConn the transfer loop drives.
type Conn interface {
	Send(env transport.Envelope) error
	Recv() (transport.Envelope, error)
	SetReadDeadline(t time.Time) error
}

// Server pulls files off connected workers and publishes them into the
// output tree. It implements workerrouter.FileReceiver.
type Server struct {
	logger     *observability.Logger
	db         FileLogger
	router     Idler
	outputRoot string
	chunkSize  int
	credit     int
	timeout    time.Duration
	archiver   LogArchiver
}

// LogArchiver optionally copies a build's console output somewhere
// durable once a build is fully logged (§4.7's optional S3 archive of
// build logs). A nil archiver disables archiving.
type LogArchiver interface {
	Archive(ctx context.Context, buildID int64, contents []byte) error
}

// Config configures a Server.
type Config struct {
	OutputRoot string
	ChunkSize  int
	Credit     int
	Timeout    time.Duration
	Archiver   LogArchiver
}

// New constructs a Server. router receives the LogBuildAndIdle callback
// once a build's files have all landed.
func New(logger *observability.Logger, db FileLogger, router Idler, cfg Config) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Credit <= 0 {
		cfg.Credit = DefaultCredit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Server{
		logger:     logger,
		db:         db,
		router:     router,
		outputRoot: cfg.OutputRoot,
		chunkSize:  cfg.ChunkSize,
		credit:     cfg.Credit,
		timeout:    cfg.Timeout,
		archiver:   cfg.Archiver,
	}
}

// ReceiveFiles implements workerrouter.FileReceiver. It logs the build,
// pulls every reported file off worker's connection, verifies and
// publishes each, then hands the worker back to IDLE via Router.
func (s *Server) ReceiveFiles(worker *workerrouter.Worker, report workerrouter.BuildReport) {
	ctx := context.Background()
	status := catalog.BuildFailure
	if report.OK {
		status = catalog.BuildSuccess
	}
	buildID, err := s.db.LogBuild(ctx, catalog.Build{
		Package:  report.Assignment.Package,
		Version:  report.Assignment.Version,
		ABI:      report.Assignment.ABI,
		WorkerID: worker.ID,
		Status:   status,
		Duration: report.Duration,
		Output:   report.Output,
	})
	if err != nil {
		s.logger.WithError(err).WithField("worker_id", worker.ID).Error("failed to log build, dropping transfer")
		s.router.LogBuildAndIdle(worker, report.Assignment)
		return
	}

	if s.archiver != nil && report.Output != "" {
		if err := s.archiver.Archive(ctx, buildID, []byte(report.Output)); err != nil {
			s.logger.WithError(err).WithField("build_id", buildID).Warn("failed to archive build log, local record remains authoritative")
		}
	}

	files := make([]catalog.File, 0, len(report.Files))
	for _, filename := range report.Files {
		parsed, ok := catalog.ParseWheelName(filename)
		if !ok {
			s.logger.WithField("filename", filename).Warn("could not parse wheel filename, skipping")
			continue
		}
		files = append(files, catalog.File{
			Filename:    filename,
			BuildID:     buildID,
			PackageTag:  parsed.Package,
			VersionTag:  parsed.Version,
			InterpTag:   parsed.Interp,
			ABITag:      parsed.ABI,
			PlatformTag: parsed.Platform,
		})
	}

	if err := s.Transfer(ctx, worker.Conn(), buildID, files); err != nil {
		s.logger.WithError(err).WithField("worker_id", worker.ID).Error("file transfer failed")
	}
	s.router.LogBuildAndIdle(worker, report.Assignment)
}

// chunkFrame is the decoded payload of one CHUNK envelope.
type chunkFrame struct {
	Data string `json:"data"` // base64
}

// doneFrame is the decoded payload of a DONE envelope.
type doneFrame struct {
	Size int64  `json:"size"`
	Hash string `json:"hash"` // hex sha256
}

// Transfer pulls every named file from conn, verifies it, and publishes
// it atomically into the wheels output directory. It stops at the first
// error and reports it; files already transferred before the error remain
// published and the remaining files are not fetched. A failed file is not
// resumed: a RETRY frame from the worker is returned as an error.
func (s *Server) Transfer(ctx context.Context, conn Conn, buildID int64, files []catalog.File) error {
	for _, f := range files {
		if err := s.transferOne(ctx, conn, buildID, f); err != nil {
			return fmt.Errorf("fileserver: %s: %w", f.Filename, err)
		}
	}
	return nil
}

func (s *Server) transferOne(ctx context.Context, conn Conn, buildID int64, f catalog.File) error {
	if err := conn.Send(transport.Envelope{Msg: "FETCH", Data: f.Filename}); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	hasher := sha256.New()
	var size int64
	tmpDir, err := os.MkdirTemp("", "piwheels-fileserver-*")
	if err != nil {
		return fmt.Errorf("staging dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	stagePath := filepath.Join(tmpDir, filepath.Base(f.Filename))
	stage, err := os.Create(stagePath)
	if err != nil {
		return fmt.Errorf("staging file: %w", err)
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			stage.Close()
			return err
		}
		env, err := conn.Recv()
		if err != nil {
			stage.Close()
			return fmt.Errorf("recv: %w", err)
		}
		switch env.Msg {
		case "CHUNK":
			frame, ok := env.Data.(chunkFrame)
			if !ok {
				frame, ok = coerceChunkFrame(env.Data)
				if !ok {
					stage.Close()
					return fmt.Errorf("CHUNK: malformed payload %T", env.Data)
				}
			}
			raw, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				stage.Close()
				return fmt.Errorf("CHUNK: bad base64: %w", err)
			}
			if _, err := stage.Write(raw); err != nil {
				stage.Close()
				return fmt.Errorf("CHUNK: write: %w", err)
			}
			hasher.Write(raw)
			size += int64(len(raw))
		case "DONE":
			stage.Close()
			done, ok := env.Data.(doneFrame)
			if !ok {
				done, ok = coerceDoneFrame(env.Data)
				if !ok {
					return fmt.Errorf("DONE: malformed payload %T", env.Data)
				}
			}
			if done.Size != size {
				return fmt.Errorf("size mismatch: worker reported %d, received %d", done.Size, size)
			}
			gotHash := hex.EncodeToString(hasher.Sum(nil))
			if done.Hash != gotHash {
				return fmt.Errorf("hash mismatch: worker reported %s, computed %s", done.Hash, gotHash)
			}
			return s.publish(ctx, stagePath, buildID, f, size, gotHash)
		case "RETRY":
			stage.Close()
			return fmt.Errorf("worker requested retry")
		default:
			stage.Close()
			return fmt.Errorf("unexpected message %q during transfer", env.Msg)
		}
	}
}

func (s *Server) publish(ctx context.Context, stagePath string, buildID int64, f catalog.File, size int64, hash string) error {
	destDir := filepath.Join(s.outputRoot, "simple", catalog.Canonicalize(f.PackageTag))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	dest := filepath.Join(destDir, f.Filename)

	staged, err := os.Open(stagePath)
	if err != nil {
		return fmt.Errorf("reopen staged file: %w", err)
	}
	defer staged.Close()

	if err := atomicfile.Write(dest, 0o644, func(w io.Writer) error {
		buf := make([]byte, 256*1024)
		for {
			n, rerr := staged.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if rerr != nil {
				if errors.Is(rerr, io.EOF) {
					return nil
				}
				return rerr
			}
		}
	}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	// §4.7 point 5: an armv7l wheel also gets an armv6l sibling symlink,
	// since both ABIs are binary compatible on that platform.
	if sibling, ok := catalog.Armv6lSibling(f.Filename); ok {
		if err := atomicfile.Symlink(f.Filename, filepath.Join(destDir, sibling)); err != nil {
			s.logger.WithError(err).WithField("filename", f.Filename).Warn("failed to create armv6l sibling symlink")
		}
	}

	f.Size = size
	f.Hash = hash
	f.BuildID = buildID
	if err := s.db.LogFile(ctx, f); err != nil {
		return fmt.Errorf("log file: %w", err)
	}
	return nil
}

func coerceChunkFrame(data any) (chunkFrame, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return chunkFrame{}, false
	}
	s, ok := m["data"].(string)
	return chunkFrame{Data: s}, ok
}

func coerceDoneFrame(data any) (doneFrame, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return doneFrame{}, false
	}
	size, _ := m["size"].(float64)
	hash, _ := m["hash"].(string)
	return doneFrame{Size: int64(size), Hash: hash}, true
}
