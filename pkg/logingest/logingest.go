// Package logingest implements the access-log relay described in
// SPEC_FULL.md, grounded directly on original_source/piwheels/master/
// lumberjack.py: an external log-parsing process (piw-logger in the
// original, any log shipper here) pushes one message per HTTP hit, this
// task persists it to the database and a local rotated file, and prints
// per-minute hit counters the way Lumberjack.log_counters does.
//
// lumberjack.py is a tasks.PauseableTask reading a PULL socket;
// taskruntime.Task with Pauseable fills the same role, fed by dynamically
// registered transport.WSSource connections instead of a single ZeroMQ
// PULL socket, since each log-shipper process dials in independently.
package logingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/piwheels/master/pkg/catalog"
	"github.com/piwheels/master/pkg/observability"
	"github.com/piwheels/master/pkg/taskruntime"
	"github.com/piwheels/master/pkg/transport"
)

// Message names accepted on the ingest socket, matching Lumberjack's
// access_handlers table.
const (
	MsgLogDownload = "LOGDOWNLOAD"
	MsgLogSearch   = "LOGSEARCH"
	MsgLogProject  = "LOGPROJECT"
	MsgLogJSON     = "LOGJSON"
	MsgLogPage     = "LOGPAGE"
)

var kindForMsg = map[string]catalog.EventKind{
	MsgLogDownload: catalog.EventDownload,
	MsgLogSearch:   catalog.EventSearch,
	MsgLogProject:  catalog.EventProject,
	MsgLogJSON:     catalog.EventJSON,
	MsgLogPage:     catalog.EventPage,
}

// Protocol validates the five message names LogIngest accepts; payload
// shape is checked by decodePayload at handle time instead of here,
// since every message shares one AccessEvent-shaped schema.
var Protocol = func() *transport.Protocol {
	p := transport.NewProtocol("lumberjack")
	for msg := range kindForMsg {
		p.On(msg, nil)
	}
	return p
}()

// DBClient persists one access-log row.
type DBClient interface {
	LogAccessEvent(ctx context.Context, e catalog.AccessEvent) error
}

// Config configures an Ingest.
type Config struct {
	// SocketPath is the Unix socket external log shippers dial.
	SocketPath string
	// LogFilePath, if set, is a rotated local copy of every ingested
	// event, independent of the database (so a DB outage never loses
	// access history).
	LogFilePath string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
}

// accessPayload is the wire shape of one LOG* message's Data field.
type accessPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Package   string    `json:"package"`
	Filename  string    `json:"filename"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent"`
}

// Ingest is the access-log relay task.
type Ingest struct {
	logger *observability.Logger
	db     DBClient
	cfg    Config
	file   *lumberjack.Logger

	task *taskruntime.Task

	mu       sync.Mutex
	counters map[string]int64

	listener net.Listener
	server   *http.Server
}

// New constructs an Ingest. Call Start to begin accepting connections.
func New(logger *observability.Logger, db DBClient, cfg Config) *Ingest {
	ing := &Ingest{
		logger:   logger,
		db:       db,
		cfg:      cfg,
		counters: make(map[string]int64, len(kindForMsg)),
	}
	if cfg.LogFilePath != "" {
		ing.file = &lumberjack.Logger{
			Filename:   cfg.LogFilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 10),
			MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		}
	}
	ing.task = taskruntime.New("logingest", &taskruntime.Pauseable{}, nil)
	ing.task.Every(time.Minute, ing.logCounters)
	return ing
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Start binds the ingest socket and begins the task's run loop.
func (ing *Ingest) Start(ctx context.Context) error {
	if err := os.RemoveAll(ing.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", ing.cfg.SocketPath)
	if err != nil {
		return err
	}
	ing.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", ing.handleConnect)
	ing.server = &http.Server{Handler: mux}

	go func() {
		if err := ing.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			ing.logger.WithError(err).Error("logingest stopped serving")
		}
	}()
	taskruntime.Go(ing.task)
	ing.logger.WithField("socket", ing.cfg.SocketPath).Info("logingest listening")
	return nil
}

// Stop shuts the ingest socket down and quits the task.
func (ing *Ingest) Stop(ctx context.Context) error {
	ing.task.Quit()
	ing.task.Join()
	if ing.file != nil {
		ing.file.Close()
	}
	if ing.server == nil {
		return nil
	}
	err := ing.server.Shutdown(ctx)
	os.RemoveAll(ing.cfg.SocketPath)
	return err
}

func (ing *Ingest) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, Protocol)
	if err != nil {
		ing.logger.WithError(err).Warn("logingest: accept failed")
		return
	}
	src := transport.NewWSSource(conn, ing.handle, func(err error) {
		ing.logger.WithError(err).Warn("logingest: connection error")
	})
	ing.task.Register(src)
}

func (ing *Ingest) handle(ctx context.Context, env transport.Envelope) error {
	kind, ok := kindForMsg[env.Msg]
	if !ok {
		return fmt.Errorf("logingest: unrecognized message %q", env.Msg)
	}

	var payload accessPayload
	if err := decodePayload(env.Data, &payload); err != nil {
		return fmt.Errorf("logingest: %s: %w", env.Msg, err)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}

	event := catalog.AccessEvent{
		Kind:      kind,
		Timestamp: payload.Timestamp,
		Package:   payload.Package,
		Filename:  payload.Filename,
		ClientIP:  payload.ClientIP,
		UserAgent: payload.UserAgent,
	}

	if ing.file != nil {
		line, _ := json.Marshal(event)
		ing.file.Write(append(line, '\n'))
	}

	if err := ing.db.LogAccessEvent(ctx, event); err != nil {
		return fmt.Errorf("logingest: %s: %w", env.Msg, err)
	}

	ing.mu.Lock()
	ing.counters[env.Msg]++
	ing.mu.Unlock()
	return nil
}

// logCounters prints the last minute's hit counts and resets them,
// matching Lumberjack.log_counters.
func (ing *Ingest) logCounters() {
	ing.mu.Lock()
	counts := ing.counters
	ing.counters = make(map[string]int64, len(kindForMsg))
	ing.mu.Unlock()

	for msg, count := range counts {
		if count > 0 {
			ing.logger.WithField("count", count).WithField("kind", msg).Info("logged access events in the last minute")
		}
	}
}

// decodePayload round-trips data (typically a map[string]interface{}
// produced by decoding an Envelope's Data field) into out via JSON,
// since Envelope carries an untyped payload but handlers want a typed
// struct.
func decodePayload(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
