// This file implements the worker-facing websocket endpoint itself:
// Router owns the state machine, Server owns the network boundary that
// drives it, following the same accept-then-register-a-Source shape as
// pkg/logingest and pkg/adminendpoint.
package workerrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/piwheels/master/pkg/observability"
	"github.com/piwheels/master/pkg/taskruntime"
	"github.com/piwheels/master/pkg/transport"
)

// Protocol is the worker wire protocol from spec.md §6: HELLO negotiates
// identity, IDLE/BUILD/SLEEP/DIE drive the assignment loop, BUILT reports
// an outcome. File transfer (FETCH/CHUNK/DONE/RETRY, the message names of
// fileserver.Protocol) is carried over the same connection once
// HandleBuilt hands it off, so those names are registered here too.
var Protocol = transport.NewProtocol("piwheels-worker").
	On("HELLO", nil).
	On("IDLE", nil).
	On("BUILD", nil).
	On("SLEEP", nil).
	On("DIE", nil).
	On("BUILT", nil).
	On("FETCH", nil).
	On("CHUNK", nil).
	On("DONE", nil).
	On("RETRY", nil)

type helloPayload struct {
	Timeout  float64 `json:"timeout"`
	PyTag    string  `json:"py_tag"`
	ABI      string  `json:"abi"`
	Platform string  `json:"platform"`
	Label    string  `json:"label"`
}

type helloReply struct {
	WorkerID      string `json:"worker_id"`
	UpstreamIndex string `json:"upstream_index_url"`
}

type buildPayload struct {
	Package string `json:"package"`
	Version string `json:"version"`
}

type builtPayload struct {
	Success  bool     `json:"success"`
	Duration float64  `json:"duration"`
	Output   string   `json:"output"`
	Files    []string `json:"files"`
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// ListenAddr is the TCP address the worker endpoint listens on.
	ListenAddr string
	// DefaultTimeout is used if a worker's HELLO omits one.
	DefaultTimeout time.Duration
	// UpstreamIndexURL is echoed back in the HELLO reply, matching
	// spec.md §6's master->worker HELLO payload.
	UpstreamIndexURL string
}

// Server is the network boundary in front of Router: it accepts one
// websocket connection per worker, performs the HELLO handshake, and
// registers a taskruntime.Source that keeps driving that worker's state
// machine for the life of the connection.
type Server struct {
	logger *observability.Logger
	router *Router
	cfg    ServerConfig

	task       *taskruntime.Task
	httpServer *http.Server
}

// NewServer wraps router with a worker-facing listener. Register sweep as
// a taskruntime.Interval on the returned Task via Task() if the caller
// wants SweepExpired driven from the same loop (cmd/piwheels-master does
// this, once per heartbeat TTL).
func NewServer(logger *observability.Logger, router *Router, cfg ServerConfig) *Server {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Server{
		logger: logger,
		router: router,
		cfg:    cfg,
		task:   taskruntime.New("workerrouter", &taskruntime.NonStop{}, nil),
	}
}

// Task exposes the underlying taskruntime.Task so the caller can register
// SweepExpired as a periodic hook alongside it.
func (s *Server) Task() *taskruntime.Task { return s.task }

// Start begins listening for worker connections.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/worker", s.handleConnect)
	s.httpServer = &http.Server{Addr: s.cfg.ListenAddr, Handler: mux}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("workerrouter: listen: %w", err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("workerrouter: server stopped serving")
		}
	}()
	taskruntime.Go(s.task)
	s.logger.WithField("addr", s.cfg.ListenAddr).Info("workerrouter listening for workers")
	return nil
}

// Stop shuts the listener down and quits the driving task.
func (s *Server) Stop(ctx context.Context) error {
	s.task.Quit()
	s.task.Join()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, Protocol)
	if err != nil {
		s.logger.WithError(err).Warn("workerrouter: accept failed")
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
		conn.Close()
		return
	}
	env, err := conn.Recv()
	if err != nil || env.Msg != "HELLO" {
		s.logger.WithError(err).Warn("workerrouter: expected HELLO as first message")
		conn.Close()
		return
	}
	var hello helloPayload
	if err := decodeInto(env.Data, &hello); err != nil {
		s.logger.WithError(err).Warn("workerrouter: malformed HELLO")
		conn.Close()
		return
	}
	timeout := time.Duration(hello.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	worker := s.router.HandleHello(conn, timeout, hello.ABI, hello.Platform, hello.Label)
	if err := conn.Send(transport.Envelope{Msg: "HELLO", Data: helloReply{
		WorkerID:      worker.ID,
		UpstreamIndex: s.cfg.UpstreamIndexURL,
	}}); err != nil {
		s.logger.WithError(err).Warn("workerrouter: failed to ack HELLO")
		conn.Close()
		return
	}

	src := transport.NewWSSource(conn, func(ctx context.Context, env transport.Envelope) error {
		return s.handle(ctx, worker, conn, env)
	}, func(err error) {
		s.logger.WithError(err).WithField("worker_id", worker.ID).Warn("workerrouter: connection error")
	})
	s.task.Register(src)
}

func (s *Server) handle(ctx context.Context, worker *Worker, conn *transport.WSConn, env transport.Envelope) error {
	switch env.Msg {
	case "IDLE":
		action := s.router.Poll(worker)
		switch action.Kind {
		case "BUILD":
			return conn.Send(transport.Envelope{Msg: "BUILD", Data: buildPayload{
				Package: action.Assignment.Package,
				Version: action.Assignment.Version,
			}})
		case "DIE":
			return conn.Send(transport.Envelope{Msg: "DIE"})
		default:
			return conn.Send(transport.Envelope{Msg: "SLEEP"})
		}
	case "BUILT":
		var built builtPayload
		if err := decodeInto(env.Data, &built); err != nil {
			return fmt.Errorf("workerrouter: malformed BUILT: %w", err)
		}
		s.router.HandleBuilt(worker, built.Success, time.Duration(built.Duration*float64(time.Second)), built.Output, built.Files)
		return nil
	default:
		return fmt.Errorf("workerrouter: unexpected message %q", env.Msg)
	}
}

// decodeInto round-trips an Envelope's untyped Data field (typically a
// map[string]interface{} produced by json.Unmarshal) into a typed
// struct, the same idiom pkg/logingest uses for the same reason.
func decodeInto(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
