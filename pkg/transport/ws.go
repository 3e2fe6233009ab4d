package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSUpgrader wraps websocket.Upgrader with the master's defaults: no
// origin restriction (workers are trusted LAN peers, not browsers), and
// buffer sizes sized for the small JSON envelopes this protocol carries.
var WSUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn is a bidirectional Envelope stream over one websocket
// connection. It serializes writes (gorilla/websocket connections are not
// safe for concurrent writers) and exposes Send/Recv so it can back
// either a worker connection accepted by WorkerRouter or the status feed
// dialed by a consumer.
type WSConn struct {
	conn     *websocket.Conn
	protocol *Protocol

	writeMu sync.Mutex
}

// NewWSConn wraps an already-established websocket connection, validating
// every sent and received Envelope against protocol.
func NewWSConn(conn *websocket.Conn, protocol *Protocol) *WSConn {
	return &WSConn{conn: conn, protocol: protocol}
}

// Accept upgrades an incoming HTTP request to a WSConn.
func Accept(w http.ResponseWriter, r *http.Request, protocol *Protocol) (*WSConn, error) {
	conn, err := WSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	return NewWSConn(conn, protocol), nil
}

// Dial connects to a remote endpoint as a client (used by piwheels-admin
// and the status-feed CLI).
func Dial(ctx context.Context, url string, protocol *Protocol) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWSConn(conn, protocol), nil
}

// Send validates and writes one Envelope as JSON.
func (c *WSConn) Send(env Envelope) error {
	if c.protocol != nil {
		if err := c.protocol.Validate(env); err != nil {
			return err
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// Recv blocks until one Envelope arrives, the deadline set by SetReadDeadline
// elapses, or the connection closes.
func (c *WSConn) Recv() (Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	if c.protocol != nil {
		if err := c.protocol.Validate(env); err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}

// SetReadDeadline bounds the next Recv call, used by workerrouter to
// detect a worker that has gone silent past its heartbeat timeout.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the underlying connection with a normal closure frame.
func (c *WSConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// RemoteAddr returns the peer address, used for access logging.
func (c *WSConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// WSSource adapts a WSConn into a taskruntime.Source, polling Recv with a
// deadline derived from the poll timeout.
type WSSource struct {
	conn   *WSConn
	handle func(ctx context.Context, env Envelope) error
	onErr  func(error)
}

// NewWSSource wraps conn as a pollable Source.
func NewWSSource(conn *WSConn, handle func(ctx context.Context, env Envelope) error, onErr func(error)) *WSSource {
	return &WSSource{conn: conn, handle: handle, onErr: onErr}
}

// Poll implements taskruntime.Source.
func (s *WSSource) Poll(ctx context.Context, timeout time.Duration) bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	env, err := s.conn.Recv()
	if err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return false
		}
		if s.onErr != nil {
			s.onErr(fmt.Errorf("transport: ws recv: %w", err))
		}
		return false
	}
	if err := s.handle(ctx, env); err != nil && s.onErr != nil {
		s.onErr(fmt.Errorf("transport: ws handler: %w", err))
	}
	return true
}

// MarshalPayload is a convenience for building an Envelope.Data field from
// a typed struct, used by callers that want compile-time-checked payload
// construction rather than passing a bare map.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal payload: %w", err)
	}
	return b, nil
}
