package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// defaultSocket is where cmd/piwheels-master's AdminEndpoint listens
// unless overridden, matching pkg/config's PIWHEELS_ADMIN_SOCKET default.
const defaultSocket = "/run/piwheels/admin.sock"

// adminClient posts admin verbs to adminendpoint.Server over its Unix
// socket, the same request/reply shape as the teacher's push/pull
// commands use against an HTTP registry, just dialed over "unix" instead
// of "tcp".
type adminClient struct {
	http   *http.Client
	socket string
}

func newAdminClient(socket string) *adminClient {
	if socket == "" {
		socket = defaultSocket
	}
	return &adminClient{
		socket: socket,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
		},
	}
}

// post sends body as JSON to path and decodes the result, reporting an
// ERROR(code) response as a Go error rather than a successful decode.
func (c *adminClient) post(path string, body any) (map[string]string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.http.Post("http://unix"+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("dial admin socket %s: %w", c.socket, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %s", string(raw))
	}
	if code, ok := out["error"]; ok {
		return nil, fmt.Errorf("admin endpoint rejected request: %s", code)
	}
	return out, nil
}
