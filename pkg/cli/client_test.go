package cli

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

// newTestAdminServer starts an HTTP server listening on a Unix socket
// under a temp dir and returns its socket path, mirroring how
// AdminEndpoint itself serves.
func newTestAdminServer(t *testing.T, handler http.Handler) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "admin.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return socket
}

func TestAdminClientPostSuccess(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	socket := newTestAdminServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"done": "NEWPKG"})
	}))

	client := newAdminClient(socket)
	resp, err := client.post("/admin/addpkg", map[string]any{"package": "requests"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp["done"] != "NEWPKG" {
		t.Fatalf("expected done=NEWPKG, got %v", resp)
	}
	if gotPath != "/admin/addpkg" {
		t.Fatalf("expected path /admin/addpkg, got %s", gotPath)
	}
	if gotBody["package"] != "requests" {
		t.Fatalf("expected package=requests in request body, got %v", gotBody)
	}
}

func TestAdminClientPostErrorCode(t *testing.T) {
	socket := newTestAdminServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "BADINPUT"})
	}))

	client := newAdminClient(socket)
	_, err := client.post("/admin/addpkg", map[string]any{})
	if err == nil {
		t.Fatal("expected error for ERROR(code) response")
	}
}

func TestAdminClientDefaultSocket(t *testing.T) {
	client := newAdminClient("")
	if client.socket != defaultSocket {
		t.Fatalf("expected default socket %s, got %s", defaultSocket, client.socket)
	}
}
