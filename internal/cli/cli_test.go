package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/server"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FLEET_TOKEN", "")
	if os.Getenv("FLEET_CONTEXT_FILE") == "" {
		t.Setenv("FLEET_CONTEXT_FILE", filepath.Join(t.TempDir(), "context.yaml"))
	}
	cmd := newRootCmd("1.2.0")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func fakeController(t *testing.T) *httptest.Server {
	t.Helper()
	seen := time.Now().Add(-90 * time.Second)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/workers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]*models.Node{
			{ID: 1, Name: "controller", IsLocal: true, Status: models.NodeStatusOnline, LastVersion: "1.2.0", LastHeartbeatAt: &seen,
				Info: &models.NodeInfo{CPUPercent: 12.5, MemoryPercent: 40}},
			{ID: 2, Name: "edge-1", IPAddress: "10.0.0.8", Status: models.NodeStatusPending},
		})
	})
	mux.HandleFunc("POST /api/workers", func(w http.ResponseWriter, r *http.Request) {
		var req models.AddNodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "edge-2", req.Name)
		require.Equal(t, "10.0.0.9", req.IPAddress)
		require.Equal(t, 2222, req.SSHPort)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.Node{ID: 3, Name: req.Name, Status: models.NodeStatusPending})
	})
	mux.HandleFunc("DELETE /api/workers/3", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req models.SubmitJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, map[string]string{"target": "example.com", "ports": "1-1024"}, req.Args)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(models.SubmitJobResponse{JobID: "job-42"})
	})
	mux.HandleFunc("POST /api/jobs/broadcast", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.BroadcastResponse{JobID: "job-43", Results: []models.DispatchOutcome{
			{NodeID: 1, NodeName: "controller", ContainerID: "0123456789abcdef"},
			{NodeID: 2, NodeName: "edge-1", Error: "ssh: handshake failed"},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNodesListTable(t *testing.T) {
	srv := fakeController(t)
	out, err := runCLI(t, "--controller", srv.URL, "nodes", "ls")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, lines[1], "local")
	require.Contains(t, lines[1], "12.5%")
	require.Contains(t, lines[1], "1m ago")
	require.Contains(t, lines[2], "10.0.0.8")
	require.Contains(t, lines[2], "never")
	require.Equal(t, strings.Index(lines[0], "STATUS"), strings.Index(lines[1], "online"))
}

func TestNodesListJSON(t *testing.T) {
	srv := fakeController(t)
	out, err := runCLI(t, "--controller", srv.URL, "--json", "nodes", "list")
	require.NoError(t, err)

	var nodes []models.Node
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 2)
	require.Equal(t, "edge-1", nodes[1].Name)
}

func TestNodesAddAndRemove(t *testing.T) {
	srv := fakeController(t)
	out, err := runCLI(t, "--controller", srv.URL, "nodes", "add", "edge-2", "--ip", "10.0.0.9", "--port", "2222")
	require.NoError(t, err)
	require.Equal(t, "Added node edge-2 (id 3, pending)\n", out)

	out, err = runCLI(t, "--controller", srv.URL, "nodes", "rm", "3")
	require.NoError(t, err)
	require.Equal(t, "Removed node 3\n", out)

	_, err = runCLI(t, "--controller", srv.URL, "nodes", "rm", "abc")
	require.EqualError(t, err, `invalid node id "abc"`)
}

func TestDispatch(t *testing.T) {
	srv := fakeController(t)
	out, err := runCLI(t, "--controller", srv.URL, "dispatch", "apps.scan.flows.port_scan",
		"--arg", "target=example.com", "--arg", "ports=1-1024")
	require.NoError(t, err)
	require.Equal(t, "Queued job job-42\n", out)

	_, err = runCLI(t, "--controller", srv.URL, "dispatch", "x", "--arg", "novalue")
	require.ErrorContains(t, err, "expected key=value")
}

func TestDispatchAllReportsFailures(t *testing.T) {
	srv := fakeController(t)
	out, err := runCLI(t, "--controller", srv.URL, "dispatch", "cleanup", "--all")
	require.EqualError(t, err, "job job-43 failed on 1 of 2 nodes")
	require.Contains(t, out, "0123456789ab")
	require.NotContains(t, out, "0123456789abc")
	require.Contains(t, out, "error: ssh: handshake failed")
}

func TestTokenUsesConfiguredSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  jwt_secret: s3cret\n"), 0o600))

	out, err := runCLI(t, "--config", path, "token", "--subject", "alice", "--ttl", "2h")
	require.NoError(t, err)

	claims, err := server.NewAuthenticator("s3cret", time.Hour).Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.WithinDuration(t, time.Now().Add(2*time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestTokenWithoutSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	_, err := runCLI(t, "--config", path, "token")
	require.ErrorContains(t, err, "jwt_secret is not set")
}

func TestParseTTL(t *testing.T) {
	for input, want := range map[string]time.Duration{
		"90m": 90 * time.Minute,
		"7d":  7 * 24 * time.Hour,
		"30":  30 * time.Second,
	} {
		got, err := parseTTL(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
	_, err := parseTTL("soon")
	require.Error(t, err)
}

func TestWriteTableAlignsStyledCells(t *testing.T) {
	var out bytes.Buffer
	rows := [][]string{
		{"1", formatStatus(models.NodeStatusOnline, true)},
		{"22", "offline"},
	}
	require.NoError(t, writeTable(&out, []string{"ID", "STATUS"}, rows, false))

	lines := strings.Split(strings.TrimSpace(stripANSI(out.String())), "\n")
	require.Equal(t, []string{"ID  STATUS", "1   online", "22  offline"}, lines)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	require.Equal(t, "fleet 1.2.0\n", out)
}

func TestContextUseAndLogin(t *testing.T) {
	var authHeader string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/workers", func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("[]"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	out, err := runCLI(t, "context")
	require.NoError(t, err)
	require.Equal(t, "(no context set)\n", out)

	_, err = runCLI(t, "context", "login", "--token", "abc")
	require.ErrorContains(t, err, "no controller selected")

	_, err = runCLI(t, "context", "use", srv.URL+"/")
	require.NoError(t, err)
	_, err = runCLI(t, "context", "login", "--token", "abc", "--subject", "alice")
	require.NoError(t, err)

	out, err = runCLI(t, "context")
	require.NoError(t, err)
	require.Equal(t, "controller:"+srv.URL+" auth:alice\n", out)

	out, err = runCLI(t, "nodes", "ls")
	require.NoError(t, err)
	require.Equal(t, "No nodes registered.\n", out)
	require.Equal(t, "Bearer abc", authHeader)

	// Switching controllers drops the stored token.
	_, err = runCLI(t, "context", "use", "http://127.0.0.1:1")
	require.NoError(t, err)
	_, err = runCLI(t, "--controller", srv.URL, "nodes", "ls")
	require.NoError(t, err)
	require.Empty(t, authHeader)

	_, err = runCLI(t, "context", "clear")
	require.NoError(t, err)
	out, err = runCLI(t, "context")
	require.NoError(t, err)
	require.Equal(t, "(no context set)\n", out)
}

func TestContextLoginMintsToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  jwt_secret: s3cret\n"), 0o600))

	_, err := runCLI(t, "context", "use", "http://controller.internal:8080")
	require.NoError(t, err)
	_, err = runCLI(t, "--config", path, "context", "login", "--subject", "ops")
	require.NoError(t, err)

	out, err := runCLI(t, "--json", "context")
	require.NoError(t, err)
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Equal(t, "http://controller.internal:8080", shown["controller"])
	require.Equal(t, "ops", shown["subject"])
	require.Equal(t, true, shown["hasToken"])
}
