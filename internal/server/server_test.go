package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tOgg1/scanfleet/internal/dispatch"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/provision"
	"github.com/tOgg1/scanfleet/internal/registry"
	"github.com/tOgg1/scanfleet/internal/testutil"
)

type fakeRegistry struct {
	mu         sync.Mutex
	nodes      map[int64]*models.Node
	nextID     int64
	heartbeats []registry.Heartbeat
	needUpdate bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{nodes: map[int64]*models.Node{}, nextID: 1}
}

func (r *fakeRegistry) Register(_ context.Context, name string, isLocal bool, ip string) (*models.Node, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if node.Name == name {
			return node, false, nil
		}
	}
	node := &models.Node{ID: r.nextID, Name: name, IsLocal: isLocal, IPAddress: ip, Status: models.NodeStatusOnline}
	r.nodes[node.ID] = node
	r.nextID++
	return node, true, nil
}

func (r *fakeRegistry) Add(_ context.Context, node *models.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node.ID = r.nextID
	node.Status = models.NodeStatusPending
	r.nodes[node.ID] = node
	r.nextID++
	return nil
}

func (r *fakeRegistry) Get(_ context.Context, id int64) (*models.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("get node %d: %w", id, registry.ErrNodeNotFound)
	}
	return node, nil
}

func (r *fakeRegistry) List(context.Context) ([]*models.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var nodes []*models.Node
	for id := int64(1); id < r.nextID; id++ {
		if node, ok := r.nodes[id]; ok {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

func (r *fakeRegistry) Remove(ctx context.Context, id int64) (*models.Node, error) {
	node, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	delete(r.nodes, id)
	r.mu.Unlock()
	return node, nil
}

func (r *fakeRegistry) RecordHeartbeat(ctx context.Context, id int64, hb registry.Heartbeat) (*registry.HeartbeatResult, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats = append(r.heartbeats, hb)
	return &registry.HeartbeatResult{Status: models.NodeStatusOnline, NeedUpdate: r.needUpdate, ServerVersion: "1.3.0"}, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []*models.Job
	done chan struct{}
	all  []dispatch.Result
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job *models.Job) (*dispatch.Result, error) {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	d.mu.Unlock()
	if d.done != nil {
		d.done <- struct{}{}
	}
	return &dispatch.Result{JobID: job.ID}, nil
}

func (d *fakeDispatcher) DispatchAll(_ context.Context, job *models.Job) ([]dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.all, d.err
}

func (d *fakeDispatcher) setBroadcast(results []dispatch.Result, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all, d.err = results, err
}

type fakeProvisioner struct {
	mu          sync.Mutex
	uninstalled chan int64
	served      []int64
}

func (p *fakeProvisioner) Serve(_ context.Context, channel provision.Channel, nodeID int64, rows, cols int) error {
	p.mu.Lock()
	p.served = append(p.served, nodeID)
	p.mu.Unlock()
	defer channel.Close()

	data, _ := json.Marshal(provision.ServerMessage{Type: provision.MessageConnected, NodeID: nodeID, Session: fmt.Sprintf("%dx%d", rows, cols)})
	if err := channel.Write(provision.Frame{Data: data}); err != nil {
		return err
	}
	frame, err := channel.Read()
	if err != nil {
		return err
	}
	return channel.Write(provision.Frame{Binary: true, Data: append([]byte("echo:"), frame.Data...)})
}

func (p *fakeProvisioner) Uninstall(_ context.Context, node *models.Node) error {
	p.uninstalled <- node.ID
	return nil
}

type testServer struct {
	server      *Server
	http        *httptest.Server
	registry    *fakeRegistry
	dispatcher  *fakeDispatcher
	provisioner *fakeProvisioner
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	testutil.SkipIfNoNetwork(t)
	ts := &testServer{
		registry:    newFakeRegistry(),
		dispatcher:  &fakeDispatcher{done: make(chan struct{}, 4)},
		provisioner: &fakeProvisioner{uninstalled: make(chan int64, 4)},
	}
	ts.server = New(Deps{
		Registry:    ts.registry,
		Dispatcher:  ts.dispatcher,
		Provisioner: ts.provisioner,
	}, opts)
	ts.http = httptest.NewServer(ts.server.Handler())
	t.Cleanup(func() {
		ts.http.Close()
		ts.server.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, body := ts.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestRegisterAndHeartbeat(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := ts.do(t, http.MethodPost, "/api/workers/register", models.RegisterRequest{Name: "scan-01"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var reg models.RegisterResponse
	require.NoError(t, json.Unmarshal(body, &reg))
	require.Equal(t, models.RegisterResponse{WorkerID: 1, Name: "scan-01", Created: true}, reg)

	resp, body = ts.do(t, http.MethodPost, "/api/workers/register", models.RegisterRequest{Name: "scan-01"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &reg))
	require.False(t, reg.Created)

	ts.registry.mu.Lock()
	ts.registry.needUpdate = true
	ts.registry.mu.Unlock()
	resp, body = ts.do(t, http.MethodPost, "/api/workers/1/heartbeat", models.HeartbeatRequest{CPUPercent: 20.5, MemoryPercent: 31, Version: "1.2.0"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok","needUpdate":true,"serverVersion":"1.3.0"}`, string(body))
	ts.registry.mu.Lock()
	defer ts.registry.mu.Unlock()
	require.Equal(t, []registry.Heartbeat{{CPUPercent: 20.5, MemoryPercent: 31, Version: "1.2.0"}}, ts.registry.heartbeats)
}

func TestHeartbeatValidation(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, _ := ts.do(t, http.MethodPost, "/api/workers/abc/heartbeat", models.HeartbeatRequest{}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/workers/1/heartbeat", models.HeartbeatRequest{CPUPercent: 140}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "CPUPercent")

	resp, _ = ts.do(t, http.MethodPost, "/api/workers/99/heartbeat", models.HeartbeatRequest{CPUPercent: 1}, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddListGetRemove(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := ts.do(t, http.MethodPost, "/api/workers", models.AddNodeRequest{Name: "edge-1", IPAddress: "10.0.0.8", Password: "hunter2"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotContains(t, string(body), "hunter2")
	var node models.Node
	require.NoError(t, json.Unmarshal(body, &node))
	require.Equal(t, models.NodeStatusPending, node.Status)
	require.Equal(t, models.DefaultSSHPort, node.SSHPort)

	resp, body = ts.do(t, http.MethodGet, "/api/workers", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var nodes []models.Node
	require.NoError(t, json.Unmarshal(body, &nodes))
	require.Len(t, nodes, 1)

	resp, _ = ts.do(t, http.MethodGet, fmt.Sprintf("/api/workers/%d", node.ID), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/workers/%d", node.ID), nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	select {
	case id := <-ts.provisioner.uninstalled:
		require.Equal(t, node.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("remote node was not uninstalled")
	}

	resp, _ = ts.do(t, http.MethodGet, fmt.Sprintf("/api/workers/%d", node.ID), nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoveLocalNodeSkipsUninstall(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, _ := ts.do(t, http.MethodPost, "/api/workers", models.AddNodeRequest{Name: "controller", IsLocal: true}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/workers/1", nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	ts.server.Close()
	require.Empty(t, ts.provisioner.uninstalled)
}

func TestAddNodeRequiresAddressForRemote(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, body := ts.do(t, http.MethodPost, "/api/workers", models.AddNodeRequest{Name: "edge-2"}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "IPAddress")
}

func TestSubmitJobRunsInBackground(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := ts.do(t, http.MethodPost, "/api/jobs", models.SubmitJobRequest{Module: "apps.scan.flows.port_scan", Args: map[string]string{"target": "example.com"}}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted models.SubmitJobResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	require.NotEmpty(t, accepted.JobID)

	select {
	case <-ts.dispatcher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not dispatched")
	}
	ts.dispatcher.mu.Lock()
	job := ts.dispatcher.jobs[0]
	ts.dispatcher.mu.Unlock()
	require.Equal(t, accepted.JobID, job.ID)
	require.Equal(t, "example.com", job.Args["target"])

	resp, _ = ts.do(t, http.MethodPost, "/api/jobs", models.SubmitJobRequest{}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcastJob(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.dispatcher.setBroadcast(nil, dispatch.ErrNoEligibleNode)

	resp, _ := ts.do(t, http.MethodPost, "/api/jobs/broadcast", models.SubmitJobRequest{Module: "cleanup"}, "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ts.dispatcher.setBroadcast([]dispatch.Result{
		{NodeID: 1, NodeName: "a", ContainerID: "c1"},
		{NodeID: 2, NodeName: "b", Err: fmt.Errorf("ssh: connection refused")},
	}, nil)
	resp, body := ts.do(t, http.MethodPost, "/api/jobs/broadcast", models.SubmitJobRequest{Module: "cleanup"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"containerId":"c1"`)
	require.Contains(t, string(body), `"error":"ssh: connection refused"`)
}

func TestAuthProtectsOperatorRoutes(t *testing.T) {
	ts := newTestServer(t, Options{JWTSecret: "s3cret", TokenTTL: time.Hour})

	resp, _ := ts.do(t, http.MethodGet, "/api/workers", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/workers", nil, "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := ts.server.Authenticator().Issue("ops")
	require.NoError(t, err)
	resp, _ = ts.do(t, http.MethodGet, "/api/workers", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Agent routes stay open.
	resp, _ = ts.do(t, http.MethodPost, "/api/workers/register", models.RegisterRequest{Name: "scan-09"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	issuer := NewAuthenticator("other", time.Hour)
	token, err := issuer.Issue("ops")
	require.NoError(t, err)

	auth := NewAuthenticator("s3cret", time.Hour)
	_, err = auth.Validate(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := NewAuthenticator("s3cret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err = expired.Issue("ops")
	require.NoError(t, err)
	_, err = auth.Validate(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	require.Nil(t, NewAuthenticator("", time.Hour))
}

func TestAgentRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{AgentRateLimit: 0.001, AgentRateBurst: 2})

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/api/workers/register", models.RegisterRequest{Name: "scan-01"}, "")
		require.Less(t, resp.StatusCode, 300)
	}
	resp, _ := ts.do(t, http.MethodPost, "/api/workers/register", models.RegisterRequest{Name: "scan-01"}, "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Operator routes are not limited.
	resp, _ = ts.do(t, http.MethodGet, "/api/workers", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))

	now = now.Add(limiterIdle + time.Second)
	rl.Prune()
	require.Empty(t, rl.clients)
	require.Nil(t, NewRateLimiter(0, 5))
}

func TestTerminalWebsocket(t *testing.T) {
	ts := newTestServer(t, Options{})
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/workers/3/terminal?rows=40&cols=120"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	var msg provision.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, provision.MessageConnected, msg.Type)
	require.Equal(t, int64(3), msg.NodeID)
	require.Equal(t, "40x120", msg.Session)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls\r")))
	messageType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)
	require.Equal(t, "echo:ls\r", string(data))
}

func TestTerminalRequiresTokenWhenAuthEnabled(t *testing.T) {
	ts := newTestServer(t, Options{JWTSecret: "s3cret"})
	base := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/workers/3/terminal"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := ts.server.Authenticator().Issue("ops")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+token, nil)
	require.NoError(t, err)
	conn.Close()
}

func TestServeReportsGRPCHealth(t *testing.T) {
	testutil.SkipIfNoNetwork(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcAddr := listener.Addr().String()
	require.NoError(t, listener.Close())

	srv := New(Deps{Registry: newFakeRegistry(), Dispatcher: &fakeDispatcher{}}, Options{GRPCAddr: grpcAddr})
	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, httpListener) }()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
		defer reqCancel()
		resp, err := client.Check(reqCtx, &healthpb.HealthCheckRequest{Service: HealthService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
