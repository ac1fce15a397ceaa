package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/scanfleet/internal/models"
)

type fakeController struct {
	mu             sync.Mutex
	healthFailures int
	healthCalls    int
	registerFails  int
	registerCalls  int
	heartbeats     []models.HeartbeatRequest
	heartbeatErr   error
	response       models.HeartbeatResponse
}

func (c *fakeController) Health(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthCalls++
	if c.healthCalls <= c.healthFailures {
		return errors.New("connection refused")
	}
	return nil
}

func (c *fakeController) Register(_ context.Context, name string, _ bool) (*models.RegisterResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerCalls++
	if c.registerCalls <= c.registerFails {
		return nil, errors.New("HTTP 502")
	}
	return &models.RegisterResponse{WorkerID: 11, Name: name, Created: true}, nil
}

func (c *fakeController) Heartbeat(_ context.Context, nodeID int64, req models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats = append(c.heartbeats, req)
	if c.heartbeatErr != nil {
		return nil, c.heartbeatErr
	}
	resp := c.response
	return &resp, nil
}

func (c *fakeController) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.heartbeats)
}

type fixedSampler struct {
	sample Sample
}

func (s fixedSampler) Sample(context.Context) (Sample, error) {
	return s.sample, nil
}

type fakeUpdater struct {
	mu         sync.Mutex
	versions   []string
	identities []Identity
	err        error
}

func (u *fakeUpdater) Update(_ context.Context, version string, id Identity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.versions = append(u.versions, version)
	u.identities = append(u.identities, id)
	return u.err
}

func testConfig() Config {
	return Config{
		Name:          "scan-07",
		Version:       "1.0.0",
		Interval:      5 * time.Millisecond,
		RegisterRetry: time.Millisecond,
		WaitAttempts:  3,
	}
}

func runAgent(t *testing.T, a *Agent, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return a.Run(ctx)
}

func TestRegistersThenHeartbeats(t *testing.T) {
	controller := &fakeController{healthFailures: 2, registerFails: 2, response: models.HeartbeatResponse{Status: "ok"}}
	a := New(controller, fixedSampler{Sample{CPUPercent: 12.3, MemoryPercent: 45.6}}, nil, testConfig())

	require.NoError(t, runAgent(t, a, 100*time.Millisecond))

	require.Equal(t, int64(11), a.NodeID())
	require.Equal(t, 3, controller.healthCalls)
	require.Equal(t, 3, controller.registerCalls)
	require.GreaterOrEqual(t, controller.heartbeatCount(), 2)
	require.Equal(t, models.HeartbeatRequest{CPUPercent: 12.3, MemoryPercent: 45.6, Version: "1.0.0"}, controller.heartbeats[0])
}

func TestRegistersAfterWaitAttemptsExhausted(t *testing.T) {
	controller := &fakeController{healthFailures: 100, response: models.HeartbeatResponse{Status: "ok"}}
	a := New(controller, fixedSampler{}, nil, testConfig())

	require.NoError(t, runAgent(t, a, 50*time.Millisecond))
	require.Equal(t, 3, controller.healthCalls)
	require.Equal(t, 1, controller.registerCalls)
}

func TestPreassignedIdentitySkipsRegistration(t *testing.T) {
	controller := &fakeController{response: models.HeartbeatResponse{Status: "ok"}}
	cfg := testConfig()
	cfg.NodeID = 42
	a := New(controller, fixedSampler{}, nil, cfg)

	require.NoError(t, runAgent(t, a, 30*time.Millisecond))
	require.Zero(t, controller.healthCalls)
	require.Zero(t, controller.registerCalls)
	require.Equal(t, int64(42), a.NodeID())
}

func TestHeartbeatFailuresAreNotEscalated(t *testing.T) {
	controller := &fakeController{heartbeatErr: errors.New("HTTP 500")}
	cfg := testConfig()
	cfg.NodeID = 1
	a := New(controller, fixedSampler{}, nil, cfg)

	require.NoError(t, runAgent(t, a, 60*time.Millisecond))
	require.GreaterOrEqual(t, controller.heartbeatCount(), 3)
}

func TestEmbeddedAgentExitsOnVersionMismatch(t *testing.T) {
	controller := &fakeController{response: models.HeartbeatResponse{Status: "ok", NeedUpdate: true, ServerVersion: "1.1.0"}}
	updater := &fakeUpdater{}
	cfg := testConfig()
	cfg.NodeID = 1
	cfg.Embedded = true
	a := New(controller, fixedSampler{}, updater, cfg)

	err := runAgent(t, a, time.Second)
	require.ErrorIs(t, err, ErrRestartRequested)
	require.Empty(t, updater.versions)
	require.Equal(t, 1, controller.heartbeatCount())
}

func TestRemoteAgentUpdatesThenExits(t *testing.T) {
	controller := &fakeController{response: models.HeartbeatResponse{Status: "ok", NeedUpdate: true, ServerVersion: "1.1.0"}}
	updater := &fakeUpdater{}
	cfg := testConfig()
	cfg.NodeID = 1
	a := New(controller, fixedSampler{}, updater, cfg)

	err := runAgent(t, a, time.Second)
	require.ErrorIs(t, err, ErrRestartRequested)
	require.Equal(t, []string{"1.1.0"}, updater.versions)
	require.Equal(t, []Identity{{NodeID: 1, Name: "scan-07"}}, updater.identities)
}

func TestSelfRegisteredAgentUpdatesUnderRegisteredIdentity(t *testing.T) {
	controller := &fakeController{response: models.HeartbeatResponse{Status: "ok", NeedUpdate: true, ServerVersion: "1.1.0"}}
	updater := &fakeUpdater{}
	a := New(controller, fixedSampler{}, updater, testConfig())

	err := runAgent(t, a, time.Second)
	require.ErrorIs(t, err, ErrRestartRequested)
	require.Equal(t, []Identity{{NodeID: 11, Name: "scan-07"}}, updater.identities)
}

func TestFailedUpdateKeepsRunning(t *testing.T) {
	controller := &fakeController{response: models.HeartbeatResponse{Status: "ok", NeedUpdate: true, ServerVersion: "1.1.0"}}
	updater := &fakeUpdater{err: errors.New("pull failed")}
	cfg := testConfig()
	cfg.NodeID = 1
	a := New(controller, fixedSampler{}, updater, cfg)

	require.NoError(t, runAgent(t, a, 40*time.Millisecond))
	require.GreaterOrEqual(t, len(updater.versions), 2)
}

func TestDefaultName(t *testing.T) {
	require.Regexp(t, `^local-`, defaultName(true))
	require.Regexp(t, `^worker-`, defaultName(false))
}
