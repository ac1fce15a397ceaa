// Package agent runs on each worker node: it registers with the controller,
// reports load samples on a fixed interval and replaces itself when the
// controller expects a different version.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/version"
)

// ErrRestartRequested is returned by Run when the agent must exit so a newer
// version can take its place. Callers exit with status 0.
var ErrRestartRequested = errors.New("agent restart requested")

// Controller is the subset of the controller API the agent uses.
// *apiclient.Client implements it.
type Controller interface {
	Health(ctx context.Context) error
	Register(ctx context.Context, name string, isLocal bool) (*models.RegisterResponse, error)
	Heartbeat(ctx context.Context, nodeID int64, req models.HeartbeatRequest) (*models.HeartbeatResponse, error)
}

// Sampler measures host utilization.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Identity is what a replacement agent must keep to stay the same node.
type Identity struct {
	NodeID int64
	Name   string
}

// Updater replaces the running agent with version under the same identity.
type Updater interface {
	Update(ctx context.Context, version string, id Identity) error
}

// Config holds agent settings.
type Config struct {
	NodeID  int64
	Name    string
	IsLocal bool

	// Embedded agents run under the controller's supervisor and only exit
	// on version drift.
	Embedded bool

	Version       string
	Interval      time.Duration
	RegisterRetry time.Duration
	WaitAttempts  int
}

// ConfigFrom builds an agent Config from the process configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		NodeID:        cfg.Agent.NodeID,
		Name:          cfg.Agent.Name,
		IsLocal:       cfg.Agent.IsLocal,
		Embedded:      cfg.Agent.Embedded,
		Version:       version.Short(),
		Interval:      cfg.Agent.Interval,
		RegisterRetry: cfg.Agent.RegisterRetry,
		WaitAttempts:  cfg.Agent.WaitAttempts,
	}
}

// Agent is the node-side heartbeat loop.
type Agent struct {
	controller Controller
	sampler    Sampler
	updater    Updater
	cfg        Config
	logger     zerolog.Logger
	nodeID     int64
}

// New creates an Agent. updater may be nil, in which case remote agents log
// version drift and keep running.
func New(controller Controller, sampler Sampler, updater Updater, cfg Config) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = models.DefaultHeartbeatInterval
	}
	if cfg.RegisterRetry <= 0 {
		cfg.RegisterRetry = 5 * time.Second
	}
	if cfg.WaitAttempts <= 0 {
		cfg.WaitAttempts = 30
	}
	if cfg.Version == "" {
		cfg.Version = version.Short()
	}
	if cfg.Name == "" {
		cfg.Name = defaultName(cfg.IsLocal)
	}
	return &Agent{
		controller: controller,
		sampler:    sampler,
		updater:    updater,
		cfg:        cfg,
		logger:     logging.Component("agent"),
		nodeID:     cfg.NodeID,
	}
}

// NodeID returns the identity in use, or 0 before registration.
func (a *Agent) NodeID() int64 {
	return a.nodeID
}

// Run registers if needed and heartbeats until ctx ends or an update is
// required. It returns nil on cancellation and ErrRestartRequested when the
// process should exit for an update.
func (a *Agent) Run(ctx context.Context) error {
	if a.nodeID == 0 {
		a.waitForController(ctx)
		if err := a.register(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	a.logger.Info().
		Int64("node_id", a.nodeID).
		Str("version", a.cfg.Version).
		Dur("interval", a.cfg.Interval).
		Msg("heartbeat loop started")

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.beat(ctx); errors.Is(err, ErrRestartRequested) {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// waitForController polls the health endpoint up to WaitAttempts times.
// Registration proceeds afterwards whether or not the controller answered.
func (a *Agent) waitForController(ctx context.Context) {
	for attempt := 1; attempt <= a.cfg.WaitAttempts; attempt++ {
		err := a.controller.Health(ctx)
		if err == nil {
			return
		}
		a.logger.Debug().Err(err).Int("attempt", attempt).Msg("controller not ready")
		if attempt == a.cfg.WaitAttempts {
			a.logger.Warn().Int("attempts", attempt).Msg("controller still unavailable, registering anyway")
			return
		}
		if !sleep(ctx, a.cfg.RegisterRetry) {
			return
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	for {
		resp, err := a.controller.Register(ctx, a.cfg.Name, a.cfg.IsLocal)
		if err == nil {
			a.nodeID = resp.WorkerID
			if resp.Name != "" {
				a.cfg.Name = resp.Name
			}
			a.logger.Info().
				Int64("node_id", resp.WorkerID).
				Str("name", resp.Name).
				Bool("created", resp.Created).
				Msg("registered with controller")
			return nil
		}
		a.logger.Warn().Err(err).Dur("retry_in", a.cfg.RegisterRetry).Msg("registration failed")
		if !sleep(ctx, a.cfg.RegisterRetry) {
			return ctx.Err()
		}
	}
}

// beat sends one heartbeat. Failures are logged and swallowed; only a
// completed update hand-off is returned.
func (a *Agent) beat(ctx context.Context) error {
	sample, err := a.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("load sample failed")
		}
		return nil
	}

	resp, err := a.controller.Heartbeat(ctx, a.nodeID, models.HeartbeatRequest{
		CPUPercent:    sample.CPUPercent,
		MemoryPercent: sample.MemoryPercent,
		Version:       a.cfg.Version,
	})
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn().Err(err).Int64("node_id", a.nodeID).Msg("heartbeat failed")
		}
		return nil
	}

	a.logger.Debug().
		Float64("cpu", sample.CPUPercent).
		Float64("memory", sample.MemoryPercent).
		Msg("heartbeat sent")

	if !resp.NeedUpdate {
		return nil
	}
	return a.reconcile(ctx, resp.ServerVersion)
}

func (a *Agent) reconcile(ctx context.Context, target string) error {
	logger := a.logger.With().Str("current", a.cfg.Version).Str("target", target).Logger()

	if a.cfg.Embedded {
		logger.Info().Msg("version mismatch, exiting for supervisor restart")
		return ErrRestartRequested
	}
	if a.updater == nil {
		logger.Warn().Msg("version mismatch but self-update is not configured")
		return nil
	}

	logger.Info().Msg("version mismatch, updating agent")
	if err := a.updater.Update(ctx, target, Identity{NodeID: a.nodeID, Name: a.cfg.Name}); err != nil {
		logger.Error().Err(err).Msg("agent update failed")
		return nil
	}
	logger.Info().Msg("replacement agent started")
	return ErrRestartRequested
}

func defaultName(isLocal bool) string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	if isLocal {
		return "local-" + hostname
	}
	return fmt.Sprintf("worker-%s", hostname)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
