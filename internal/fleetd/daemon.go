// Package fleetd wires the controller daemon: registry database, load cache,
// node registry, dispatcher, provisioning bridge and API server.
package fleetd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/db"
	"github.com/tOgg1/scanfleet/internal/dispatch"
	"github.com/tOgg1/scanfleet/internal/events"
	"github.com/tOgg1/scanfleet/internal/loadcache"
	"github.com/tOgg1/scanfleet/internal/provision"
	"github.com/tOgg1/scanfleet/internal/registry"
	"github.com/tOgg1/scanfleet/internal/server"
)

const (
	// DefaultEventRetention is how long node events are kept.
	DefaultEventRetention = 7 * 24 * time.Hour

	eventPruneInterval = time.Hour
)

// Options configure the daemon beyond the config file.
type Options struct {
	// ListenAddr overrides server.listen_addr.
	ListenAddr string

	// InMemoryDatabase uses a private in-memory registry database.
	InMemoryDatabase bool

	// LocalLauncher and RemoteLauncher override the docker SDK and SSH
	// launchers.
	LocalLauncher  dispatch.Launcher
	RemoteLauncher dispatch.Launcher

	// LocalDialer and RemoteDialer override the provisioning dialers.
	LocalDialer  provision.Dialer
	RemoteDialer provision.Dialer

	// EventRetention bounds the event log; 0 uses DefaultEventRetention.
	EventRetention time.Duration
}

// Daemon is the running controller.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger

	database   *db.DB
	eventRepo  *db.EventRepository
	publisher  *events.InMemoryPublisher
	cache      loadcache.Cache
	registry   *registry.Registry
	sweeper    *registry.Sweeper
	dispatcher *dispatch.Dispatcher
	bridge     *provision.Bridge
	server     *server.Server
	closers    []func() error

	closeOnce sync.Once
}

// New builds every controller component. Close releases them.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = DefaultEventRetention
	}
	d := &Daemon{cfg: cfg, opts: opts, logger: logger}
	if err := d.init(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) init() error {
	ctx := context.Background()

	var err error
	if d.opts.InMemoryDatabase {
		d.database, err = db.OpenInMemory()
	} else {
		d.database, err = db.Open(db.Config{
			Path:           d.cfg.DatabasePath(),
			MaxConnections: d.cfg.Database.MaxConnections,
			BusyTimeoutMs:  d.cfg.Database.BusyTimeoutMs,
		})
	}
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	d.closers = append(d.closers, d.database.Close)
	if err := d.database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	d.eventRepo = db.NewEventRepository(d.database)
	d.publisher = events.NewInMemoryPublisher(events.WithRepository(d.eventRepo))

	d.cache, err = loadcache.New(ctx, d.cfg.Cache)
	if err != nil {
		return fmt.Errorf("load cache (%s): %w", d.cfg.Cache.Backend, err)
	}
	d.closers = append(d.closers, d.cache.Close)

	d.registry = registry.New(db.NewNodeRepository(d.database), d.cache, d.publisher, registry.Config{
		ExpectedVersion: d.cfg.Registry.ExpectedVersion,
		SampleTTL:       d.cfg.Cache.SampleTTL,
		DeployTimeout:   d.cfg.Registry.DeployTimeout,
		UpdateLockTTL:   d.cfg.Registry.UpdateLockTTL,
	})
	if d.cfg.Registry.SweepInterval > 0 {
		d.sweeper = registry.NewSweeper(d.registry, d.cfg.Registry.SweepInterval)
	}

	local := d.opts.LocalLauncher
	if local == nil {
		docker, err := dispatch.NewDockerLauncher()
		if err != nil {
			return fmt.Errorf("docker launcher: %w", err)
		}
		d.closers = append(d.closers, docker.Close)
		local = docker
	}
	remote := d.opts.RemoteLauncher
	if remote == nil {
		remote = dispatch.NewSSHLauncher(dispatch.SSHExecutorFactory(d.cfg.NodeDefaults))
	}
	d.dispatcher = dispatch.New(d.registry, d.cache, local, remote, dispatch.ConfigFrom(d.cfg),
		dispatch.WithPublisher(d.publisher))

	localDialer := d.opts.LocalDialer
	if localDialer == nil {
		localDialer = provision.LocalDialer{}
	}
	remoteDialer := d.opts.RemoteDialer
	if remoteDialer == nil {
		remoteDialer = provision.SSHDialer{Defaults: d.cfg.NodeDefaults}
	}
	d.bridge = provision.New(d.registry, localDialer, remoteDialer, d.publisher, provision.ConfigFrom(d.cfg))

	serverOpts := server.OptionsFrom(d.cfg)
	if d.opts.ListenAddr != "" {
		serverOpts.ListenAddr = d.opts.ListenAddr
	}
	d.server = server.New(server.Deps{
		Registry:    d.registry,
		Dispatcher:  d.dispatcher,
		Provisioner: d.bridge,
		Events:      d.eventRepo,
	}, serverOpts)

	d.logger.Debug().
		Str("database", d.database.Path()).
		Str("cache", d.cfg.Cache.Backend).
		Str("expected_version", d.cfg.Registry.ExpectedVersion).
		Bool("auth", d.server.Authenticator() != nil).
		Msg("controller initialized")
	return nil
}

// Registry returns the node registry.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Database returns the registry database.
func (d *Daemon) Database() *db.DB {
	return d.database
}

// Server returns the API server.
func (d *Daemon) Server() *server.Server {
	return d.server
}

// Run serves on the configured address until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	addr := d.cfg.Server.ListenAddr
	if d.opts.ListenAddr != "" {
		addr = d.opts.ListenAddr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return d.Serve(ctx, listener)
}

// Serve is Run with a caller-provided listener. Components are closed on
// return.
func (d *Daemon) Serve(ctx context.Context, listener net.Listener) error {
	defer d.Close()

	if d.sweeper != nil {
		if err := d.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
		defer func() {
			if err := d.sweeper.Stop(); err != nil && !errors.Is(err, registry.ErrSweeperNotRunning) {
				d.logger.Warn().Err(err).Msg("failed to stop sweeper")
			}
		}()
	}

	var wg sync.WaitGroup
	pruneCtx, stopPrune := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.pruneEvents(pruneCtx)
	}()
	defer func() {
		stopPrune()
		wg.Wait()
	}()

	d.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("public_url", d.cfg.Server.PublicURL).
		Msg("controller running")

	if err := d.server.Serve(ctx, listener); err != nil {
		return err
	}
	d.logger.Info().Msg("controller stopped")
	return nil
}

func (d *Daemon) pruneEvents(ctx context.Context) {
	ticker := time.NewTicker(eventPruneInterval)
	defer ticker.Stop()
	for {
		removed, err := d.eventRepo.DeleteOlderThan(ctx, time.Now().Add(-d.opts.EventRetention))
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			d.logger.Warn().Err(err).Msg("event pruning failed")
		case removed > 0:
			d.logger.Debug().Int64("removed", removed).Msg("pruned old events")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases all components. It is safe to call more than once.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.server != nil {
			d.server.Close()
		}
		if d.bridge != nil {
			d.bridge.Close()
		}
		for i := len(d.closers) - 1; i >= 0; i-- {
			if err := d.closers[i](); err != nil {
				d.logger.Warn().Err(err).Msg("close failed")
			}
		}
	})
}
