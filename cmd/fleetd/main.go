// Package main is the entry point for the fleetd controller.
// fleetd tracks worker nodes, dispatches scan jobs to the least loaded one
// and serves the provisioning terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/fleetd"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/version"
)

func main() {
	configFile := flag.String("config", "", "config file (default is $HOME/.config/scanfleet/config.yaml)")
	listen := flag.String("listen", "", "override server.listen_addr")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	flag.Parse()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	var logOutput io.Writer
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOutput = f
	}
	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       logOutput,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Component("fleetd")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	logger.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("built", version.Date).
		Str("expected_agent_version", cfg.Registry.ExpectedVersion).
		Msg("fleetd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := fleetd.New(cfg, logger, fleetd.Options{ListenAddr: *listen})
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize fleetd")
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("fleetd exited with error")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
