// Package main is the entry point for fleet-agent.
// fleet-agent runs on every worker node, registers with the controller and
// reports CPU and memory load on a fixed interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tOgg1/scanfleet/internal/agent"
	"github.com/tOgg1/scanfleet/internal/apiclient"
	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/version"
)

func main() {
	configFile := flag.String("config", "", "config file (default is $HOME/.config/scanfleet/config.yaml)")
	controller := flag.String("controller", "", "override agent.controller_url")
	nodeID := flag.Int64("node-id", 0, "override agent.node_id; skips registration when set")
	name := flag.String("name", "", "override agent.name")
	local := flag.Bool("local", false, "register as a node on the controller host")
	embedded := flag.Bool("embedded", false, "exit on version mismatch instead of self-updating")
	interval := flag.Duration("interval", 0, "override agent.interval")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	flag.Parse()

	loader := config.NewLoader()
	if *configFile != "" {
		loader.SetConfigFile(*configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *controller != "" {
		cfg.Agent.ControllerURL = *controller
	}
	if *nodeID != 0 {
		cfg.Agent.NodeID = *nodeID
	}
	if *name != "" {
		cfg.Agent.Name = *name
	}
	if *local {
		cfg.Agent.IsLocal = true
	}
	if *embedded {
		cfg.Agent.Embedded = true
	}
	if *interval > 0 {
		cfg.Agent.Interval = *interval
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Component("fleet-agent")

	logger.Info().
		Str("version", version.Short()).
		Str("controller", cfg.Agent.ControllerURL).
		Int64("node_id", cfg.Agent.NodeID).
		Bool("local", cfg.Agent.IsLocal).
		Bool("embedded", cfg.Agent.Embedded).
		Msg("fleet-agent starting")

	client, err := apiclient.New(cfg.Agent.ControllerURL, apiclient.WithTimeout(cfg.Agent.RequestTimeout))
	if err != nil {
		logger.Error().Err(err).Msg("invalid controller url")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var updater agent.Updater
	if !cfg.Agent.Embedded && !cfg.Agent.IsLocal {
		docker, err := agent.NewDockerUpdater(cfg.Agent.Image, cfg.Agent.ContainerName)
		if err != nil {
			logger.Warn().Err(err).Msg("self-update disabled")
		} else {
			defer docker.Close()
			if err := docker.Cleanup(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to remove retired agent container")
			}
			updater = docker
		}
	}

	a := agent.New(client, agent.NewHostSampler(), updater, agent.ConfigFrom(cfg))
	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrRestartRequested) {
			logger.Info().Msg("exiting for restart")
			return
		}
		logger.Error().Err(err).Msg("fleet-agent exited with error")
		os.Exit(1)
	}
}
