// Package cli implements the fleet operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tOgg1/scanfleet/internal/apiclient"
	"github.com/tOgg1/scanfleet/internal/config"
)

// app holds global flags and lazily loaded state shared by subcommands.
type app struct {
	configFile string
	controller string
	token      string
	jsonOutput bool
	noColor    bool
	timeout    time.Duration

	cfg      *config.Config
	contexts *config.ContextStore

	// newClient is swapped in tests.
	newClient func(baseURL string, opts ...apiclient.Option) (*apiclient.Client, error)
}

// Execute runs the fleet CLI.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	a := &app{
		newClient: apiclient.New,
		contexts:  config.NewContextStore(os.Getenv("FLEET_CONTEXT_FILE")),
	}

	cmd := &cobra.Command{
		Use:           "fleet",
		Short:         "Operate a scan fleet controller",
		Long:          "fleet lists and manages worker nodes and submits scan jobs to a fleetd controller.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default is $HOME/.config/scanfleet/config.yaml)")
	flags.StringVar(&a.controller, "controller", "", "controller URL (default: saved context, then agent.controller_url)")
	flags.StringVar(&a.token, "token", os.Getenv("FLEET_TOKEN"), "bearer token for operator routes")
	flags.BoolVar(&a.jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		newNodesCmd(a),
		newDispatchCmd(a),
		newTokenCmd(a),
		newContextCmd(a),
		newVersionCmd(version),
	)
	return cmd
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	loader := config.NewLoader()
	if a.configFile != "" {
		loader.SetConfigFile(a.configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	return cfg, nil
}

// client resolves the controller from --controller, then the saved
// context, then agent.controller_url. A saved token is only used with the
// controller it was stored for.
func (a *app) client() (*apiclient.Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(a.controller), "/")
	token := a.token

	saved, err := a.contexts.Load()
	if err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = saved.ControllerURL
	}
	if baseURL == "" {
		cfg, err := a.config()
		if err != nil {
			return nil, err
		}
		baseURL = cfg.Agent.ControllerURL
	}
	if token == "" && saved.Token != "" && baseURL == saved.ControllerURL {
		token = saved.Token
	}

	opts := []apiclient.Option{apiclient.WithTimeout(a.timeout)}
	if token != "" {
		opts = append(opts, apiclient.WithToken(token))
	}
	return a.newClient(baseURL, opts...)
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

// color reports whether styled output should be used for out.
func (a *app) color(out io.Writer) bool {
	if a.noColor || a.jsonOutput || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "fleet %s\n", version)
			return err
		},
	}
}
