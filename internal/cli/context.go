package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newContextCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Show or change the saved controller context",
		Long: "The saved context supplies the controller URL and token when\n" +
			"--controller and --token are not given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			saved, err := a.contexts.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, map[string]any{
					"controller": saved.ControllerURL,
					"subject":    saved.Subject,
					"hasToken":   saved.Token != "",
					"path":       a.contexts.Path(),
				})
			}
			_, err = fmt.Fprintln(out, saved.String())
			return err
		},
	}
	cmd.AddCommand(newContextUseCmd(a), newContextLoginCmd(a), newContextClearCmd(a))
	return cmd
}

func newContextUseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "use <controller-url>",
		Short: "Select a controller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimRight(strings.TrimSpace(args[0]), "/")
			if _, err := a.newClient(url); err != nil {
				return err
			}
			saved, err := a.contexts.Load()
			if err != nil {
				return err
			}
			saved.SetController(url)
			if err := a.contexts.Save(saved); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Using controller %s\n", url)
			return err
		},
	}
}

func newContextLoginCmd(a *app) *cobra.Command {
	var (
		subject string
		ttl     string
		token   string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a token for the selected controller",
		Long: "Store a bearer token for the selected controller. Without --token a\n" +
			"token is minted from server.jwt_secret in the local config.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			saved, err := a.contexts.Load()
			if err != nil {
				return err
			}
			if saved.ControllerURL == "" {
				return errors.New("no controller selected; run `fleet context use <url>` first")
			}
			if token == "" {
				if token, err = a.mintToken(subject, ttl); err != nil {
					return err
				}
			}
			saved.SetToken(token, subject)
			if err := a.contexts.Save(saved); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Stored token for %s as %s\n", saved.ControllerURL, subject)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&ttl, "ttl", "", "token lifetime when minting (default server.token_ttl)")
	cmd.Flags().StringVar(&token, "token", "", "store this token instead of minting one")
	return cmd
}

func newContextClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the saved context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.contexts.Clear()
		},
	}
}
