package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/scanfleet/internal/server"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		ttl     string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token",
		Long:  "Mint a bearer token signed with server.jwt_secret from the local config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.mintToken(subject, ttl)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, map[string]string{"token": token, "subject": subject})
			}
			_, err = fmt.Fprintln(out, token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&ttl, "ttl", "", "token lifetime (default server.token_ttl)")
	return cmd
}

// mintToken signs a token with the local server.jwt_secret. An empty ttl
// uses server.token_ttl.
func (a *app) mintToken(subject, ttl string) (string, error) {
	cfg, err := a.config()
	if err != nil {
		return "", err
	}
	lifetime := cfg.Server.TokenTTL
	if ttl != "" {
		if lifetime, err = parseTTL(ttl); err != nil {
			return "", err
		}
	}
	auth := server.NewAuthenticator(cfg.Server.JWTSecret, lifetime)
	if auth == nil {
		return "", errors.New("server.jwt_secret is not set; operator auth is disabled")
	}
	token, err := auth.Issue(subject)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// parseTTL accepts Go durations, bare seconds, or whole days ("7d").
func parseTTL(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if days, ok := strings.CutSuffix(value, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid --ttl %q", value)
}
