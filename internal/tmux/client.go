// Package tmux manages detachable tmux sessions on a node through a command
// executor, so long-running provisioning survives dropped connections.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Tmux errors.
var (
	ErrSessionExists   = errors.New("tmux session already exists")
	ErrSessionNotFound = errors.New("tmux session not found")
	ErrEmptyName       = errors.New("tmux session name is required")
)

// Executor runs a shell command on the target host.
type Executor interface {
	Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error)
}

// Client issues tmux commands through an Executor.
type Client struct {
	exec   Executor
	binary string
}

// NewClient creates a Client that runs the tmux binary found on PATH.
func NewClient(exec Executor) *Client {
	return &Client{exec: exec, binary: "tmux"}
}

// HasSession reports whether the named session exists. A missing server
// counts as no session.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, ErrEmptyName
	}

	_, stderr, err := c.run(ctx, "has-session", "-t", escapeSessionName(name))
	if err == nil {
		return true, nil
	}
	if isNotFound(stderr) || isNoServer(stderr) {
		return false, nil
	}
	return false, commandError("has-session", err, stderr)
}

// NewSession creates a detached session running the default shell.
func (c *Client) NewSession(ctx context.Context, name, workDir string) error {
	return c.NewSessionWithCommand(ctx, name, workDir, "")
}

// NewSessionWithCommand creates a detached session whose first window runs
// command through the remote shell.
func (c *Client) NewSessionWithCommand(ctx context.Context, name, workDir, command string) error {
	if name == "" {
		return ErrEmptyName
	}

	args := []string{"new-session", "-d", "-s", escapeSessionName(name)}
	if workDir != "" {
		args = append(args, "-c", escapeArg(workDir))
	}
	if command != "" {
		args = append(args, escapeArg(command))
	}

	_, stderr, err := c.run(ctx, args...)
	if err != nil {
		if strings.Contains(string(stderr), "duplicate session") {
			return ErrSessionExists
		}
		return commandError("new-session", err, stderr)
	}
	return nil
}

// KillSession terminates the session and everything running in it.
func (c *Client) KillSession(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyName
	}

	_, stderr, err := c.run(ctx, "kill-session", "-t", escapeSessionName(name))
	if err != nil {
		if isNotFound(stderr) || isNoServer(stderr) {
			return ErrSessionNotFound
		}
		return commandError("kill-session", err, stderr)
	}
	return nil
}

// AttachCommand returns the shell command that attaches a terminal to the
// session. It is run on a PTY, not through the Executor.
func (c *Client) AttachCommand(name string) string {
	return c.binary + " attach-session -t " + escapeSessionName(name)
}

// Version returns the installed tmux version.
func (c *Client) Version(ctx context.Context) (Version, error) {
	stdout, stderr, err := c.run(ctx, "-V")
	if err != nil {
		return Version{}, commandError("-V", err, stderr)
	}
	return ParseVersion(string(stdout))
}

// CheckVersion fails when tmux is missing or cannot run detached deploys.
func (c *Client) CheckVersion(ctx context.Context) error {
	v, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if !v.AtLeast(MinVersion) {
		return fmt.Errorf("tmux %s is older than required %s", v, MinVersion)
	}
	return nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	cmd := c.binary + " " + strings.Join(args, " ")
	return c.exec.Exec(ctx, cmd)
}

func commandError(op string, err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return fmt.Errorf("tmux %s: %w", op, err)
	}
	return fmt.Errorf("tmux %s: %s: %w", op, msg, err)
}

func isNotFound(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "can't find session") || strings.Contains(s, "session not found")
}

func isNoServer(stderr []byte) bool {
	s := string(stderr)
	return strings.Contains(s, "no server running") || strings.Contains(s, "error connecting to")
}

// escapeArg single-quotes value for a POSIX shell.
func escapeArg(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// escapeSessionName leaves plain names readable and quotes everything else.
func escapeSessionName(name string) string {
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			return escapeArg(name)
		}
	}
	return name
}
