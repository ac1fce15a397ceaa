package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/tOgg1/scanfleet/internal/tmux"
)

// LocalExecutor runs commands with /bin/sh on the test host.
type LocalExecutor struct{}

// Exec implements tmux.Executor.
func (LocalExecutor) Exec(ctx context.Context, cmd string) ([]byte, []byte, error) {
	var stdout, stderr strings.Builder
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	return []byte(stdout.String()), []byte(stderr.String()), err
}

// RequireTmux skips the test if tmux is not installed and returns a client
// for the local tmux server.
func RequireTmux(t *testing.T) *tmux.Client {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}
	return tmux.NewClient(LocalExecutor{})
}

// NewTmuxSession starts a detached session running command and kills it
// when the test ends. An empty name gets a unique one.
func NewTmuxSession(t *testing.T, name, command string) (*tmux.Client, string) {
	t.Helper()
	client := RequireTmux(t)
	if name == "" {
		name = fmt.Sprintf("fleet-test-%d", time.Now().UnixNano())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.NewSessionWithCommand(ctx, name, t.TempDir(), command); err != nil {
		t.Fatalf("failed to create tmux session: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.KillSession(ctx, name)
	})
	return client, name
}

// WaitForSessionExit polls until the session is gone or timeout passes.
func WaitForSessionExit(t *testing.T, client *tmux.Client, name string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		exists, err := client.HasSession(ctx, name)
		cancel()
		if err != nil {
			t.Fatalf("failed to check session: %v", err)
		}
		if !exists {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
