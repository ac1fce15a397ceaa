package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tOgg1/scanfleet/internal/db"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/tmux"
)

// TestTmuxSessionLifecycle runs a detachable session against a real tmux
// server.
func TestTmuxSessionLifecycle(t *testing.T) {
	client, name := NewTmuxSession(t, "", "sleep 30")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.HasSession(ctx, name)
	if err != nil {
		t.Fatalf("HasSession() error = %v", err)
	}
	if !exists {
		t.Fatal("expected session to exist")
	}

	if err := client.CheckVersion(ctx); err != nil {
		t.Fatalf("CheckVersion() error = %v", err)
	}

	if err := client.KillSession(ctx, name); err != nil {
		t.Fatalf("KillSession() error = %v", err)
	}
	if err := client.KillSession(ctx, name); !errors.Is(err, tmux.ErrSessionNotFound) {
		t.Fatalf("second KillSession() error = %v, want ErrSessionNotFound", err)
	}
}

// TestTmuxSessionLeavesMarker mirrors a deploy run: the command writes a
// marker file and the session ends with it.
func TestTmuxSessionLeavesMarker(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "done")
	client, name := NewTmuxSession(t, "", "echo 0 > '"+marker+"'")

	if !WaitForSessionExit(t, client, name, 5*time.Second) {
		t.Fatal("session did not exit")
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("marker not written: %v", err)
	}
	if string(data) != "0\n" {
		t.Fatalf("marker = %q, want exit code 0", data)
	}
}

func TestNewTestDB(t *testing.T) {
	database := NewTestDB(t)
	repo := db.NewNodeRepository(database)

	node := &models.Node{Name: "scan-01", IsLocal: true, Status: models.NodeStatusPending}
	if err := repo.Create(context.Background(), node); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if node.ID == 0 {
		t.Fatal("expected node id to be assigned")
	}
}
