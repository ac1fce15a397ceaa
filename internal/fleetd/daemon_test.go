package fleetd

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/scanfleet/internal/apiclient"
	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/dispatch"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/testutil"
)

type nopLauncher struct{}

func (nopLauncher) Launch(context.Context, *models.Node, dispatch.RunSpec) (string, error) {
	return "", errors.New("launch disabled")
}

func testOptions() Options {
	return Options{
		InMemoryDatabase: true,
		LocalLauncher:    nopLauncher{},
		RemoteLauncher:   nopLauncher{},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cache.Backend = "memcached"

	if _, err := New(cfg, zerolog.Nop(), testOptions()); err == nil {
		t.Fatal("New() expected error for unknown cache backend")
	}
}

func TestNewWithDatabaseFile(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Global.DataDir = tmpDir
	cfg.Database.Path = filepath.Join(tmpDir, "fleet.db")

	opts := testOptions()
	opts.InMemoryDatabase = false
	daemon, err := New(cfg, zerolog.Nop(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer daemon.Close()

	if daemon.Database() == nil {
		t.Fatal("expected database to be initialized")
	}
	if got := daemon.Database().Path(); got != cfg.Database.Path {
		t.Fatalf("Database().Path() = %q, want %q", got, cfg.Database.Path)
	}
}

func TestServeRegistersAgentsAndStopsOnCancel(t *testing.T) {
	testutil.SkipIfNoNetwork(t)
	cfg := config.DefaultConfig()
	cfg.Registry.ExpectedVersion = "1.4.0"

	daemon, err := New(cfg, zerolog.Nop(), testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- daemon.Serve(ctx, listener)
	}()

	client, err := apiclient.New("http://"+listener.Addr().String(), apiclient.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("apiclient.New() error = %v", err)
	}
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()

	if err := client.Health(reqCtx); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	reg, err := client.Register(reqCtx, "scan-01", false)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !reg.Created || reg.WorkerID == 0 {
		t.Fatalf("Register() = %+v, want a created worker", reg)
	}

	hb, err := client.Heartbeat(reqCtx, reg.WorkerID, models.HeartbeatRequest{CPUPercent: 12, MemoryPercent: 40, Version: "1.3.9"})
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if !hb.NeedUpdate || hb.ServerVersion != "1.4.0" {
		t.Fatalf("Heartbeat() = %+v, want update to 1.4.0", hb)
	}

	node, err := daemon.Registry().Get(reqCtx, reg.WorkerID)
	if err != nil {
		t.Fatalf("Registry().Get() error = %v", err)
	}
	if node.Name != "scan-01" {
		t.Fatalf("node name = %q, want scan-01", node.Name)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after context cancellation")
	}
}
