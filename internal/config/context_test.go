package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestContext_SetControllerDropsToken(t *testing.T) {
	ctx := &Context{}
	ctx.SetController("http://a:8888")
	ctx.SetToken("tok", "ops")

	ctx.SetController("http://a:8888")
	if ctx.Token != "tok" {
		t.Fatalf("same controller should keep token")
	}

	ctx.SetController("http://b:8888")
	if ctx.Token != "" || ctx.Subject != "" {
		t.Fatalf("switching controller should drop token, got %+v", ctx)
	}
}

func TestContext_String(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{name: "empty", ctx: Context{}, want: "(no context set)"},
		{name: "controller only", ctx: Context{ControllerURL: "http://a"}, want: "controller:http://a"},
		{name: "with subject", ctx: Context{ControllerURL: "http://a", Token: "t", Subject: "ops"}, want: "controller:http://a auth:ops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContextStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewContextStore(filepath.Join(dir, "nested", "context.yaml"))

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() on missing file: %v", err)
	}
	if !loaded.IsEmpty() {
		t.Fatalf("expected empty context, got %+v", loaded)
	}

	ctx := &Context{}
	ctx.SetController("http://controller:8888")
	ctx.SetToken("secret-token", "ops")
	if err := store.Save(ctx); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err = store.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.ControllerURL != "http://controller:8888" || loaded.Token != "secret-token" {
		t.Fatalf("unexpected context: %+v", loaded)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() on missing file: %v", err)
	}
}
