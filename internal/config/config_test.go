package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8420" {
		t.Errorf("expected default listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.MaxSessions != 10 {
		t.Errorf("expected default max sessions 10, got %d", cfg.MaxSessions)
	}
	if cfg.IdleTimeout.Std() != 30*time.Minute {
		t.Errorf("expected default idle timeout, got %s", cfg.IdleTimeout.Std())
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devbridge.yaml")
	content := `
listen_addr: "127.0.0.1:9999"
allowed_root: /srv/projects
max_sessions: 3
idle_timeout: 10m
probe_timeout: 500ms
scripts: [dev, storybook]
whitelist:
  - name: make
    pattern: "^make( [\\w-]+)?$"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("expected overridden addr, got %s", cfg.ListenAddr)
	}
	if cfg.AllowedRoot != "/srv/projects" {
		t.Errorf("expected overridden root, got %s", cfg.AllowedRoot)
	}
	if cfg.IdleTimeout.Std() != 10*time.Minute {
		t.Errorf("expected 10m idle timeout, got %s", cfg.IdleTimeout.Std())
	}

	vc := cfg.ValidatorConfig()
	if len(vc.Whitelist) != 1 || vc.Whitelist[0].Name != "make" {
		t.Errorf("expected file whitelist to replace defaults, got %+v", vc.Whitelist)
	}
	if len(vc.Scripts) != 2 {
		t.Errorf("expected 2 scripts, got %v", vc.Scripts)
	}
	// Untouched sections keep the stock tables.
	if len(vc.Blacklist) == 0 || len(vc.BaseCommands) == 0 {
		t.Error("expected default blacklist and base commands to survive")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devbridge.yaml")
	if err := os.WriteFile(path, []byte("max_sessions: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEVBRIDGE_MAX_SESSIONS", "7")
	t.Setenv("DEVBRIDGE_IDLE_TIMEOUT", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxSessions != 7 {
		t.Errorf("expected env override 7, got %d", cfg.MaxSessions)
	}
	if cfg.IdleTimeout.Std() != 90*time.Second {
		t.Errorf("expected env idle timeout 90s, got %s", cfg.IdleTimeout.Std())
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devbridge.yaml")
	if err := os.WriteFile(path, []byte("max_sessions: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative max_sessions")
	}

	if err := os.WriteFile(path, []byte("listen_addr: [broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devbridge.yaml")
	if err := os.WriteFile(path, []byte("max_sessions: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 1)
	w, err := Watch(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("max_sessions: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.MaxSessions != 5 {
			t.Errorf("expected reloaded max_sessions 5, got %d", cfg.MaxSessions)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatch_KeepsPreviousOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devbridge.yaml")
	if err := os.WriteFile(path, []byte("max_sessions: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	// A broken edit must not reach the callback.
	if err := os.WriteFile(path, []byte("max_sessions: -9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("expected no reload for invalid config, got %+v", cfg)
	case <-time.After(1500 * time.Millisecond):
	}
}
