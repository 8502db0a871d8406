package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func withHome(t *testing.T, dir string) {
	t.Helper()
	old := os.Getenv("HOME")
	if err := os.Setenv("HOME", dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Setenv("HOME", old) })
}

func withWorkdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func TestLoad_DefaultsWithNoConfigFiles(t *testing.T) {
	withHome(t, t.TempDir())
	withWorkdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8787 {
		t.Fatalf("expected default gateway port 8787, got %d", cfg.Gateway.Port)
	}
	if cfg.Swarm.Concurrency != 4 {
		t.Fatalf("expected default swarm concurrency 4, got %d", cfg.Swarm.Concurrency)
	}
	if cfg.Swarm.MaxWorkers != 16 {
		t.Fatalf("expected default swarm maxWorkers 16, got %d", cfg.Swarm.MaxWorkers)
	}
	if cfg.Swarm.WorkerTimeout != 90*time.Second {
		t.Fatalf("expected default worker timeout 90s, got %s", cfg.Swarm.WorkerTimeout)
	}
	if cfg.Models.Chat != "claude-sonnet-4-5" {
		t.Fatalf("expected default chat model, got %q", cfg.Models.Chat)
	}
	if cfg.RemoteWorkers.Enabled {
		t.Fatal("expected remote workers disabled by default")
	}
}

func TestLoad_ProjectLocalOverridesGlobalAndDefaults(t *testing.T) {
	home := t.TempDir()
	withHome(t, home)
	if err := os.MkdirAll(filepath.Join(home, ".swarmfabric"), 0755); err != nil {
		t.Fatal(err)
	}
	globalYAML := "gateway:\n  port: 9001\nswarm:\n  concurrency: 7\n"
	if err := os.WriteFile(filepath.Join(home, ".swarmfabric", "config.yaml"), []byte(globalYAML), 0644); err != nil {
		t.Fatal(err)
	}

	project := t.TempDir()
	withWorkdir(t, project)
	localYAML := "gateway:\n  port: 9999\n"
	if err := os.WriteFile(filepath.Join(project, "config.yaml"), []byte(localYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Fatalf("expected project-local port to win, got %d", cfg.Gateway.Port)
	}
	if cfg.Swarm.Concurrency != 7 {
		t.Fatalf("expected global config's concurrency to survive where project-local is silent, got %d", cfg.Swarm.Concurrency)
	}
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	withHome(t, t.TempDir())
	withWorkdir(t, t.TempDir())

	os.Setenv("SWARMFABRIC_GATEWAY_PORT", "7001")
	t.Cleanup(func() { os.Unsetenv("SWARMFABRIC_GATEWAY_PORT") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 7001 {
		t.Fatalf("expected env var to override default port, got %d", cfg.Gateway.Port)
	}
}

func TestRemoteWorkersConfig_DurationHelpers(t *testing.T) {
	c := RemoteWorkersConfig{HeartbeatIntervalMs: 10000, HeartbeatTimeoutMs: 30000}
	if c.HeartbeatInterval() != 10*time.Second {
		t.Fatalf("expected 10s interval, got %s", c.HeartbeatInterval())
	}
	if c.HeartbeatTimeout() != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %s", c.HeartbeatTimeout())
	}
}
