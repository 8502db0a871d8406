package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWatcher_ConfigReturnsSeed(t *testing.T) {
	seed := &Config{Gateway: GatewayConfig{Port: 1234}}
	w, err := NewWatcher(seed, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Config().Gateway.Port != 1234 {
		t.Fatalf("expected seeded config, got port %d", w.Config().Gateway.Port)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	home := t.TempDir()
	withHome(t, home)
	project := t.TempDir()
	withWorkdir(t, project)

	path := filepath.Join(project, "config.yaml")
	if err := os.WriteFile(path, []byte("gateway:\n  port: 5000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	seed, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w, err := NewWatcher(seed, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	if err := w.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("gateway:\n  port: 6000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Config().Gateway.Port == 6000 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected reload to observe port 6000, got %d", w.Config().Gateway.Port)
}
