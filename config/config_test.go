package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CODEX_PATH", "/opt/codex")
	t.Setenv("CODEX_REQUEST_TIMEOUT", "1500")
	t.Setenv("CODEX_HANDSHAKE_TIMEOUT", "3s")
	t.Setenv("CODEX_AUTO_RESTART", "false")
	t.Setenv("CODEX_MAX_BUFFER_SIZE", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.Codex.Path != "/opt/codex" {
		t.Errorf("Codex.Path = %q", cfg.Codex.Path)
	}
	if cfg.Codex.RequestTimeout != 1500*time.Millisecond {
		t.Errorf("RequestTimeout = %v, want 1.5s", cfg.Codex.RequestTimeout)
	}
	if cfg.Codex.HandshakeTimeout != 3*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 3s", cfg.Codex.HandshakeTimeout)
	}
	if cfg.Codex.AutoRestart {
		t.Error("AutoRestart = true, want false")
	}
	if cfg.Codex.MaxBufferSize != 1024*1024 {
		t.Errorf("MaxBufferSize = %d, want default", cfg.Codex.MaxBufferSize)
	}
}

func TestLoadOverlay(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CODEX_PATH", "/opt/codex")

	path := filepath.Join(t.TempDir(), "bridge.yaml")
	writeFile(t, path, `
port: 9100
log_level: debug
codex:
  args: ["app-server", "--verbose"]
  request_timeout: 90s
  env:
    RUST_LOG: info
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9100 || cfg.LogLevel != "debug" {
		t.Errorf("overlay not applied: port=%d level=%q", cfg.Port, cfg.LogLevel)
	}
	// Keys missing from the file keep their environment value
	if cfg.Codex.Path != "/opt/codex" {
		t.Errorf("Codex.Path = %q, want env value", cfg.Codex.Path)
	}
	if len(cfg.Codex.Args) != 2 || cfg.Codex.Args[1] != "--verbose" {
		t.Errorf("Args = %v", cfg.Codex.Args)
	}
	if cfg.Codex.RequestTimeout != 90*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Codex.RequestTimeout)
	}
	if cfg.Codex.Env["RUST_LOG"] != "info" {
		t.Errorf("Env = %v", cfg.Codex.Env)
	}
	if cfg.Path != path {
		t.Errorf("Path = %q", cfg.Path)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "port: [not, an, int]\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed file")
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	writeFile(t, path, "log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- Watch(ctx, path, func(cfg *Config, err error) {
			if err == nil {
				reloaded <- cfg
			}
		})
	}()

	// Give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "log_level: debug\n")

	select {
	case cfg := <-reloaded:
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if Get().LogLevel != "debug" {
			t.Errorf("global config not updated: %q", Get().LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	select {
	case err := <-watchDone:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchRequiresPath(t *testing.T) {
	if err := Watch(context.Background(), "", func(*Config, error) {}); err == nil {
		t.Error("expected error for empty path")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
