package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewKoanfConfigDefaultsWithNoFile(t *testing.T) {
	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Port != DefaultConfig().Daemon.Port {
		t.Errorf("expected default port, got %d", cfg.Daemon.Port)
	}
}

func TestNewKoanfConfigLoadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  port: 9001\nstt:\n  health_url: http://x/health\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Port != 9001 {
		t.Errorf("Daemon.Port = %d, want 9001", cfg.Daemon.Port)
	}
	if cfg.STT.HealthURL != "http://x/health" {
		t.Errorf("STT.HealthURL = %q, want http://x/health", cfg.STT.HealthURL)
	}
	// Untouched sections should retain their defaults.
	if cfg.TTS.VoicesURL != DefaultConfig().TTS.VoicesURL {
		t.Errorf("expected TTS.VoicesURL to keep its default, got %q", cfg.TTS.VoicesURL)
	}
}

func TestEnvVarsOverrideYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  port: 9001\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("DAEMON_PORT", "7777")
	t.Setenv("DAEMON_HOST", "0.0.0.0")
	t.Setenv("OLLAMA_API_BASE", "http://remote:11434")

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Port != 7777 {
		t.Errorf("Daemon.Port = %d, want 7777 (env should override file)", cfg.Daemon.Port)
	}
	if cfg.Daemon.Host != "0.0.0.0" {
		t.Errorf("Daemon.Host = %q, want 0.0.0.0", cfg.Daemon.Host)
	}
	if cfg.LLM.APIBase != "http://remote:11434" {
		t.Errorf("LLM.APIBase = %q, want http://remote:11434", cfg.LLM.APIBase)
	}
}

func TestSecondsEnvVarsCoerceToDuration(t *testing.T) {
	t.Setenv("DAEMON_IDLE_TIMEOUT_S", "45")
	t.Setenv("STT_READY_TIMEOUT_S", "15")

	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig: %v", err)
	}
	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.IdleTimeout != 45*time.Second {
		t.Errorf("Daemon.IdleTimeout = %v, want 45s", cfg.Daemon.IdleTimeout)
	}
	if cfg.STT.ReadyTimeout != 15*time.Second {
		t.Errorf("STT.ReadyTimeout = %v, want 15s", cfg.STT.ReadyTimeout)
	}
}

func TestBoolEnvVarOverridesManageFlags(t *testing.T) {
	t.Setenv("OLLAMA_MANAGE_SERVER", "false")

	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig: %v", err)
	}
	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.ManageServer {
		t.Errorf("expected ManageServer=false from env override")
	}
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  port: 1111\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig: %v", err)
	}

	if err := os.WriteFile(path, []byte("daemon:\n  port: 2222\n"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Port != 2222 {
		t.Errorf("Daemon.Port = %d, want 2222 after reload", cfg.Daemon.Port)
	}
}

func TestWatchWithoutFilePathReturnsError(t *testing.T) {
	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := kc.Watch(ctx, func(string, error) {}); err == nil {
		t.Fatalf("expected error watching with no configured file path")
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  port: 1000\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	go func() {
		_ = kc.Watch(ctx, func(event string, err error) {
			if err == nil && event == "config reloaded" {
				select {
				case reloaded <- struct{}{}:
				default:
				}
			}
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("daemon:\n  port: 2000\n"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for watch to pick up the file change")
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Port != 2000 {
		t.Errorf("Daemon.Port = %d, want 2000 after watch-triggered reload", cfg.Daemon.Port)
	}
}
