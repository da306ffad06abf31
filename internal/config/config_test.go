package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Daemon.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for port 0")
	}

	cfg.Daemon.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for an out-of-range port")
	}
}

func TestValidateRequiresServiceEndpoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.STT.HealthURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty stt health url")
	}

	cfg = DefaultConfig()
	cfg.TTS.VoicesURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty tts voices url")
	}

	cfg = DefaultConfig()
	cfg.LLM.VersionURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty llm version url")
	}
}

func TestSaveThenLoadConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Daemon.Port = 9090
	cfg.LLM.WarmKeepAlive = "10m"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Daemon.Port != 9090 {
		t.Errorf("Daemon.Port = %d, want 9090", loaded.Daemon.Port)
	}
	if loaded.LLM.WarmKeepAlive != "10m" {
		t.Errorf("LLM.WarmKeepAlive = %q, want 10m", loaded.LLM.WarmKeepAlive)
	}
}

func TestSaveWritesRestrictivePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := DefaultConfig().Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("perm = %v, want 0640", info.Mode().Perm())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatalf("expected error loading a nonexistent config file")
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  port: 0\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error loading a config with port 0")
	}
}
