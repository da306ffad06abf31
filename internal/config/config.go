// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the daemon's configuration file.
const ConfigFilePath = "/etc/daemonsup/config.yaml"

// Config is the complete daemon configuration: one section per managed
// service plus daemon-wide and logging settings.
type Config struct {
	Daemon DaemonConfig `yaml:"daemon" koanf:"daemon"`
	STT    STTConfig    `yaml:"stt" koanf:"stt"`
	TTS    TTSConfig    `yaml:"tts" koanf:"tts"`
	LLM    LLMConfig    `yaml:"llm" koanf:"llm"`
	Log    LogConfig    `yaml:"log" koanf:"log"`
}

// DaemonConfig contains control-plane and lease-lifecycle settings.
type DaemonConfig struct {
	Host               string        `yaml:"host" koanf:"host"`
	Port               int           `yaml:"port" koanf:"port"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" koanf:"idle_timeout"`
	LeaseTTL           time.Duration `yaml:"lease_ttl" koanf:"lease_ttl"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" koanf:"heartbeat_interval"`
	StatusPollTimeout  time.Duration `yaml:"status_poll_timeout" koanf:"status_poll_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
}

// STTConfig contains speech-to-text server settings.
type STTConfig struct {
	HealthURL    string        `yaml:"health_url" koanf:"health_url"`
	ReadyTimeout time.Duration `yaml:"ready_timeout" koanf:"ready_timeout"`
	Cmd          []string      `yaml:"cmd" koanf:"cmd"`
	Cwd          string        `yaml:"cwd" koanf:"cwd"`
}

// TTSConfig contains the containerized text-to-speech stack's settings.
type TTSConfig struct {
	BaseURL      string        `yaml:"base_url" koanf:"base_url"`
	VoicesURL    string        `yaml:"voices_url" koanf:"voices_url"`
	ReadyTimeout time.Duration `yaml:"ready_timeout" koanf:"ready_timeout"`
	ComposeFile  string        `yaml:"compose_file" koanf:"compose_file"`
}

// LLMConfig contains language-model server settings.
type LLMConfig struct {
	APIBase           string        `yaml:"api_base" koanf:"api_base"`
	VersionURL        string        `yaml:"version_url" koanf:"version_url"`
	GenerateURL       string        `yaml:"generate_url" koanf:"generate_url"`
	Cmd               []string      `yaml:"cmd" koanf:"cmd"`
	ManageServer      bool          `yaml:"manage_server" koanf:"manage_server"`
	ManageModelUnload bool          `yaml:"manage_model_unload" koanf:"manage_model_unload"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout" koanf:"ready_timeout"`
	WarmTimeout       time.Duration `yaml:"warm_timeout" koanf:"warm_timeout"`
	WarmKeepAlive     string        `yaml:"warm_keep_alive" koanf:"warm_keep_alive"`
}

// LogConfig contains the directory and size-rotation settings applied to
// every managed service's captured stdout/stderr (the daemon's own
// structured log goes to stderr, unrotated, for process supervision to
// capture).
type LogConfig struct {
	Dir        string `yaml:"dir" koanf:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb" koanf:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" koanf:"max_backups"`
}

// LoadConfig reads and parses the configuration file. Prefer NewKoanfConfig
// for layered (file + env) loading; this remains for callers that only need
// a single YAML file with no overrides, e.g. configuration editing tools.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file via a temp-file-then-rename
// sequence so a crash mid-write never leaves a partially-written file.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// Config may embed compose/command paths; restrict to owner+group.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port must be between 1 and 65535")
	}
	if c.Daemon.IdleTimeout <= 0 {
		return fmt.Errorf("daemon.idle_timeout must be positive")
	}
	if c.Daemon.LeaseTTL <= 0 {
		return fmt.Errorf("daemon.lease_ttl must be positive")
	}
	if c.STT.HealthURL == "" {
		return fmt.Errorf("stt.health_url must not be empty")
	}
	if c.TTS.VoicesURL == "" {
		return fmt.Errorf("tts.voices_url must not be empty")
	}
	if c.LLM.VersionURL == "" {
		return fmt.Errorf("llm.version_url must not be empty")
	}
	return nil
}

// DefaultConfig returns a configuration with the same defaults as the
// original shell-script stack it replaces: localhost endpoints for every
// managed service, a 15s lease TTL, and a 25s idle teardown grace.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:              "127.0.0.1",
			Port:              8790,
			IdleTimeout:       25 * time.Second,
			LeaseTTL:          15 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			StatusPollTimeout: 180 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		STT: STTConfig{
			HealthURL:    "http://127.0.0.1:2022/health",
			ReadyTimeout: 90 * time.Second,
			Cmd:          []string{"whisper-server"},
		},
		TTS: TTSConfig{
			BaseURL:      "http://127.0.0.1:8880",
			VoicesURL:    "http://127.0.0.1:8880/v1/audio/voices",
			ReadyTimeout: 120 * time.Second,
			ComposeFile:  "/opt/kokoro/docker-compose.yml",
		},
		LLM: LLMConfig{
			APIBase:           "http://127.0.0.1:11434",
			VersionURL:        "http://127.0.0.1:11434/api/version",
			GenerateURL:       "http://127.0.0.1:11434/api/generate",
			Cmd:               []string{"ollama", "serve"},
			ManageServer:      true,
			ManageModelUnload: true,
			ReadyTimeout:      30 * time.Second,
			WarmTimeout:       180 * time.Second,
			WarmKeepAlive:     "5m",
		},
		Log: LogConfig{
			Dir:        "/var/log/daemonsup",
			MaxSizeMB:  20,
			MaxBackups: 5,
		},
	}
}
