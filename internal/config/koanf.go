// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "go.yaml.in/yaml/v3"
)

// envKeyMap maps the daemon's historical shell-script environment variable
// names onto koanf dotted keys. Unlike a prefixed-and-segmented scheme
// (DAEMONSUP_SECTION_FIELD), these names predate the daemon and don't
// decompose cleanly, so they're listed explicitly rather than derived by a
// TransformFunc.
var envKeyMap = map[string]string{
	"DAEMON_HOST":                  "daemon.host",
	"DAEMON_PORT":                  "daemon.port",
	"DAEMON_IDLE_TIMEOUT_S":        "daemon.idle_timeout",
	"DAEMON_LEASE_TTL_S":           "daemon.lease_ttl",
	"DAEMON_HEARTBEAT_S":           "daemon.heartbeat_interval",
	"DAEMON_STATUS_POLL_TIMEOUT_S": "daemon.status_poll_timeout",
	"DAEMON_LOG_DIR":               "log.dir",

	"STT_HEALTH_URL":      "stt.health_url",
	"STT_READY_TIMEOUT_S": "stt.ready_timeout",

	"KOKORO_BASE_URL":        "tts.base_url",
	"KOKORO_VOICES_URL":      "tts.voices_url",
	"KOKORO_READY_TIMEOUT_S": "tts.ready_timeout",
	"KOKORO_COMPOSE_FILE":    "tts.compose_file",

	"OLLAMA_API_BASE":             "llm.api_base",
	"OLLAMA_VERSION_URL":          "llm.version_url",
	"OLLAMA_GENERATE_URL":         "llm.generate_url",
	"OLLAMA_CMD":                  "llm.cmd",
	"OLLAMA_MANAGE_SERVER":        "llm.manage_server",
	"OLLAMA_MANAGE_MODEL_UNLOAD":  "llm.manage_model_unload",
	"OLLAMA_READY_TIMEOUT_S":      "llm.ready_timeout",
	"OLLAMA_WARM_TIMEOUT_S":       "llm.warm_timeout",
	"OLLAMA_WARM_KEEP_ALIVE":      "llm.warm_keep_alive",
}

// secondsKeys names the koanf keys whose env-var form is a bare integer
// count of seconds rather than a Go duration string ("30" vs "30s").
var secondsKeys = map[string]bool{
	"daemon.idle_timeout":        true,
	"daemon.lease_ttl":           true,
	"daemon.heartbeat_interval":  true,
	"daemon.status_poll_timeout": true,
	"stt.ready_timeout":          true,
	"tts.ready_timeout":          true,
	"llm.ready_timeout":          true,
	"llm.warm_timeout":           true,
}

// KoanfConfig wraps koanf for layered configuration: a YAML file overridden
// by environment variables, with hot-reload via file watching.
type KoanfConfig struct {
	k        *koanf.Koanf
	mu       sync.RWMutex
	filePath string
}

// Option configures a KoanfConfig.
type Option func(*KoanfConfig) error

// WithYAMLFile sets the YAML configuration file path.
func WithYAMLFile(path string) Option {
	return func(kc *KoanfConfig) error {
		kc.filePath = path
		return nil
	}
}

// NewKoanfConfig creates a new koanf-based configuration loader.
//
// Precedence (highest to lowest): environment variables, YAML file,
// built-in defaults.
func NewKoanfConfig(opts ...Option) (*KoanfConfig, error) {
	kc := &KoanfConfig{k: koanf.New(".")}

	for _, opt := range opts {
		if err := opt(kc); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := kc.reload(); err != nil {
		return nil, err
	}

	return kc, nil
}

// Load unmarshals the configuration into a Config struct and validates it.
func (kc *KoanfConfig) Load() (*Config, error) {
	cfg := DefaultConfig()

	kc.mu.RLock()
	k := kc.k
	kc.mu.RUnlock()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Reload reloads configuration from all sources.
func (kc *KoanfConfig) Reload() error {
	return kc.reload()
}

func (kc *KoanfConfig) reload() error {
	newK := koanf.New(".")

	defaults := structToMap(DefaultConfig())
	if err := newK.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}

	if kc.filePath != "" {
		if _, err := os.Stat(kc.filePath); err == nil {
			if err := newK.Load(file.Provider(kc.filePath), yaml.Parser()); err != nil {
				return fmt.Errorf("failed to load YAML file: %w", err)
			}
		}
	}

	for envName, dottedKey := range envKeyMap {
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		if err := newK.Set(dottedKey, coerceEnvValue(dottedKey, raw)); err != nil {
			return fmt.Errorf("failed to apply %s: %w", envName, err)
		}
	}

	kc.mu.Lock()
	kc.k = newK
	kc.mu.Unlock()

	return nil
}

// coerceEnvValue converts a raw env-var string into the type koanf needs
// for unmarshaling: booleans for manage_* flags, durations built from a
// bare seconds count for *_timeout/*_ttl keys, an int for daemon.port, a
// whitespace-split []string for llm.cmd, and plain strings otherwise.
func coerceEnvValue(dottedKey, raw string) any {
	if secondsKeys[dottedKey] {
		if secs, err := strconv.Atoi(raw); err == nil {
			return (time.Duration(secs) * time.Second).String()
		}
		return raw
	}
	if dottedKey == "llm.manage_server" || dottedKey == "llm.manage_model_unload" {
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
		return raw
	}
	if dottedKey == "daemon.port" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
		return raw
	}
	if dottedKey == "llm.cmd" {
		return strings.Fields(raw)
	}
	return raw
}

// structToMap renders a Config into the nested map koanf's confmap
// provider expects, by round-tripping through YAML marshal/unmarshal
// rather than reflecting koanf tags by hand.
func structToMap(cfg *Config) map[string]any {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := yamlv3.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// Watch starts watching the configuration file for changes, reloading and
// invoking callback on each change.
//
// Known limitation: koanf v2's file.Provider does not expose a Stop()
// method, so the underlying fsnotify goroutine it spawns outlives ctx
// cancellation; it is collected when the process exits. Long-lived callers
// that need clean shutdown should trigger Reload() from a signal handler
// instead of relying on Watch() to stop promptly.
func (kc *KoanfConfig) Watch(ctx context.Context, callback func(event string, err error)) error {
	if kc.filePath == "" {
		return fmt.Errorf("cannot watch: no file path specified")
	}

	fp := file.Provider(kc.filePath)

	watchErr := fp.Watch(func(event interface{}, err error) {
		if err != nil {
			callback("watch error", fmt.Errorf("file watch error: %w", err))
			return
		}
		if err := kc.reload(); err != nil {
			callback("reload error", fmt.Errorf("config reload failed: %w", err))
			return
		}
		callback("config reloaded", nil)
	})
	if watchErr != nil {
		return fmt.Errorf("failed to start watching: %w", watchErr)
	}

	<-ctx.Done()
	return nil
}

// GetString retrieves a string value from configuration.
func (kc *KoanfConfig) GetString(key string) string {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.String(key)
}

// GetInt retrieves an integer value from configuration.
func (kc *KoanfConfig) GetInt(key string) int {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.Int(key)
}

// GetBool retrieves a boolean value from configuration.
func (kc *KoanfConfig) GetBool(key string) bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.Bool(key)
}

// GetDuration retrieves a duration value from configuration.
func (kc *KoanfConfig) GetDuration(key string) time.Duration {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	return kc.k.Duration(key)
}
