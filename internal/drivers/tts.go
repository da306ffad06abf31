package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/daemonsup/daemonsup/internal/probe"
	"github.com/daemonsup/daemonsup/internal/runner"
)

// TTSConfig configures the text-to-speech driver, which manages the service
// via a container orchestrator rather than a direct child process.
type TTSConfig struct {
	Host          string
	Port          int
	VoicesURL     string
	ComposeFile   string
	Cwd           string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	ReadyTimeout  time.Duration
}

// TTS manages the containerized text-to-speech server's lifecycle via
// `docker compose` (or the standalone `docker-compose`).
type TTS struct {
	cfg    TTSConfig
	logger *slog.Logger
}

// NewTTS creates a TTS driver.
func NewTTS(cfg TTSConfig, logger *slog.Logger) *TTS {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTS{cfg: cfg, logger: logger}
}

func (t *TTS) probe(ctx context.Context) bool {
	return probe.TTS(ctx, t.cfg.Host, t.cfg.Port, t.cfg.VoicesURL)
}

// IsRunning reports the TTS server's current health.
func (t *TTS) IsRunning(ctx context.Context) bool {
	return t.probe(ctx)
}

// Owned is always true: the TTS stack is always container-managed by this
// daemon, unlike the LLM driver's optional externally-started mode.
func (t *TTS) Owned() bool {
	return true
}

// Pid always returns 0: the TTS server runs inside a container this daemon
// does not hold a direct child-process handle for, so there is no local pid
// to sample resource usage from.
func (t *TTS) Pid() int {
	return 0
}

// composeCommand auto-detects the container orchestrator binary on PATH,
// preferring the `docker compose` plugin over the standalone
// `docker-compose`.
func composeCommand() ([]string, error) {
	if _, err := exec.LookPath("docker"); err == nil {
		return []string{"docker", "compose"}, nil
	}
	if _, err := exec.LookPath("docker-compose"); err == nil {
		return []string{"docker-compose"}, nil
	}
	return nil, fmt.Errorf("no container orchestrator found on PATH (docker or docker-compose)")
}

// Start brings the TTS container stack up if it is not already healthy.
func (t *TTS) Start(ctx context.Context) error {
	if t.probe(ctx) {
		return nil
	}

	dc, err := composeCommand()
	if err != nil {
		return err
	}

	cmdline := append(append([]string{}, dc...), "-f", t.cfg.ComposeFile, "up", "-d")
	rc := runner.RunBlocking(ctx, cmdline, t.cfg.Cwd, t.cfg.LogPath, 90*time.Second,
		logRotationOpts(t.cfg.LogMaxSizeMB, t.cfg.LogMaxBackups)...)
	if rc != 0 {
		return fmt.Errorf("docker compose up failed rc=%d\n%s", rc, runner.Tail(t.cfg.LogPath, 12_000))
	}

	t.logger.Info("brought up tts stack")
	return nil
}

// EnsureReady polls the health probe with exponential backoff until it
// passes or ReadyTimeout elapses.
func (t *TTS) EnsureReady(ctx context.Context) error {
	ok := pollUntilReady(t.cfg.ReadyTimeout, func() bool { return t.probe(ctx) })
	if !ok {
		return fmt.Errorf("tts not ready after %s\n%s", t.cfg.ReadyTimeout, runner.Tail(t.cfg.LogPath, 12_000))
	}
	return nil
}

// Stop invokes the orchestrator's stop command. Failures are logged, not
// propagated — teardown is always best-effort.
func (t *TTS) Stop(ctx context.Context) {
	dc, err := composeCommand()
	if err != nil {
		t.logger.Warn("stop tts: no orchestrator found", "error", err)
		return
	}

	cmdline := append(append([]string{}, dc...), "-f", t.cfg.ComposeFile, "stop")
	rc := runner.RunBlocking(ctx, cmdline, t.cfg.Cwd, t.cfg.LogPath, 45*time.Second,
		logRotationOpts(t.cfg.LogMaxSizeMB, t.cfg.LogMaxBackups)...)
	if rc != 0 {
		t.logger.Warn("stop tts: compose stop failed", "rc", rc)
		return
	}
	t.logger.Info("stopped tts")
}
