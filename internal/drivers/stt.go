package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daemonsup/daemonsup/internal/probe"
	"github.com/daemonsup/daemonsup/internal/runner"
)

// STTConfig configures the speech-to-text driver.
type STTConfig struct {
	HealthURL     string
	Cmdline       []string
	Cwd           string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	ReadyTimeout  time.Duration
}

// STT manages the speech-to-text server's lifecycle.
type STT struct {
	cfg    STTConfig
	logger *slog.Logger

	mu     sync.Mutex
	handle *runner.Handle
	owned  bool
}

// NewSTT creates an STT driver.
func NewSTT(cfg STTConfig, logger *slog.Logger) *STT {
	if logger == nil {
		logger = slog.Default()
	}
	return &STT{cfg: cfg, logger: logger}
}

func (s *STT) probe(ctx context.Context) bool {
	return probe.STT(ctx, s.cfg.HealthURL)
}

// IsRunning reports the STT server's current health.
func (s *STT) IsRunning(ctx context.Context) bool {
	return s.probe(ctx)
}

// Owned reports whether this driver spawned the currently tracked process.
func (s *STT) Owned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owned
}

// Pid returns the owned process's pid, or 0 if none is tracked.
func (s *STT) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Pid()
}

// Start spawns the STT server if it is not already healthy.
func (s *STT) Start(ctx context.Context) error {
	if s.probe(ctx) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil && !s.handle.Running() {
		s.handle = nil
		s.owned = false
	}

	if s.handle == nil {
		h, err := runner.SpawnHidden(s.cfg.Cmdline, s.cfg.Cwd, s.cfg.LogPath, s.cfg.LogPath,
			logRotationOpts(s.cfg.LogMaxSizeMB, s.cfg.LogMaxBackups)...)
		if err != nil {
			return fmt.Errorf("start stt: %w", err)
		}
		s.handle = h
		s.owned = true
		s.logger.Info("started stt", "pid", h.Pid())
	}

	return nil
}

// EnsureReady polls the health probe every 200ms until it passes or
// ReadyTimeout elapses. If the spawned child exits early, it fails
// immediately with the captured log tail rather than waiting out the
// timeout.
func (s *STT) EnsureReady(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)

	for time.Now().Before(deadline) {
		if s.probe(ctx) {
			return nil
		}

		s.mu.Lock()
		h := s.handle
		s.mu.Unlock()

		if h != nil && !h.Running() {
			return fmt.Errorf("stt exited early (rc=%d)\n%s", h.ExitCode(), runner.Tail(s.cfg.LogPath, 12_000))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	return fmt.Errorf("stt not ready after %s\n%s", s.cfg.ReadyTimeout, runner.Tail(s.cfg.LogPath, 12_000))
}

// Stop gracefully stops the STT server if this driver owns it.
func (s *STT) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.owned || s.handle == nil {
		return
	}

	runner.Stop(s.handle, runner.DefaultStopGrace)
	s.handle = nil
	s.owned = false
	s.logger.Info("stopped stt")
}
