package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/daemonsup/daemonsup/internal/probe"
	"github.com/daemonsup/daemonsup/internal/runner"
)

// LLMConfig configures the language-model server driver.
type LLMConfig struct {
	VersionURL    string
	GenerateURL   string
	Cmdline       []string
	Cwd           string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	ManageServer  bool
	ManageUnload  bool
	ReadyTimeout  time.Duration
	WarmTimeout   time.Duration
	KeepAlive     string
}

// LLM manages the language-model server's lifecycle, including warming and
// unloading a model's resident weights.
type LLM struct {
	cfg    LLMConfig
	logger *slog.Logger

	mu      sync.Mutex
	handle  *runner.Handle
	managed bool
}

// NewLLM creates an LLM driver.
func NewLLM(cfg LLMConfig, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{cfg: cfg, logger: logger}
}

func (l *LLM) probe(ctx context.Context) bool {
	return probe.LLM(ctx, l.cfg.VersionURL)
}

// IsRunning reports the LLM server's current health.
func (l *LLM) IsRunning(ctx context.Context) bool {
	return l.probe(ctx)
}

// Owned reports whether this driver spawned the server it is currently
// tracking, as opposed to finding one already running externally.
func (l *LLM) Owned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.managed
}

// Pid returns the managed process's pid, or 0 if none is tracked (including
// when the server was found already running externally).
func (l *LLM) Pid() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle.Pid()
}

// Start spawns the LLM server if it is not healthy and server management is
// enabled. If management is disabled and the probe fails, it errors out
// immediately rather than waiting.
func (l *LLM) Start(ctx context.Context) error {
	if l.probe(ctx) {
		return nil
	}

	if !l.cfg.ManageServer {
		return fmt.Errorf("llm server is not running and server management is disabled")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle != nil && !l.handle.Running() {
		l.handle = nil
		l.managed = false
	}

	if l.handle == nil {
		h, err := runner.SpawnHidden(l.cfg.Cmdline, l.cfg.Cwd, l.cfg.LogPath, l.cfg.LogPath,
			logRotationOpts(l.cfg.LogMaxSizeMB, l.cfg.LogMaxBackups)...)
		if err != nil {
			return fmt.Errorf("start llm: %w", err)
		}
		l.handle = h
		l.managed = true
		l.logger.Info("started llm", "pid", h.Pid())
	}

	return nil
}

// EnsureReady polls the health probe until it passes or ReadyTimeout
// elapses.
func (l *LLM) EnsureReady(ctx context.Context) error {
	ok := pollUntilReady(l.cfg.ReadyTimeout, func() bool { return l.probe(ctx) })
	if !ok {
		return fmt.Errorf("llm not ready after %s\n%s", l.cfg.ReadyTimeout, runner.Tail(l.cfg.LogPath, 12_000))
	}
	return nil
}

// Warm requests the LLM server load model's weights and keep them resident.
// First-time weight loads can be slow, hence the separate WarmTimeout.
func (l *LLM) Warm(ctx context.Context, model string) error {
	status, err := l.generate(ctx, model, l.cfg.KeepAlive, l.cfg.WarmTimeout)
	if err != nil {
		return fmt.Errorf("llm warm: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("llm warm failed: status %d", status)
	}
	return nil
}

// Unload releases a model's resident weights. It is fire-and-forget: errors
// are swallowed, matching the teardown path's best-effort contract. A no-op
// if unload management is disabled.
func (l *LLM) Unload(ctx context.Context, model string) {
	if !l.cfg.ManageUnload {
		return
	}
	_, _ = l.generate(ctx, model, 0, 15*time.Second)
}

func (l *LLM) generate(ctx context.Context, model string, keepAlive any, timeout time.Duration) (int, error) {
	payload := map[string]any{
		"model":      model,
		"prompt":     "",
		"stream":     false,
		"keep_alive": keepAlive,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, l.cfg.GenerateURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, nil
}

// Stop stops the LLM server only if this driver spawned it.
func (l *LLM) Stop(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.managed || l.handle == nil {
		return
	}

	runner.Stop(l.handle, runner.DefaultStopGrace)
	l.handle = nil
	l.managed = false
	l.logger.Info("stopped llm")
}
