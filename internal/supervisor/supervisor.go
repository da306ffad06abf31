// Package supervisor owns the single process-wide state record tying
// together the lease registry, the ensure pipeline, the idle reaper, and
// the three service drivers — the "Supervisor" of the daemon's data model.
//
// A mutex-guarded record with structured logging on every transition and a
// Run that blocks until context cancellation then shuts down with a
// timeout, but the thing being supervised is not a set of auto-restarting
// services: drivers here are brought up exactly once per /ensure and torn
// down only by the reaper or on daemon shutdown, never restarted on
// failure.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/daemonsup/daemonsup/internal/drivers"
	"github.com/daemonsup/daemonsup/internal/lease"
	"github.com/daemonsup/daemonsup/internal/pipeline"
	"github.com/daemonsup/daemonsup/internal/reaper"
	"github.com/daemonsup/daemonsup/internal/runner"
)

// Config configures a Supervisor.
type Config struct {
	LeaseTTL        time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Status is a point-in-time snapshot of the supervisor's state record,
// consumed by the control plane's /status handler.
type Status struct {
	Ensuring  bool
	Stage     string
	LastError error
	Leases    int
	WarmModel string
	WarmDone  bool
}

// Supervisor is the aggregate of lease registry, ensure pipeline, and
// reaper (see the glossary): the single mutex-guarded record spec.md calls
// "Supervisor State", plus the goroutines that act on it.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	registry *lease.Registry
	pipeline *pipeline.Pipeline
	reaper   *reaper.Reaper

	llm *drivers.LLM
	stt *drivers.STT
	tts *drivers.TTS

	mu           sync.Mutex
	stage        string
	lastErr      error
	warmModel    string
	warmDone     bool
	shutdownFlag bool
}

// New creates a Supervisor wired to the given drivers.
func New(cfg Config, llm *drivers.LLM, stt *drivers.STT, tts *drivers.TTS) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Supervisor{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: lease.New(),
		llm:      llm,
		stt:      stt,
		tts:      tts,
		stage:    pipeline.StageIdle,
	}

	s.pipeline = pipeline.New(llm, stt, tts, s, cfg.Logger)
	s.reaper = reaper.New(s.registry, cfg.LeaseTTL, cfg.IdleTimeout, s.teardown, s, cfg.Logger)

	return s
}

// Registry returns the lease registry.
func (s *Supervisor) Registry() *lease.Registry { return s.registry }

// Ensure admits a new ensure-pipeline run for the given model (empty for
// "no warm requested"). Returns true if this call started the worker.
func (s *Supervisor) Ensure(ctx context.Context, model string) bool {
	return s.pipeline.Admit(ctx, model)
}

// Ensuring reports whether an ensure pipeline is currently in flight.
func (s *Supervisor) Ensuring() bool { return s.pipeline.Ensuring() }

// LLM, STT, TTS expose the drivers for probing by the control plane's
// /status handler.
func (s *Supervisor) LLM() *drivers.LLM { return s.llm }
func (s *Supervisor) STT() *drivers.STT { return s.stt }
func (s *Supervisor) TTS() *drivers.TTS { return s.tts }

// Status returns a snapshot of the shared state record.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Ensuring:  s.pipeline.Ensuring(),
		Stage:     s.stage,
		LastError: s.lastErr,
		Leases:    s.registry.Count(),
		WarmModel: s.warmModel,
		WarmDone:  s.warmDone,
	}
}

// --- pipeline.StateSink ---

// SetStage implements pipeline.StateSink.
func (s *Supervisor) SetStage(stage string) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
	s.logger.Info("stage", "stage", stage)
}

// SetError implements pipeline.StateSink.
func (s *Supervisor) SetError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// SetWarm implements pipeline.StateSink.
func (s *Supervisor) SetWarm(model string, done bool) {
	s.mu.Lock()
	s.warmModel = model
	s.warmDone = done
	s.mu.Unlock()
}

// --- reaper.StageSetter ---

// SetIdleAfterTeardown implements reaper.StageSetter. warm_model is
// deliberately retained (not cleared) so the next /ensure can default
// intelligently, per spec.md's stated preference; warm_done is cleared
// since nothing is warm anymore after teardown.
func (s *Supervisor) SetIdleAfterTeardown() {
	s.mu.Lock()
	s.stage = pipeline.StageIdle
	s.warmDone = false
	s.mu.Unlock()
}

// teardown stops all three drivers, best-effort, outside the registry lock.
// Unload happens first so the model's weights are released before the
// server that held them is stopped.
func (s *Supervisor) teardown(ctx context.Context) {
	s.mu.Lock()
	model := s.warmModel
	s.mu.Unlock()

	if model != "" {
		s.llm.Unload(ctx, model)
	}
	s.stt.Stop(ctx)
	s.tts.Stop(ctx)
	s.llm.Stop(ctx)
}

// Run starts the reaper and blocks until ctx is cancelled, then runs
// graceful shutdown teardown with a bounded timeout.
func (s *Supervisor) Run(ctx context.Context) error {
	s.reaper.Start(ctx)

	<-ctx.Done()

	s.mu.Lock()
	s.shutdownFlag = true
	s.mu.Unlock()

	s.logger.Info("shutdown signal received, tearing down stack")
	err := s.Shutdown(context.Background())

	if leaked := runner.LeakedResources(); len(leaked) > 0 {
		s.logger.Warn("resources still tracked after shutdown", "resources", leaked)
	}

	return err
}

// Shutdown runs the teardown sequence synchronously with a bounded timeout,
// for use both from Run's signal path and directly by daemon main on exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.reaper.Stop()

	done := make(chan struct{})
	go func() {
		s.teardown(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		return errors.New("shutdown timeout exceeded")
	}
}
