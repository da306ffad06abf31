// Package pipeline implements the dependency-ordered ensure sequence: bring
// the LLM server up, then STT, then TTS, then (optionally) warm a model.
// Exactly one ensure pipeline runs at a time; a second admission attempt
// while one is in flight is accepted without starting a second worker.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ServiceDriver is the subset of drivers.Driver the pipeline needs to bring
// a service up. Expressed as a local interface (rather than the concrete
// driver types) so tests can substitute fakes.
type ServiceDriver interface {
	Start(ctx context.Context) error
	EnsureReady(ctx context.Context) error
}

// LLMDriver additionally exposes the model-warm step.
type LLMDriver interface {
	ServiceDriver
	Warm(ctx context.Context, model string) error
}

// Stage labels exposed via /status.
const (
	StageIdle      = "idle"
	StageStarting  = "starting"
	StageLLMServer = "ensure:llm_server"
	StageSTT       = "ensure:stt"
	StageTTS       = "ensure:tts"
	StageLLMWarm   = "ensure:llm_warm"
	StageReady     = "ready"
	StageError     = "error"
)

// StateSink receives stage/error transitions as the pipeline progresses. A
// supervisor implements this to update its single shared state record.
type StateSink interface {
	SetStage(stage string)
	SetError(err error)
	SetWarm(model string, done bool)
}

// Pipeline runs the ensure sequence against a fixed trio of drivers.
type Pipeline struct {
	llm    LLMDriver
	stt    ServiceDriver
	tts    ServiceDriver
	sink   StateSink
	logger *slog.Logger

	mu       sync.Mutex
	ensuring bool
}

// New creates a Pipeline wired to the given drivers and state sink.
func New(llm LLMDriver, stt ServiceDriver, tts ServiceDriver, sink StateSink, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{llm: llm, stt: stt, tts: tts, sink: sink, logger: logger}
}

// Admit attempts to start an ensure pipeline for the given model (empty
// string for "no warm requested"). It returns true if this call started the
// worker; false if an ensure was already in flight, in which case the
// caller should treat this as "accepted, already in progress" (I1).
func (p *Pipeline) Admit(ctx context.Context, model string) bool {
	p.mu.Lock()
	if p.ensuring {
		p.mu.Unlock()
		return false
	}
	p.ensuring = true
	p.mu.Unlock()

	p.sink.SetError(nil)
	p.sink.SetStage(StageStarting)

	go p.run(ctx, model)
	return true
}

// Ensuring reports whether a pipeline run is currently in flight.
func (p *Pipeline) Ensuring() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensuring
}

func (p *Pipeline) run(ctx context.Context, model string) {
	defer func() {
		p.mu.Lock()
		p.ensuring = false
		p.mu.Unlock()
	}()

	steps := []struct {
		stage string
		fn    func(context.Context) error
	}{
		{StageLLMServer, p.ensureLLM},
		{StageSTT, p.ensureSTT},
		{StageTTS, p.ensureTTS},
	}

	for _, step := range steps {
		p.sink.SetStage(step.stage)
		if err := step.fn(ctx); err != nil {
			p.fail(step.stage, err)
			return
		}
	}

	p.sink.SetWarm(model, false)

	if model != "" {
		p.sink.SetStage(StageLLMWarm)
		if err := p.llm.Warm(ctx, model); err != nil {
			p.fail(StageLLMWarm, err)
			return
		}
		p.sink.SetWarm(model, true)
	}

	p.sink.SetStage(StageReady)
}

func (p *Pipeline) fail(stage string, err error) {
	wrapped := fmt.Errorf("%s: %w", stage, err)
	p.logger.Error("ensure failed", "stage", stage, "error", err)
	p.sink.SetError(wrapped)
	p.sink.SetStage(StageError)
}

func (p *Pipeline) ensureLLM(ctx context.Context) error {
	if err := p.llm.Start(ctx); err != nil {
		return err
	}
	return p.llm.EnsureReady(ctx)
}

func (p *Pipeline) ensureSTT(ctx context.Context) error {
	if err := p.stt.Start(ctx); err != nil {
		return err
	}
	return p.stt.EnsureReady(ctx)
}

func (p *Pipeline) ensureTTS(ctx context.Context) error {
	if err := p.tts.Start(ctx); err != nil {
		return err
	}
	return p.tts.EnsureReady(ctx)
}
