// Package drivers implements the per-service lifecycle (start/ensure_ready/
// stop/is_running, plus warm/unload where applicable) for the three managed
// services: the STT server, the containerized TTS server, and the LLM
// server. All methods are idempotent: starting a running driver or stopping
// a stopped one is a no-op.
package drivers

import (
	"context"

	"github.com/daemonsup/daemonsup/internal/runner"
)

// logRotationOpts turns the config-file-level log size/backup-count knobs
// into RotatingWriter options, leaving the writer's own defaults in place
// where a driver config leaves a knob at its zero value.
func logRotationOpts(maxSizeMB, maxBackups int) []runner.RotatingWriterOption {
	var opts []runner.RotatingWriterOption
	if maxSizeMB > 0 {
		opts = append(opts, runner.WithMaxSize(int64(maxSizeMB)*1024*1024))
	}
	if maxBackups > 0 {
		opts = append(opts, runner.WithMaxFiles(maxBackups))
	}
	return opts
}

// Driver is the common capability set every managed service exposes.
type Driver interface {
	// Start brings the service up if it is not already healthy. It does not
	// block until ready; call EnsureReady for that.
	Start(ctx context.Context) error

	// EnsureReady polls the service's health probe until it passes or the
	// driver's configured ready timeout elapses.
	EnsureReady(ctx context.Context) error

	// Stop tears the service down if this driver owns it (see Owned).
	Stop(ctx context.Context)

	// IsRunning reports the service's current health, independent of
	// whether this driver started it.
	IsRunning(ctx context.Context) bool

	// Owned reports whether this driver spawned the service itself, as
	// opposed to finding it already running. Only owned services are ever
	// stopped.
	Owned() bool
}
