// Package reaper implements the idle-teardown background loop: it expires
// stale leases and, once the lease registry has been empty for the idle
// grace period, tears the service stack down.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/daemonsup/daemonsup/internal/util"
)

// TickInterval is how often the reaper checks lease state.
const TickInterval = 500 * time.Millisecond

// Registry is the subset of lease.Registry the reaper needs.
type Registry interface {
	ExpireStale(ttl time.Duration) (empty bool, emptySince time.Time)
	MarkTeardownComplete()
}

// Teardown is invoked once the idle grace period has elapsed. Implementations
// should be best-effort: errors are logged by the caller, not propagated.
type Teardown func(ctx context.Context)

// StageSetter lets the reaper reset the supervisor's stage/warm bookkeeping
// after a successful teardown.
type StageSetter interface {
	SetIdleAfterTeardown()
}

// Reaper runs the periodic expire-and-teardown loop.
type Reaper struct {
	registry   Registry
	leaseTTL   time.Duration
	idleTime   time.Duration
	teardown   Teardown
	stageSet   StageSetter
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Reaper. leaseTTL bounds how long a lease survives without a
// heartbeat; idleTimeout is the grace period the registry must stay empty
// before teardown fires.
func New(registry Registry, leaseTTL, idleTimeout time.Duration, teardown Teardown, stageSet StageSetter, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		leaseTTL: leaseTTL,
		idleTime: idleTimeout,
		teardown: teardown,
		stageSet: stageSet,
		logger:   logger,
	}
}

// Start launches the reaper's background goroutine. It is safe to call Stop
// even if Start was never called.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx)
}

// Stop signals the reaper to exit and waits for it to do so.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stop := r.stop
	done := r.done
	r.running = false
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	empty, emptySince := r.registry.ExpireStale(r.leaseTTL)
	if !empty {
		return
	}
	if time.Since(emptySince) < r.idleTime {
		return
	}

	r.logger.Info("idle timeout reached, tearing down stack")
	if err := util.RecoverToPanic(func() error {
		r.teardown(ctx)
		return nil
	}); err != nil {
		r.logger.Error("teardown failed", "error", err)
	}

	r.registry.MarkTeardownComplete()
	r.stageSet.SetIdleAfterTeardown()
}
