package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRegistry struct {
	mu         sync.Mutex
	empty      bool
	emptySince time.Time
	expireCalls int32
}

func (f *fakeRegistry) ExpireStale(ttl time.Duration) (bool, time.Time) {
	atomic.AddInt32(&f.expireCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.empty, f.emptySince
}

func (f *fakeRegistry) MarkTeardownComplete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emptySince = time.Now()
}

func (f *fakeRegistry) setEmptySince(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.empty = true
	f.emptySince = t
}

type fakeStageSetter struct {
	calls int32
}

func (f *fakeStageSetter) SetIdleAfterTeardown() {
	atomic.AddInt32(&f.calls, 1)
}

func TestReaperTearsDownAfterIdleGrace(t *testing.T) {
	reg := &fakeRegistry{}
	reg.setEmptySince(time.Now().Add(-time.Hour)) // already well past idle

	var torndown int32
	teardown := func(ctx context.Context) { atomic.AddInt32(&torndown, 1) }

	stage := &fakeStageSetter{}
	r := New(reg, 15*time.Second, 10*time.Millisecond, teardown, stage, nil)

	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&torndown) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if atomic.LoadInt32(&torndown) == 0 {
		t.Fatalf("expected teardown to be invoked")
	}
	if atomic.LoadInt32(&stage.calls) == 0 {
		t.Fatalf("expected stage setter to be invoked after teardown")
	}
}

func TestReaperDoesNotTearDownBeforeIdleGrace(t *testing.T) {
	reg := &fakeRegistry{}
	reg.setEmptySince(time.Now()) // just became empty

	var torndown int32
	teardown := func(ctx context.Context) { atomic.AddInt32(&torndown, 1) }

	r := New(reg, 15*time.Second, time.Hour, teardown, &fakeStageSetter{}, nil)
	r.Start(context.Background())
	defer r.Stop()

	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&torndown) != 0 {
		t.Fatalf("teardown must not fire before the idle grace period elapses")
	}
}

func TestReaperStopIsIdempotentAndSafeWithoutStart(t *testing.T) {
	r := New(&fakeRegistry{}, time.Second, time.Second, func(ctx context.Context) {}, &fakeStageSetter{}, nil)
	r.Stop() // never started
	r.Stop() // second call is also a no-op
}

func TestReaperPanicDuringTeardownIsRecovered(t *testing.T) {
	reg := &fakeRegistry{}
	reg.setEmptySince(time.Now().Add(-time.Hour))

	teardown := func(ctx context.Context) { panic("boom") }
	stage := &fakeStageSetter{}
	r := New(reg, time.Second, 10*time.Millisecond, teardown, stage, nil)

	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&stage.calls) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected reaper to recover from a panicking teardown and continue")
}
