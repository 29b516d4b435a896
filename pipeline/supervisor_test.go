package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
	"github.com/logsluice/logsluice/metrics"
	"github.com/logsluice/logsluice/sink"
	"github.com/logsluice/logsluice/source"
)

// countingFactory wraps a Factory and records every invocation.
type countingFactory struct {
	mu    sync.Mutex
	calls int
	names map[string]int
	inner Factory
}

func newCountingFactory(inner Factory) *countingFactory {
	return &countingFactory{names: map[string]int{}, inner: inner}
}

func (f *countingFactory) build(ctx context.Context, name string) (*Instance, error) {
	f.mu.Lock()
	f.calls++
	f.names[name]++
	f.mu.Unlock()
	return f.inner(ctx, name)
}

func (f *countingFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func memoryFactory(cfg config.Config) Factory {
	return func(_ context.Context, name string) (*Instance, error) {
		return NewInstance(name, cfg, source.NewMemory(source.MemoryConfig{}), sink.NewMemory(), sink.NewMemory(), Options{})
	}
}

func TestSupervisor_RunsConfiguredReplicas(t *testing.T) {
	cfg := testInstanceCfg()
	cfg.PipelineCount = 3
	f := newCountingFactory(memoryFactory(cfg))
	sup := NewSupervisor(cfg, f.build, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool { return f.callCount() == 3 }, "replicas never built")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, name := range []string{"pipeline-1", "pipeline-2", "pipeline-3"} {
		if f.names[name] != 1 {
			t.Fatalf("replica %s built %d times, want 1", name, f.names[name])
		}
	}
}

func TestSupervisor_FactoryFailureCountsAgainstBudget(t *testing.T) {
	cfg := testInstanceCfg()
	cfg.MaxRestarts = 2
	cfg.RestartBackoff = time.Millisecond
	cfg.RestartResetAfter = time.Hour

	f := newCountingFactory(func(context.Context, string) (*Instance, error) {
		return nil, errors.New("connector refused")
	})
	sup := NewSupervisor(cfg, f.build, Options{})

	err := sup.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil with a dead factory")
	}
	if !strings.Contains(err.Error(), "unrecoverable after 3") {
		t.Fatalf("Run = %v", err)
	}
	if f.callCount() != 3 {
		t.Fatalf("factory calls = %d, want 1 initial + 2 restarts", f.callCount())
	}
}

func TestSupervisor_EscalatesAfterInstanceFailures(t *testing.T) {
	cfg := testInstanceCfg()
	cfg.MaxRestarts = 1
	cfg.RestartBackoff = time.Millisecond
	cfg.RestartResetAfter = time.Hour
	met := metrics.New(prometheus.NewRegistry())

	f := newCountingFactory(func(_ context.Context, name string) (*Instance, error) {
		return NewInstance(name, cfg, fatalSource{}, sink.NewMemory(), sink.NewMemory(), Options{})
	})
	sup := NewSupervisor(cfg, f.build, Options{Metrics: met})

	err := sup.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil for a persistently failing replica")
	}
	if f.callCount() != 2 {
		t.Fatalf("factory calls = %d, want 2", f.callCount())
	}
	if got := testutil.ToFloat64(met.Restarts.WithLabelValues("pipeline-1")); got != 1 {
		t.Fatalf("restart counter = %v, want 1", got)
	}
}

// slowFatalSource runs for delay, then dies. Long enough runs count as
// healthy and reset the restart budget.
type slowFatalSource struct{ delay time.Duration }

func (s slowFatalSource) Produce(ctx context.Context) (*event.Envelope, error) {
	select {
	case <-time.After(s.delay):
		return nil, source.Fatal(errors.New("flaky link"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (slowFatalSource) Commit(context.Context, []event.Offset) error { return nil }
func (slowFatalSource) Close() error                                 { return nil }

func TestSupervisor_HealthyRunsResetTheBudget(t *testing.T) {
	cfg := testInstanceCfg()
	cfg.Input.ProduceTimeout = 200 * time.Millisecond
	cfg.MaxRestarts = 1
	cfg.RestartBackoff = time.Millisecond
	cfg.RestartResetAfter = 5 * time.Millisecond

	f := newCountingFactory(func(_ context.Context, name string) (*Instance, error) {
		return NewInstance(name, cfg, slowFatalSource{delay: 10 * time.Millisecond}, sink.NewMemory(), sink.NewMemory(), Options{})
	})
	sup := NewSupervisor(cfg, f.build, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Each run outlives restart_reset_after, so the budget of 1 restart
	// never accumulates and the replica keeps coming back.
	waitFor(t, 5*time.Second, func() bool { return f.callCount() >= 3 }, "replica stopped being restarted")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSupervisor_CancelDuringBackoffReturnsNil(t *testing.T) {
	cfg := testInstanceCfg()
	cfg.MaxRestarts = 5
	cfg.RestartBackoff = time.Hour
	cfg.RestartResetAfter = time.Hour

	f := newCountingFactory(func(context.Context, string) (*Instance, error) {
		return nil, errors.New("connector refused")
	})
	sup := NewSupervisor(cfg, f.build, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool { return f.callCount() == 1 }, "first build never happened")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel during backoff")
	}
}
