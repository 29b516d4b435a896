package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/metrics"
)

// maxRestartBackoff caps the doubling restart delay.
const maxRestartBackoff = 30 * time.Second

// Factory builds a fresh pipeline instance for one replica. The supervisor
// calls it again before every restart so a replacement starts from clean
// connector state instead of inheriting half-dead clients.
type Factory func(ctx context.Context, name string) (*Instance, error)

// Supervisor runs pipeline_count replicas and restarts the ones that fail.
// Each replica has its own restart budget: max_restarts consecutive failures
// and the replica is declared unrecoverable, which stops the whole set.
type Supervisor struct {
	cfg     config.Config
	factory Factory
	log     *zap.Logger
	met     *metrics.Metrics
}

// NewSupervisor wires a supervisor over the given instance factory.
func NewSupervisor(cfg config.Config, factory Factory, opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New(prometheus.NewRegistry())
	}
	return &Supervisor{cfg: cfg, factory: factory, log: log, met: met}
}

// Run blocks until ctx is canceled (clean shutdown, returns nil) or until a
// replica exhausts its restart budget (the error names the replica; sibling
// replicas are canceled and drained before Run returns).
func (s *Supervisor) Run(ctx context.Context) error {
	count := s.cfg.PipelineCount
	if count < 1 {
		count = 1
	}
	s.log.Info("supervisor starting", zap.Int("pipelines", count))

	g, gctx := errgroup.WithContext(ctx)
	for r := 1; r <= count; r++ {
		name := fmt.Sprintf("pipeline-%d", r)
		g.Go(func() error { return s.runReplica(gctx, name) })
	}
	return g.Wait()
}

// runReplica rebuilds and reruns one replica until it drains cleanly or
// fails max_restarts+1 times in a row. A run that survives at least
// restart_reset_after is considered healthy and resets the budget, so a
// long-lived pipeline is not killed by failures spread over days.
func (s *Supervisor) runReplica(ctx context.Context, name string) error {
	log := s.log.With(zap.String("pipeline", name))
	restarts := s.met.Restarts.WithLabelValues(name)

	consecutive := 0
	backoff := s.cfg.RestartBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		started := time.Now()
		err := s.runOnce(ctx, name)
		if err == nil {
			log.Info("replica finished")
			return nil
		}
		if ctx.Err() != nil {
			log.Info("replica stopped during shutdown", zap.Error(err))
			return nil
		}

		if time.Since(started) >= s.cfg.RestartResetAfter && s.cfg.RestartResetAfter > 0 {
			consecutive = 0
			backoff = s.cfg.RestartBackoff
		}
		consecutive++
		if consecutive > s.cfg.MaxRestarts {
			log.Error("restart budget exhausted",
				zap.Int("consecutive_failures", consecutive),
				zap.Error(err))
			return fmt.Errorf("%s: unrecoverable after %d consecutive failures: %w", name, consecutive, err)
		}

		restarts.Inc()
		log.Warn("replica failed, restarting",
			zap.Int("consecutive_failures", consecutive),
			zap.Int("max_restarts", s.cfg.MaxRestarts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if backoff *= 2; backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, name string) error {
	inst, err := s.factory(ctx, name)
	if err != nil {
		return fmt.Errorf("build %s: %w", name, err)
	}
	defer inst.Close()
	return inst.Run(ctx)
}
