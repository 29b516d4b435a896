// Package pipeline assembles sources, preprocessing, the processor chain,
// the backlog and sinks into supervised pipeline instances.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logsluice/logsluice/backlog"
	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
	"github.com/logsluice/logsluice/metrics"
	"github.com/logsluice/logsluice/preprocess"
	"github.com/logsluice/logsluice/process"
	"github.com/logsluice/logsluice/sink"
	"github.com/logsluice/logsluice/source"
)

// instrumentation binds the per-pipeline metric series once so the hot
// paths never resolve labels.
type instrumentation struct {
	produced    prometheus.Counter
	delivered   prometheus.Counter
	retried     prometheus.Counter
	errorRouted prometheus.Counter
	dropped     prometheus.Counter
	backlog     prometheus.Gauge
	delivery    prometheus.Observer
}

func instrument(m *metrics.Metrics, name string) instrumentation {
	return instrumentation{
		produced:    m.RecordsProduced.WithLabelValues(name),
		delivered:   m.RecordsDelivered.WithLabelValues(name),
		retried:     m.RecordsRetried.WithLabelValues(name),
		errorRouted: m.RecordsErrorRouted.WithLabelValues(name),
		dropped:     m.RecordsDropped.WithLabelValues(name),
		backlog:     m.BacklogOccupancy.WithLabelValues(name),
		delivery:    m.DeliveryDuration.WithLabelValues(name),
	}
}

// Options carries the shared dependencies of a pipeline instance.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Instance is one complete pipeline: a producer task feeding the backlog
// through preprocessing and the processor chain, and a delivery task
// draining it into the output connector. The backlog is the only structure
// the two tasks share.
type Instance struct {
	name string
	cfg  config.Config

	src    source.Producer
	pre    *preprocess.Preprocessor
	chain  *process.Chain
	out    sink.Deliverer
	errOut sink.Deliverer

	buf   *backlog.Backlog
	gate  *commitGate
	coord *coordinator

	log *zap.Logger
	ins instrumentation

	seq uint64
}

// NewInstance wires one pipeline replica from already-built connectors. The
// instance owns the connectors afterwards: Close releases all three.
func NewInstance(name string, cfg config.Config, src source.Producer, out, errOut sink.Deliverer, opts Options) (*Instance, error) {
	if name == "" {
		return nil, errors.New("pipeline: name is required")
	}
	if src == nil {
		return nil, errors.New("pipeline: source is nil")
	}
	if out == nil {
		return nil, errors.New("pipeline: output sink is nil")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("pipeline", name))

	met := opts.Metrics
	if met == nil {
		met = metrics.New(prometheus.NewRegistry())
	}
	ins := instrument(met, name)

	chain, err := process.NewChain(cfg.Processors, log)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	buf := backlog.New(cfg.MessageBacklogSize, cfg.OnFull == config.OnFullDrop)
	gate := newCommitGate(src, SimpleRetry{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
		Jitter:    true,
	}, log)

	inst := &Instance{
		name:   name,
		cfg:    cfg,
		src:    src,
		pre:    preprocess.New(cfg.Preprocessing, log),
		chain:  chain,
		out:    out,
		errOut: errOut,
		buf:    buf,
		gate:   gate,
		log:    log,
		ins:    ins,
	}
	inst.coord = newCoordinator(name, cfg.Output, cfg.ErrorOutput, buf, out, errOut, gate, cfg.ShutdownTimeout, log, ins)
	return inst, nil
}

// SetDeliveryRetry overrides the delivery retry policy built from the
// output configuration.
func (i *Instance) SetDeliveryRetry(p RetryPolicy) {
	if p == nil {
		p = nopRetry{}
	}
	i.coord.retry = p
}

// SetCommitRetry overrides the offset commit retry policy.
func (i *Instance) SetCommitRetry(p RetryPolicy) {
	if p == nil {
		p = nopRetry{}
	}
	i.gate.retry = p
}

// Run moves records until ctx ends or a connector dies. A nil return means
// a clean drain; any error is the instance's terminal failure, reported to
// the supervisor for the restart decision.
func (i *Instance) Run(ctx context.Context) error {
	i.log.Info("pipeline starting",
		zap.String("input", i.cfg.Input.Type),
		zap.String("output", i.cfg.Output.Type),
		zap.Int("backlog", i.cfg.MessageBacklogSize))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return i.produceLoop(gctx) })
	g.Go(func() error { return i.coord.run(gctx) })

	err := g.Wait()
	if err != nil {
		i.log.Error("pipeline stopped on error", zap.Error(err))
		return err
	}
	i.log.Info("pipeline drained")
	return nil
}

// Close releases the connectors. Call after Run has returned.
func (i *Instance) Close() {
	if err := i.src.Close(); err != nil {
		i.log.Warn("source close", zap.Error(err))
	}
	if err := i.out.Close(); err != nil {
		i.log.Warn("output close", zap.Error(err))
	}
	if i.errOut != nil {
		if err := i.errOut.Close(); err != nil {
			i.log.Warn("error output close", zap.Error(err))
		}
	}
}

// produceLoop pulls from the source and feeds the backlog until ctx ends or
// the source dies. On exit it seals the backlog according to the drain
// policy; the delivery task finishes whatever remains poppable.
func (i *Instance) produceLoop(ctx context.Context) error {
	if i.cfg.PreprocessWorkers > 1 {
		return i.produceLoopPooled(ctx)
	}

	defer i.sealBacklog()
	for {
		env, err := i.nextEnvelope(ctx)
		if err != nil {
			if errors.Is(err, errStopProducing) {
				return nil
			}
			return err
		}
		if env == nil {
			continue
		}
		if herr := i.handleEnvelope(ctx, env); herr != nil {
			return herr
		}
	}
}

// produceLoopPooled runs preprocessing and the chain on a worker pool. Field
// stamping is pure per-envelope work, so envelopes may enter the backlog
// slightly out of production order; the commit gate reorders offsets by
// sequence number regardless.
func (i *Instance) produceLoopPooled(ctx context.Context) error {
	defer i.sealBacklog()

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan *event.Envelope, i.cfg.PreprocessWorkers)

	for w := 0; w < i.cfg.PreprocessWorkers; w++ {
		g.Go(func() error {
			for env := range work {
				if err := i.handleEnvelope(gctx, env); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var produceErr error
	for {
		env, err := i.nextEnvelope(gctx)
		if err != nil {
			if !errors.Is(err, errStopProducing) {
				produceErr = err
			}
			break
		}
		if env == nil {
			continue
		}
		select {
		case work <- env:
		case <-gctx.Done():
			// Workers are gone; the envelope stays uncommitted and the
			// source redelivers it.
		}
	}

	close(work)
	if werr := g.Wait(); produceErr == nil {
		produceErr = werr
	}
	return produceErr
}

// errStopProducing signals a clean producer exit (shutdown requested).
var errStopProducing = errors.New("pipeline: stop producing")

// nextEnvelope produces one envelope and stamps its sequence number. A nil
// envelope with nil error means "nothing this round" (idle source or a
// transient produce failure worth backing off from).
func (i *Instance) nextEnvelope(ctx context.Context) (*event.Envelope, error) {
	pctx, cancel := context.WithTimeout(ctx, i.cfg.Input.ProduceTimeout)
	env, err := i.src.Produce(pctx)
	cancel()

	if err != nil {
		switch {
		case errors.Is(err, source.ErrNoData):
			return nil, nil
		case ctx.Err() != nil:
			return nil, errStopProducing
		case source.IsFatal(err):
			return nil, err
		case errors.Is(err, source.ErrClosed):
			return nil, fmt.Errorf("source closed mid-run: %w", err)
		default:
			i.log.Warn("produce failed, backing off", zap.Error(err))
			select {
			case <-time.After(250 * time.Millisecond):
			case <-ctx.Done():
			}
			return nil, nil
		}
	}

	i.seq++
	env.Seq = i.seq
	i.ins.produced.Inc()
	return env, nil
}

// handleEnvelope preprocesses, runs the chain, and pushes to the backlog.
// Chain drops release the offset; full-backlog drops do not, so the source
// may redeliver the record once there is room again.
func (i *Instance) handleEnvelope(ctx context.Context, env *event.Envelope) error {
	i.pre.Apply(env)

	if i.chain.Process(ctx, env) {
		i.ins.dropped.Inc()
		return i.gate.complete(ctx, env.Seq, env.Offset, true)
	}

	if err := i.buf.Push(ctx, env); err != nil {
		switch {
		case errors.Is(err, backlog.ErrFull):
			i.ins.dropped.Inc()
			i.log.Warn("backlog full, dropping record", zap.Uint64("seq", env.Seq))
			return i.gate.complete(ctx, env.Seq, env.Offset, false)
		case errors.Is(err, backlog.ErrClosed), ctx.Err() != nil:
			// Shutting down; the record stays with the source.
			return nil
		default:
			return err
		}
	}
	i.ins.backlog.Set(float64(i.buf.Len()))
	return nil
}

// sealBacklog applies the drain policy once producing has stopped.
func (i *Instance) sealBacklog() {
	if i.cfg.Drain == config.DrainDiscard {
		if n := i.buf.Discard(); n > 0 {
			i.ins.dropped.Add(float64(n))
			i.log.Warn("discarded backlog on shutdown", zap.Int("count", n))
		}
		return
	}
	i.buf.Close()
}
