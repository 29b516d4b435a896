package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/logsluice/logsluice/backlog"
	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
	"github.com/logsluice/logsluice/sink"
)

// errStillPending signals the retry policy that part of the batch is still
// waiting on a transient failure. It never escapes the coordinator.
var errStillPending = errors.New("pipeline: delivery still pending")

// coordinator drains the backlog into the output connector: it groups
// envelopes into batches bounded by size and flush timeout, retries
// transient per-item failures in place, routes terminal failures to the
// error output, and feeds every outcome through the commit gate.
type coordinator struct {
	name string
	cfg  config.OutputConfig

	buf    *backlog.Backlog
	out    sink.Deliverer
	errOut sink.Deliverer
	gate   *commitGate
	retry  RetryPolicy
	log    *zap.Logger
	ins    instrumentation

	ackErrorRouted bool
	drainTimeout   time.Duration

	// drain context, created once the run context ends
	drainOnce   sync.Once
	drainCtx    context.Context
	drainCancel context.CancelFunc
}

func newCoordinator(
	name string,
	cfg config.OutputConfig,
	errCfg config.OutputConfig,
	buf *backlog.Backlog,
	out, errOut sink.Deliverer,
	gate *commitGate,
	drainTimeout time.Duration,
	log *zap.Logger,
	ins instrumentation,
) *coordinator {
	return &coordinator{
		name:   name,
		cfg:    cfg,
		buf:    buf,
		out:    out,
		errOut: errOut,
		gate:   gate,
		retry: SimpleRetry{
			Attempts:  1 + cfg.MaxRetries,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
			Jitter:    true,
		},
		log:            log,
		ins:            ins,
		ackErrorRouted: errCfg.AckErrorRouted,
		drainTimeout:   drainTimeout,
	}
}

// run pops and delivers until the backlog is closed and drained. When the
// run context ends first, delivery continues under the drain budget so
// buffered envelopes are not abandoned mid-shutdown.
func (c *coordinator) run(ctx context.Context) error {
	defer func() {
		if c.drainCancel != nil {
			c.drainCancel()
		}
	}()

	workers := 1
	if c.cfg.ParallelBulk > 1 && sink.ConcurrencySafe(c.out) {
		workers = c.cfg.ParallelBulk
	}
	if workers > 1 {
		return c.runParallel(ctx, workers)
	}

	for {
		popCtx := c.workCtx(ctx)
		batch, err := c.nextBatch(popCtx)
		if len(batch) > 0 {
			if derr := c.deliverBatch(c.workCtx(ctx), batch); derr != nil {
				return derr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, backlog.ErrClosed):
			return nil
		case ctx.Err() != nil && popCtx == ctx:
			// Run context ended; reloop under the drain budget.
		default:
			return err
		}
	}
}

// runParallel fans batches out to a bounded worker pool. The first worker
// failure stops the feeder; batches already queued are abandoned
// uncommitted, so the source redelivers them.
func (c *coordinator) runParallel(ctx context.Context, workers int) error {
	jobs := make(chan []*event.Envelope, workers)
	errCh := make(chan error, 1)
	failed := make(chan struct{})
	var failOnce sync.Once
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range jobs {
				if err := c.deliverBatch(c.workCtx(ctx), batch); err != nil {
					failOnce.Do(func() {
						errCh <- err
						close(failed)
					})
					return
				}
			}
		}()
	}

	feed := func() error {
		for {
			select {
			case <-failed:
				return nil
			default:
			}

			popCtx := c.workCtx(ctx)
			batch, err := c.nextBatch(popCtx)
			if len(batch) > 0 {
				select {
				case jobs <- batch:
				case <-failed:
					return nil
				}
			}
			switch {
			case err == nil:
			case errors.Is(err, backlog.ErrClosed):
				return nil
			case ctx.Err() != nil && popCtx == ctx:
				// reloop under the drain budget
			default:
				return err
			}
		}
	}

	feedErr := feed()
	close(jobs)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return feedErr
	}
}

// nextBatch collects up to batch_size envelopes. The flush deadline starts
// with the first envelope; hitting it flushes whatever has accumulated.
func (c *coordinator) nextBatch(ctx context.Context) ([]*event.Envelope, error) {
	var batch []*event.Envelope
	var deadline time.Time

	for len(batch) < c.cfg.BatchSize {
		popCtx := ctx
		var cancel context.CancelFunc
		if !deadline.IsZero() {
			popCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		env, err := c.buf.Pop(popCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return batch, nil
			}
			return batch, err
		}
		if len(batch) == 0 {
			deadline = time.Now().Add(c.cfg.FlushTimeout)
		}
		batch = append(batch, env)
		c.ins.backlog.Set(float64(c.buf.Len()))
	}
	return batch, nil
}

// deliverBatch drives one batch to a terminal outcome for every envelope:
// delivered, or routed to the error output. Only then does it feed the
// commit gate, in batch order.
func (c *coordinator) deliverBatch(ctx context.Context, batch []*event.Envelope) error {
	pending := batch
	var fatal error

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		pending = c.attempt(ctx, pending, &fatal)
		if len(pending) == 0 || fatal != nil {
			return nil
		}
		return errStillPending
	})
	if err != nil && !errors.Is(err, errStillPending) {
		// Context ended mid-retry. Nothing here was terminally resolved;
		// leaving the batch uncommitted hands it back to the source.
		return err
	}

	if fatal != nil {
		// Envelopes still waiting on a retry were aborted by the dead
		// transport, not exhausted.
		for _, env := range batch {
			if env.State == event.StateRetrying {
				env.State = event.StateDelivering
				env.RecordFailure("aborted by fatal sink error: " + reasonOf(fatal))
			}
		}
	}

	for _, env := range batch {
		if env.State == event.StateDelivered {
			c.ins.delivered.Inc()
			if gerr := c.gate.complete(ctx, env.Seq, env.Offset, true); gerr != nil {
				return gerr
			}
			continue
		}

		routed := c.routeError(ctx, env)
		commit := routed && c.ackErrorRouted
		if gerr := c.gate.complete(ctx, env.Seq, env.Offset, commit); gerr != nil {
			return gerr
		}
	}
	return fatal
}

// attempt sends every still-pending envelope once and reports the subset
// that failed transiently. A fatal sink error stops the retry cycle: the
// transport is gone, so whatever is still pending becomes terminal.
func (c *coordinator) attempt(ctx context.Context, pending []*event.Envelope, fatal *error) []*event.Envelope {
	for _, env := range pending {
		env.Attempts++
		env.State = event.StateDelivering
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	results := c.out.Deliver(sendCtx, pending)
	cancel()
	c.ins.delivery.Observe(time.Since(start).Seconds())

	if len(results) != len(pending) {
		c.log.Error("sink broke the per-item result contract",
			zap.Int("batch", len(pending)), zap.Int("results", len(results)))
		results = sink.Repeat(len(pending), sink.Retry(errors.New("mismatched result count")))
	}

	var still []*event.Envelope
	for i, res := range results {
		env := pending[i]
		switch res.Status {
		case sink.StatusDelivered:
			env.State = event.StateDelivered
		case sink.StatusFailed:
			env.RecordFailure(reasonOf(res.Err))
			if sink.IsFatal(res.Err) && *fatal == nil {
				*fatal = res.Err
			}
		default: // StatusRetryLater
			env.State = event.StateRetrying
			env.RecordFailure(reasonOf(res.Err))
			c.ins.retried.Inc()
			still = append(still, env)
		}
	}
	return still
}

// routeError writes a failure document for env to the error output. It
// reports whether the document was accepted; a refused document leaves the
// envelope uncommitted regardless of ack_error_routed.
func (c *coordinator) routeError(ctx context.Context, env *event.Envelope) bool {
	reason := terminalReason(env)
	c.ins.errorRouted.Inc()

	if c.errOut == nil {
		c.log.Warn("no error output, failed envelope dropped",
			zap.Uint64("seq", env.Seq), zap.String("reason", reason))
		return false
	}

	doc := sink.NewFailure(c.name, reason, env)
	fenv := &event.Envelope{Record: doc.Record(), Received: time.Now().UTC()}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	results := c.errOut.Deliver(sendCtx, []*event.Envelope{fenv})
	cancel()

	if len(results) != 1 || results[0].Status != sink.StatusDelivered {
		c.log.Error("error output refused failure document",
			zap.Uint64("seq", env.Seq), zap.String("reason", reason))
		return false
	}
	env.State = event.StateErrorRouted
	return true
}

// workCtx returns ctx while it lives. After cancellation it returns the
// drain context, created once with the shutdown budget, so the coordinator
// can keep flushing during a graceful stop.
func (c *coordinator) workCtx(ctx context.Context) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	c.drainOnce.Do(func() {
		c.drainCtx, c.drainCancel = context.WithTimeout(context.WithoutCancel(ctx), c.drainTimeout)
	})
	return c.drainCtx
}

func terminalReason(env *event.Envelope) string {
	if env.State == event.StateRetrying {
		return fmt.Sprintf("delivery retries exhausted after %d attempts", env.Attempts)
	}
	if n := len(env.Failures); n > 0 {
		return env.Failures[n-1]
	}
	return "delivery failed"
}

func reasonOf(err error) string {
	if err == nil {
		return "unspecified sink failure"
	}
	return err.Error()
}
