package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/logsluice/logsluice/event"
	"github.com/logsluice/logsluice/source"
)

// commitGate releases source offsets strictly in production order, no matter
// which order envelopes finish in. Every produced sequence number must reach
// complete exactly once; the gate buffers out-of-order completions until the
// gap before them closes.
//
// A completion with commit=false advances the gate without releasing the
// offset: the source keeps the record inflight and may redeliver it. That is
// the deliberate outcome for unacknowledged error-routed envelopes and for
// records dropped on a full backlog.
type commitGate struct {
	src   source.Producer
	retry RetryPolicy
	log   *zap.Logger

	mu      sync.Mutex
	next    uint64
	waiting map[uint64]gateEntry
}

type gateEntry struct {
	offset event.Offset
	commit bool
}

func newCommitGate(src source.Producer, retry RetryPolicy, log *zap.Logger) *commitGate {
	if retry == nil {
		retry = nopRetry{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &commitGate{
		src:     src,
		retry:   retry,
		log:     log,
		next:    1,
		waiting: map[uint64]gateEntry{},
	}
}

// complete records the terminal outcome for seq and commits every offset the
// outcome unblocks, in order. The mutex is held across the commit call so
// concurrent completions cannot release their runs out of order.
func (g *commitGate) complete(ctx context.Context, seq uint64, off event.Offset, commit bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if seq < g.next {
		g.log.Error("sequence completed twice", zap.Uint64("seq", seq))
		return nil
	}
	g.waiting[seq] = gateEntry{offset: off, commit: commit}

	var release []event.Offset
	for {
		e, ok := g.waiting[g.next]
		if !ok {
			break
		}
		delete(g.waiting, g.next)
		g.next++
		if e.commit && !e.offset.Zero() {
			release = append(release, e.offset)
		}
	}

	if len(release) == 0 {
		return nil
	}

	err := g.retry.Do(ctx, func(ctx context.Context) error {
		return g.src.Commit(ctx, release)
	})
	if err != nil {
		return fmt.Errorf("commit %d offsets: %w", len(release), err)
	}
	return nil
}

// pendingCount reports completions still waiting for an earlier sequence.
func (g *commitGate) pendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiting)
}
