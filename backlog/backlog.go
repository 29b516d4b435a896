// Package backlog decouples producing from delivering with a bounded FIFO
// of envelopes. The buffer is the only structure shared between the two
// halves of a pipeline instance; its capacity is the backpressure contract.
package backlog

import (
	"context"
	"errors"
	"sync"

	"github.com/logsluice/logsluice/event"
)

var (
	// ErrFull is returned by Push in drop mode when the buffer is at
	// capacity. The caller owns the drop: count it and move on, never
	// silently.
	ErrFull = errors.New("backlog: full")
	// ErrClosed is returned once the backlog is closed and drained.
	ErrClosed = errors.New("backlog: closed")
)

// Backlog is a channel-backed bounded FIFO. Pop order is push order.
//
// Close discipline: stop every pusher before calling Close. A Push racing
// Close may report ErrClosed without enqueueing; once pushers are stopped,
// Close loses nothing and every buffered envelope stays poppable.
type Backlog struct {
	ch           chan *event.Envelope
	dropWhenFull bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a backlog holding at most capacity envelopes. dropWhenFull
// selects the full-buffer policy: report ErrFull instead of blocking.
func New(capacity int, dropWhenFull bool) *Backlog {
	if capacity < 1 {
		panic("backlog capacity must be >= 1")
	}
	return &Backlog{
		ch:           make(chan *event.Envelope, capacity),
		dropWhenFull: dropWhenFull,
		closed:       make(chan struct{}),
	}
}

// Push enqueues env. In block mode it waits for space until ctx is done; in
// drop mode a full buffer returns ErrFull immediately.
func (b *Backlog) Push(ctx context.Context, env *event.Envelope) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	if b.dropWhenFull {
		select {
		case b.ch <- env:
			return nil
		case <-b.closed:
			return ErrClosed
		default:
			return ErrFull
		}
	}

	select {
	case b.ch <- env:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest envelope, waiting until one arrives, ctx is done,
// or the backlog is closed and drained.
func (b *Backlog) Pop(ctx context.Context) (*event.Envelope, error) {
	// Buffered envelopes win over a concurrent close.
	select {
	case env := <-b.ch:
		return env, nil
	default:
	}

	select {
	case env := <-b.ch:
		return env, nil
	case <-b.closed:
		select {
		case env := <-b.ch:
			return env, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops pushers. Buffered envelopes remain poppable; Pop reports
// ErrClosed only after the drain.
func (b *Backlog) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Discard closes the backlog and throws away everything still buffered,
// reporting how many envelopes were dropped.
func (b *Backlog) Discard() int {
	b.Close()
	n := 0
	for {
		select {
		case <-b.ch:
			n++
		default:
			return n
		}
	}
}

// Len reports the current number of buffered envelopes.
func (b *Backlog) Len() int { return len(b.ch) }

// Cap reports the fixed capacity.
func (b *Backlog) Cap() int { return cap(b.ch) }
