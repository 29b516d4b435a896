package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

// ErrNoData is returned by Produce when the wait window elapsed without a
// message. It is not a failure; callers poll again.
var ErrNoData = errors.New("source: no data")

// ErrClosed is returned when Produce is called after the source has been
// closed and its buffer drained.
var ErrClosed = errors.New("source: closed")

// FatalError marks a connector failure that retrying cannot fix (missing
// queue, revoked credentials, deleted consumer group). The pipeline instance
// terminates and the supervisor decides whether to restart it.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "source: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError. A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether any error in the chain is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Producer is the input connector contract.
//
// Produce blocks until a message is available, the ctx deadline elapses
// (ErrNoData), or ctx is canceled. Any other error is transient unless
// wrapped as FatalError. Implementations must fill Record, Raw, Received and
// Offset; the pipeline stamps Seq.
//
// Commit durably advances the read position past the given offsets. Sources
// built with commit_mode "auto" acknowledge on read, accepting loss of
// in-flight records on crash, and their Commit is a no-op.
type Producer interface {
	Produce(ctx context.Context) (*event.Envelope, error)
	Commit(ctx context.Context, offsets []event.Offset) error
	Close() error
}

// BuildOptions carries the shared dependencies handed to connector builders.
// Transport clients are constructed by the caller so builders stay free of
// credential handling.
type BuildOptions struct {
	Logger *zap.Logger
	SQS    sqsAPI
	Redis  redisStreamsAPI
}

func (o BuildOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Builder constructs a Producer from a validated input configuration.
type Builder func(ctx context.Context, cfg config.InputConfig, opts BuildOptions) (Producer, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Builder{}
)

// Register makes a connector type available to Build. Implementations
// self-register in init; registering a duplicate type panics.
func Register(typ string, b Builder) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[typ]; dup {
		panic("source: duplicate register of type " + typ)
	}
	registry[typ] = b
}

// Build constructs the connector selected by cfg.Type.
func Build(ctx context.Context, cfg config.InputConfig, opts BuildOptions) (Producer, error) {
	regMu.RLock()
	b, ok := registry[cfg.Type]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: unknown type %q (known: %v)", cfg.Type, Types())
	}
	return b(ctx, cfg, opts)
}

// Types lists the registered connector types, sorted.
func Types() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// redisStreamsAPI is the slice of go-redis used by the redis_stream
// connector. Narrow so tests can fake it with redis.NewXxxResult values.
type redisStreamsAPI interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// decodeOrWrap turns raw payload bytes into a Record. Payloads that are not
// JSON objects are wrapped instead of rejected so a malformed message reaches
// the output (and its offset can be committed) rather than wedging the
// source.
func decodeOrWrap(raw []byte) event.Record {
	rec, err := event.Decode(raw)
	if err != nil {
		return event.Record{
			"message":         string(raw),
			"_decode_failure": err.Error(),
		}
	}
	return rec
}

// waitErr maps a context error at the end of a Produce wait: a deadline means
// the window elapsed empty, cancellation propagates.
func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrNoData
	}
	return ctx.Err()
}
