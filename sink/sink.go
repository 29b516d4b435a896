package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

// Status classifies the outcome of one envelope within a delivery call.
type Status uint8

const (
	// StatusDelivered means the envelope is durably accepted downstream.
	StatusDelivered Status = iota
	// StatusRetryLater marks a condition worth retrying with backoff.
	StatusRetryLater
	// StatusFailed marks a permanent per-item failure; the envelope is routed
	// to the error output, never retried here.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRetryLater:
		return "retry_later"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the per-envelope outcome of a Deliver call.
type Result struct {
	Status Status
	Err    error
}

func Ok() Result             { return Result{Status: StatusDelivered} }
func Retry(err error) Result { return Result{Status: StatusRetryLater, Err: err} }
func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

// Repeat builds n copies of r, for call-wide outcomes.
func Repeat(n int, r Result) []Result {
	out := make([]Result, n)
	for i := range out {
		out[i] = r
	}
	return out
}

// FatalError marks a sink failure that retrying cannot fix (missing bucket,
// closed endpoint). The pipeline instance terminates on it.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "sink: fatal: " + e.Err.Error() }
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

// Deliverer is the output connector contract.
//
// Deliver attempts the whole batch and reports one Result per envelope, same
// order, same length. The batch must not be mutated or reordered. Connector
// trouble that dooms the entire call is reported uniformly across items
// (RetryLater for transient trouble, Failed with a FatalError for dead
// transports).
type Deliverer interface {
	Deliver(ctx context.Context, batch []*event.Envelope) []Result
	Close() error
}

// Concurrent is an optional capability: sinks that return true may receive
// overlapping Deliver calls from parallel bulk workers.
type Concurrent interface {
	ConcurrencySafe() bool
}

// ConcurrencySafe reports whether d opted into overlapping Deliver calls.
func ConcurrencySafe(d Deliverer) bool {
	c, ok := d.(Concurrent)
	return ok && c.ConcurrencySafe()
}

// BuildOptions carries the shared dependencies handed to connector builders.
type BuildOptions struct {
	Logger *zap.Logger
	S3     s3API
	Redis  redisStreamAddAPI

	// ConsoleWriter overrides the console sink destination (stdout when nil).
	ConsoleWriter io.Writer
}

func (o BuildOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Builder constructs a Deliverer from a validated output configuration.
type Builder func(ctx context.Context, cfg config.OutputConfig, opts BuildOptions) (Deliverer, error)

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
		panic("sink: duplicate register of type " + typ)
	}
	registry[typ] = b
}

// Build constructs the connector selected by cfg.Type.
func Build(ctx context.Context, cfg config.OutputConfig, opts BuildOptions) (Deliverer, error) {
	regMu.RLock()
	b, ok := registry[cfg.Type]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sink: unknown type %q (known: %v)", cfg.Type, Types())
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

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// redisStreamAddAPI is the slice of go-redis used by the redis_stream sink.
type redisStreamAddAPI interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}
