// Package process runs the per-record processor chain between preprocessing
// and the backlog.
package process

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

// FailureField collects processor failures on the record itself, as
// "name: error" strings. A marked record keeps flowing; inspection happens
// downstream.
const FailureField = "_processing_failure"

// Processor transforms one envelope in place. Returning drop discards the
// envelope and short-circuits the rest of the chain. Errors are recorded on
// the envelope by the chain, never raised past it.
type Processor interface {
	Name() string
	Process(ctx context.Context, env *event.Envelope) (drop bool, err error)
}

// Builder constructs a Processor from its chain entry.
type Builder func(cfg config.ProcessorConfig) (Processor, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Builder{}
)

// Register makes a processor type available to Build. Registering a
// duplicate type panics.
func Register(typ string, b Builder) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[typ]; dup {
		panic("process: duplicate register of type " + typ)
	}
	registry[typ] = b
}

// Build constructs the processor selected by cfg.Type.
func Build(cfg config.ProcessorConfig) (Processor, error) {
	regMu.RLock()
	b, ok := registry[cfg.Type]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("process: unknown type %q", cfg.Type)
	}
	return b(cfg)
}

// Chain applies processors in configuration order.
type Chain struct {
	procs []Processor
	log   *zap.Logger
}

// NewChain builds the chain for one pipeline instance.
func NewChain(cfgs []config.ProcessorConfig, log *zap.Logger) (*Chain, error) {
	if log == nil {
		log = zap.NewNop()
	}
	procs := make([]Processor, 0, len(cfgs))
	for i, cfg := range cfgs {
		p, err := Build(cfg)
		if err != nil {
			return nil, fmt.Errorf("processor %d: %w", i, err)
		}
		procs = append(procs, p)
	}
	return &Chain{procs: procs, log: log}, nil
}

// Process runs env through every processor. A drop decision short-circuits
// and reports true. A processor error marks the record under FailureField
// and the chain continues with the next processor; a malformed record never
// stalls a pipeline.
func (c *Chain) Process(ctx context.Context, env *event.Envelope) (drop bool) {
	for _, p := range c.procs {
		d, err := p.Process(ctx, env)
		if err != nil {
			c.log.Debug("processor failed on record",
				zap.String("processor", p.Name()), zap.Error(err))
			markFailure(env.Record, p.Name(), err)
			continue
		}
		if d {
			return true
		}
	}
	return false
}

// Len reports the number of processors in the chain.
func (c *Chain) Len() int { return len(c.procs) }

func markFailure(rec event.Record, name string, err error) {
	entry := name + ": " + err.Error()
	if v, ok := rec.Get(FailureField); ok {
		if list, isList := v.([]any); isList {
			_ = rec.Set(FailureField, append(list, entry))
			return
		}
	}
	_ = rec.Set(FailureField, []any{entry})
}
