package sink

import (
	"context"
	"sync"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("memory", func(_ context.Context, _ config.OutputConfig, _ BuildOptions) (Deliverer, error) {
		return NewMemory(), nil
	})
}

// Memory records delivered envelopes for tests and embedding. Deliveries
// succeed unless a script of call-level results has been queued with
// ScriptNext; each Deliver call pops one scripted result and applies it to
// the whole batch.
type Memory struct {
	mu        sync.Mutex
	batches   [][]*event.Envelope
	delivered []*event.Envelope
	script    []Result
	calls     int
	unsafe    bool
}

var _ Deliverer = (*Memory)(nil)
var _ Concurrent = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{}
}

// SetConcurrencySafe toggles the Concurrent capability (safe by default).
func (s *Memory) SetConcurrencySafe(safe bool) {
	s.mu.Lock()
	s.unsafe = !safe
	s.mu.Unlock()
}

func (s *Memory) ConcurrencySafe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unsafe
}

// ScriptNext queues call-level results: the next len(rs) Deliver calls each
// return rs[i] for every envelope in their batch.
func (s *Memory) ScriptNext(rs ...Result) {
	s.mu.Lock()
	s.script = append(s.script, rs...)
	s.mu.Unlock()
}

func (s *Memory) Deliver(_ context.Context, batch []*event.Envelope) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if len(s.script) > 0 {
		r := s.script[0]
		s.script = s.script[1:]
		if r.Status != StatusDelivered {
			return Repeat(len(batch), r)
		}
	}

	cp := make([]*event.Envelope, len(batch))
	copy(cp, batch)
	s.batches = append(s.batches, cp)
	s.delivered = append(s.delivered, cp...)
	return Repeat(len(batch), Ok())
}

// Delivered returns every envelope accepted so far, in delivery order.
func (s *Memory) Delivered() []*event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*event.Envelope, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// Batches returns the accepted batches in call order.
func (s *Memory) Batches() [][]*event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]*event.Envelope, len(s.batches))
	copy(out, s.batches)
	return out
}

// Calls returns the number of Deliver calls, scripted failures included.
func (s *Memory) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Memory) Close() error { return nil }
