package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("console", func(_ context.Context, _ config.OutputConfig, opts BuildOptions) (Deliverer, error) {
		w := opts.ConsoleWriter
		if w == nil {
			w = os.Stdout
		}
		return NewConsole(w), nil
	})
}

// Console writes each batch as one NDJSON chunk. A batch is a single Write,
// so parallel bulk interleaves batches but never lines.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Deliverer = (*Console)(nil)
var _ Concurrent = (*Console)(nil)

func NewConsole(w io.Writer) *Console {
	if w == nil {
		panic("console writer is required")
	}
	return &Console{w: w}
}

func (s *Console) ConcurrencySafe() bool { return true }

func (s *Console) Deliver(_ context.Context, batch []*event.Envelope) []Result {
	records := make([]event.Record, len(batch))
	for i, env := range batch {
		records[i] = env.Record
	}
	data, err := event.EncodeNDJSON(records)
	if err != nil {
		return Repeat(len(batch), Failed(fmt.Errorf("encode batch: %w", err)))
	}

	s.mu.Lock()
	_, err = s.w.Write(data)
	s.mu.Unlock()
	if err != nil {
		return Repeat(len(batch), Retry(fmt.Errorf("write batch: %w", err)))
	}
	return Repeat(len(batch), Ok())
}

func (s *Console) Close() error { return nil }
