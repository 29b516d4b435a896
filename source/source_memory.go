package source

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("memory", func(_ context.Context, cfg config.InputConfig, _ BuildOptions) (Producer, error) {
		return NewMemory(MemoryConfig{AutoCommit: cfg.CommitMode == config.CommitAuto}), nil
	})
}

type MemoryConfig struct {
	Buffer     int
	AutoCommit bool
}

// Memory is an in-process source backed by a channel. It exists for tests and
// for embedding the pipeline in another program; offsets are synthetic and
// commits are recorded so callers can assert on them.
type Memory struct {
	cfg MemoryConfig
	ch  chan []byte

	closeOnce sync.Once

	mu        sync.Mutex
	nextID    uint64
	committed []event.Offset
}

var _ Producer = (*Memory)(nil)

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Buffer < 1 {
		cfg.Buffer = 1024
	}
	return &Memory{cfg: cfg, ch: make(chan []byte, cfg.Buffer)}
}

// Push queues one raw payload. It blocks while the buffer is full.
func (s *Memory) Push(raw []byte) {
	s.ch <- append([]byte(nil), raw...)
}

// PushRecord encodes rec and queues it.
func (s *Memory) PushRecord(rec event.Record) error {
	raw, err := event.Encode(rec)
	if err != nil {
		return err
	}
	s.Push(raw)
	return nil
}

func (s *Memory) Produce(ctx context.Context) (*event.Envelope, error) {
	select {
	case raw, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.mu.Unlock()
		return &event.Envelope{
			Record:   decodeOrWrap(raw),
			Raw:      raw,
			Received: time.Now().UTC(),
			Offset:   event.Offset{Stream: "memory", ID: strconv.FormatUint(id, 10)},
		}, nil
	case <-ctx.Done():
		return nil, waitErr(ctx)
	}
}

func (s *Memory) Commit(_ context.Context, offsets []event.Offset) error {
	if s.cfg.AutoCommit || len(offsets) == 0 {
		return nil
	}
	s.mu.Lock()
	s.committed = append(s.committed, offsets...)
	s.mu.Unlock()
	return nil
}

// Committed returns a copy of every offset committed so far, in commit order.
func (s *Memory) Committed() []event.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Offset, len(s.committed))
	copy(out, s.committed)
	return out
}

func (s *Memory) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}
