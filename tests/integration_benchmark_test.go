package tests

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
	"github.com/logsluice/logsluice/pipeline"
	"github.com/logsluice/logsluice/sink"
	"github.com/logsluice/logsluice/source"
)

// countingSink acknowledges everything and signals once the expected number
// of envelopes has been delivered, so the benchmark can stop the run without
// polling.
type countingSink struct {
	remaining atomic.Int64
	once      sync.Once
	done      chan struct{}
}

func newCountingSink(expect int64) *countingSink {
	s := &countingSink{done: make(chan struct{})}
	s.remaining.Store(expect)
	return s
}

func (s *countingSink) Deliver(_ context.Context, batch []*event.Envelope) []sink.Result {
	if s.remaining.Add(-int64(len(batch))) <= 0 {
		s.once.Do(func() { close(s.done) })
	}
	return sink.Repeat(len(batch), sink.Ok())
}

func (s *countingSink) Close() error { return nil }

func benchConfig() config.Config {
	cfg := config.Default()
	cfg.MessageBacklogSize = 2048
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Input.ProduceTimeout = 100 * time.Millisecond
	cfg.Output = config.DefaultOutput("memory")
	cfg.Output.BatchSize = 100
	cfg.Output.FlushTimeout = 50 * time.Millisecond
	cfg.ErrorOutput = config.DefaultOutput("memory")
	return cfg
}

func runPipelineBench(b *testing.B, cfg config.Config) {
	const records = 1000

	raw, err := event.Encode(event.Record{
		"msg":  "the quick brown fox jumps over the lazy dog",
		"host": "bench-01",
		"n":    42,
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		// Fresh connectors per iteration so no state leaks across runs.
		src := source.NewMemory(source.MemoryConfig{Buffer: records})
		for j := 0; j < records; j++ {
			src.Push(raw)
		}
		out := newCountingSink(records)

		inst, err := pipeline.NewInstance("bench", cfg, src, out, nil, pipeline.Options{})
		if err != nil {
			b.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- inst.Run(ctx) }()

		<-out.done
		cancel()
		if err := <-done; err != nil {
			b.Fatalf("run: %v", err)
		}
	}
}

func BenchmarkIntegration_Pipeline_Throughput(b *testing.B) {
	runPipelineBench(b, benchConfig())
}

func BenchmarkIntegration_Pipeline_HMACTagging(b *testing.B) {
	cfg := benchConfig()
	cfg.Preprocessing.ArrivalTimeTargetField = "@arrival"
	cfg.Preprocessing.HMAC = config.HMACConfig{
		TargetField: "@raw",
		Key:         "bench-secret",
		OutputField: "integrity",
	}
	runPipelineBench(b, cfg)
}
