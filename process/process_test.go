package process

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

type fakeProc struct {
	name  string
	drop  bool
	err   error
	calls int
}

var _ Processor = (*fakeProc)(nil)

func (f *fakeProc) Name() string { return f.name }

func (f *fakeProc) Process(_ context.Context, env *event.Envelope) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	_ = env.Record.Set("touched_by."+f.name, true)
	return f.drop, nil
}

func chainOf(procs ...Processor) *Chain {
	return &Chain{procs: procs, log: zap.NewNop()}
}

func envOf(rec event.Record) *event.Envelope {
	return &event.Envelope{Record: rec}
}

func TestBuild_UnknownType(t *testing.T) {
	if _, err := Build(config.ProcessorConfig{Type: "entropy_scrubber"}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestBuild_RejectsEmptyConfigs(t *testing.T) {
	if _, err := Build(config.ProcessorConfig{Type: "field_dropper"}); err == nil {
		t.Fatalf("field_dropper without fields should fail")
	}
	if _, err := Build(config.ProcessorConfig{Type: "field_renamer"}); err == nil {
		t.Fatalf("field_renamer without rename should fail")
	}
}

func TestFieldDropper(t *testing.T) {
	p, err := Build(config.ProcessorConfig{Type: "field_dropper", Fields: []string{"debug.trace", "not.there"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	env := envOf(event.Record{
		"message": "m",
		"debug":   map[string]any{"trace": "noisy", "level": "x"},
	})
	drop, err := p.Process(context.Background(), env)
	if err != nil || drop {
		t.Fatalf("drop=%v err=%v", drop, err)
	}

	if _, ok := env.Record.Get("debug.trace"); ok {
		t.Fatalf("debug.trace survived: %v", env.Record)
	}
	if _, ok := env.Record.Get("debug.level"); !ok {
		t.Fatalf("sibling field lost: %v", env.Record)
	}
}

func TestFieldRenamer(t *testing.T) {
	p, err := Build(config.ProcessorConfig{Type: "field_renamer", Rename: map[string]string{
		"msg":      "message",
		"gone":     "anywhere",
		"src.addr": "client.address",
	}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	env := envOf(event.Record{
		"msg": "hello",
		"src": map[string]any{"addr": "10.0.0.1"},
	})
	if _, err := p.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}

	if v, _ := env.Record.GetString("message"); v != "hello" {
		t.Fatalf("message=%q", v)
	}
	if _, ok := env.Record.Get("msg"); ok {
		t.Fatalf("source field survived rename")
	}
	if v, _ := env.Record.GetString("client.address"); v != "10.0.0.1" {
		t.Fatalf("client.address=%q", v)
	}
}

func TestFieldRenamer_BlockedTargetRestoresValue(t *testing.T) {
	p, err := Build(config.ProcessorConfig{Type: "field_renamer", Rename: map[string]string{
		"msg": "message.text", // "message" holds a scalar, path is blocked
	}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	env := envOf(event.Record{"msg": "hello", "message": "scalar"})
	if _, err := p.Process(context.Background(), env); err == nil {
		t.Fatalf("expected rename error")
	}

	if v, _ := env.Record.GetString("msg"); v != "hello" {
		t.Fatalf("value lost on failed rename: %v", env.Record)
	}
}

func TestChain_AppliesInOrderAndDropShortCircuits(t *testing.T) {
	first := &fakeProc{name: "first"}
	dropper := &fakeProc{name: "gate", drop: true}
	last := &fakeProc{name: "last"}
	c := chainOf(first, dropper, last)

	env := envOf(event.Record{})
	if drop := c.Process(context.Background(), env); !drop {
		t.Fatalf("expected drop")
	}
	if first.calls != 1 || dropper.calls != 1 {
		t.Fatalf("calls: first=%d gate=%d", first.calls, dropper.calls)
	}
	if last.calls != 0 {
		t.Fatalf("chain ran past the drop: last=%d", last.calls)
	}
}

func TestChain_ErrorMarksRecordAndContinues(t *testing.T) {
	bad := &fakeProc{name: "parser", err: errors.New("not parsable")}
	alsoBad := &fakeProc{name: "mapper", err: errors.New("no mapping")}
	good := &fakeProc{name: "tail"}
	c := chainOf(bad, alsoBad, good)

	env := envOf(event.Record{"message": "m"})
	if drop := c.Process(context.Background(), env); drop {
		t.Fatalf("marked record must keep flowing")
	}
	if good.calls != 1 {
		t.Fatalf("chain stopped on error: tail=%d", good.calls)
	}

	v, ok := env.Record.Get(FailureField)
	if !ok {
		t.Fatalf("failure field missing: %v", env.Record)
	}
	list := v.([]any)
	if len(list) != 2 {
		t.Fatalf("failures=%v", list)
	}
	if !strings.HasPrefix(list[0].(string), "parser: ") {
		t.Fatalf("failure entry: %v", list[0])
	}
}

func TestNewChain_FromConfig(t *testing.T) {
	c, err := NewChain([]config.ProcessorConfig{
		{Type: "field_dropper", Fields: []string{"debug"}},
		{Type: "field_renamer", Rename: map[string]string{"msg": "message"}},
	}, nil)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("len=%d", c.Len())
	}

	env := envOf(event.Record{"msg": "hi", "debug": true})
	c.Process(context.Background(), env)

	if _, ok := env.Record.Get("debug"); ok {
		t.Fatalf("debug survived")
	}
	if v, _ := env.Record.GetString("message"); v != "hi" {
		t.Fatalf("message=%q", v)
	}

	if _, err := NewChain([]config.ProcessorConfig{{Type: "nope"}}, nil); err == nil {
		t.Fatalf("unknown processor type must fail chain construction")
	}
}
