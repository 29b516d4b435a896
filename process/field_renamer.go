package process

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("field_renamer", func(cfg config.ProcessorConfig) (Processor, error) {
		if len(cfg.Rename) == 0 {
			return nil, errors.New("field_renamer: rename is required")
		}
		from := make([]string, 0, len(cfg.Rename))
		for f := range cfg.Rename {
			from = append(from, f)
		}
		sort.Strings(from)
		return &FieldRenamer{from: from, to: cfg.Rename}, nil
	})
}

// FieldRenamer moves dotted fields to new paths, in lexical order of the
// source path so overlapping renames behave the same on every run. Missing
// sources are skipped.
type FieldRenamer struct {
	from []string
	to   map[string]string
}

var _ Processor = (*FieldRenamer)(nil)

func (p *FieldRenamer) Name() string { return "field_renamer" }

func (p *FieldRenamer) Process(_ context.Context, env *event.Envelope) (bool, error) {
	for _, from := range p.from {
		v, ok := env.Record.Pop(from)
		if !ok {
			continue
		}
		to := p.to[from]
		if err := env.Record.Set(to, v); err != nil {
			// Put the value back so the rename failure loses nothing.
			_ = env.Record.Set(from, v)
			return false, fmt.Errorf("rename %s to %s: %w", from, to, err)
		}
	}
	return false, nil
}
