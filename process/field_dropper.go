package process

import (
	"context"
	"errors"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("field_dropper", func(cfg config.ProcessorConfig) (Processor, error) {
		if len(cfg.Fields) == 0 {
			return nil, errors.New("field_dropper: fields is required")
		}
		return &FieldDropper{fields: append([]string(nil), cfg.Fields...)}, nil
	})
}

// FieldDropper deletes the configured dotted fields. Missing fields are not
// an error.
type FieldDropper struct {
	fields []string
}

var _ Processor = (*FieldDropper)(nil)

func (p *FieldDropper) Name() string { return "field_dropper" }

func (p *FieldDropper) Process(_ context.Context, env *event.Envelope) (bool, error) {
	for _, f := range p.fields {
		env.Record.Delete(f)
	}
	return false, nil
}
