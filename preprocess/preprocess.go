// Package preprocess stamps pipeline metadata onto envelopes between the
// source and the processor chain: arrival time, arrival lag, version info,
// environment enrichment and HMAC integrity tagging.
//
// Every step is a pure per-envelope transform toggled by configuration.
// Malformed data never produces an error; steps write diagnostic markers
// instead, so one bad record cannot stall a pipeline.
package preprocess

import (
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

// Preprocessor applies the configured metadata steps to each envelope. It
// holds no mutable state after construction and is safe for concurrent use
// by a preprocessing worker pool.
type Preprocessor struct {
	cfg config.PreprocessingConfig
	log *zap.Logger

	// resolved at construction so Apply stays free of syscalls
	env     map[string]string
	version versionInfo
}

type versionInfo struct {
	version string
	goVer   string
	osArch  string
}

func New(cfg config.PreprocessingConfig, log *zap.Logger) *Preprocessor {
	if log == nil {
		log = zap.NewNop()
	}

	p := &Preprocessor{
		cfg: cfg,
		log: log,
		version: versionInfo{
			version: buildVersion(),
			goVer:   runtime.Version(),
			osArch:  runtime.GOOS + "/" + runtime.GOARCH,
		},
	}

	if len(cfg.EnvEnrichment) > 0 {
		p.env = make(map[string]string, len(cfg.EnvEnrichment))
		for target, name := range cfg.EnvEnrichment {
			if v := os.Getenv(name); v != "" {
				p.env[target] = v
			}
		}
	}
	return p
}

// Apply runs the enabled steps in order. The envelope's Record is mutated in
// place; Raw is never touched.
func (p *Preprocessor) Apply(env *event.Envelope) {
	if f := p.cfg.ArrivalTimeTargetField; f != "" {
		p.set(env.Record, f, env.Received.UTC().Format(time.RFC3339Nano))
	}
	if p.cfg.ArrivalDelta.TargetField != "" {
		p.applyArrivalDelta(env)
	}
	if f := p.cfg.VersionTargetField; f != "" {
		p.set(env.Record, f, map[string]any{
			"version": p.version.version,
			"go":      p.version.goVer,
			"os_arch": p.version.osArch,
		})
	}
	for target, value := range p.env {
		p.set(env.Record, target, value)
	}
	if p.cfg.HMAC.Enabled() {
		p.applyHMAC(env)
	}
}

// applyArrivalDelta writes the seconds elapsed between the reference
// timestamp on the record and the envelope arrival time. Records without a
// parsable reference are left untouched.
func (p *Preprocessor) applyArrivalDelta(env *event.Envelope) {
	ref, ok := env.Record.GetString(p.cfg.ArrivalDelta.ReferenceField)
	if !ok {
		return
	}
	t, err := time.Parse(time.RFC3339Nano, ref)
	if err != nil {
		p.log.Debug("arrival delta reference not parsable",
			zap.String("field", p.cfg.ArrivalDelta.ReferenceField),
			zap.String("value", ref))
		return
	}
	p.set(env.Record, p.cfg.ArrivalDelta.TargetField, env.Received.Sub(t).Seconds())
}

func (p *Preprocessor) set(rec event.Record, path string, value any) {
	if err := rec.Set(path, value); err != nil {
		p.log.Warn("preprocess field write refused",
			zap.String("field", path), zap.Error(err))
	}
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}
