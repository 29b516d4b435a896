package config

import (
	"errors"
	"fmt"
	"time"
)

// Overflow policies for the backlog buffer.
const (
	OnFullBlock = "block"
	OnFullDrop  = "drop"
)

// Drain policies applied to buffered envelopes on shutdown.
const (
	DrainGraceful = "graceful"
	DrainDiscard  = "discard"
)

// Commit modes for input connectors.
const (
	CommitManual = "manual"
	CommitAuto   = "auto"
)

// Config is the full construction-time configuration of the daemon. It is
// loaded once (file/env parsing lives in cmd, not here), validated, and then
// treated as frozen: connectors and pipeline instances receive copies and
// never write back.
type Config struct {
	PipelineCount      int           `mapstructure:"pipeline_count"`
	MessageBacklogSize int           `mapstructure:"message_backlog_size"`
	OnFull             string        `mapstructure:"on_full"`
	Drain              string        `mapstructure:"drain"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	PreprocessWorkers  int           `mapstructure:"preprocess_workers"`

	MaxRestarts       int           `mapstructure:"max_restarts"`
	RestartBackoff    time.Duration `mapstructure:"restart_backoff"`
	RestartResetAfter time.Duration `mapstructure:"restart_reset_after"`

	Logging LoggingConfig `mapstructure:"logging"`
	Ops     OpsConfig     `mapstructure:"ops"`

	Preprocessing PreprocessingConfig `mapstructure:"preprocessing"`
	Processors    []ProcessorConfig   `mapstructure:"processors"`

	Input       InputConfig  `mapstructure:"input"`
	Output      OutputConfig `mapstructure:"output"`
	ErrorOutput OutputConfig `mapstructure:"error_output"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// OpsConfig configures the operational HTTP listener (health, metrics).
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// PreprocessingConfig toggles the preprocessor sub-steps. Empty target fields
// disable the corresponding step.
type PreprocessingConfig struct {
	ArrivalTimeTargetField string             `mapstructure:"arrival_time_target_field"`
	ArrivalDelta           ArrivalDeltaConfig `mapstructure:"arrival_delta"`
	VersionTargetField     string             `mapstructure:"version_target_field"`
	EnvEnrichment          map[string]string  `mapstructure:"env_enrichment"`
	HMAC                   HMACConfig         `mapstructure:"hmac"`
}

// ArrivalDeltaConfig computes the seconds between arrival time and a
// reference timestamp already present on the record.
type ArrivalDeltaConfig struct {
	TargetField    string `mapstructure:"target_field"`
	ReferenceField string `mapstructure:"reference_field"`
}

// HMACConfig configures integrity tagging. TargetField may name a dotted
// record field or the sentinel "@raw" for the whole received payload.
type HMACConfig struct {
	TargetField string `mapstructure:"target_field"`
	Key         string `mapstructure:"key"`
	OutputField string `mapstructure:"output_field"`
	DropSource  bool   `mapstructure:"drop_source"`
}

// Enabled reports whether the HMAC step is configured at all.
func (c HMACConfig) Enabled() bool {
	return c.TargetField != "" || c.Key != "" || c.OutputField != ""
}

func (c HMACConfig) validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.TargetField == "" {
		return errors.New("hmac: target_field is required")
	}
	if c.Key == "" {
		return errors.New("hmac: key is required")
	}
	if c.OutputField == "" {
		return errors.New("hmac: output_field is required")
	}
	return nil
}

// ProcessorConfig selects one processor in the chain.
type ProcessorConfig struct {
	Type   string            `mapstructure:"type"`
	Fields []string          `mapstructure:"fields"`
	Rename map[string]string `mapstructure:"rename"`
}

// InputConfig selects and parameterizes the input connector of a pipeline.
type InputConfig struct {
	Type           string        `mapstructure:"type"`
	CommitMode     string        `mapstructure:"commit_mode"`
	ProduceTimeout time.Duration `mapstructure:"produce_timeout"`

	Redis RedisConfig     `mapstructure:"redis"`
	SQS   SQSConfig       `mapstructure:"sqs"`
	HTTP  HTTPInputConfig `mapstructure:"http"`
}

// OutputConfig selects and parameterizes an output connector plus the
// delivery policy applied in front of it.
type OutputConfig struct {
	Type string `mapstructure:"type"`

	BatchSize      int           `mapstructure:"batch_size"`
	FlushTimeout   time.Duration `mapstructure:"flush_timeout"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	ParallelBulk   int           `mapstructure:"parallel_bulk"`

	// Format applies to document-archiving sinks: "ndjson" or "parquet".
	Format string `mapstructure:"format"`

	// AckErrorRouted opts error-routed envelopes into offset commits. Only
	// meaningful on the error output.
	AckErrorRouted bool `mapstructure:"ack_error_routed"`

	Redis RedisConfig `mapstructure:"redis"`
	S3    S3Config    `mapstructure:"s3"`
}

// RedisConfig covers both the stream consumer (input) and producer (output).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// SQSConfig parameterizes the SQS input connector.
type SQSConfig struct {
	QueueURL          string `mapstructure:"queue_url"`
	WaitTimeSeconds   int32  `mapstructure:"wait_time_seconds"`
	MaxMessages       int32  `mapstructure:"max_messages"`
	VisibilityTimeout int32  `mapstructure:"visibility_timeout"`
	Pollers           int    `mapstructure:"pollers"`
	BufferSize        int    `mapstructure:"buffer_size"`
	Region            string `mapstructure:"region"`
	Endpoint          string `mapstructure:"endpoint"`
}

// HTTPInputConfig parameterizes the HTTP ingestion listener.
type HTTPInputConfig struct {
	Addr              string  `mapstructure:"addr"`
	Path              string  `mapstructure:"path"`
	BufferSize        int     `mapstructure:"buffer_size"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// S3Config parameterizes the S3 output connector. PrefixField names a dotted
// record field whose value selects the object prefix; DefaultPrefix is used
// when the field is missing. Prefixes may embed %{<go time layout>} patterns
// replaced with the current UTC time.
type S3Config struct {
	Bucket        string `mapstructure:"bucket"`
	BasePrefix    string `mapstructure:"base_prefix"`
	PrefixField   string `mapstructure:"prefix_field"`
	DefaultPrefix string `mapstructure:"default_prefix"`
	ErrorPrefix   string `mapstructure:"error_prefix"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
}

// Default returns the baseline configuration: a single pipeline moving memory
// source records to a console sink, preprocessing disabled.
func Default() Config {
	return Config{
		PipelineCount:      1,
		MessageBacklogSize: 16384,
		OnFull:             OnFullBlock,
		Drain:              DrainGraceful,
		ShutdownTimeout:    10 * time.Second,
		PreprocessWorkers:  1,
		MaxRestarts:        5,
		RestartBackoff:     time.Second,
		RestartResetAfter:  30 * time.Second,
		Logging:            LoggingConfig{Level: "info"},
		Ops:                OpsConfig{Enabled: true, Addr: ":9302"},
		Input: InputConfig{
			Type:           "memory",
			CommitMode:     CommitManual,
			ProduceTimeout: time.Second,
		},
		Output:      DefaultOutput("console"),
		ErrorOutput: DefaultOutput("console"),
	}
}

// DefaultOutput returns the baseline delivery policy for an output connector.
func DefaultOutput(typ string) OutputConfig {
	return OutputConfig{
		Type:           typ,
		BatchSize:      500,
		FlushTimeout:   5 * time.Second,
		SendTimeout:    30 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
		ParallelBulk:   1,
		Format:         "ndjson",
	}
}

// Validate checks the whole configuration tree.
func (c Config) Validate() error {
	if c.PipelineCount < 1 {
		return errors.New("pipeline_count must be >= 1")
	}
	if c.MessageBacklogSize < 1 {
		return errors.New("message_backlog_size must be >= 1")
	}
	if c.OnFull != OnFullBlock && c.OnFull != OnFullDrop {
		return fmt.Errorf("on_full must be %q or %q", OnFullBlock, OnFullDrop)
	}
	if c.Drain != DrainGraceful && c.Drain != DrainDiscard {
		return fmt.Errorf("drain must be %q or %q", DrainGraceful, DrainDiscard)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be > 0")
	}
	if c.PreprocessWorkers < 1 {
		return errors.New("preprocess_workers must be >= 1")
	}
	if c.MaxRestarts < 0 {
		return errors.New("max_restarts must be >= 0")
	}
	if err := c.Preprocessing.HMAC.validate(); err != nil {
		return err
	}
	if c.Preprocessing.ArrivalDelta.TargetField != "" && c.Preprocessing.ArrivalDelta.ReferenceField == "" {
		return errors.New("arrival_delta: reference_field is required")
	}
	if err := c.Input.Validate(); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	if c.Input.Type == "http" && c.PipelineCount > 1 {
		return errors.New("input type http requires pipeline_count 1 (one listener address)")
	}
	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if err := c.ErrorOutput.Validate(); err != nil {
		return fmt.Errorf("error_output: %w", err)
	}
	return nil
}

// Validate checks connector-independent input settings. Transport parameters
// are checked by the connector builder that consumes them.
func (c InputConfig) Validate() error {
	if c.Type == "" {
		return errors.New("type is required")
	}
	if c.CommitMode != CommitManual && c.CommitMode != CommitAuto {
		return fmt.Errorf("commit_mode must be %q or %q", CommitManual, CommitAuto)
	}
	if c.ProduceTimeout <= 0 {
		return errors.New("produce_timeout must be > 0")
	}
	return nil
}

// Validate checks the delivery policy. Transport parameters are checked by
// the connector builder that consumes them.
func (c OutputConfig) Validate() error {
	if c.Type == "" {
		return errors.New("type is required")
	}
	if c.BatchSize < 1 {
		return errors.New("batch_size must be >= 1")
	}
	if c.FlushTimeout <= 0 {
		return errors.New("flush_timeout must be > 0")
	}
	if c.SendTimeout <= 0 {
		return errors.New("send_timeout must be > 0")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if c.ParallelBulk < 1 {
		return errors.New("parallel_bulk must be >= 1")
	}
	if c.Format != "" && c.Format != "ndjson" && c.Format != "parquet" {
		return fmt.Errorf("format must be \"ndjson\" or \"parquet\", got %q", c.Format)
	}
	return nil
}
