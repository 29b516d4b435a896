package sink

import (
	"fmt"
	"time"

	"github.com/logsluice/logsluice/event"
)

// FailureDocument is the error-output record built from an envelope whose
// delivery permanently failed. Message carries the full record encoded as
// JSON so nothing is lost even when the error output has a narrow schema.
type FailureDocument struct {
	Reason    string   `json:"reason" parquet:"name=reason"`
	Timestamp string   `json:"@timestamp" parquet:"name=timestamp"`
	Pipeline  string   `json:"pipeline" parquet:"name=pipeline"`
	Attempts  int      `json:"attempts" parquet:"name=attempts"`
	Failures  []string `json:"failures" parquet:"name=failures"`
	Message   string   `json:"message" parquet:"name=message"`
}

// NewFailure builds the failure document for env.
func NewFailure(pipeline, reason string, env *event.Envelope) FailureDocument {
	doc := FailureDocument{
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Pipeline:  pipeline,
		Attempts:  env.Attempts,
		Failures:  append([]string(nil), env.Failures...),
	}
	if raw, err := event.Encode(env.Record); err == nil {
		doc.Message = string(raw)
	} else {
		doc.Message = fmt.Sprint(env.Record)
	}
	return doc
}

// Record converts the document into an event.Record so it can travel through
// any output connector.
func (d FailureDocument) Record() event.Record {
	return event.Record{
		"reason":     d.Reason,
		"@timestamp": d.Timestamp,
		"pipeline":   d.Pipeline,
		"attempts":   d.Attempts,
		"failures":   append([]string(nil), d.Failures...),
		"message":    d.Message,
	}
}

// FailureFromRecord rebuilds a document from a record, best effort: known
// fields are lifted, anything else survives inside Message.
func FailureFromRecord(rec event.Record) FailureDocument {
	var doc FailureDocument
	doc.Reason, _ = rec.GetString("reason")
	doc.Timestamp, _ = rec.GetString("@timestamp")
	doc.Pipeline, _ = rec.GetString("pipeline")

	switch v, _ := rec.Get("attempts"); n := v.(type) {
	case int:
		doc.Attempts = n
	case int64:
		doc.Attempts = int(n)
	case float64:
		doc.Attempts = int(n)
	}

	if v, ok := rec.Get("failures"); ok {
		switch fs := v.(type) {
		case []string:
			doc.Failures = append([]string(nil), fs...)
		case []any:
			for _, f := range fs {
				if s, ok := f.(string); ok {
					doc.Failures = append(doc.Failures, s)
				}
			}
		}
	}

	doc.Message, _ = rec.GetString("message")
	if doc.Message == "" {
		if raw, err := event.Encode(rec); err == nil {
			doc.Message = string(raw)
		}
	}
	return doc
}
