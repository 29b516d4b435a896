package sink

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/logsluice/logsluice/event"
)

func TestNewFailure_CapturesEnvelope(t *testing.T) {
	env := envWith(event.Record{"message": "payload", "level": "warn"})
	env.Attempts = 4
	env.Failures = []string{"timeout", "timeout"}

	doc := NewFailure("pipeline-2", "delivery retries exhausted", env)

	if doc.Pipeline != "pipeline-2" || doc.Reason != "delivery retries exhausted" {
		t.Fatalf("doc: %+v", doc)
	}
	if doc.Attempts != 4 || len(doc.Failures) != 2 {
		t.Fatalf("attempt history lost: %+v", doc)
	}
	if !strings.Contains(doc.Message, `"message":"payload"`) {
		t.Fatalf("message should embed the record: %q", doc.Message)
	}
	if _, err := time.Parse(time.RFC3339Nano, doc.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", doc.Timestamp, err)
	}

	// The document owns its failure list.
	env.Failures[0] = "mutated"
	if doc.Failures[0] != "timeout" {
		t.Fatalf("failures alias the envelope slice")
	}
}

func TestFailureDocument_RecordRoundTrip(t *testing.T) {
	doc := FailureDocument{
		Reason:    "sink reported permanent failure",
		Timestamp: "2023-12-06T15:04:05Z",
		Pipeline:  "pipeline-1",
		Attempts:  3,
		Failures:  []string{"a", "b"},
		Message:   `{"n":1}`,
	}

	got := FailureFromRecord(doc.Record())
	if got.Reason != doc.Reason || got.Timestamp != doc.Timestamp || got.Pipeline != doc.Pipeline {
		t.Fatalf("got %+v want %+v", got, doc)
	}
	if got.Attempts != doc.Attempts || len(got.Failures) != 2 || got.Message != doc.Message {
		t.Fatalf("got %+v want %+v", got, doc)
	}
}

func TestFailureFromRecord_JSONDecodedTypes(t *testing.T) {
	// Records that crossed a JSON boundary carry float64 numbers and []any
	// slices; the lift must still work.
	rec := event.Record{
		"reason":   "decode",
		"attempts": float64(7),
		"failures": []any{"x", 3, "y"},
	}
	doc := FailureFromRecord(rec)
	if doc.Attempts != 7 {
		t.Fatalf("attempts=%d", doc.Attempts)
	}
	if len(doc.Failures) != 2 || doc.Failures[1] != "y" {
		t.Fatalf("failures=%v", doc.Failures)
	}
}

func TestFailureFromRecord_MessageFallback(t *testing.T) {
	doc := FailureFromRecord(event.Record{"whatever": "survives"})
	if !strings.Contains(doc.Message, `"whatever":"survives"`) {
		t.Fatalf("unknown fields must survive in message: %q", doc.Message)
	}
}

func TestEncodeFailuresParquet_Compressions(t *testing.T) {
	docs := []FailureDocument{
		{Reason: "r1", Pipeline: "p", Attempts: 1, Message: "m1"},
		{Reason: "r2", Pipeline: "p", Attempts: 2, Failures: []string{"f"}, Message: "m2"},
	}

	for _, compression := range []string{"", "snappy", "gzip", "zstd"} {
		t.Run("compression="+compression, func(t *testing.T) {
			data, contentType, err := EncodeFailuresParquet(context.Background(), docs, compression)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if contentType != "application/vnd.apache.parquet" {
				t.Fatalf("content type: %q", contentType)
			}

			r := parquet.NewGenericReader[FailureDocument](bytes.NewReader(data))
			defer r.Close()

			rows := make([]FailureDocument, 4)
			n, err := r.Read(rows)
			if err != nil && err != io.EOF {
				t.Fatalf("read: %v", err)
			}
			if n != 2 {
				t.Fatalf("rows=%d want=2", n)
			}
			if rows[0].Reason != "r1" || rows[1].Attempts != 2 {
				t.Fatalf("rows: %+v", rows[:n])
			}
		})
	}
}

func TestEncodeFailuresParquet_UnsupportedCompression(t *testing.T) {
	_, _, err := EncodeFailuresParquet(context.Background(), nil, "lz77")
	if err == nil || !strings.Contains(err.Error(), "unsupported parquet compression") {
		t.Fatalf("err=%v", err)
	}
}

func TestEncodeFailuresParquet_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := EncodeFailuresParquet(ctx, []FailureDocument{{Reason: "r"}}, "")
	if err != context.Canceled {
		t.Fatalf("err=%v want=context.Canceled", err)
	}
}
