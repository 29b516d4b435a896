package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func init() {
	Register("s3", buildS3)
}

func buildS3(_ context.Context, cfg config.OutputConfig, opts BuildOptions) (Deliverer, error) {
	if opts.S3 == nil {
		return nil, errors.New("sink: s3 client is required")
	}
	if cfg.S3.Bucket == "" {
		return nil, errors.New("sink: s3 bucket is required")
	}
	if cfg.S3.PrefixField != "" && cfg.S3.DefaultPrefix == "" {
		return nil, errors.New("sink: s3 default_prefix is required with prefix_field")
	}
	scfg := S3SinkConfig{
		Bucket:        cfg.S3.Bucket,
		BasePrefix:    cfg.S3.BasePrefix,
		PrefixField:   cfg.S3.PrefixField,
		DefaultPrefix: cfg.S3.DefaultPrefix,
		ErrorPrefix:   cfg.S3.ErrorPrefix,
		Format:        cfg.Format,
	}
	return NewS3(opts.S3, scfg), nil
}

type S3SinkConfig struct {
	Bucket string

	// BasePrefix is prepended to every computed prefix.
	BasePrefix string
	// PrefixField names a dotted record field whose value selects the object
	// prefix. Records missing it are replaced by a diagnostic document and
	// land under DefaultPrefix.
	PrefixField string
	// DefaultPrefix is the prefix for records without a usable PrefixField
	// value, and for everything when PrefixField is empty.
	DefaultPrefix string
	// ErrorPrefix, when set, pins all objects under one prefix. Meant for the
	// error output, where documents share a fixed destination.
	ErrorPrefix string

	// Format selects the object encoding: "ndjson" (default) or "parquet"
	// (failure-document archive).
	Format string
}

// Prefixes other than BasePrefix may embed %{<go time layout>} patterns,
// replaced with the current UTC time at write.
var prefixDatePattern = regexp.MustCompile(`%\{[^}]+\}`)

// S3 writes each batch as one object per prefix group, keyed
// <prefix>/<unixnano>-<uuid><ext>. A whole group shares one PutObject, so a
// group fails or succeeds together; a missing bucket is fatal.
type S3 struct {
	cfg S3SinkConfig

	client    s3API
	bucketPtr *string
}

var _ Deliverer = (*S3)(nil)
var _ Concurrent = (*S3)(nil)

func NewS3(client s3API, cfg S3SinkConfig) *S3 {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		panic("bucket is required")
	}
	cfg.BasePrefix = strings.Trim(cfg.BasePrefix, "/")
	if cfg.DefaultPrefix == "" {
		cfg.DefaultPrefix = "events"
	}

	s := &S3{cfg: cfg, client: client}
	s.bucketPtr = &s.cfg.Bucket
	return s
}

func (s *S3) ConcurrencySafe() bool { return true }

func (s *S3) Deliver(ctx context.Context, batch []*event.Envelope) []Result {
	results := make([]Result, len(batch))

	// Group by computed prefix, preserving first-seen order.
	type group struct {
		records []event.Record
		indices []int
	}
	var order []string
	groups := map[string]*group{}

	now := time.Now().UTC()
	for i, env := range batch {
		prefix, rec := s.routeRecord(env.Record, now)
		g, ok := groups[prefix]
		if !ok {
			g = &group{}
			groups[prefix] = g
			order = append(order, prefix)
		}
		g.records = append(g.records, rec)
		g.indices = append(g.indices, i)
	}

	for _, prefix := range order {
		g := groups[prefix]
		data, ext, err := s.encode(ctx, g.records)
		if err != nil {
			for _, i := range g.indices {
				results[i] = Failed(fmt.Errorf("encode group %q: %w", prefix, err))
			}
			continue
		}

		key := prefix + "/" + strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString() + ext
		r := Ok()
		if err := s.put(ctx, key, data); err != nil {
			var nsb *s3types.NoSuchBucket
			if errors.As(err, &nsb) {
				r = Failed(Fatal(err))
			} else {
				r = Retry(err)
			}
		}
		for _, i := range g.indices {
			results[i] = r
		}
	}
	return results
}

// routeRecord computes the object prefix for rec, substituting the
// diagnostic document when the configured prefix field is missing.
func (s *S3) routeRecord(rec event.Record, now time.Time) (string, event.Record) {
	var prefix string
	switch {
	case s.cfg.ErrorPrefix != "":
		prefix = s.cfg.ErrorPrefix
	case s.cfg.PrefixField != "":
		v, ok := rec.GetString(s.cfg.PrefixField)
		if ok && v != "" {
			prefix = v
		} else {
			rec = s.noPrefixDocument(rec, now)
			prefix = s.cfg.DefaultPrefix
		}
	default:
		prefix = s.cfg.DefaultPrefix
	}

	prefix = addDates(prefix, now)
	prefix = strings.Trim(prefix, "/")
	if s.cfg.BasePrefix != "" {
		prefix = s.cfg.BasePrefix + "/" + prefix
	}
	return prefix, rec
}

func (s *S3) noPrefixDocument(rec event.Record, now time.Time) event.Record {
	doc := event.Record{
		"reason":     fmt.Sprintf("Prefix field '%s' empty or missing in document", s.cfg.PrefixField),
		"@timestamp": now.Format(time.RFC3339Nano),
	}
	if raw, err := event.Encode(rec); err == nil {
		doc["message"] = string(raw)
	} else {
		doc["message"] = fmt.Sprint(rec)
	}
	return doc
}

func addDates(prefix string, now time.Time) string {
	return prefixDatePattern.ReplaceAllStringFunc(prefix, func(m string) string {
		return now.Format(m[2 : len(m)-1])
	})
}

func (s *S3) encode(ctx context.Context, records []event.Record) (data []byte, ext string, err error) {
	if s.cfg.Format == "parquet" {
		docs := make([]FailureDocument, len(records))
		for i, rec := range records {
			docs[i] = FailureFromRecord(rec)
		}
		data, _, err = EncodeFailuresParquet(ctx, docs, "snappy")
		return data, ".parquet", err
	}
	data, err = event.EncodeNDJSON(records)
	return data, ".ndjson", err
}

func (s *S3) put(ctx context.Context, key string, data []byte) error {
	// Stable pointers and a reused reader keep the hot path allocation-light.
	keyVar := key
	cl := int64(len(data))
	ct := "application/x-ndjson"
	if s.cfg.Format == "parquet" {
		ct = "application/vnd.apache.parquet"
	}

	var body bytes.Reader
	body.Reset(data)

	input := s3.PutObjectInput{
		Bucket:        s.bucketPtr,
		Key:           &keyVar,
		Body:          &body,
		ContentLength: &cl,
		ContentType:   &ct,
	}

	if _, err := s.client.PutObject(ctx, &input); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}
