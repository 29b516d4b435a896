package event

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Decode parses a JSON document into a Record. The input bytes are not
// retained; callers keep the raw payload on the Envelope.
func Decode(raw []byte) (Record, error) {
	var m map[string]any
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return Record(m), nil
}

// Encode serializes a Record to JSON.
func Encode(r Record) ([]byte, error) {
	b, err := sonic.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

// EncodeValue serializes a single JSON-encodable value, for callers that
// need the canonical bytes of one field rather than a whole record.
func EncodeValue(v any) ([]byte, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}

// EncodeNDJSON serializes records as newline-delimited JSON, one record per
// line, preserving order.
func EncodeNDJSON(records []Record) ([]byte, error) {
	var out []byte
	for i, r := range records {
		b, err := Encode(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, b...)
		out = append(out, '\n')
	}
	return out, nil
}
