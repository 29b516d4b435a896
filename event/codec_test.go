package event

import (
	"bytes"
	"testing"
)

func TestDecode_Encode_RoundTrip(t *testing.T) {
	raw := []byte(`{"msg":"login failed","client":{"ip":"10.0.0.1","port":4422},"tags":["auth","fail"]}`)

	r, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if v, _ := r.Get("client.ip"); v != "10.0.0.1" {
		t.Fatalf("client.ip=%v", v)
	}

	out, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	back, err := Decode(out)
	if err != nil {
		t.Fatalf("re-Decode: %v", err)
	}
	if v, _ := back.Get("msg"); v != "login failed" {
		t.Fatalf("msg=%v", v)
	}
	tags, ok := back.Get("tags")
	if !ok || len(tags.([]any)) != 2 {
		t.Fatalf("tags=%v ok=%v", tags, ok)
	}
}

func TestDecode_RejectsNonObject(t *testing.T) {
	if _, err := Decode([]byte(`[1,2,3]`)); err == nil {
		t.Fatalf("expected error for non-object document")
	}
	if _, err := Decode([]byte(`{"broken":`)); err == nil {
		t.Fatalf("expected error for truncated document")
	}
}

func TestEncodeNDJSON_OneLinePerRecordInOrder(t *testing.T) {
	records := []Record{
		{"seq": 1},
		{"seq": 2},
		{"seq": 3},
	}

	out, err := EncodeNDJSON(records)
	if err != nil {
		t.Fatalf("EncodeNDJSON: %v", err)
	}

	lines := bytes.Split(bytes.TrimRight(out, "\n"), []byte("\n"))
	if len(lines) != 3 {
		t.Fatalf("lines=%d want=3", len(lines))
	}
	for i, line := range lines {
		r, err := Decode(line)
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if v, _ := r.Get("seq"); int(v.(float64)) != i+1 {
			t.Fatalf("line %d out of order: %v", i, v)
		}
	}
}

func TestEncodeNDJSON_Empty(t *testing.T) {
	out, err := EncodeNDJSON(nil)
	if err != nil {
		t.Fatalf("EncodeNDJSON: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %q", out)
	}
}
