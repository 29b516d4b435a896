package preprocess

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/event"
)

func hmacConfig(target string) config.PreprocessingConfig {
	return config.PreprocessingConfig{
		HMAC: config.HMACConfig{
			TargetField: target,
			Key:         "secret",
			OutputField: "integrity",
		},
	}
}

func integrityBlock(t *testing.T, rec event.Record) (hmacHex string, decompressed []byte) {
	t.Helper()

	v, ok := rec.Get("integrity")
	if !ok {
		t.Fatalf("integrity block missing: %v", rec)
	}
	block := v.(map[string]any)

	hmacHex = block["hmac"].(string)
	compressed, err := base64.StdEncoding.DecodeString(block["compressed_base64"].(string))
	if err != nil {
		t.Fatalf("compressed_base64: %v", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("zlib: %v", err)
	}
	defer zr.Close()
	decompressed, err = io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	return hmacHex, decompressed
}

func TestHMAC_RawRoundTrip(t *testing.T) {
	raw := []byte(`{"message":"exact bytes  with  spacing"}`)
	p := New(hmacConfig(RawField), nil)

	env := &event.Envelope{
		Record:   event.Record{"message": "exact bytes  with  spacing"},
		Raw:      raw,
		Received: time.Now(),
	}
	p.Apply(env)

	gotMAC, gotBytes := integrityBlock(t, env.Record)

	// The compressed payload restores the raw bytes exactly.
	if !bytes.Equal(gotBytes, raw) {
		t.Fatalf("round trip: %q want %q", gotBytes, raw)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(raw)
	if want := hex.EncodeToString(mac.Sum(nil)); gotMAC != want {
		t.Fatalf("hmac=%s want=%s", gotMAC, want)
	}
}

func TestHMAC_StringFieldTarget(t *testing.T) {
	p := New(hmacConfig("message"), nil)

	env := &event.Envelope{Record: event.Record{"message": "covered"}, Received: time.Now()}
	p.Apply(env)

	gotMAC, gotBytes := integrityBlock(t, env.Record)
	if string(gotBytes) != "covered" {
		t.Fatalf("covered bytes: %q", gotBytes)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("covered"))
	if want := hex.EncodeToString(mac.Sum(nil)); gotMAC != want {
		t.Fatalf("hmac=%s want=%s", gotMAC, want)
	}
}

func TestHMAC_NonStringTargetUsesJSONEncoding(t *testing.T) {
	p := New(hmacConfig("details"), nil)

	env := &event.Envelope{
		Record:   event.Record{"details": map[string]any{"n": float64(1)}},
		Received: time.Now(),
	}
	p.Apply(env)

	_, gotBytes := integrityBlock(t, env.Record)
	if string(gotBytes) != `{"n":1}` {
		t.Fatalf("covered bytes: %q", gotBytes)
	}
}

func TestHMAC_DropSource(t *testing.T) {
	cfg := hmacConfig("message")
	cfg.HMAC.DropSource = true
	p := New(cfg, nil)

	env := &event.Envelope{Record: event.Record{"message": "bye"}, Received: time.Now()}
	p.Apply(env)

	if _, ok := env.Record.Get("message"); ok {
		t.Fatalf("source field should be dropped")
	}
	if _, ok := env.Record.Get("integrity"); !ok {
		t.Fatalf("integrity block missing after drop")
	}
}

func TestHMAC_MissingTargetFailsClosed(t *testing.T) {
	p := New(hmacConfig("not.there"), nil)

	env := &event.Envelope{Record: event.Record{"message": "survives"}, Received: time.Now()}
	p.Apply(env)

	gotMAC, gotBytes := integrityBlock(t, env.Record)
	if gotMAC != "error" {
		t.Fatalf("hmac=%q want=error", gotMAC)
	}
	if !strings.Contains(string(gotBytes), "not.there") {
		t.Fatalf("diagnostic should name the field: %q", gotBytes)
	}
	// The record itself survives the marker.
	if msg, _ := env.Record.GetString("message"); msg != "survives" {
		t.Fatalf("record damaged: %v", env.Record)
	}
}

func TestHMAC_DottedOutputField(t *testing.T) {
	cfg := config.PreprocessingConfig{
		HMAC: config.HMACConfig{
			TargetField: RawField,
			Key:         "secret",
			OutputField: "meta.integrity",
		},
	}
	p := New(cfg, nil)

	env := &event.Envelope{Record: event.Record{}, Raw: []byte("x"), Received: time.Now()}
	p.Apply(env)

	if _, ok := env.Record.Get("meta.integrity"); !ok {
		t.Fatalf("dotted output not written: %v", env.Record)
	}
}
