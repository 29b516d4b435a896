package preprocess

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"github.com/logsluice/logsluice/event"
)

// RawField is the HMAC target sentinel selecting the exact byte sequence the
// source received instead of a record field.
const RawField = "@raw"

// applyHMAC tags the record with an integrity block over the configured
// target: {hmac: <hex sha256 mac>, compressed_base64: <b64(zlib(bytes))>}.
//
// The covered bytes are the envelope's Raw payload for the @raw sentinel,
// the UTF-8 bytes of a string field, or the JSON encoding of any other
// field value. A missing target fails closed: the block is still written
// with hmac "error" and a compressed diagnostic, so downstream verification
// cannot mistake the record for an untagged one.
func (p *Preprocessor) applyHMAC(env *event.Envelope) {
	cfg := p.cfg.HMAC

	material, ok := p.hmacMaterial(env)
	if !ok {
		diag := fmt.Sprintf("hmac target field %q not found", cfg.TargetField)
		p.log.Warn("hmac target missing, writing error marker",
			zap.String("field", cfg.TargetField))
		p.set(env.Record, cfg.OutputField, map[string]any{
			"hmac":              "error",
			"compressed_base64": compressB64([]byte(diag)),
		})
		return
	}

	mac := hmac.New(sha256.New, []byte(cfg.Key))
	mac.Write(material)

	p.set(env.Record, cfg.OutputField, map[string]any{
		"hmac":              hex.EncodeToString(mac.Sum(nil)),
		"compressed_base64": compressB64(material),
	})

	if cfg.DropSource && cfg.TargetField != RawField {
		env.Record.Delete(cfg.TargetField)
	}
}

// hmacMaterial resolves the exact bytes the MAC covers.
func (p *Preprocessor) hmacMaterial(env *event.Envelope) ([]byte, bool) {
	if p.cfg.HMAC.TargetField == RawField {
		return env.Raw, env.Raw != nil
	}

	v, ok := env.Record.Get(p.cfg.HMAC.TargetField)
	if !ok {
		return nil, false
	}
	if s, isStr := v.(string); isStr {
		return []byte(s), true
	}

	// Non-string targets are covered by their JSON encoding.
	b, err := event.EncodeValue(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

func compressB64(b []byte) string {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write(b)
	_ = zw.Close()
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
