package transport

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/raffelframework/raffel"
)

func TestDecodeEnvelope(t *testing.T) {
	env, wireErr := DecodeEnvelope([]byte(`{"id":"1","type":"request","procedure":"echo","payload":{"x":1}}`))
	if wireErr != nil {
		t.Fatalf("DecodeEnvelope failed: %v", wireErr)
	}
	if env.ID != "1" || env.Kind != raffel.KindRequest || env.Procedure != "echo" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, wireErr := DecodeEnvelope([]byte(`{"id":`))
	if wireErr == nil {
		t.Fatal("expected an error")
	}
	if wireErr.Code != raffel.CodeParseError {
		t.Errorf("code = %s, want PARSE_ERROR", wireErr.Code)
	}
}

func TestDecodeEnvelopeMissingFields(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"no id", `{"type":"request","procedure":"echo"}`},
		{"no procedure", `{"id":"1","type":"request"}`},
		{"outbound kind", `{"id":"1","type":"response","procedure":"echo"}`},
		{"unknown kind", `{"id":"1","type":"bogus","procedure":"echo"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, wireErr := DecodeEnvelope([]byte(tt.wire))
			if wireErr == nil {
				t.Fatal("expected an error")
			}
			if wireErr.Code != raffel.CodeInvalidEnvelope {
				t.Errorf("code = %s, want INVALID_ENVELOPE", wireErr.Code)
			}
		})
	}
}

func TestEncodeEnvelope(t *testing.T) {
	env := raffel.NewRequest("1", "echo", map[string]any{"x": 1})
	data := EncodeEnvelope(env)

	var decoded raffel.Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.ID != "1" || decoded.Kind != raffel.KindRequest {
		t.Errorf("unexpected roundtrip: %+v", decoded)
	}
}

func TestEncodeEnvelopeUnencodablePayload(t *testing.T) {
	env := raffel.NewRequest("1", "echo", func() {})
	data := EncodeEnvelope(env)

	var decoded raffel.Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("fallback envelope is not valid JSON: %v", err)
	}
	if decoded.Kind != raffel.KindError {
		t.Errorf("kind = %s, want error", decoded.Kind)
	}
	if decoded.ID != "1:error" {
		t.Errorf("id = %q, want 1:error", decoded.ID)
	}
}
