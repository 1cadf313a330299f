package middleware

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/raffelframework/raffel"
)

func okNext(ctx *raffel.Context, env *raffel.Envelope) (any, error) {
	return "ok", nil
}

func TestLogging_Completed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	mw := Logging(logger)
	ctx := raffel.NewContext(nil)
	env := raffel.NewRequest("1", "users.get", nil)

	if _, err := mw(ctx, env, okNext); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{"request completed", "users.get", "duration_ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLogging_Failed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	mw := Logging(logger)
	ctx := raffel.NewContext(nil)
	env := raffel.NewRequest("1", "users.get", nil)

	mw(ctx, env, func(ctx *raffel.Context, env *raffel.Envelope) (any, error) {
		return nil, errors.New("boom")
	})

	out := buf.String()
	if !strings.Contains(out, "request failed") || !strings.Contains(out, "boom") {
		t.Errorf("log output = %s", out)
	}
}

func TestLogging_RedactsSensitiveMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	mw := LoggingWith(logger, LoggingOptions{IncludeMetadata: true})
	ctx := raffel.NewContext(nil)
	env := raffel.NewRequest("1", "users.get", nil).
		WithMeta("Authorization", "Bearer secret-token").
		WithMeta("x-api-key", "key-123").
		WithMeta("content-type", "application/json")

	mw(ctx, env, okNext)

	out := buf.String()
	if strings.Contains(out, "secret-token") || strings.Contains(out, "key-123") {
		t.Errorf("sensitive values leaked into logs: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction markers in output: %s", out)
	}
	if !strings.Contains(out, "application/json") {
		t.Errorf("non-sensitive metadata dropped: %s", out)
	}
}

func TestLogging_StartEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	mw := LoggingWith(logger, LoggingOptions{LogStart: true})
	ctx := raffel.NewContext(nil)
	mw(ctx, raffel.NewRequest("1", "users.get", nil), okNext)

	if !strings.Contains(buf.String(), "request started") {
		t.Errorf("missing start entry: %s", buf.String())
	}
}
