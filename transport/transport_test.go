package transport

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/raffelframework/raffel"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// eventRecorder collects the payloads an event handler received.
type eventRecorder struct {
	mu       sync.Mutex
	payloads []any
}

func (r *eventRecorder) record(payload any) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

// decodeReply parses an outbound wire envelope. DecodeEnvelope is not
// usable here: it enforces inbound kinds.
func decodeReply(t *testing.T, data []byte) *raffel.Envelope {
	t.Helper()
	var env raffel.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	return &env
}

// decodeWireError re-decodes an error envelope's payload into an Error.
func decodeWireError(t *testing.T, payload any) *raffel.Error {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var wireErr raffel.Error
	if err := json.Unmarshal(raw, &wireErr); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return &wireErr
}

func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

// newTestRouter builds a router with one handler of each kind plus a
// procedure that fails with rate-limit details.
func newTestRouter(t *testing.T) (*raffel.Router, *eventRecorder) {
	t.Helper()

	rec := &eventRecorder{}
	reg := raffel.NewRegistry()

	reg.MustRegister("echo", raffel.NewProcedure(
		func(ctx *raffel.Context, payload any) (any, error) {
			return payload, nil
		}))

	reg.MustRegister("math.add", raffel.NewProcedure(
		func(ctx *raffel.Context, payload any) (any, error) {
			m, ok := payload.(map[string]any)
			if !ok {
				return nil, raffel.NewError(raffel.CodeBadRequest, "expected an object")
			}
			return map[string]any{"sum": asNumber(m["a"]) + asNumber(m["b"])}, nil
		}))

	reg.MustRegister("users.get", raffel.NewProcedure(
		func(ctx *raffel.Context, payload any) (any, error) {
			return payload, nil
		}).WithHTTPRoute("GET", "/users/{id}"))

	reg.MustRegister("countdown", raffel.NewStream(
		func(ctx *raffel.Context, payload any, emit raffel.Emitter) error {
			for i := 3; i > 0; i-- {
				if err := emit.Send(i); err != nil {
					return err
				}
			}
			return nil
		}))

	reg.MustRegister("audit.log", raffel.NewEventHandler(
		func(ctx *raffel.Context, payload any) error {
			rec.record(payload)
			return nil
		}))

	reg.MustRegister("limited", raffel.NewProcedure(
		func(ctx *raffel.Context, payload any) (any, error) {
			return nil, raffel.NewError(raffel.CodeResourceExhausted, "rate limit exceeded").
				WithDetails(map[string]any{"limit": 5, "remaining": 0, "retryAfter": 2})
		}))

	reg.MustRegister("slow", raffel.NewProcedure(
		func(ctx *raffel.Context, payload any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Cause()
			}
		}))

	return raffel.NewRouter(reg, raffel.WithLogger(quietLogger)), rec
}
