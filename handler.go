package raffel

import (
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/schema"
)

var (
	structValidate = validator.New()
	schemaDecoder  = schema.NewDecoder()
)

func init() {
	schemaDecoder.IgnoreUnknownKeys(true)
}

// ProcedureHandler is the fluent builder for request/response handlers.
//
//	reg.Register("math.add", raffel.NewProcedure(addFn).
//	    WithDescription("Adds two numbers").
//	    WithInput(addSchema).
//	    WithInterceptor(audit))
type ProcedureHandler struct {
	e Entry
}

// NewProcedure creates a procedure handler from fn.
func NewProcedure(fn ProcedureFunc) *ProcedureHandler {
	return &ProcedureHandler{e: Entry{Kind: HandlerProcedure, procedure: fn}}
}

func (h *ProcedureHandler) WithDescription(d string) *ProcedureHandler {
	h.e.Description = d
	return h
}

// WithInput attaches the input schema. Schemas are opaque to the core;
// the active Validator interprets them.
func (h *ProcedureHandler) WithInput(schema any) *ProcedureHandler {
	h.e.InputSchema = schema
	return h
}

// WithOutput attaches the output schema.
func (h *ProcedureHandler) WithOutput(schema any) *ProcedureHandler {
	h.e.OutputSchema = schema
	return h
}

// WithInterceptor appends a per-handler interceptor. Per-handler
// interceptors run after global interceptors and before validation.
func (h *ProcedureHandler) WithInterceptor(i Interceptor) *ProcedureHandler {
	h.e.Interceptors = append(h.e.Interceptors, i)
	return h
}

// WithHTTPRoute overrides the HTTP adapter's default POST /<dotted.name>
// route. The path may contain chi-style {param} templates; path parameters
// merge into the payload keyed by template name.
func (h *ProcedureHandler) WithHTTPRoute(method, path string) *ProcedureHandler {
	h.e.HTTPMethod = method
	h.e.HTTPPath = path
	return h
}

func (h *ProcedureHandler) entry() *Entry {
	e := h.e
	return &e
}

// StreamHandler is the fluent builder for lazy stream handlers.
type StreamHandler struct {
	e Entry
}

// NewStream creates a stream handler from fn.
func NewStream(fn StreamFunc) *StreamHandler {
	return &StreamHandler{e: Entry{Kind: HandlerStream, stream: fn, Direction: StreamServerToClient}}
}

func (h *StreamHandler) WithDescription(d string) *StreamHandler {
	h.e.Description = d
	return h
}

func (h *StreamHandler) WithInput(schema any) *StreamHandler {
	h.e.InputSchema = schema
	return h
}

func (h *StreamHandler) WithInterceptor(i Interceptor) *StreamHandler {
	h.e.Interceptors = append(h.e.Interceptors, i)
	return h
}

// WithBuffer overrides the router's default bounded frame buffer for this
// stream. The buffer is the backpressure boundary between the producer and
// the adapter: a full buffer blocks the producer.
func (h *StreamHandler) WithBuffer(n int) *StreamHandler {
	h.e.StreamBuffer = n
	return h
}

func (h *StreamHandler) WithDirection(d StreamDirection) *StreamHandler {
	h.e.Direction = d
	return h
}

func (h *StreamHandler) WithHTTPRoute(method, path string) *StreamHandler {
	h.e.HTTPMethod = method
	h.e.HTTPPath = path
	return h
}

func (h *StreamHandler) entry() *Entry {
	e := h.e
	return &e
}

// EventHandler is the fluent builder for fire-and-forget handlers.
type EventHandler struct {
	e Entry
}

// NewEventHandler creates an event handler from fn. Delivery defaults to
// best-effort.
func NewEventHandler(fn EventFunc) *EventHandler {
	return &EventHandler{e: Entry{Kind: HandlerEvent, event: fn, Delivery: DeliveryBestEffort}}
}

func (h *EventHandler) WithDescription(d string) *EventHandler {
	h.e.Description = d
	return h
}

func (h *EventHandler) WithInput(schema any) *EventHandler {
	h.e.InputSchema = schema
	return h
}

func (h *EventHandler) WithInterceptor(i Interceptor) *EventHandler {
	h.e.Interceptors = append(h.e.Interceptors, i)
	return h
}

// WithDelivery selects the delivery guarantee. At-least-once delivery
// re-queues failed events per the retry policy and deduplicates by
// envelope id over the dedup window.
func (h *EventHandler) WithDelivery(d DeliveryGuarantee) *EventHandler {
	h.e.Delivery = d
	return h
}

func (h *EventHandler) WithRetryPolicy(p EventRetryPolicy) *EventHandler {
	h.e.Retry = p
	return h
}

func (h *EventHandler) WithDedupWindow(w time.Duration) *EventHandler {
	h.e.DedupWindow = w
	return h
}

func (h *EventHandler) entry() *Entry {
	e := h.e
	return &e
}

// queryValuesKey marks url.Values attached to the context by the HTTP
// adapter for GET/DELETE requests, so typed handlers can decode the query
// string directly instead of round-tripping through a payload map.
type queryValuesKey struct{}

// ContextWithQueryValues attaches raw query values for typed decoding.
// Used by the HTTP adapter.
func ContextWithQueryValues(ctx *Context, values url.Values) {
	ctx.Set(queryValuesKey{}, values)
}

// decodePayload materializes an envelope payload into a typed request
// struct. Query-sourced payloads decode via gorilla/schema; everything
// else round-trips through JSON.
func decodePayload[Req any](ctx *Context, payload any) (Req, error) {
	var req Req

	if values, ok := ctx.Get(queryValuesKey{}); ok {
		if vals, ok := values.(url.Values); ok {
			if err := schemaDecoder.Decode(&req, vals); err != nil {
				return req, Errorf(CodeBadRequest, "failed to decode query: %v", err)
			}
			return req, nil
		}
	}

	if payload == nil {
		return req, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return req, Errorf(CodeBadRequest, "failed to encode payload: %v", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, Errorf(CodeBadRequest, "failed to decode payload: %v", err)
	}
	return req, nil
}

// Typed adapts a strongly typed function into a ProcedureFunc. The payload
// is decoded into Req and validated against its struct tags before fn runs.
//
//	raffel.NewProcedure(raffel.Typed(func(ctx *raffel.Context, req AddRequest) (AddResponse, error) {
//	    return AddResponse{Sum: req.A + req.B}, nil
//	}))
func Typed[Req any, Res any](fn func(ctx *Context, req Req) (Res, error)) ProcedureFunc {
	return func(ctx *Context, payload any) (any, error) {
		req, err := decodePayload[Req](ctx, payload)
		if err != nil {
			return nil, err
		}
		if err := structValidate.StructCtx(ctx, req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

// TypedStream adapts a strongly typed stream function into a StreamFunc.
func TypedStream[Req any](fn func(ctx *Context, req Req, emit Emitter) error) StreamFunc {
	return func(ctx *Context, payload any, emit Emitter) error {
		req, err := decodePayload[Req](ctx, payload)
		if err != nil {
			return err
		}
		if err := structValidate.StructCtx(ctx, req); err != nil {
			return err
		}
		return fn(ctx, req, emit)
	}
}

// TypedEvent adapts a strongly typed event function into an EventFunc.
func TypedEvent[Req any](fn func(ctx *Context, req Req) error) EventFunc {
	return func(ctx *Context, payload any) error {
		req, err := decodePayload[Req](ctx, payload)
		if err != nil {
			return err
		}
		if err := structValidate.StructCtx(ctx, req); err != nil {
			return err
		}
		return fn(ctx, req)
	}
}
