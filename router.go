package raffel

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MetaRequestID is the metadata key carrying the request id on inbound and
// outbound envelopes.
const MetaRequestID = "x-request-id"

// dedupTableSize bounds each per-handler deduplication table.
const dedupTableSize = 16384

// Result is the outcome of dispatching one inbound envelope. Exactly one
// field is populated for requests (Response) and streams (Frames); both
// are nil for events.
type Result struct {
	Response *Envelope
	Frames   <-chan *Envelope
}

// Router resolves envelopes to registry entries, runs the composed
// interceptor chain, and wraps outcomes into reply envelopes, terminated
// streams, or nothing (events). It never lets an error escape: every
// failure becomes an error envelope or a stream:error frame with a code
// from the closed taxonomy.
//
// A Router is safe for concurrent use. The registry pointer is swapped
// atomically for hot reload; in-flight dispatches complete against the
// registry they started with.
type Router struct {
	registry     atomic.Pointer[Registry]
	interceptors []Interceptor
	validator    Validator
	transform    ErrorTransformer
	logger       *slog.Logger
	streamBuffer int
	maskInternal bool
	includeStack bool
	eventStore   EventStore

	dedupMu sync.Mutex
	dedup   map[string]*expirable.LRU[string, struct{}]

	events sync.WaitGroup
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithInterceptors sets the global interceptor chain, outermost first.
func WithInterceptors(interceptors ...Interceptor) RouterOption {
	return func(r *Router) { r.interceptors = interceptors }
}

// WithValidator injects the validation backend. When unset, the
// process-wide default validator (SetDefaultValidator) is consulted at
// dispatch time.
func WithValidator(v Validator) RouterOption {
	return func(r *Router) { r.validator = v }
}

// WithErrorTransformer installs a custom error transformer, consulted
// before DefaultErrorTransformer.
func WithErrorTransformer(fn ErrorTransformer) RouterOption {
	return func(r *Router) { r.transform = fn }
}

// WithLogger sets the router's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithStreamBuffer sets the default bounded frame buffer for streams.
func WithStreamBuffer(n int) RouterOption {
	return func(r *Router) { r.streamBuffer = n }
}

// WithMaskInternalErrors scrubs INTERNAL error messages before they cross
// the wire. Useful in production; the original error is still logged.
func WithMaskInternalErrors() RouterOption {
	return func(r *Router) { r.maskInternal = true }
}

// WithDevelopmentMode includes panic stacks in error details. Never enable
// in production.
func WithDevelopmentMode() RouterOption {
	return func(r *Router) { r.includeStack = true }
}

// WithEventStore installs the persistence port for at-least-once events.
func WithEventStore(s EventStore) RouterOption {
	return func(r *Router) { r.eventStore = s }
}

// NewRouter creates a Router over the given registry.
func NewRouter(reg *Registry, opts ...RouterOption) *Router {
	r := &Router{
		streamBuffer: DefaultStreamBuffer,
		dedup:        make(map[string]*expirable.LRU[string, struct{}]),
	}
	r.registry.Store(reg)
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.eventStore == nil {
		r.eventStore = NewMemoryEventStore()
	}
	return r
}

// Registry returns the registry currently being served.
func (r *Router) Registry() *Registry {
	return r.registry.Load()
}

// SwapRegistry atomically replaces the served registry. New dispatches see
// either the old registry or the new one in full, never a mixture;
// in-flight dispatches complete against their original registry.
func (r *Router) SwapRegistry(reg *Registry) {
	r.registry.Store(reg)
}

// Wait blocks until all asynchronous event dispatches (including
// at-least-once retries) have drained. Called during graceful shutdown.
func (r *Router) Wait() {
	r.events.Wait()
}

// Handle is the central entry point: it dispatches one inbound envelope by
// kind and returns the wrapped outcome.
func (r *Router) Handle(ctx *Context, env *Envelope) Result {
	if wireErr := env.CheckInbound(); wireErr != nil {
		return Result{Response: r.errorReply(ctx, env, wireErr)}
	}
	switch env.Kind {
	case KindRequest:
		return Result{Response: r.HandleRequest(ctx, env)}
	case KindStreamStart:
		return Result{Frames: r.HandleStream(ctx, env)}
	case KindEvent:
		r.HandleEvent(ctx, env)
		return Result{}
	default:
		// CheckInbound already rejects other kinds.
		return Result{Response: r.errorReply(ctx, env, Errorf(CodeInvalidEnvelope, "kind %q is not dispatchable", env.Kind))}
	}
}

// HandleRequest dispatches a request envelope to a procedure handler and
// returns exactly one reply envelope.
func (r *Router) HandleRequest(ctx *Context, env *Envelope) *Envelope {
	entry, wireErr := r.resolve(env, KindRequest)
	if wireErr != nil {
		return r.errorReply(ctx, env, wireErr)
	}

	result, err := r.run(ctx, env, entry, func(ctx *Context, env *Envelope) (any, error) {
		return entry.procedure(ctx, env.Payload)
	})
	if err != nil {
		return r.errorReply(ctx, env, r.wireError(err))
	}
	return r.stampRequestID(ctx, env.Response(result))
}

// HandleStream dispatches a stream:start envelope to a stream handler.
// The returned channel yields stream:start, zero or more stream:data
// frames in producer order, and exactly one of stream:end/stream:error,
// then closes. Cancelling ctx stops the producer.
func (r *Router) HandleStream(ctx *Context, env *Envelope) <-chan *Envelope {
	entry, wireErr := r.resolve(env, KindStreamStart)
	if wireErr != nil {
		frames := make(chan *Envelope, 2)
		frames <- env.StreamStartFrame()
		frames <- env.StreamErrorFrame(wireErr)
		close(frames)
		return frames
	}

	buffer := entry.StreamBuffer
	if buffer <= 0 {
		buffer = r.streamBuffer
	}
	emitter := newFrameEmitter(ctx, env, buffer)

	go func() {
		emitter.frames <- env.StreamStartFrame()
		_, err := r.run(ctx, env, entry, func(ctx *Context, env *Envelope) (any, error) {
			return nil, entry.stream(ctx, env.Payload, emitter)
		})
		emitter.finish(err, r.wireError)
	}()
	return emitter.frames
}

// HandleEvent dispatches an event envelope asynchronously. There is never
// a reply; handler failures are logged and, for at-least-once delivery,
// retried per the entry's policy. A deduplication table keyed by envelope
// id suppresses double execution within the configured window.
func (r *Router) HandleEvent(ctx *Context, env *Envelope) {
	entry, wireErr := r.resolve(env, KindEvent)
	if wireErr != nil {
		r.logger.Warn("event dropped",
			slog.String("procedure", env.Procedure),
			slog.String("code", string(wireErr.Code)),
			slog.String("error", wireErr.Message))
		return
	}

	if entry.DedupWindow > 0 && !r.dedupAdmit(entry, env.ID) {
		r.logger.Debug("duplicate event suppressed",
			slog.String("procedure", env.Procedure),
			slog.String("id", env.ID))
		return
	}

	detached := ctx.Detach()
	r.events.Add(1)
	go func() {
		defer r.events.Done()
		r.dispatchEventWithRetry(detached, env, entry)
	}()
}

// DispatchEvent runs an event handler synchronously, without retry. Used
// by adapters that acknowledge after completion (UDP ACK mode).
func (r *Router) DispatchEvent(ctx *Context, env *Envelope) error {
	entry, wireErr := r.resolve(env, KindEvent)
	if wireErr != nil {
		return wireErr
	}
	if entry.DedupWindow > 0 && !r.dedupAdmit(entry, env.ID) {
		return nil
	}
	_, err := r.run(ctx, env, entry, func(ctx *Context, env *Envelope) (any, error) {
		return nil, entry.event(ctx, env.Payload)
	})
	if err != nil {
		r.logEventFailure(env, err, 1)
		return err
	}
	return nil
}

func (r *Router) dispatchEventWithRetry(ctx *Context, env *Envelope, entry *Entry) {
	atLeastOnce := entry.Delivery == DeliveryAtLeastOnce
	if atLeastOnce {
		if err := r.eventStore.Append(ctx, env); err != nil {
			r.logger.Error("event store append failed",
				slog.String("procedure", env.Procedure),
				slog.Any("error", err))
		}
	}

	maxAttempts := 1
	if atLeastOnce && entry.Retry.MaxAttempts > 1 {
		maxAttempts = entry.Retry.MaxAttempts
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err = r.run(ctx, env, entry, func(ctx *Context, env *Envelope) (any, error) {
			return nil, entry.event(ctx, env.Payload)
		})
		if err == nil {
			if atLeastOnce {
				if ackErr := r.eventStore.Ack(ctx, env.ID); ackErr != nil {
					r.logger.Error("event store ack failed",
						slog.String("procedure", env.Procedure),
						slog.Any("error", ackErr))
				}
			}
			return
		}
		r.logEventFailure(env, err, attempt)
		if attempt == maxAttempts {
			break
		}

		backoff := entry.Retry.Backoff
		if backoff <= 0 {
			backoff = 100 * time.Millisecond
		}
		delay := backoff * time.Duration(1<<uint(attempt-1))
		if entry.Retry.MaxBackoff > 0 && delay > entry.Retry.MaxBackoff {
			delay = entry.Retry.MaxBackoff
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (r *Router) logEventFailure(env *Envelope, err error, attempt int) {
	r.logger.Error("event handler failed",
		slog.String("procedure", env.Procedure),
		slog.String("id", env.ID),
		slog.Int("attempt", attempt),
		slog.Any("error", err))
}

// dedupAdmit records the envelope id in the entry's deduplication table
// and reports whether this is the first sighting within the window.
func (r *Router) dedupAdmit(entry *Entry, id string) bool {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	table, ok := r.dedup[entry.Name]
	if !ok {
		table = expirable.NewLRU[string, struct{}](dedupTableSize, nil, entry.DedupWindow)
		r.dedup[entry.Name] = table
	}
	if _, seen := table.Get(id); seen {
		return false
	}
	table.Add(id, struct{}{})
	return true
}

// resolve looks up the registry entry and verifies kind compatibility.
func (r *Router) resolve(env *Envelope, kind Kind) (*Entry, *Error) {
	entry, ok := r.Registry().Lookup(env.Procedure)
	if !ok {
		return nil, Errorf(CodeNotFound, "unknown procedure %q", env.Procedure)
	}
	compatible := (kind == KindRequest && entry.Kind == HandlerProcedure) ||
		(kind == KindStreamStart && entry.Kind == HandlerStream) ||
		(kind == KindEvent && entry.Kind == HandlerEvent)
	if !compatible {
		return nil, Errorf(CodeInvalidEnvelope, "envelope kind %q is not compatible with %s handler %q", kind, entry.Kind, entry.Name)
	}
	return entry, nil
}

// run executes the composed chain (global → per-handler → validation →
// terminal) for one envelope on a fresh child context, recovering panics.
func (r *Router) run(ctx *Context, env *Envelope, entry *Entry, terminal Next) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			r.logger.Error("panic in handler",
				slog.String("procedure", env.Procedure),
				slog.Any("panic", rec),
				slog.String("stack", string(stack)))
			wireErr := Errorf(CodeInternal, "internal error (panic): %v", rec)
			if r.includeStack {
				wireErr = wireErr.WithDetail("stack", string(stack))
			}
			result, err = nil, wireErr
		}
	}()

	chain := make([]Interceptor, 0, len(r.interceptors)+len(entry.Interceptors)+1)
	chain = append(chain, r.interceptors...)
	chain = append(chain, entry.Interceptors...)
	if v := r.activeValidator(); v != nil && (entry.InputSchema != nil || entry.OutputSchema != nil) {
		chain = append(chain, validationInterceptor(v, entry))
	}
	return runChain(ctx.Child(), env, chain, terminal)
}

func (r *Router) activeValidator() Validator {
	if r.validator != nil {
		return r.validator
	}
	return DefaultValidator()
}

// wireError normalizes any error through the configured transformer chain.
func (r *Router) wireError(err error) *Error {
	var wireErr *Error
	if r.transform != nil {
		wireErr = r.transform(err)
	}
	if wireErr == nil {
		wireErr = DefaultErrorTransformer(err)
	}
	if r.maskInternal && wireErr.Code == CodeInternal {
		wireErr = &Error{Code: CodeInternal, Message: "internal error", Details: wireErr.Details}
	}
	return wireErr
}

func (r *Router) errorReply(ctx *Context, env *Envelope, wireErr *Error) *Envelope {
	return r.stampRequestID(ctx, env.ErrorReply(wireErr))
}

// stampRequestID attaches the request id to the reply metadata when the
// request-id middleware assigned one.
func (r *Router) stampRequestID(ctx *Context, reply *Envelope) *Envelope {
	if id := ctx.RequestID(); id != "" {
		return reply.WithMeta(MetaRequestID, id)
	}
	return reply
}
