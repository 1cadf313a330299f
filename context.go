package raffel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthContext carries the outcome of authentication for one request.
// It is attached to the Context by the auth middleware and read by the
// authorization middleware, channel hooks, and handlers.
type AuthContext struct {
	Authenticated bool
	Principal     string
	Claims        map[string]any
	Roles         []string
}

// HasRole reports whether the principal holds the given role.
func (a *AuthContext) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Trace carries correlation identifiers for one request.
type Trace struct {
	TraceID string
	SpanID  string
}

// contextState is the mutable per-request record shared by a Context and
// every child derived from it, so data attached by an inner middleware
// (request id, auth, extensions) is visible to the router and to outer
// middleware on the way back out.
type contextState struct {
	mu        sync.RWMutex
	requestID string
	auth      *AuthContext
	trace     Trace
	ext       map[any]any
}

// Context is the per-envelope execution context. It embeds a cancellable
// context.Context, the single source of truth for cancellation (tripped on
// client disconnect, timeout, or explicit abort), plus the request id,
// auth state, tracing ids, and a typed extension map that middleware uses
// to pass data (validated payloads, user objects, and so on).
//
// Deriving a child preserves the cancellation chain: the child is
// cancelled when the parent is, never the other way around. Cancellation
// is one-shot and monotonic. The request-scoped state (id, auth, trace,
// extensions) is shared across the whole derivation chain.
type Context struct {
	context.Context
	cancel context.CancelCauseFunc
	state  *contextState
}

// NewContext creates a root Context for one in-flight envelope. Adapters
// call this at message receipt, wiring parent to the transport's lifetime
// so that a dropped connection cancels the request.
func NewContext(parent context.Context) *Context {
	if parent == nil {
		parent = context.Background()
	}
	inner, cancel := context.WithCancelCause(parent)
	return &Context{
		Context: inner,
		cancel:  cancel,
		state: &contextState{
			trace: Trace{TraceID: uuid.NewString(), SpanID: uuid.NewString()},
		},
	}
}

// Child derives a context that shares this context's request-scoped state
// and is cancelled when the parent is.
func (c *Context) Child() *Context {
	inner, cancel := context.WithCancelCause(c.Context)
	return &Context{Context: inner, cancel: cancel, state: c.state}
}

// ChildWithTimeout derives a child with a deadline. The returned stop
// function releases the timer and must always be called.
func (c *Context) ChildWithTimeout(d time.Duration) (*Context, context.CancelFunc) {
	inner, cancel := context.WithTimeout(c.Context, d)
	return &Context{Context: inner, cancel: func(error) { cancel() }, state: c.state}, cancel
}

// Detach derives a context that carries a snapshot of this context's
// request-scoped state but NOT its cancellation: detaching is how event
// dispatch outlives the originating request. The detached context has its
// own independent token.
func (c *Context) Detach() *Context {
	detached := NewContext(context.WithoutCancel(c.Context))
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	detached.state.requestID = c.state.requestID
	detached.state.auth = c.state.auth
	detached.state.trace = c.state.trace
	if len(c.state.ext) > 0 {
		detached.state.ext = make(map[any]any, len(c.state.ext))
		for k, v := range c.state.ext {
			detached.state.ext[k] = v
		}
	}
	return detached
}

// Cancel trips the cancellation token with the given cause. Calling it
// more than once has no further effect.
func (c *Context) Cancel(cause error) {
	c.cancel(cause)
}

// Cancelled is the non-blocking observe operation on the token.
func (c *Context) Cancelled() bool {
	return c.Err() != nil
}

// Cause returns the cancellation cause, or nil if the token has not tripped.
func (c *Context) Cause() error {
	return context.Cause(c.Context)
}

// OnCancel registers fn to run once the token trips. All registered
// callbacks fire on a single trip; if the token has already tripped, fn
// runs immediately. The returned stop function deregisters fn.
func (c *Context) OnCancel(fn func()) (stop func() bool) {
	return context.AfterFunc(c.Context, fn)
}

// RequestID returns the request id assigned by the request-id middleware,
// or "" if none has been set.
func (c *Context) RequestID() string {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.requestID
}

// SetRequestID records the request id for this request.
func (c *Context) SetRequestID(id string) {
	c.state.mu.Lock()
	c.state.requestID = id
	c.state.mu.Unlock()
}

// Auth returns the auth state, or nil when unauthenticated.
func (c *Context) Auth() *AuthContext {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.auth
}

// SetAuth attaches the auth state produced by an authentication strategy.
func (c *Context) SetAuth(a *AuthContext) {
	c.state.mu.Lock()
	c.state.auth = a
	c.state.mu.Unlock()
}

// Trace returns the tracing identifiers for this request.
func (c *Context) Trace() Trace {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.trace
}

// SetTrace overrides the tracing identifiers (e.g. from inbound metadata).
func (c *Context) SetTrace(t Trace) {
	c.state.mu.Lock()
	c.state.trace = t
	c.state.mu.Unlock()
}

// Set stores a value in the extension map.
func (c *Context) Set(key, value any) {
	c.state.mu.Lock()
	if c.state.ext == nil {
		c.state.ext = make(map[any]any)
	}
	c.state.ext[key] = value
	c.state.mu.Unlock()
}

// Get retrieves a value from the extension map.
func (c *Context) Get(key any) (any, bool) {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	v, ok := c.state.ext[key]
	return v, ok
}

// Value first consults the extension map, then the embedded context chain,
// so ctx.Value works uniformly for middleware-attached data.
func (c *Context) Value(key any) any {
	if v, ok := c.Get(key); ok {
		return v
	}
	return c.Context.Value(key)
}
