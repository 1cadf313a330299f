package raffel

import (
	"sort"
	"sync"
	"time"
)

// HandlerKind discriminates the three handler shapes a registry entry
// can hold.
type HandlerKind string

const (
	HandlerProcedure HandlerKind = "procedure"
	HandlerStream    HandlerKind = "stream"
	HandlerEvent     HandlerKind = "event"
)

// ProcedureFunc is a request/response handler. The returned value becomes
// the response envelope's payload.
type ProcedureFunc func(ctx *Context, payload any) (any, error)

// StreamFunc is a lazy stream handler. It sends values through emit until
// done, then returns; a non-nil return terminates the stream with
// stream:error. Handlers must honor ctx cancellation and should return
// when Emitter.Send reports ErrStreamClosed.
type StreamFunc func(ctx *Context, payload any, emit Emitter) error

// EventFunc is a fire-and-forget handler. Its error is never sent to the
// caller; it is logged and, for at-least-once delivery, drives the retry
// policy.
type EventFunc func(ctx *Context, payload any) error

// DeliveryGuarantee selects how event handler failures are treated.
type DeliveryGuarantee string

const (
	DeliveryBestEffort  DeliveryGuarantee = "best-effort"
	DeliveryAtMostOnce  DeliveryGuarantee = "at-most-once"
	DeliveryAtLeastOnce DeliveryGuarantee = "at-least-once"
)

// EventRetryPolicy drives re-delivery of failed at-least-once events.
type EventRetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// StreamDirection records which way a stream flows. The runtime only
// serves server-to-client streams; the field is carried for manifests.
type StreamDirection string

const (
	StreamServerToClient StreamDirection = "server"
	StreamBidirectional  StreamDirection = "bidi"
)

// Entry is one registered handler: its name, kind, handler function,
// schemas, per-handler interceptors, and kind-specific metadata. Entries
// are immutable after registration.
type Entry struct {
	Name         string
	Kind         HandlerKind
	Description  string
	InputSchema  any
	OutputSchema any
	Interceptors []Interceptor

	// HTTP routing overrides; empty means the adapter default
	// (POST /<dotted.name>).
	HTTPMethod string
	HTTPPath   string

	// Stream metadata.
	Direction    StreamDirection
	StreamBuffer int

	// Event metadata.
	Delivery    DeliveryGuarantee
	Retry       EventRetryPolicy
	DedupWindow time.Duration

	procedure ProcedureFunc
	stream    StreamFunc
	event     EventFunc
}

// Handler is implemented by the fluent builders (NewProcedure, NewStream,
// NewEventHandler). It is sealed: registrations must go through those
// builders.
type Handler interface {
	entry() *Entry
}

// Registry is the catalogue of named handlers and the sole source of truth
// for which names exist. Reads are safe for concurrent use during serving;
// writes happen at setup time or via the hot-reload swap protocol (build a
// fresh Registry, then Router.SwapRegistry).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a handler under the given dotted name. Registering a name
// twice fails with ALREADY_EXISTS.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return NewError(CodeBadRequest, "handler name must not be empty")
	}
	e := h.entry()
	e.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return Errorf(CodeAlreadyExists, "handler %q is already registered", name)
	}
	r.entries[name] = e
	return nil
}

// MustRegister is Register that panics on error, for setup-time wiring.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic("raffel: " + err.Error())
	}
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns all entries sorted by name.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
