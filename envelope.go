// Package raffel is a protocol-agnostic request dispatcher and middleware
// runtime. A single registry of named handlers (procedures, streams, events)
// is served simultaneously over HTTP, WebSocket, JSON-RPC 2.0, TCP, and UDP
// by the adapters in the transport package. Every inbound wire message is
// normalized into an Envelope, dispatched through a composable interceptor
// chain by the Router, and the outcome is translated back to the wire.
package raffel

import "maps"

// Kind identifies the role of an Envelope in the request/stream/event
// lifecycle. Kinds are part of the wire format and must not be renamed.
type Kind string

const (
	KindRequest     Kind = "request"
	KindResponse    Kind = "response"
	KindEvent       Kind = "event"
	KindAck         Kind = "ack"
	KindError       Kind = "error"
	KindStreamStart Kind = "stream:start"
	KindStreamData  Kind = "stream:data"
	KindStreamEnd   Kind = "stream:end"
	KindStreamError Kind = "stream:error"
)

// Valid reports whether k is one of the known envelope kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindEvent, KindAck, KindError,
		KindStreamStart, KindStreamData, KindStreamEnd, KindStreamError:
		return true
	}
	return false
}

// Inbound reports whether k may appear on an envelope entering the router.
func (k Kind) Inbound() bool {
	switch k {
	case KindRequest, KindEvent, KindStreamStart:
		return true
	}
	return false
}

// Envelope is the canonical in-flight message. Adapters construct one
// Envelope per parsed wire message and build fresh envelopes for replies;
// an Envelope is never mutated after it has been handed to the router.
//
// Stream frames share the originating envelope's ID. Error replies carry
// the originating ID with an ":error" suffix, acks with an ":ack" suffix.
type Envelope struct {
	ID        string            `json:"id"`
	Procedure string            `json:"procedure,omitempty"`
	Kind      Kind              `json:"type"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewRequest builds a request envelope for the named procedure.
func NewRequest(id, procedure string, payload any) *Envelope {
	return &Envelope{ID: id, Procedure: procedure, Kind: KindRequest, Payload: payload}
}

// NewEvent builds a fire-and-forget event envelope.
func NewEvent(id, procedure string, payload any) *Envelope {
	return &Envelope{ID: id, Procedure: procedure, Kind: KindEvent, Payload: payload}
}

// NewStreamStart builds the envelope that initiates a stream.
func NewStreamStart(id, procedure string, payload any) *Envelope {
	return &Envelope{ID: id, Procedure: procedure, Kind: KindStreamStart, Payload: payload}
}

// Meta returns the metadata value for key, or "" when absent.
func (e *Envelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// WithPayload returns a copy of e carrying payload. Used by the validation
// interceptor to substitute the validated value without mutating the
// original envelope.
func (e *Envelope) WithPayload(payload any) *Envelope {
	clone := *e
	clone.Payload = payload
	if e.Metadata != nil {
		clone.Metadata = maps.Clone(e.Metadata)
	}
	return &clone
}

// WithMeta returns a copy of e with the metadata key set.
func (e *Envelope) WithMeta(key, value string) *Envelope {
	clone := *e
	clone.Metadata = maps.Clone(e.Metadata)
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]string, 1)
	}
	clone.Metadata[key] = value
	return &clone
}

// Response builds the single reply envelope for a request.
func (e *Envelope) Response(payload any) *Envelope {
	return &Envelope{ID: e.ID, Procedure: e.Procedure, Kind: KindResponse, Payload: payload}
}

// ErrorReply builds the error reply envelope for a failed request or stream
// setup. The error becomes the payload as {code, message, details?}.
func (e *Envelope) ErrorReply(err *Error) *Envelope {
	return &Envelope{ID: e.ID + ":error", Procedure: e.Procedure, Kind: KindError, Payload: err}
}

// Ack builds the acknowledgement envelope used by the UDP adapter's
// ACK mode and by channel subscribe flows.
func (e *Envelope) Ack() *Envelope {
	return &Envelope{ID: e.ID + ":ack", Kind: KindAck}
}

// StreamStartFrame, StreamDataFrame, StreamEndFrame, and StreamErrorFrame
// build the frames of a stream reply. All frames share the initiating ID.
func (e *Envelope) StreamStartFrame() *Envelope {
	return &Envelope{ID: e.ID, Procedure: e.Procedure, Kind: KindStreamStart}
}

func (e *Envelope) StreamDataFrame(payload any) *Envelope {
	return &Envelope{ID: e.ID, Procedure: e.Procedure, Kind: KindStreamData, Payload: payload}
}

func (e *Envelope) StreamEndFrame() *Envelope {
	return &Envelope{ID: e.ID, Procedure: e.Procedure, Kind: KindStreamEnd}
}

func (e *Envelope) StreamErrorFrame(err *Error) *Envelope {
	return &Envelope{ID: e.ID, Procedure: e.Procedure, Kind: KindStreamError, Payload: err}
}

// CheckInbound verifies that an envelope entering the router carries the
// fields its kind requires. Adapters call this after parsing; the router
// checks again before dispatch.
func (e *Envelope) CheckInbound() *Error {
	if e.ID == "" {
		return NewError(CodeInvalidEnvelope, "envelope id is required")
	}
	if !e.Kind.Valid() {
		return Errorf(CodeInvalidEnvelope, "unknown envelope kind %q", e.Kind)
	}
	if !e.Kind.Inbound() {
		return Errorf(CodeInvalidEnvelope, "kind %q is not valid for an inbound envelope", e.Kind)
	}
	if e.Procedure == "" {
		return NewError(CodeInvalidEnvelope, "procedure name is required")
	}
	return nil
}
