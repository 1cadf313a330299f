// Package transport contains the protocol adapters that serve one router
// over HTTP, WebSocket, JSON-RPC 2.0, TCP, and UDP, plus the server
// orchestrator that runs them together. Each adapter owns its listener,
// session pool, per-session cancellation wiring, and wire codec; all of
// them dispatch through the same raffel.Router.
package transport

import (
	"github.com/goccy/go-json"

	"github.com/raffelframework/raffel"
)

// DecodeEnvelope parses one wire message into an envelope and checks the
// fields its kind requires. Malformed JSON maps to PARSE_ERROR, missing
// fields to INVALID_ENVELOPE.
func DecodeEnvelope(data []byte) (*raffel.Envelope, *raffel.Error) {
	var env raffel.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, raffel.Errorf(raffel.CodeParseError, "malformed message: %v", err)
	}
	if wireErr := env.CheckInbound(); wireErr != nil {
		return nil, wireErr
	}
	return &env, nil
}

// EncodeEnvelope renders an envelope as wire JSON. Unencodable payloads
// degrade to an INTERNAL error envelope rather than dropping the reply.
func EncodeEnvelope(env *raffel.Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		fallback := env.ErrorReply(raffel.Errorf(raffel.CodeInternal, "unencodable payload: %v", err))
		data, _ = json.Marshal(fallback)
	}
	return data
}
