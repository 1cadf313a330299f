package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/raffelframework/raffel"
)

// jsonrpcRequest is one JSON-RPC 2.0 call object. ID stays raw so string,
// number, and null ids echo back byte-identical.
type jsonrpcRequest struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type jsonrpcResponse struct {
	Version string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// JSONRPCAdapter serves strict JSON-RPC 2.0 over HTTP POST: single calls,
// ordered batches, and silent notifications, all dispatched as request
// envelopes with procedure = method.
type JSONRPCAdapter struct {
	router *raffel.Router
	cfg    raffel.JSONRPCConfig
	logger *slog.Logger
	maxLen int64
}

// NewJSONRPC creates the JSON-RPC endpoint handler. Mount it on the HTTP
// adapter at cfg.Path.
func NewJSONRPC(router *raffel.Router, cfg raffel.JSONRPCConfig, maxBodySize int64, logger *slog.Logger) *JSONRPCAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &JSONRPCAdapter{router: router, cfg: cfg, logger: logger, maxLen: maxBodySize}
}

// Name identifies the endpoint in logs.
func (a *JSONRPCAdapter) Name() string { return "jsonrpc" }

func (a *JSONRPCAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxLen))
	if err != nil {
		writeJSONRPC(w, errorResponse(nil, raffel.NewError(raffel.CodeParseError, "failed to read body")))
		return
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		writeJSONRPC(w, errorResponse(nil, raffel.NewError(raffel.CodeParseError, "empty request")))
		return
	}

	if raw[0] == '[' {
		a.serveBatch(w, r, raw)
		return
	}

	var call jsonrpcRequest
	if err := json.Unmarshal(raw, &call); err != nil {
		writeJSONRPC(w, errorResponse(nil, raffel.Errorf(raffel.CodeParseError, "malformed request: %v", err)))
		return
	}
	if resp := a.dispatch(r, &call); resp != nil {
		writeJSONRPC(w, *resp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *JSONRPCAdapter) serveBatch(w http.ResponseWriter, r *http.Request, raw []byte) {
	var calls []jsonrpcRequest
	if err := json.Unmarshal(raw, &calls); err != nil {
		writeJSONRPC(w, errorResponse(nil, raffel.Errorf(raffel.CodeParseError, "malformed batch: %v", err)))
		return
	}
	if len(calls) == 0 {
		writeJSONRPC(w, errorResponse(nil, raffel.NewError(raffel.CodeBadRequest, "empty batch")))
		return
	}
	if a.cfg.MaxBatch > 0 && len(calls) > a.cfg.MaxBatch {
		writeJSONRPC(w, errorResponse(nil, raffel.Errorf(raffel.CodeBadRequest, "batch exceeds %d calls", a.cfg.MaxBatch)))
		return
	}

	// Results keep batch order; notifications contribute nothing.
	responses := make([]jsonrpcResponse, 0, len(calls))
	for i := range calls {
		if resp := a.dispatch(r, &calls[i]); resp != nil {
			responses = append(responses, *resp)
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(responses)
}

// dispatch translates one call to an envelope and back. Notifications
// (absent id) return nil.
func (a *JSONRPCAdapter) dispatch(r *http.Request, call *jsonrpcRequest) *jsonrpcResponse {
	notification := len(call.ID) == 0

	if call.Version != "2.0" || call.Method == "" {
		if notification {
			return nil
		}
		resp := errorResponse(call.ID, raffel.NewError(raffel.CodeBadRequest, "not a valid JSON-RPC 2.0 request"))
		return &resp
	}

	env := raffel.NewRequest(envelopeID(call.ID), call.Method, call.Params)
	env.Metadata = metadataFromRequest(r)

	if notification {
		// Run detached from the HTTP request lifetime; there is no reply
		// to deliver.
		ctx := raffel.NewContext(context.WithoutCancel(r.Context()))
		go a.router.HandleRequest(ctx, env)
		return nil
	}

	reply := a.router.HandleRequest(raffel.NewContext(r.Context()), env)
	if reply.Kind == raffel.KindError {
		wireErr, ok := reply.Payload.(*raffel.Error)
		if !ok {
			wireErr = raffel.NewError(raffel.CodeInternal, "malformed error reply")
		}
		resp := errorResponse(call.ID, wireErr)
		return &resp
	}
	return &jsonrpcResponse{Version: "2.0", Result: reply.Payload, ID: call.ID}
}

// envelopeID renders the raw JSON-RPC id as an envelope id.
func envelopeID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return "notification"
}

func errorResponse(id json.RawMessage, wireErr *raffel.Error) jsonrpcResponse {
	if id == nil {
		id = json.RawMessage("null")
	}
	rpcErr := &jsonrpcError{
		Code:    wireErr.Code.JSONRPCCode(),
		Message: wireErr.Message,
	}
	if len(wireErr.Details) > 0 {
		rpcErr.Data = wireErr.Details
	}
	return jsonrpcResponse{Version: "2.0", Error: rpcErr, ID: id}
}

func writeJSONRPC(w http.ResponseWriter, resp jsonrpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
