package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/raffelframework/raffel"
)

func newJSONRPCTestServer(t *testing.T, maxBatch int) (*httptest.Server, *raffel.Router, *eventRecorder) {
	t.Helper()
	router, rec := newTestRouter(t)
	cfg := raffel.JSONRPCConfig{Enabled: true, Path: "/rpc", MaxBatch: maxBatch}
	srv := httptest.NewServer(NewJSONRPC(router, cfg, 1<<20, quietLogger))
	t.Cleanup(srv.Close)
	return srv, router, rec
}

func rpcCall(t *testing.T, url, body string) *http.Response {
	t.Helper()
	return postJSON(t, url, body)
}

func TestJSONRPCSingleCall(t *testing.T) {
	srv, _, _ := newJSONRPCTestServer(t, 0)

	resp := rpcCall(t, srv.URL, `{"jsonrpc":"2.0","method":"math.add","params":{"a":2,"b":3},"id":7}`)
	var reply jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}

	if reply.Version != "2.0" {
		t.Errorf("jsonrpc = %q, want 2.0", reply.Version)
	}
	if string(reply.ID) != "7" {
		t.Errorf("id = %s, want 7 echoed raw", reply.ID)
	}
	result, ok := reply.Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want object", reply.Result)
	}
	if result["sum"] != float64(5) {
		t.Errorf("sum = %v, want 5", result["sum"])
	}
}

func TestJSONRPCMethodNotFound(t *testing.T) {
	srv, _, _ := newJSONRPCTestServer(t, 0)

	resp := rpcCall(t, srv.URL, `{"jsonrpc":"2.0","method":"no.such.method","id":"x"}`)
	var reply jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == nil {
		t.Fatal("expected an error reply")
	}
	if reply.Error.Code != -32601 {
		t.Errorf("code = %d, want -32601", reply.Error.Code)
	}
	if string(reply.ID) != `"x"` {
		t.Errorf("id = %s, want \"x\"", reply.ID)
	}
}

func TestJSONRPCParseError(t *testing.T) {
	srv, _, _ := newJSONRPCTestServer(t, 0)

	resp := rpcCall(t, srv.URL, `{"jsonrpc":`)
	var reply jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == nil || reply.Error.Code != -32700 {
		t.Fatalf("error = %+v, want code -32700", reply.Error)
	}
}

func TestJSONRPCBatchPreservesOrder(t *testing.T) {
	srv, router, rec := newJSONRPCTestServer(t, 0)

	body := `[
		{"jsonrpc":"2.0","method":"math.add","params":{"a":1,"b":1},"id":1},
		{"jsonrpc":"2.0","method":"audit.log","params":{"action":"batch"}},
		{"jsonrpc":"2.0","method":"math.add","params":{"a":2,"b":2},"id":2}
	]`
	resp := rpcCall(t, srv.URL, body)

	var replies []jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		t.Fatalf("decode replies: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("replies = %d, want 2 (notification is silent)", len(replies))
	}
	if string(replies[0].ID) != "1" || string(replies[1].ID) != "2" {
		t.Errorf("ids = %s, %s, want 1, 2", replies[0].ID, replies[1].ID)
	}

	// The notification runs detached from the HTTP request.
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	router.Wait()
	if rec.count() != 1 {
		t.Errorf("notification handler ran %d times, want 1", rec.count())
	}
}

func TestJSONRPCAllNotifications(t *testing.T) {
	srv, _, _ := newJSONRPCTestServer(t, 0)

	resp := rpcCall(t, srv.URL, `[{"jsonrpc":"2.0","method":"audit.log","params":{}}]`)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestJSONRPCBatchLimit(t *testing.T) {
	srv, _, _ := newJSONRPCTestServer(t, 2)

	body := `[
		{"jsonrpc":"2.0","method":"echo","id":1},
		{"jsonrpc":"2.0","method":"echo","id":2},
		{"jsonrpc":"2.0","method":"echo","id":3}
	]`
	resp := rpcCall(t, srv.URL, body)

	var reply jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == nil || reply.Error.Code != -32600 {
		t.Fatalf("error = %+v, want code -32600", reply.Error)
	}
}

func TestJSONRPCInvalidVersion(t *testing.T) {
	srv, _, _ := newJSONRPCTestServer(t, 0)

	resp := rpcCall(t, srv.URL, `{"jsonrpc":"1.0","method":"echo","id":1}`)
	var reply jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == nil || reply.Error.Code != -32600 {
		t.Fatalf("error = %+v, want code -32600", reply.Error)
	}
}

func TestJSONRPCRejectsNonPOST(t *testing.T) {
	srv, _, _ := newJSONRPCTestServer(t, 0)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
