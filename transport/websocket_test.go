package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/raffelframework/raffel"
	"github.com/raffelframework/raffel/channel"
)

func newWSTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	router, _ := newTestRouter(t)

	channels := channel.NewManager(quietLogger)
	channels.Define(channel.Definition{Pattern: "room:{id}", Type: channel.Public})

	adapter := NewWebSocket(router, channels, raffel.WebSocketConfig{
		Enabled:           true,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    512 * 1024,
	},
		WithWSLogger(quietLogger),
		WithCheckOrigin(func(r *http.Request) bool { return true }))

	srv := httptest.NewServer(adapter)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func TestWSRequestResponse(t *testing.T) {
	srv := newWSTestServer(t)
	conn := dialWS(t, srv)

	err := conn.WriteJSON(wsFrame{
		ID:        "1",
		Type:      "request",
		Procedure: "math.add",
		Payload:   map[string]any{"a": 2, "b": 5},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readWSFrame(t, conn)
	if frame.ID != "1" || frame.Type != "response" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Payload.(map[string]any)["sum"] != float64(7) {
		t.Errorf("sum = %v, want 7", frame.Payload)
	}
}

func TestWSUnknownProcedure(t *testing.T) {
	srv := newWSTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(wsFrame{ID: "2", Type: "request", Procedure: "no.such"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readWSFrame(t, conn)
	if frame.ID != "2:error" || frame.Type != "error" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if wireErr := decodeWireError(t, frame.Payload); wireErr.Code != raffel.CodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", wireErr.Code)
	}
}

func TestWSInvalidInboundKind(t *testing.T) {
	srv := newWSTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(wsFrame{ID: "3", Type: "response", Procedure: "echo"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readWSFrame(t, conn)
	if frame.Type != "error" {
		t.Fatalf("type = %q, want error", frame.Type)
	}
	if wireErr := decodeWireError(t, frame.Payload); wireErr.Code != raffel.CodeInvalidEnvelope {
		t.Errorf("code = %s, want INVALID_ENVELOPE", wireErr.Code)
	}
}

func TestWSStream(t *testing.T) {
	srv := newWSTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(wsFrame{ID: "s1", Type: "stream:start", Procedure: "countdown"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var dataFrames int
	for {
		frame := readWSFrame(t, conn)
		if frame.ID != "s1" {
			t.Fatalf("frame id = %q, want s1", frame.ID)
		}
		switch frame.Type {
		case "stream:start":
		case "stream:data":
			dataFrames++
		case "stream:end":
			if dataFrames != 3 {
				t.Errorf("data frames = %d, want 3", dataFrames)
			}
			return
		default:
			t.Fatalf("unexpected frame type %q", frame.Type)
		}
	}
}

func TestWSCancelInflightRequest(t *testing.T) {
	srv := newWSTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(wsFrame{ID: "c1", Type: "request", Procedure: "slow"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(wsFrame{ID: "c1", Type: "cancel"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A cancelled dispatch produces no reply.
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("cancelled request still produced a reply")
	}
}

func TestWSChannelSubscribePublish(t *testing.T) {
	srv := newWSTestServer(t)
	publisher := dialWS(t, srv)
	subscriber := dialWS(t, srv)

	for _, conn := range []*websocket.Conn{publisher, subscriber} {
		if err := conn.WriteJSON(wsFrame{ID: "sub", Type: "subscribe", Channel: "room:7"}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		ack := readWSFrame(t, conn)
		if ack.Type != "subscribed" || ack.Channel != "room:7" {
			t.Fatalf("unexpected ack: %+v", ack)
		}
	}

	err := publisher.WriteJSON(wsFrame{Type: "publish", Channel: "room:7", Event: "msg", Data: "hello"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	frame := readWSFrame(t, subscriber)
	if frame.Type != "event" || frame.Channel != "room:7" || frame.Event != "msg" {
		t.Fatalf("unexpected delivery: %+v", frame)
	}
	if frame.Data != "hello" {
		t.Errorf("data = %v, want hello", frame.Data)
	}
	if frame.From == "" {
		t.Error("delivery carries no publisher id")
	}
}

func TestWSUnsubscribeStopsDelivery(t *testing.T) {
	srv := newWSTestServer(t)
	publisher := dialWS(t, srv)
	subscriber := dialWS(t, srv)

	for _, conn := range []*websocket.Conn{publisher, subscriber} {
		if err := conn.WriteJSON(wsFrame{Type: "subscribe", Channel: "room:9"}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		readWSFrame(t, conn)
	}

	if err := subscriber.WriteJSON(wsFrame{Type: "unsubscribe", Channel: "room:9"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if ack := readWSFrame(t, subscriber); ack.Type != "unsubscribed" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	if err := publisher.WriteJSON(wsFrame{Type: "publish", Channel: "room:9", Event: "msg", Data: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The publisher is still a member and receives its own message; the
	// unsubscribed socket must stay silent.
	if frame := readWSFrame(t, publisher); frame.Type != "event" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	subscriber.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := subscriber.ReadMessage(); err == nil {
		t.Error("unsubscribed socket still received a message")
	}
}
