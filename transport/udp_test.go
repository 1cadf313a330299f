package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/raffelframework/raffel"
)

func startUDPAdapter(t *testing.T, ackMode bool) (*eventRecorder, net.Addr) {
	t.Helper()
	router, rec := newTestRouter(t)
	cfg := raffel.UDPConfig{Enabled: true, Host: "127.0.0.1", Port: 0, AckMode: ackMode}
	adapter := NewUDP(router, cfg, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		adapter.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("adapter did not stop")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for adapter.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("adapter never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return rec, adapter.Addr()
}

func udpExchange(t *testing.T, addr net.Addr, datagram []byte) []byte {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(datagram); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65507)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func TestUDPRequestResponse(t *testing.T) {
	_, addr := startUDPAdapter(t, false)

	reply := decodeReply(t, udpExchange(t, addr,
		[]byte(`{"id":"1","type":"request","procedure":"math.add","payload":{"a":1,"b":2}}`)))
	if reply.ID != "1" || reply.Kind != raffel.KindResponse {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.Payload.(map[string]any)["sum"] != float64(3) {
		t.Errorf("sum = %v, want 3", reply.Payload)
	}
}

func TestUDPEventAck(t *testing.T) {
	rec, addr := startUDPAdapter(t, true)

	reply := decodeReply(t, udpExchange(t, addr,
		[]byte(`{"id":"e1","type":"event","procedure":"audit.log","payload":{"action":"ping"}}`)))
	if reply.Kind != raffel.KindAck {
		t.Fatalf("kind = %s, want ack", reply.Kind)
	}
	if reply.ID != "e1:ack" {
		t.Errorf("id = %q, want e1:ack", reply.ID)
	}
	if rec.count() != 1 {
		t.Errorf("handler ran %d times, want 1", rec.count())
	}
}

func TestUDPMalformedDatagram(t *testing.T) {
	_, addr := startUDPAdapter(t, false)

	reply := decodeReply(t, udpExchange(t, addr, []byte(`{"id":`)))
	if reply.Kind != raffel.KindError {
		t.Fatalf("kind = %s, want error", reply.Kind)
	}
	if wireErr := decodeWireError(t, reply.Payload); wireErr.Code != raffel.CodeParseError {
		t.Errorf("code = %s, want PARSE_ERROR", wireErr.Code)
	}
}
