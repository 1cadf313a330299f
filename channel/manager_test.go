package channel

import (
	"errors"
	"sync"
	"testing"

	"github.com/raffelframework/raffel"
)

// fakeConn records delivered messages.
type fakeConn struct {
	id string
	mu sync.Mutex
	// delivered in receipt order
	msgs []*Message
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) SendMessage(msg *Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.msgs...)
}

func authedCtx(principal string) *raffel.Context {
	ctx := raffel.NewContext(nil)
	ctx.SetAuth(&raffel.AuthContext{Authenticated: true, Principal: principal})
	return ctx
}

func TestManager_PublicSubscribeAndPublish(t *testing.T) {
	m := NewManager(nil)
	m.Define(Definition{Pattern: "lobby", Type: Public})

	a := &fakeConn{id: "sock-a"}
	b := &fakeConn{id: "sock-b"}
	ctx := raffel.NewContext(nil)

	if err := m.Subscribe(ctx, a, "lobby"); err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe(ctx, b, "lobby"); err != nil {
		t.Fatal(err)
	}

	if err := m.Publish(ctx, "sock-a", "lobby", "chat", "hello"); err != nil {
		t.Fatal(err)
	}

	for _, conn := range []*fakeConn{a, b} {
		msgs := conn.messages()
		if len(msgs) != 1 || msgs[0].Event != "chat" || msgs[0].Data != "hello" || msgs[0].From != "sock-a" {
			t.Errorf("%s messages = %+v", conn.id, msgs)
		}
	}
}

func TestManager_UnknownChannel(t *testing.T) {
	m := NewManager(nil)
	err := m.Subscribe(raffel.NewContext(nil), &fakeConn{id: "s"}, "nowhere")
	if raffel.DefaultErrorTransformer(err).Code != raffel.CodeNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestManager_PrivateRequiresAuth(t *testing.T) {
	m := NewManager(nil)
	m.Define(Definition{
		Pattern: "room:{id}",
		Type:    Private,
		Authorize: func(ctx *raffel.Context, socketID, channel string, params map[string]string) error {
			if params["id"] == "locked" {
				return errors.New("not yours")
			}
			return nil
		},
	})

	conn := &fakeConn{id: "sock-a"}

	err := m.Subscribe(raffel.NewContext(nil), conn, "room:1")
	if raffel.DefaultErrorTransformer(err).Code != raffel.CodeUnauthenticated {
		t.Errorf("anonymous subscribe: %v", err)
	}

	if err := m.Subscribe(authedCtx("alice"), conn, "room:1"); err != nil {
		t.Errorf("authorized subscribe failed: %v", err)
	}

	err = m.Subscribe(authedCtx("alice"), conn, "room:locked")
	if raffel.DefaultErrorTransformer(err).Code != raffel.CodePermissionDenied {
		t.Errorf("denied subscribe: %v", err)
	}
}

func TestManager_PublishRequiresMembership(t *testing.T) {
	m := NewManager(nil)
	m.Define(Definition{Pattern: "lobby", Type: Public})
	m.Subscribe(raffel.NewContext(nil), &fakeConn{id: "member"}, "lobby")

	err := m.Publish(raffel.NewContext(nil), "outsider", "lobby", "chat", "hi")
	if raffel.DefaultErrorTransformer(err).Code != raffel.CodePermissionDenied {
		t.Errorf("err = %v", err)
	}
}

func TestManager_PerEventAuthorization(t *testing.T) {
	m := NewManager(nil)
	m.Define(Definition{
		Pattern: "room:{id}",
		Type:    Private,
		AuthorizeEvent: map[string]PublishAuthorizeFunc{
			"admin:kick": func(ctx *raffel.Context, socketID, channel, event string, params map[string]string) error {
				if !ctx.Auth().HasRole("moderator") {
					return errors.New("moderators only")
				}
				return nil
			},
		},
	})

	conn := &fakeConn{id: "sock-a"}
	ctx := authedCtx("alice")
	if err := m.Subscribe(ctx, conn, "room:1"); err != nil {
		t.Fatal(err)
	}

	if err := m.Publish(ctx, "sock-a", "room:1", "chat", "hi"); err != nil {
		t.Errorf("unguarded event rejected: %v", err)
	}
	err := m.Publish(ctx, "sock-a", "room:1", "admin:kick", "bob")
	if raffel.DefaultErrorTransformer(err).Code != raffel.CodePermissionDenied {
		t.Errorf("guarded event allowed: %v", err)
	}
}

func TestManager_ExcludePublisher(t *testing.T) {
	m := NewManager(nil)
	m.Define(Definition{Pattern: "lobby", Type: Public, ExcludePublisher: true})

	a := &fakeConn{id: "sock-a"}
	b := &fakeConn{id: "sock-b"}
	ctx := raffel.NewContext(nil)
	m.Subscribe(ctx, a, "lobby")
	m.Subscribe(ctx, b, "lobby")

	m.Publish(ctx, "sock-a", "lobby", "chat", "hi")

	if len(a.messages()) != 0 {
		t.Error("publisher received its own message")
	}
	if len(b.messages()) != 1 {
		t.Errorf("other member got %d messages", len(b.messages()))
	}
}

func TestManager_PresenceLifecycle(t *testing.T) {
	m := NewManager(nil)
	m.Define(Definition{
		Pattern: "presence:room:{id}",
		Type:    Presence,
		PresenceData: func(ctx *raffel.Context, socketID string, params map[string]string) any {
			return map[string]any{"name": ctx.Auth().Principal}
		},
	})

	a := &fakeConn{id: "sock-a"}
	b := &fakeConn{id: "sock-b"}

	if err := m.Subscribe(authedCtx("alice"), a, "presence:room:1"); err != nil {
		t.Fatal(err)
	}
	// First member gets a roster snapshot containing itself.
	aMsgs := a.messages()
	if len(aMsgs) != 1 || aMsgs[0].Event != "presence:state" {
		t.Fatalf("first member messages = %+v", aMsgs)
	}
	roster := aMsgs[0].Data.([]map[string]any)
	if len(roster) != 1 || roster[0]["socketId"] != "sock-a" {
		t.Errorf("roster = %+v", roster)
	}

	if err := m.Subscribe(authedCtx("bob"), b, "presence:room:1"); err != nil {
		t.Fatal(err)
	}
	// Existing member sees the join; new member gets the full roster.
	aMsgs = a.messages()
	if len(aMsgs) != 2 || aMsgs[1].Event != "presence:join" {
		t.Fatalf("existing member messages = %+v", aMsgs)
	}
	bMsgs := b.messages()
	if len(bMsgs) != 1 || bMsgs[0].Event != "presence:state" {
		t.Fatalf("new member messages = %+v", bMsgs)
	}
	if roster := bMsgs[0].Data.([]map[string]any); len(roster) != 2 {
		t.Errorf("roster = %+v", roster)
	}

	if err := m.Unsubscribe("sock-b", "presence:room:1"); err != nil {
		t.Fatal(err)
	}
	aMsgs = a.messages()
	last := aMsgs[len(aMsgs)-1]
	if last.Event != "presence:leave" {
		t.Errorf("last message = %+v", last)
	}

	if members := m.Members("presence:room:1"); len(members) != 1 || members[0] != "sock-a" {
		t.Errorf("members = %v", members)
	}
}

func TestManager_Disconnect(t *testing.T) {
	m := NewManager(nil)
	m.Define(Definition{Pattern: "lobby", Type: Public})
	m.Define(Definition{Pattern: "room:{id}", Type: Public})

	conn := &fakeConn{id: "sock-a"}
	ctx := raffel.NewContext(nil)
	m.Subscribe(ctx, conn, "lobby")
	m.Subscribe(ctx, conn, "room:1")

	m.Disconnect("sock-a")

	if len(m.Members("lobby")) != 0 || len(m.Members("room:1")) != 0 {
		t.Errorf("memberships survive disconnect: %v / %v", m.Members("lobby"), m.Members("room:1"))
	}
}

func TestManager_DuplicateSubscribe(t *testing.T) {
	m := NewManager(nil)
	m.Define(Definition{Pattern: "lobby", Type: Public})

	conn := &fakeConn{id: "sock-a"}
	ctx := raffel.NewContext(nil)
	m.Subscribe(ctx, conn, "lobby")

	err := m.Subscribe(ctx, conn, "lobby")
	if raffel.DefaultErrorTransformer(err).Code != raffel.CodeAlreadyExists {
		t.Errorf("err = %v", err)
	}
}

func TestManager_DeliveryOrder(t *testing.T) {
	m := NewManager(nil)
	m.Define(Definition{Pattern: "lobby", Type: Public})

	conn := &fakeConn{id: "sock-a"}
	ctx := raffel.NewContext(nil)
	m.Subscribe(ctx, conn, "lobby")

	for i := 0; i < 20; i++ {
		m.Publish(ctx, "sock-a", "lobby", "seq", i)
	}

	msgs := conn.messages()
	if len(msgs) != 20 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Data != i {
			t.Fatalf("message %d carries %v, deliveries out of order", i, msg.Data)
		}
	}
}
