package channel

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/raffelframework/raffel"
)

// Type classifies a channel's access model.
type Type string

const (
	// Public channels accept any subscriber.
	Public Type = "public"
	// Private channels require the Authorize hook to pass.
	Private Type = "private"
	// Presence channels are private channels that additionally maintain a
	// member roster and publish join/leave events.
	Presence Type = "presence"
)

// Message is one channel delivery handed to member connections.
type Message struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
	// From is the publishing socket id; empty for synthetic events.
	From string `json:"from,omitempty"`
}

// Conn is a subscriber connection, implemented by the WebSocket adapter.
// SendMessage must not block indefinitely; slow consumers are the
// adapter's problem, not the manager's.
type Conn interface {
	ID() string
	SendMessage(msg *Message) error
}

// AuthorizeFunc decides whether a socket may subscribe to (or publish on)
// a channel. It sees the request context, so context.auth from the auth
// middleware is available. A nil error grants access.
type AuthorizeFunc func(ctx *raffel.Context, socketID, channel string, params map[string]string) error

// PublishAuthorizeFunc decides whether a socket may publish one specific
// event on a channel.
type PublishAuthorizeFunc func(ctx *raffel.Context, socketID, channel, event string, params map[string]string) error

// PresenceDataFunc produces the presence payload announced for a joining
// member.
type PresenceDataFunc func(ctx *raffel.Context, socketID string, params map[string]string) any

// Definition declares one channel (or channel pattern).
type Definition struct {
	// Pattern is a concrete name ("lobby") or a parameterized pattern
	// ("room:{id}").
	Pattern string
	Type    Type
	// Authorize guards subscription on private and presence channels.
	// Nil means any authenticated context passes.
	Authorize AuthorizeFunc
	// AuthorizePublish guards publishes on the channel. Nil falls back to
	// membership only.
	AuthorizePublish PublishAuthorizeFunc
	// AuthorizeEvent guards individual events, keyed by event name.
	AuthorizeEvent map[string]PublishAuthorizeFunc
	// PresenceData supplies the roster payload for presence channels.
	PresenceData PresenceDataFunc
	// ExcludePublisher drops the sender from its own publishes.
	ExcludePublisher bool
}

// member is one socket's membership in a channel instance.
type member struct {
	conn     Conn
	presence any
}

// instance is the live state for one concrete channel name. Fan-out and
// membership changes serialize on mu, which fixes per-channel delivery
// order as manager receipt order.
type instance struct {
	mu      sync.Mutex
	name    string
	def     *Definition
	params  map[string]string
	members map[string]*member
}

// Manager routes subscribe/unsubscribe/publish operations for WebSocket
// connections. It is safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	defs      []*Definition
	instances map[string]*instance
	// socketChannels tracks which channels each socket belongs to, for
	// disconnect cleanup.
	socketChannels map[string]map[string]struct{}
	logger         *slog.Logger
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		instances:      make(map[string]*instance),
		socketChannels: make(map[string]map[string]struct{}),
		logger:         logger,
	}
}

// Define registers a channel definition. Definitions are matched in
// registration order; the first matching pattern wins.
func (m *Manager) Define(def Definition) {
	m.mu.Lock()
	d := def
	m.defs = append(m.defs, &d)
	m.mu.Unlock()
}

// resolve finds the definition and parameters for a concrete channel name.
func (m *Manager) resolve(name string) (*Definition, map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, def := range m.defs {
		if params, ok := MatchChannel(def.Pattern, name); ok {
			return def, params, true
		}
	}
	return nil, nil, false
}

// getInstance returns the live instance for name, creating it if needed.
func (m *Manager) getInstance(name string, def *Definition, params map[string]string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[name]; ok {
		return inst
	}
	inst := &instance{
		name:    name,
		def:     def,
		params:  params,
		members: make(map[string]*member),
	}
	m.instances[name] = inst
	return inst
}

// Subscribe adds conn to the named channel after authorization. For
// presence channels the new member's join event is published to existing
// members and the new member receives a roster snapshot. The caller sends
// the subscribe ack only after Subscribe returns.
func (m *Manager) Subscribe(ctx *raffel.Context, conn Conn, name string) error {
	def, params, ok := m.resolve(name)
	if !ok {
		return raffel.Errorf(raffel.CodeNotFound, "unknown channel %q", name)
	}

	if def.Type != Public {
		auth := ctx.Auth()
		if auth == nil || !auth.Authenticated {
			return raffel.Errorf(raffel.CodeUnauthenticated, "channel %q requires authentication", name)
		}
		if def.Authorize != nil {
			if err := def.Authorize(ctx, conn.ID(), name, params); err != nil {
				return raffel.Errorf(raffel.CodePermissionDenied, "subscription to %q denied: %v", name, err)
			}
		}
	}

	var presence any
	if def.Type == Presence && def.PresenceData != nil {
		presence = def.PresenceData(ctx, conn.ID(), params)
	}

	inst := m.getInstance(name, def, params)

	inst.mu.Lock()
	if _, already := inst.members[conn.ID()]; already {
		inst.mu.Unlock()
		return raffel.Errorf(raffel.CodeAlreadyExists, "socket already subscribed to %q", name)
	}

	if def.Type == Presence {
		join := &Message{Channel: name, Event: "presence:join", Data: map[string]any{
			"socketId": conn.ID(),
			"data":     presence,
		}}
		for _, existing := range inst.members {
			m.deliver(existing.conn, join)
		}
	}

	inst.members[conn.ID()] = &member{conn: conn, presence: presence}

	if def.Type == Presence {
		m.deliver(conn, &Message{Channel: name, Event: "presence:state", Data: inst.rosterLocked()})
	}
	inst.mu.Unlock()

	m.mu.Lock()
	set, ok := m.socketChannels[conn.ID()]
	if !ok {
		set = make(map[string]struct{})
		m.socketChannels[conn.ID()] = set
	}
	set[name] = struct{}{}
	m.mu.Unlock()

	return nil
}

// Unsubscribe removes the socket from the channel, publishing a leave
// event on presence channels.
func (m *Manager) Unsubscribe(socketID, name string) error {
	m.mu.RLock()
	inst, ok := m.instances[name]
	m.mu.RUnlock()
	if !ok {
		return raffel.Errorf(raffel.CodeNotFound, "unknown channel %q", name)
	}

	if err := m.removeMember(inst, socketID); err != nil {
		return err
	}

	m.mu.Lock()
	if set, ok := m.socketChannels[socketID]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(m.socketChannels, socketID)
		}
	}
	m.mu.Unlock()
	return nil
}

// Publish fans data out to every member of the channel. The publisher must
// be a member; per-channel and per-event publish hooks both run before
// delivery. Per-channel ordering is the order publishes reach the manager.
func (m *Manager) Publish(ctx *raffel.Context, socketID, name, event string, data any) error {
	m.mu.RLock()
	inst, ok := m.instances[name]
	m.mu.RUnlock()
	if !ok {
		return raffel.Errorf(raffel.CodeNotFound, "unknown channel %q", name)
	}

	inst.mu.Lock()
	_, isMember := inst.members[socketID]
	inst.mu.Unlock()
	if !isMember {
		return raffel.Errorf(raffel.CodePermissionDenied, "socket is not subscribed to %q", name)
	}

	if inst.def.AuthorizePublish != nil {
		if err := inst.def.AuthorizePublish(ctx, socketID, name, event, inst.params); err != nil {
			return raffel.Errorf(raffel.CodePermissionDenied, "publish on %q denied: %v", name, err)
		}
	}
	if hook, ok := inst.def.AuthorizeEvent[event]; ok && hook != nil {
		if err := hook(ctx, socketID, name, event, inst.params); err != nil {
			return raffel.Errorf(raffel.CodePermissionDenied, "event %q on %q denied: %v", event, name, err)
		}
	}

	msg := &Message{Channel: name, Event: event, Data: data, From: socketID}

	inst.mu.Lock()
	for id, mem := range inst.members {
		if inst.def.ExcludePublisher && id == socketID {
			continue
		}
		m.deliver(mem.conn, msg)
	}
	inst.mu.Unlock()
	return nil
}

// Disconnect removes the socket from every channel it belongs to.
func (m *Manager) Disconnect(socketID string) {
	m.mu.Lock()
	names := make([]string, 0, len(m.socketChannels[socketID]))
	for name := range m.socketChannels[socketID] {
		names = append(names, name)
	}
	delete(m.socketChannels, socketID)
	m.mu.Unlock()

	for _, name := range names {
		m.mu.RLock()
		inst, ok := m.instances[name]
		m.mu.RUnlock()
		if ok {
			m.removeMember(inst, socketID)
		}
	}
}

// Members returns the socket ids subscribed to a channel, sorted.
func (m *Manager) Members(name string) []string {
	m.mu.RLock()
	inst, ok := m.instances[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	out := make([]string, 0, len(inst.members))
	for id := range inst.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// removeMember drops one socket from an instance, emitting presence:leave
// when applicable.
func (m *Manager) removeMember(inst *instance, socketID string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, ok := inst.members[socketID]; !ok {
		return raffel.Errorf(raffel.CodeNotFound, "socket is not subscribed to %q", inst.name)
	}
	delete(inst.members, socketID)

	if inst.def.Type == Presence {
		leave := &Message{Channel: inst.name, Event: "presence:leave", Data: map[string]any{
			"socketId": socketID,
		}}
		for _, mem := range inst.members {
			m.deliver(mem.conn, leave)
		}
	}
	return nil
}

// rosterLocked snapshots the presence roster. Caller holds inst.mu.
func (inst *instance) rosterLocked() []map[string]any {
	ids := make([]string, 0, len(inst.members))
	for id := range inst.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	roster := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		roster = append(roster, map[string]any{
			"socketId": id,
			"data":     inst.members[id].presence,
		})
	}
	return roster
}

func (m *Manager) deliver(conn Conn, msg *Message) {
	if err := conn.SendMessage(msg); err != nil {
		m.logger.Warn("channel delivery failed",
			slog.String("socket", conn.ID()),
			slog.String("channel", msg.Channel),
			slog.Any("error", err),
		)
	}
}
