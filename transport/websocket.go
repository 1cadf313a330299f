package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raffelframework/raffel"
	"github.com/raffelframework/raffel/channel"
)

// wsFrame is the WebSocket wire message. Envelope kinds flow to the
// router; subscribe/unsubscribe/publish delegate to the channel manager;
// cancel aborts an in-flight dispatch by id.
type wsFrame struct {
	ID        string            `json:"id,omitempty"`
	Type      string            `json:"type"`
	Procedure string            `json:"procedure,omitempty"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Event     string            `json:"event,omitempty"`
	Data      any               `json:"data,omitempty"`
	From      string            `json:"from,omitempty"`
}

// SocketAuthenticator authenticates a connection at upgrade time. The
// returned auth state backs channel authorization for the socket's
// lifetime. A nil AuthContext leaves the socket anonymous.
type SocketAuthenticator func(r *http.Request) (*raffel.AuthContext, error)

// WSAdapter serves framed JSON envelopes over WebSocket and routes
// channel operations to the channel manager. Closing a socket cancels
// every dispatch in flight on it.
type WSAdapter struct {
	router   *raffel.Router
	channels *channel.Manager
	cfg      raffel.WebSocketConfig
	logger   *slog.Logger
	auth     SocketAuthenticator
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets map[string]*wsSocket
}

// WSOption configures the WebSocket adapter.
type WSOption func(*WSAdapter)

// WithWSLogger sets the adapter logger.
func WithWSLogger(logger *slog.Logger) WSOption {
	return func(a *WSAdapter) { a.logger = logger }
}

// WithSocketAuth installs the upgrade-time authenticator.
func WithSocketAuth(auth SocketAuthenticator) WSOption {
	return func(a *WSAdapter) { a.auth = auth }
}

// WithCheckOrigin overrides the upgrade origin check.
func WithCheckOrigin(check func(r *http.Request) bool) WSOption {
	return func(a *WSAdapter) { a.upgrader.CheckOrigin = check }
}

// NewWebSocket creates the WebSocket adapter. channels may be nil when
// channel operations are not served.
func NewWebSocket(router *raffel.Router, channels *channel.Manager, cfg raffel.WebSocketConfig, opts ...WSOption) *WSAdapter {
	a := &WSAdapter{
		router:   router,
		channels: channels,
		cfg:      cfg,
		sockets:  make(map[string]*wsSocket),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Name implements Adapter.
func (a *WSAdapter) Name() string { return "websocket" }

// ServeHTTP upgrades the connection and runs the socket's pumps. Mount it
// on the shared HTTP port at the configured path.
func (a *WSAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var auth *raffel.AuthContext
	if a.auth != nil {
		var err error
		auth, err = a.auth(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	base := raffel.NewContext(context.WithoutCancel(r.Context()))
	if auth != nil {
		base.SetAuth(auth)
	}

	s := &wsSocket{
		id:       uuid.NewString(),
		adapter:  a,
		conn:     conn,
		base:     base,
		send:     make(chan []byte, 256),
		inflight: make(map[string]*raffel.Context),
		closed:   make(chan struct{}),
	}

	a.mu.Lock()
	a.sockets[s.id] = s
	a.mu.Unlock()

	go s.writePump()
	s.readPump()
}

// Serve implements Adapter for a standalone WebSocket listener. When the
// adapter is mounted on the shared HTTP port instead, Serve is unused.
func (a *WSAdapter) Serve(ctx context.Context) error {
	if a.cfg.Port == 0 {
		<-ctx.Done()
		a.closeAll()
		return nil
	}

	mux := http.NewServeMux()
	path := a.cfg.Path
	if path == "" {
		path = "/ws"
	}
	mux.Handle(path, a)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.closeAll()
	return server.Close()
}

func (a *WSAdapter) closeAll() {
	a.mu.Lock()
	sockets := make([]*wsSocket, 0, len(a.sockets))
	for _, s := range a.sockets {
		sockets = append(sockets, s)
	}
	a.mu.Unlock()
	for _, s := range sockets {
		s.close()
	}
}

func (a *WSAdapter) drop(s *wsSocket) {
	a.mu.Lock()
	delete(a.sockets, s.id)
	a.mu.Unlock()
}

// wsSocket is one connected client: a gorilla conn, its outbound queue,
// and the in-flight dispatch contexts keyed by envelope id.
type wsSocket struct {
	id      string
	adapter *WSAdapter
	conn    *websocket.Conn
	base    *raffel.Context
	send    chan []byte

	mu       sync.Mutex
	inflight map[string]*raffel.Context

	closeOnce sync.Once
	closed    chan struct{}
}

// ID implements channel.Conn.
func (s *wsSocket) ID() string { return s.id }

// SendMessage implements channel.Conn: channel deliveries become event
// frames. A full outbound queue closes the socket rather than blocking
// the channel manager.
func (s *wsSocket) SendMessage(msg *channel.Message) error {
	frame := wsFrame{
		Type:    "event",
		Channel: msg.Channel,
		Event:   msg.Event,
		Data:    msg.Data,
		From:    msg.From,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return errors.New("socket closed")
	default:
		s.close()
		return errors.New("socket send queue full")
	}
}

func (s *wsSocket) enqueue(data []byte) {
	select {
	case s.send <- data:
	case <-s.closed:
	}
}

func (s *wsSocket) heartbeat() time.Duration {
	if s.adapter.cfg.HeartbeatInterval > 0 {
		return s.adapter.cfg.HeartbeatInterval
	}
	return 30 * time.Second
}

// readPump reads frames until the connection drops, then tears the
// socket down: every in-flight context is cancelled and the channel
// manager forgets the socket.
func (s *wsSocket) readPump() {
	defer s.close()

	if s.adapter.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.adapter.cfg.MaxMessageSize)
	}
	wait := s.heartbeat() * 2
	s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(data)
	}
}

// writePump flushes the outbound queue and sends heartbeat pings. A
// missed pong surfaces as a read deadline error in readPump.
func (s *wsSocket) writePump() {
	ticker := time.NewTicker(s.heartbeat())
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *wsSocket) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.adapter.drop(s)

		s.mu.Lock()
		for _, ctx := range s.inflight {
			ctx.Cancel(errors.New("socket closed"))
		}
		s.inflight = map[string]*raffel.Context{}
		s.mu.Unlock()

		if s.adapter.channels != nil {
			s.adapter.channels.Disconnect(s.id)
		}
	})
}

// handleFrame parses and dispatches one inbound frame on its own
// goroutine so a slow handler never stalls the read loop.
func (s *wsSocket) handleFrame(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError("", raffel.Errorf(raffel.CodeParseError, "malformed frame: %v", err))
		return
	}

	switch frame.Type {
	case "subscribe", "unsubscribe", "publish":
		go s.handleChannelOp(frame)
	case "cancel":
		s.cancelInflight(frame.ID)
	default:
		env := &raffel.Envelope{
			ID:        frame.ID,
			Procedure: frame.Procedure,
			Kind:      raffel.Kind(frame.Type),
			Payload:   frame.Payload,
			Metadata:  frame.Metadata,
		}
		if wireErr := env.CheckInbound(); wireErr != nil {
			s.sendError(frame.ID, wireErr)
			return
		}
		go s.dispatch(env)
	}
}

func (s *wsSocket) dispatch(env *raffel.Envelope) {
	ctx := s.base.Child()
	s.trackInflight(env.ID, ctx)
	defer s.untrackInflight(env.ID)

	result := s.adapter.router.Handle(ctx, env)
	switch {
	case result.Response != nil:
		if ctx.Cancelled() {
			return
		}
		s.enqueue(EncodeEnvelope(result.Response))
	case result.Frames != nil:
		for frame := range result.Frames {
			if ctx.Cancelled() {
				// Keep draining so the producer terminates; late frames
				// are discarded.
				continue
			}
			s.enqueue(EncodeEnvelope(frame))
		}
	}
}

func (s *wsSocket) handleChannelOp(frame wsFrame) {
	if s.adapter.channels == nil {
		s.sendError(frame.ID, raffel.NewError(raffel.CodeUnimplemented, "channels are not enabled"))
		return
	}

	ctx := s.base.Child()
	switch frame.Type {
	case "subscribe":
		if err := s.adapter.channels.Subscribe(ctx, s, frame.Channel); err != nil {
			s.sendError(frame.ID, raffel.DefaultErrorTransformer(err))
			return
		}
		s.sendAckFrame(frame.ID, "subscribed", frame.Channel)
	case "unsubscribe":
		if err := s.adapter.channels.Unsubscribe(s.id, frame.Channel); err != nil {
			s.sendError(frame.ID, raffel.DefaultErrorTransformer(err))
			return
		}
		s.sendAckFrame(frame.ID, "unsubscribed", frame.Channel)
	case "publish":
		if err := s.adapter.channels.Publish(ctx, s.id, frame.Channel, frame.Event, frame.Data); err != nil {
			s.sendError(frame.ID, raffel.DefaultErrorTransformer(err))
		}
	}
}

func (s *wsSocket) sendAckFrame(id, ackType, channelName string) {
	data, _ := json.Marshal(wsFrame{ID: id, Type: ackType, Channel: channelName})
	s.enqueue(data)
}

func (s *wsSocket) sendError(id string, wireErr *raffel.Error) {
	env := (&raffel.Envelope{ID: id}).ErrorReply(wireErr)
	s.enqueue(EncodeEnvelope(env))
}

func (s *wsSocket) trackInflight(id string, ctx *raffel.Context) {
	s.mu.Lock()
	s.inflight[id] = ctx
	s.mu.Unlock()
}

func (s *wsSocket) untrackInflight(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *wsSocket) cancelInflight(id string) {
	s.mu.Lock()
	ctx, ok := s.inflight[id]
	s.mu.Unlock()
	if ok {
		ctx.Cancel(errors.New("cancelled by client"))
	}
}
