package transport

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/raffelframework/raffel"
	"github.com/raffelframework/raffel/channel"
	"github.com/raffelframework/raffel/middleware"
)

// Adapter is one protocol listener. Serve blocks until ctx is cancelled,
// performs its own graceful shutdown, and returns any fatal error.
type Adapter interface {
	Name() string
	Serve(ctx context.Context) error
}

// Server wires the enabled adapters from a Config around one router and
// runs them together.
type Server struct {
	router   *raffel.Router
	cfg      raffel.Config
	logger   *slog.Logger
	channels *channel.Manager
	wsOpts   []WSOption
	httpOpts []HTTPOption
	adapters []Adapter
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithServerLogger sets the logger shared by all adapters.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithChannels installs the channel manager served by the WebSocket
// adapter.
func WithChannels(m *channel.Manager) ServerOption {
	return func(s *Server) { s.channels = m }
}

// WithWSOptions forwards options to the WebSocket adapter.
func WithWSOptions(opts ...WSOption) ServerOption {
	return func(s *Server) { s.wsOpts = append(s.wsOpts, opts...) }
}

// WithHTTPOptions forwards options to the HTTP adapter.
func WithHTTPOptions(opts ...HTTPOption) ServerOption {
	return func(s *Server) { s.httpOpts = append(s.httpOpts, opts...) }
}

// NewServer assembles the adapters enabled in cfg. The JSON-RPC endpoint
// and the WebSocket upgrade share the HTTP port; TCP and UDP get their
// own listeners.
func NewServer(router *raffel.Router, cfg raffel.Config, opts ...ServerOption) *Server {
	s := &Server{router: router, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	httpOpts := append([]HTTPOption{WithHTTPLogger(s.logger)}, s.httpOpts...)
	if cfg.CORS.Enabled {
		httpOpts = append(httpOpts, WithHTTPMiddleware(middleware.CORS(cfg.CORS)))
	}

	var ws *WSAdapter
	if cfg.WebSocket.Enabled {
		ws = NewWebSocket(router, s.channels, cfg.WebSocket, append([]WSOption{WithWSLogger(s.logger)}, s.wsOpts...)...)
		path := cfg.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		httpOpts = append(httpOpts, WithMountedHandler(path, ws))
	}
	if cfg.JSONRPC.Enabled {
		rpcPath := cfg.JSONRPC.Path
		if rpcPath == "" {
			rpcPath = "/rpc"
		}
		rpc := NewJSONRPC(router, cfg.JSONRPC, cfg.MaxBodySize, s.logger)
		httpOpts = append(httpOpts, WithMountedHandler(rpcPath, rpc))
	}

	if cfg.HTTP.Enabled {
		s.adapters = append(s.adapters, NewHTTP(router, cfg, httpOpts...))
	}
	if cfg.WebSocket.Enabled && cfg.WebSocket.Port != 0 {
		// Standalone WebSocket listener in addition to the shared-port
		// upgrade path.
		s.adapters = append(s.adapters, ws)
	}
	if cfg.TCP.Enabled {
		s.adapters = append(s.adapters, NewTCP(router, cfg.TCP, cfg.ShutdownTimeout, s.logger))
	}
	if cfg.UDP.Enabled {
		s.adapters = append(s.adapters, NewUDP(router, cfg.UDP, s.logger))
	}
	return s
}

// Adapters returns the assembled adapters.
func (s *Server) Adapters() []Adapter {
	return s.adapters
}

// Run serves every adapter until ctx is cancelled or one fails, then
// drains asynchronous event dispatches before returning.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, adapter := range s.adapters {
		adapter := adapter
		g.Go(func() error {
			s.logger.Info("adapter starting", slog.String("adapter", adapter.Name()))
			err := adapter.Serve(gctx)
			if err != nil {
				s.logger.Error("adapter stopped",
					slog.String("adapter", adapter.Name()),
					slog.Any("error", err))
			}
			return err
		})
	}

	err := g.Wait()
	s.router.Wait()
	return err
}

var _ http.Handler = (*WSAdapter)(nil)
