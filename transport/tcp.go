package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/raffelframework/raffel"
)

// TCPAdapter serves length-prefixed JSON envelopes (4-byte big-endian
// length, then the payload) over persistent connections. A connection
// carries any number of concurrent requests; replies correlate by
// envelope id and stream frames interleave freely.
type TCPAdapter struct {
	router *raffel.Router
	cfg    raffel.TCPConfig
	logger *slog.Logger

	shutdown time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[*tcpConn]struct{}
	draining bool
}

// NewTCP creates the TCP adapter.
func NewTCP(router *raffel.Router, cfg raffel.TCPConfig, shutdownTimeout time.Duration, logger *slog.Logger) *TCPAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 4 << 20
	}
	return &TCPAdapter{
		router:   router,
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdownTimeout,
		conns:    make(map[*tcpConn]struct{}),
	}
}

// Name implements Adapter.
func (a *TCPAdapter) Name() string { return "tcp" }

// Serve implements Adapter: accept connections until ctx is cancelled,
// then stop accepting, cancel in-flight work, and wait for connections to
// drain up to the shutdown timeout.
func (a *TCPAdapter) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()

	a.logger.Info("tcp adapter listening", slog.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return a.drain()
			}
			if errors.Is(err, net.ErrClosed) {
				return a.drain()
			}
			a.logger.Warn("tcp accept failed", slog.Any("error", err))
			continue
		}
		tc := newTCPConn(a, conn)
		a.mu.Lock()
		if a.draining {
			a.mu.Unlock()
			conn.Close()
			continue
		}
		a.conns[tc] = struct{}{}
		a.mu.Unlock()
		go tc.readLoop()
	}
}

// drain signals every connection's in-flight work and waits for them to
// finish, closing stragglers at the deadline.
func (a *TCPAdapter) drain() error {
	a.mu.Lock()
	a.draining = true
	conns := make([]*tcpConn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		c.beginDrain()
	}

	deadline := time.After(a.shutdown)
	done := make(chan struct{})
	go func() {
		for _, c := range conns {
			c.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-deadline:
	}
	for _, c := range conns {
		c.close()
	}
	return nil
}

// Addr returns the bound listen address, or nil before Serve has bound.
func (a *TCPAdapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *TCPAdapter) dropConn(c *tcpConn) {
	a.mu.Lock()
	delete(a.conns, c)
	a.mu.Unlock()
}

// tcpConn is one client connection: a read loop that spawns a goroutine
// per envelope and a mutex-guarded writer shared by all of them.
type tcpConn struct {
	adapter *TCPAdapter
	conn    net.Conn
	base    *raffel.Context

	writeMu sync.Mutex
	wg      sync.WaitGroup

	closeOnce sync.Once
}

func newTCPConn(a *TCPAdapter, conn net.Conn) *tcpConn {
	return &tcpConn{
		adapter: a,
		conn:    conn,
		base:    raffel.NewContext(context.Background()),
	}
}

func (c *tcpConn) readLoop() {
	defer c.close()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header)
		if length == 0 || length > c.adapter.cfg.MaxFrameSize {
			c.writeEnvelope((&raffel.Envelope{ID: "frame"}).ErrorReply(
				raffel.Errorf(raffel.CodeParseError, "frame length %d exceeds limit %d", length, c.adapter.cfg.MaxFrameSize)))
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		env, wireErr := DecodeEnvelope(payload)
		if wireErr != nil {
			c.writeEnvelope((&raffel.Envelope{ID: envID(payload)}).ErrorReply(wireErr))
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatch(env)
		}()
	}
}

func (c *tcpConn) dispatch(env *raffel.Envelope) {
	ctx := c.base.Child()
	result := c.adapter.router.Handle(ctx, env)
	switch {
	case result.Response != nil:
		c.writeEnvelope(result.Response)
	case result.Frames != nil:
		for frame := range result.Frames {
			if err := c.writeEnvelope(frame); err != nil {
				ctx.Cancel(err)
				for range result.Frames {
				}
				return
			}
		}
	}
}

// writeEnvelope frames and writes one envelope under the shared write
// lock, so interleaved replies never corrupt the stream.
func (c *tcpConn) writeEnvelope(env *raffel.Envelope) error {
	data := EncodeEnvelope(env)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

// beginDrain stops accepting new envelopes by closing the read side; the
// base context stays live so in-flight requests can complete.
func (c *tcpConn) beginDrain() {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		tc.CloseRead()
	}
}

func (c *tcpConn) close() {
	c.closeOnce.Do(func() {
		c.base.Cancel(errors.New("connection closed"))
		c.conn.Close()
		c.adapter.dropConn(c)
	})
}

// envID best-effort extracts an id from an undecodable envelope so the
// error reply still correlates.
func envID(payload []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.ID != "" {
		return probe.ID
	}
	return "unknown"
}
