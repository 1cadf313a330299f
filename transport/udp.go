package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/raffelframework/raffel"
)

// UDPAdapter serves one JSON envelope per datagram. Events are
// fire-and-forget by default; in ACK mode the handler runs synchronously
// and the sender receives {id: "<id>:ack", type: "ack"} on completion.
// Requests get their reply datagram when it fits in MaxDatagramSize.
// Multicast groups from the config are joined at startup.
type UDPAdapter struct {
	router *raffel.Router
	cfg    raffel.UDPConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	wg   sync.WaitGroup
}

// NewUDP creates the UDP adapter.
func NewUDP(router *raffel.Router, cfg raffel.UDPConfig, logger *slog.Logger) *UDPAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = 65507
	}
	return &UDPAdapter{router: router, cfg: cfg, logger: logger}
}

// Name implements Adapter.
func (a *UDPAdapter) Name() string { return "udp" }

// Addr returns the bound listen address, or nil before Serve has bound.
func (a *UDPAdapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr()
}

// Serve implements Adapter: read datagrams until ctx is cancelled, then
// wait for in-flight handlers.
func (a *UDPAdapter) Serve(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(a.cfg.Host), Port: a.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udp listen %s: %w", addr, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.joinMulticastGroups(conn); err != nil {
		conn.Close()
		return err
	}

	a.logger.Info("udp adapter listening", slog.String("addr", conn.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, a.cfg.MaxDatagramSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				a.wg.Wait()
				return nil
			}
			a.logger.Warn("udp read failed", slog.Any("error", err))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleDatagram(ctx, datagram, peer)
		}()
	}
}

func (a *UDPAdapter) handleDatagram(ctx context.Context, datagram []byte, peer *net.UDPAddr) {
	env, wireErr := DecodeEnvelope(datagram)
	if wireErr != nil {
		a.reply(peer, (&raffel.Envelope{ID: envID(datagram)}).ErrorReply(wireErr))
		return
	}
	if env.Metadata == nil {
		env.Metadata = make(map[string]string, 1)
	}
	env.Metadata["remote-addr"] = peer.String()

	rctx := raffel.NewContext(ctx)

	switch env.Kind {
	case raffel.KindEvent:
		if a.cfg.AckMode {
			// Acks only fire after the handler actually finished, so the
			// client's send-with-retry can match on the ":ack" suffix.
			if err := a.router.DispatchEvent(rctx, env); err == nil {
				a.reply(peer, env.Ack())
			}
			return
		}
		a.router.HandleEvent(rctx, env)
	case raffel.KindRequest:
		a.reply(peer, a.router.HandleRequest(rctx, env))
	default:
		a.reply(peer, env.ErrorReply(raffel.Errorf(raffel.CodeInvalidEnvelope, "kind %q is not valid over udp", env.Kind)))
	}
}

// reply sends one datagram back, dropping replies that exceed the
// datagram limit.
func (a *UDPAdapter) reply(peer *net.UDPAddr, env *raffel.Envelope) {
	data := EncodeEnvelope(env)
	if len(data) > a.cfg.MaxDatagramSize {
		a.logger.Warn("udp reply exceeds datagram size",
			slog.String("id", env.ID),
			slog.Int("size", len(data)))
		return
	}
	if _, err := a.conn.WriteToUDP(data, peer); err != nil {
		a.logger.Warn("udp reply failed", slog.Any("error", err))
	}
}

// joinMulticastGroups subscribes the socket to the configured groups and
// applies TTL/loopback settings.
func (a *UDPAdapter) joinMulticastGroups(conn *net.UDPConn) error {
	if len(a.cfg.MulticastGroups) == 0 {
		return nil
	}

	p4 := ipv4.NewPacketConn(conn)
	p6 := ipv6.NewPacketConn(conn)
	joined4, joined6 := false, false

	for _, group := range a.cfg.MulticastGroups {
		ip := net.ParseIP(group)
		if ip == nil {
			return fmt.Errorf("invalid multicast group %q", group)
		}
		if ip.To4() != nil {
			if err := p4.JoinGroup(nil, &net.UDPAddr{IP: ip}); err != nil {
				return fmt.Errorf("join group %s: %w", group, err)
			}
			joined4 = true
		} else {
			if err := p6.JoinGroup(nil, &net.UDPAddr{IP: ip}); err != nil {
				return fmt.Errorf("join group %s: %w", group, err)
			}
			joined6 = true
		}
	}

	if joined4 {
		if a.cfg.MulticastTTL > 0 {
			p4.SetMulticastTTL(a.cfg.MulticastTTL)
		}
		p4.SetMulticastLoopback(a.cfg.Loopback)
	}
	if joined6 {
		if a.cfg.MulticastTTL > 0 {
			p6.SetMulticastHopLimit(a.cfg.MulticastTTL)
		}
		p6.SetMulticastLoopback(a.cfg.Loopback)
	}
	return nil
}
