// Package transport wraps the collector's UDP socket. It shares the socket
// between the sensor protocol and a STUN binding responder.
package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"

	"sensorfabric/internal/metrics"
)

// Handler processes one datagram. payload is owned by the handler.
type Handler func(from netip.AddrPort, payload []byte)

// Options configures a Conn.
type Options struct {
	// MaxDatagram is the largest payload accepted. Longer datagrams are
	// dropped whole rather than delivered truncated.
	MaxDatagram int
	// STUN enables the binding responder.
	STUN bool
	// AcceptSTUN, when set, is consulted before a STUN-looking datagram is
	// answered. Returning false passes it to the handler instead, so file
	// bytes that happen to resemble STUN are not swallowed.
	AcceptSTUN func(from netip.AddrPort) bool
	Logger     *zap.Logger
}

// packetConn is the subset of *net.UDPConn used by Conn.
type packetConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Conn is a UDP socket with a serial read loop.
type Conn struct {
	conn   packetConn
	opts   Options
	logger *zap.Logger

	closeOnce sync.Once
}

// Listen binds addr (e.g. ":8888" or "127.0.0.1:0").
func Listen(addr string, opts Options) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return newConn(conn, opts), nil
}

func newConn(conn packetConn, opts Options) *Conn {
	if opts.MaxDatagram <= 0 {
		opts.MaxDatagram = 2048
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{conn: conn, opts: opts, logger: logger}
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() netip.AddrPort {
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send writes one datagram to to.
func (c *Conn) Send(to netip.AddrPort, payload []byte) error {
	_, err := c.conn.WriteToUDPAddrPort(payload, to)
	return err
}

// Close closes the socket, ending Serve.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// Serve reads datagrams serially until ctx is done or the socket closes.
// Each datagram is copied before h is called. Read errors on a live socket,
// such as a connection reset left by a send to a departed peer, are logged
// and skipped.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	// One spare byte tells an exact-fit datagram from a truncated one.
	buf := make([]byte, c.opts.MaxDatagram+1)
	for {
		n, from, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			metrics.DatagramsDropped.WithLabelValues("read_error").Inc()
			c.logger.Warn("read datagram failed", zap.Error(err))
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		if n > c.opts.MaxDatagram {
			metrics.DatagramsDropped.WithLabelValues("oversize").Inc()
			c.logger.Warn("oversize datagram dropped",
				zap.Stringer("endpoint", from),
				zap.Int("max_datagram", c.opts.MaxDatagram))
			continue
		}

		if c.opts.STUN && stun.IsMessage(buf[:n]) && (c.opts.AcceptSTUN == nil || c.opts.AcceptSTUN(from)) {
			metrics.DatagramsTotal.WithLabelValues("stun").Inc()
			c.answerSTUN(from, buf[:n])
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		h(from, payload)
	}
}

func (c *Conn) answerSTUN(from netip.AddrPort, raw []byte) {
	req := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := req.Decode(); err != nil {
		c.logger.Debug("bad stun message", zap.Stringer("endpoint", from), zap.Error(err))
		return
	}
	if req.Type != stun.BindingRequest {
		return
	}
	res, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.Addr().AsSlice(), Port: int(from.Port())},
		stun.Fingerprint,
	)
	if err != nil {
		c.logger.Warn("build stun response", zap.Error(err))
		return
	}
	if err := c.Send(from, res.Raw); err != nil {
		c.logger.Debug("send stun response", zap.Stringer("endpoint", from), zap.Error(err))
	}
}
