package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sensorfabric/internal/addrutil"
	"sensorfabric/internal/config"
	"sensorfabric/internal/model"
	"sensorfabric/internal/protocol"
	"sensorfabric/internal/transport"
)

var (
	ErrServerFull = errors.New("node: collector registry is full")
	ErrSlotBusy   = errors.New("node: transfer slot busy")
	ErrNoResponse = errors.New("node: no response from collector")
	// ErrChunkTooLarge is returned by Dial when a chunk, with its framing,
	// would exceed the collector's datagram limit and be dropped there.
	ErrChunkTooLarge = errors.New("node: chunk exceeds collector datagram limit")
	// ErrReservedName is returned for filenames the collector would read as
	// a command while it waits for a name.
	ErrReservedName = errors.New("node: filename collides with a command token")
)

// Broadcast is a reading relayed by the collector from another node.
type Broadcast struct {
	NodeID  int
	Payload string
}

// ClientOptions configures a Client.
type ClientOptions struct {
	NodeID          int
	Framed          bool
	ChunkSize       int
	// MaxDatagram is the collector's datagram limit.
	MaxDatagram     int
	ChunkDelay      time.Duration
	ResponseTimeout time.Duration
	Logger          *zap.Logger
	// OnBroadcast is called from the receive goroutine for every relayed
	// reading. Nil only logs them.
	OnBroadcast func(Broadcast)
}

// Client speaks the collector protocol from one UDP socket. Request
// methods must not be called concurrently with each other.
type Client struct {
	conn      *transport.Conn
	collector netip.AddrPort
	opts      ClientOptions
	logger    *zap.Logger

	replies chan protocol.Message
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

// Dial binds an ephemeral UDP socket and starts receiving from addr.
// addr may omit the port.
func Dial(addr string, opts ClientOptions) (*Client, error) {
	hostPort, err := addrutil.CollectorAddr(addr, config.DefaultPort)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("resolve collector: %w", err)
	}
	collector := udpAddr.AddrPort()
	collector = netip.AddrPortFrom(collector.Addr().Unmap(), collector.Port())

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.DefaultChunkSize
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = config.DefaultResponseTimeout
	}
	if opts.MaxDatagram <= 0 {
		opts.MaxDatagram = config.DefaultMaxDatagram
	}
	if wire := chunkWireSize(opts); wire > opts.MaxDatagram {
		return nil, fmt.Errorf("%w: %d bytes on the wire, limit %d", ErrChunkTooLarge, wire, opts.MaxDatagram)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	local := ":0"
	if collector.Addr().Is4() {
		local = "0.0.0.0:0"
	}
	conn, err := transport.Listen(local, transport.Options{MaxDatagram: 65535, Logger: logger})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:      conn,
		collector: collector,
		opts:      opts,
		logger:    logger.With(zap.Int("node_id", opts.NodeID)),
		replies:   make(chan protocol.Message, 8),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		if err := conn.Serve(ctx, c.receive); err != nil {
			c.logger.Warn("receive loop stopped", zap.Error(err))
		}
	}()
	return c, nil
}

// Collector returns the resolved collector address.
func (c *Client) Collector() netip.AddrPort { return c.collector }

// LocalAddr returns the client's bound address.
func (c *Client) LocalAddr() netip.AddrPort { return c.conn.LocalAddr() }

// Close stops the receive loop and closes the socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) receive(from netip.AddrPort, payload []byte) {
	if from != c.collector {
		c.logger.Debug("datagram from unexpected peer dropped", zap.Stringer("endpoint", from))
		return
	}
	msg, err := protocol.ClassifyReply(payload)
	if err != nil {
		c.logger.Debug("unrecognized reply", zap.Error(err))
		return
	}
	if msg.Kind == protocol.KindData {
		b := Broadcast{NodeID: model.UnknownNodeID, Payload: string(msg.Payload)}
		if msg.HasNodeID {
			b.NodeID = msg.NodeID
		}
		if c.opts.OnBroadcast != nil {
			c.opts.OnBroadcast(b)
			return
		}
		c.logger.Info("broadcast received", zap.Int("from_node", b.NodeID), zap.String("payload", b.Payload))
		return
	}
	select {
	case c.replies <- msg:
	default:
		c.logger.Debug("reply dropped, nobody waiting", zap.String("kind", msg.Kind.String()))
	}
}

// Register announces the node and waits for REGISTERED.
func (c *Client) Register(ctx context.Context) error {
	c.drain()
	msg := protocol.Message{Kind: protocol.KindRegister}
	if c.opts.NodeID > 0 {
		msg.NodeID, msg.HasNodeID = c.opts.NodeID, true
	}
	if err := c.send(msg); err != nil {
		return err
	}
	reply, err := c.await(ctx, protocol.KindRegistered, protocol.KindServerFull)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if reply.Kind == protocol.KindServerFull {
		return ErrServerFull
	}
	return nil
}

// Heartbeat refreshes the node's session. The collector does not answer.
func (c *Client) Heartbeat() error {
	return c.send(protocol.Message{Kind: protocol.KindHeartbeat, NodeID: c.opts.NodeID, HasNodeID: true})
}

// SendReading reports r as one burst: NODE, DATA, then the burst end.
func (c *Client) SendReading(r model.Reading) error {
	return c.SendBurst(FormatPayload(r))
}

// SendBurst reports raw DATA payloads as one burst.
func (c *Client) SendBurst(payloads ...string) error {
	if err := c.send(protocol.Message{Kind: protocol.KindNode, NodeID: c.opts.NodeID, HasNodeID: true}); err != nil {
		return err
	}
	for _, p := range payloads {
		if err := c.send(protocol.Message{Kind: protocol.KindData, Payload: []byte(p)}); err != nil {
			return err
		}
	}
	return c.send(protocol.Message{Kind: protocol.KindBurstEnd})
}

// SendFile uploads r under name through the transfer slot. It returns
// ErrSlotBusy when another node holds the slot. If reading r or ctx fails
// after the slot was granted, the terminator is still sent so the slot is
// released; the collector keeps the bytes received so far.
func (c *Client) SendFile(ctx context.Context, name string, r io.Reader) (int64, error) {
	if !c.opts.Framed && reservedName(name) {
		return 0, fmt.Errorf("%w: %q", ErrReservedName, name)
	}

	c.drain()
	if err := c.send(protocol.Message{Kind: protocol.KindRequestSend}); err != nil {
		return 0, err
	}
	reply, err := c.await(ctx, protocol.KindOK, protocol.KindWait)
	if err != nil {
		return 0, fmt.Errorf("request send: %w", err)
	}
	if reply.Kind == protocol.KindWait {
		return 0, ErrSlotBusy
	}

	if err := c.send(protocol.Message{Kind: protocol.KindFilename, Payload: []byte(name)}); err != nil {
		return 0, err
	}

	total, seq, err := c.stream(ctx, name, r)
	end := protocol.Message{Kind: protocol.KindEnd}
	if c.opts.Framed {
		end.Seq = seq
	}
	if err != nil {
		if serr := c.send(end); serr != nil {
			c.logger.Warn("release after failed transfer", zap.String("name", name), zap.Error(serr))
		}
		c.logger.Warn("file transfer cut short",
			zap.String("name", name), zap.Int64("bytes", total), zap.Error(err))
		return total, err
	}
	if err := c.send(end); err != nil {
		return total, err
	}
	c.logger.Info("file sent", zap.String("name", name), zap.Int64("bytes", total), zap.Uint64("chunks", seq))
	return total, nil
}

// stream sends r in chunks and reports the bytes and chunks sent.
func (c *Client) stream(ctx context.Context, name string, r io.Reader) (int64, uint64, error) {
	var (
		total int64
		seq   uint64
	)
	buf := make([]byte, c.opts.ChunkSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := c.sendChunk(&seq, buf[:n]); err != nil {
				return total, seq, err
			}
			total += int64(n)
			if err := c.pause(ctx); err != nil {
				return total, seq, err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return total, seq, nil
		}
		if rerr != nil {
			return total, seq, fmt.Errorf("read %s: %w", name, rerr)
		}
	}
}

// sendChunk sends one chunk. A legacy chunk that is exactly the terminator
// is split in two so the collector does not end the transfer early.
func (c *Client) sendChunk(seq *uint64, chunk []byte) error {
	if !c.opts.Framed && bytes.Equal(chunk, []byte(protocol.TokenEOF)) {
		if err := c.sendChunk(seq, chunk[:1]); err != nil {
			return err
		}
		return c.sendChunk(seq, chunk[1:])
	}
	msg := protocol.Message{Kind: protocol.KindChunk, Seq: *seq, Payload: chunk}
	*seq++
	return c.send(msg)
}

func (c *Client) pause(ctx context.Context) error {
	if c.opts.ChunkDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.opts.ChunkDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg, c.opts.Framed)
	if err != nil {
		return err
	}
	if err := c.conn.Send(c.collector, payload); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return nil
}

func (c *Client) await(ctx context.Context, kinds ...protocol.Kind) (protocol.Message, error) {
	timer := time.NewTimer(c.opts.ResponseTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case <-timer.C:
			return protocol.Message{}, ErrNoResponse
		case msg := <-c.replies:
			for _, k := range kinds {
				if msg.Kind == k {
					return msg, nil
				}
			}
			c.logger.Debug("unexpected reply ignored", zap.String("kind", msg.Kind.String()))
		}
	}
}

// drain discards replies left over from an earlier request that timed out.
func (c *Client) drain() {
	for {
		select {
		case <-c.replies:
		default:
			return
		}
	}
}

func chunkWireSize(opts ClientOptions) int {
	if opts.Framed {
		return opts.ChunkSize + protocol.MaxFrameOverhead
	}
	return opts.ChunkSize
}

func reservedName(name string) bool {
	switch name {
	case protocol.TokenRegister, protocol.TokenRequestSend:
		return true
	}
	if rest, ok := strings.CutPrefix(name, protocol.TokenRegisterNode); ok {
		id, err := strconv.Atoi(strings.TrimSpace(rest))
		return err == nil && id >= 0
	}
	return false
}
