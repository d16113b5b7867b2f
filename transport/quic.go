package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gosip/stack/parser"
	"github.com/gosip/stack/sip"
	"github.com/quic-go/quic-go"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Quic transport implementation
type QuicTransport struct {
	addr      string
	transport string
	parser    *parser.Parser
	log       zerolog.Logger
	tlsConfig *tls.Config

	listener net.PacketConn

	pool ConnectionPool
}

func NewQuicTransport(par *parser.Parser, dialTlsConfig *tls.Config) *QuicTransport {
	p := &QuicTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: "QUIC",
		tlsConfig: dialTlsConfig,
	}
	p.log = log.Logger.With().Str("caller", "transport<QUIC>").Logger()
	return p
}

func (t *QuicTransport) String() string {
	return "transport<QUIC>"
}

func (t *QuicTransport) Network() string {
	return t.transport
}

func (t *QuicTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve is direct way to provide conn on which this worker will listen
func (t *QuicTransport) Serve(ln *quic.Listener, handler sip.MessageHandler) error {
	ctx := context.Background()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				err = errors.Join(err, net.ErrClosed) // Be compatible with net
			}
			t.log.Debug().Err(err).Msg("Fail to accept conenction")
			return err
		}

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			t.log.Error().Err(err).Msg("Failed to get stream")
			continue
		}

		t.initConnection(conn, stream, conn.RemoteAddr().String(), handler)
	}
}

func (t *QuicTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

func (t *QuicTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	addr = raddr.String()

	t.log.Debug().Str("addr", addr).Msg("Getting connection")

	c := t.pool.Get(addr)
	return c, nil
}

// CreateConnection dials a new QUIC stream to addr.
func (t *QuicTransport) CreateConnection(addr string, handler sip.MessageHandler) (Connection, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return t.createConnection(raddr, handler)
}

func (t *QuicTransport) createConnection(raddr *net.UDPAddr, handler sip.MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")

	udpConn := t.listener
	if t.listener == nil {
		var err error
		udpConn, err = net.ListenUDP("udp", nil)
		if err != nil {
			return nil, err
		}
	}

	tr := quic.Transport{
		Conn: udpConn,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := tr.Dial(ctx, raddr, t.tlsConfig, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	c := t.initConnection(conn, stream, addr, handler)

	c.Ref(1)
	return c, nil
}

func (t *QuicTransport) initConnection(conn quic.Connection, s quic.Stream, addr string, handler sip.MessageHandler) *QuicConnection {
	t.log.Debug().Str("raddr", addr).Msg("New connection")
	c := &QuicConnection{
		Connection: conn,
		s:          s,
		refcount:   1, // Streams should be closed, but underlying connection not
		queue: NewSendQueue(func(transactionID string, reason error) {
			t.log.Debug().Str("transaction", transactionID).Err(reason).Msg("send abandoned")
		}, t.log),
	}
	t.pool.Add(addr, c)
	go t.readConnection(c, addr, handler)
	return c
}

// readConnection feeds the QUIC stream through the same Frame Reader the
// TCP/TLS transports use — a QUIC stream is, for framing purposes, just
// another ordered byte stream.
func (t *QuicTransport) readConnection(conn *QuicConnection, raddr string, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	connectionsActive.WithLabelValues(t.Network()).Inc()

	defer func() {
		connectionsActive.WithLabelValues(t.Network()).Dec()
		conn.queue.Fail(fmt.Errorf("connection to %s closed", raddr))
		t.pool.CloseAndDelete(conn, raddr)
	}()

	reader := newFrameReader(t.parser, DefaultLimits(), t.log, t.Network(), func() {
		t.log.Debug().Str("raddr", raddr).Msg("Keep alive CRLF received")
	})
	sink := newDefaultSink(handler, t.Network(), raddr)

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("connection was closed")
				return
			}

			t.log.Error().Err(err).Msg("Read error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		bytesReadTotal.WithLabelValues(t.Network()).Add(float64(num))

		if err := reader.Feed(data, sink); err != nil {
			t.log.Error().Err(err).Str("raddr", raddr).Msg("frame reader failed")
			return
		}
	}
}

type QuicConnection struct {
	quic.Connection // underneath connection which can be used for more streams RTP
	s               quic.Stream

	queue *SendQueue

	mu       sync.RWMutex
	refcount int
}

func (c *QuicConnection) Ref(i int) {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	log.Debug().Str("ip", c.LocalAddr().String()).Str("dst", c.RemoteAddr().String()).Int64("stream", int64(c.s.StreamID())).Int("ref", ref).Msg("QUIC reference increment")
}

func (c *QuicConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	log.Debug().Str("ip", c.LocalAddr().String()).Str("dst", c.RemoteAddr().String()).Int64("stream", int64(c.s.StreamID())).Int("ref", 0).Msg("QUIC doing hard close")

	return c.s.Close()
}

func (c *QuicConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	log.Debug().Str("ip", c.LocalAddr().String()).Str("dst", c.RemoteAddr().String()).Int64("stream", int64(c.s.StreamID())).Int("ref", ref).Msg("QUIC reference decrement")
	if ref > 0 {
		return ref, nil
	}

	if ref < 0 {
		log.Warn().Str("ip", c.LocalAddr().String()).Str("dst", c.RemoteAddr().String()).Int64("stream", int64(c.s.StreamID())).Int("ref", ref).Msg("QUIC ref went negative")
		return 0, nil
	}

	log.Debug().Str("ip", c.LocalAddr().String()).Str("dst", c.RemoteAddr().String()).Int64("stream", int64(c.s.StreamID())).Int("ref", ref).Msg("QUIC closing")
	return ref, c.s.Close()
}

func (c *QuicConnection) Read(b []byte) (n int, err error) {
	n, err = c.s.Read(b)
	if SIPDebug {
		log.Debug().Msgf("QUIC read %s <- %s:\n%s", c.Connection.LocalAddr().String(), c.Connection.RemoteAddr(), string(b[:n]))
	}
	return n, err
}

func (c *QuicConnection) Write(b []byte) (n int, err error) {
	n, err = c.s.Write(b)

	if SIPDebug {
		log.Debug().Msgf("QUIC write %s -> %s:\n%s", c.Connection.LocalAddr().String(), c.Connection.RemoteAddr(), string(b[:n]))
	}
	return n, err
}

func (c *QuicConnection) WriteMsg(msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	c.queue.Push(msg.Short(), data)
	if err := c.queue.Drain(c.Write); err != nil {
		c.queue.Fail(err)
		return fmt.Errorf("conn %s write err=%w", c.RemoteAddr().String(), err)
	}
	return nil
}
