package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	wbp "github.com/machinefabric/wbp-go"
	"github.com/machinefabric/wbp-go/cbor"
	"go.uber.org/zap"
)

// Compile-time interface checks.
var (
	_ wbp.Transport   = (*streamConn)(nil)
	_ wbp.MessageConn = (*StreamConn)(nil)
)

// DefaultWriteTimeout bounds one message write on network transports
const DefaultWriteTimeout = 10 * time.Second

// StreamServer accepts TCP connections carrying length-prefixed WBP
// messages. One connection is served at a time; connections arriving
// while it is active are closed immediately.
type StreamServer struct {
	handler      wbp.TransportHandler
	listener     net.Listener
	limits       cbor.Limits
	writeTimeout time.Duration
	log          *zap.Logger

	mu     sync.Mutex
	active *streamConn
}

// NewStreamServer listens on address (e.g. ":8266", ":0" for any port)
func NewStreamServer(address string, handler wbp.TransportHandler, log *zap.Logger) (*StreamServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamServer{
		handler:      handler,
		listener:     listener,
		limits:       cbor.DefaultLimits(),
		writeTimeout: DefaultWriteTimeout,
		log:          log.Named("stream"),
	}, nil
}

// SetLimits bounds the size of messages on accepted connections
func (s *StreamServer) SetLimits(limits cbor.Limits) {
	s.limits = limits
}

// SetWriteTimeout bounds one message write; zero disables the deadline
func (s *StreamServer) SetWriteTimeout(d time.Duration) {
	s.writeTimeout = d
}

// Address returns the listening address in "host:port" form
func (s *StreamServer) Address() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Close is called
func (s *StreamServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		busy := s.active != nil
		var sc *streamConn
		if !busy {
			sc = s.newConn(conn)
			s.active = sc
		}
		s.mu.Unlock()

		if busy {
			s.log.Warn("refusing connection, client already attached", zap.Stringer("remote", conn.RemoteAddr()))
			conn.Close()
			continue
		}
		go s.serveConn(sc)
	}
}

// Close stops accepting and drops the active connection
func (s *StreamServer) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.close()
	}
	return err
}

func (s *StreamServer) newConn(conn net.Conn) *streamConn {
	sc := &streamConn{
		conn:         conn,
		reader:       cbor.NewFrameReader(conn),
		writer:       cbor.NewFrameWriter(conn),
		writeTimeout: s.writeTimeout,
		log:          s.log.With(zap.Stringer("remote", conn.RemoteAddr())),
	}
	sc.reader.SetLimits(s.limits)
	sc.writer.SetLimits(s.limits)
	sc.connected.Store(true)
	return sc
}

func (s *StreamServer) serveConn(sc *streamConn) {
	sc.log.Info("connection accepted")
	s.handler.OnConnect(sc)
	for {
		msg, err := sc.reader.ReadMessage()
		if err != nil {
			sc.log.Info("connection closed", zap.Error(err))
			break
		}
		s.handler.OnMessage(sc, msg)
	}
	sc.close()
	s.handler.OnDisconnect(sc)

	s.mu.Lock()
	if s.active == sc {
		s.active = nil
	}
	s.mu.Unlock()
}

// streamConn is the server side of one accepted TCP connection
type streamConn struct {
	conn         net.Conn
	reader       *cbor.FrameReader
	writer       *cbor.FrameWriter
	writeTimeout time.Duration
	log          *zap.Logger

	writeMu   sync.Mutex
	connected atomic.Bool
}

func (c *streamConn) Send(msg []byte) bool {
	if !c.connected.Load() {
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.writer.WriteMessage(msg); err != nil {
		c.log.Warn("write failed", zap.Error(err))
		c.close()
		return false
	}
	return true
}

func (c *streamConn) IsConnected() bool {
	return c.connected.Load()
}

// close marks the link dead; the read loop then reports the disconnect
func (c *streamConn) close() {
	if c.connected.Swap(false) {
		c.conn.Close()
	}
}

// StreamConn is the client side of a TCP stream link
type StreamConn struct {
	conn   net.Conn
	reader *cbor.FrameReader
	writer *cbor.FrameWriter
}

// DialStream connects to a StreamServer
func DialStream(ctx context.Context, address string) (*StreamConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &StreamConn{
		conn:   conn,
		reader: cbor.NewFrameReader(conn),
		writer: cbor.NewFrameWriter(conn),
	}, nil
}

// WriteMessage sends one message. wbp.Client serializes its writes.
func (c *StreamConn) WriteMessage(msg []byte) error {
	return c.writer.WriteMessage(msg)
}

// ReadMessage reads one message
func (c *StreamConn) ReadMessage() ([]byte, error) {
	return c.reader.ReadMessage()
}

// Close closes the connection
func (c *StreamConn) Close() error {
	return c.conn.Close()
}
