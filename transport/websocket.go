package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	wbp "github.com/machinefabric/wbp-go"
	"github.com/machinefabric/wbp-go/cbor"
	"go.uber.org/zap"
)

// Compile-time interface checks.
var (
	_ http.Handler    = (*WebSocketHandler)(nil)
	_ wbp.Transport   = (*wsConn)(nil)
	_ wbp.MessageConn = (*WebSocketConn)(nil)
)

// WebSocketHandler upgrades HTTP requests to WebSocket links carrying one
// WBP message per binary frame. Text frames are ignored. Like
// StreamServer it serves a single client at a time.
type WebSocketHandler struct {
	handler      wbp.TransportHandler
	upgrader     websocket.Upgrader
	limits       cbor.Limits
	writeTimeout time.Duration
	log          *zap.Logger

	mu     sync.Mutex
	active *wsConn
}

// NewWebSocketHandler creates a handler feeding handler. Origin checks
// are left to the embedding server.
func NewWebSocketHandler(handler wbp.TransportHandler, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limits:       cbor.DefaultLimits(),
		writeTimeout: DefaultWriteTimeout,
		log:          log.Named("websocket"),
	}
}

// SetLimits bounds the size of inbound messages
func (h *WebSocketHandler) SetLimits(limits cbor.Limits) {
	h.limits = limits
}

// SetWriteTimeout bounds one message write; zero disables the deadline
func (h *WebSocketHandler) SetWriteTimeout(d time.Duration) {
	h.writeTimeout = d
}

// ServeHTTP upgrades the request and serves the link until it closes
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	log := h.log.With(zap.String("remote", r.RemoteAddr))

	wc := &wsConn{conn: conn, writeTimeout: h.writeTimeout, log: log}
	wc.connected.Store(true)

	h.mu.Lock()
	busy := h.active != nil
	if !busy {
		h.active = wc
	}
	h.mu.Unlock()
	if busy {
		log.Warn("refusing connection, client already attached")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn.SetReadLimit(int64(h.limits.MaxMessage))
	log.Info("connection accepted")
	h.handler.OnConnect(wc)
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			log.Info("connection closed", zap.Error(err))
			break
		}
		if kind != websocket.BinaryMessage {
			log.Debug("ignoring non-binary frame", zap.Int("type", kind))
			continue
		}
		h.handler.OnMessage(wc, msg)
	}
	wc.close()
	h.handler.OnDisconnect(wc)

	h.mu.Lock()
	if h.active == wc {
		h.active = nil
	}
	h.mu.Unlock()
}

// wsConn is the server side of one WebSocket link
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          *zap.Logger

	writeMu   sync.Mutex
	connected atomic.Bool
}

func (c *wsConn) Send(msg []byte) bool {
	if !c.connected.Load() {
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.log.Warn("write failed", zap.Error(err))
		c.close()
		return false
	}
	return true
}

func (c *wsConn) IsConnected() bool {
	return c.connected.Load()
}

func (c *wsConn) close() {
	if c.connected.Swap(false) {
		c.conn.Close()
	}
}

// WebSocketConn is the client side of a WebSocket link
type WebSocketConn struct {
	conn *websocket.Conn
}

// DialWebSocket connects to a WebSocketHandler at url (ws:// or wss://)
func DialWebSocket(ctx context.Context, url string) (*WebSocketConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &WebSocketConn{conn: conn}, nil
}

// WriteMessage sends msg as one binary frame
func (c *WebSocketConn) WriteMessage(msg []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// ReadMessage returns the next binary frame, skipping any others
func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

// Close sends a close frame and closes the connection
func (c *WebSocketConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
