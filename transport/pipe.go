package transport

import (
	"io"
	"sync"

	wbp "github.com/machinefabric/wbp-go"
)

// Compile-time interface checks.
var (
	_ wbp.Transport   = (*Pipe)(nil)
	_ wbp.MessageConn = (*Pipe)(nil)
)

// pipeBacklog bounds the server-to-client messages a Pipe buffers
const pipeBacklog = 1024

// Pipe is an in-memory link. The server side is the wbp.Transport given
// to the handler; the client side is the wbp.MessageConn methods. Client
// writes are delivered to the handler synchronously on the writing
// goroutine.
type Pipe struct {
	handler wbp.TransportHandler

	toClient  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPipe creates a connected pipe and reports it to handler
func NewPipe(handler wbp.TransportHandler) *Pipe {
	p := &Pipe{
		handler:  handler,
		toClient: make(chan []byte, pipeBacklog),
		closed:   make(chan struct{}),
	}
	handler.OnConnect(p)
	return p
}

// Send queues msg for the client. It fails once the pipe is closed.
func (p *Pipe) Send(msg []byte) bool {
	if !p.IsConnected() {
		return false
	}
	buf := append([]byte(nil), msg...)
	select {
	case p.toClient <- buf:
		return true
	case <-p.closed:
		return false
	}
}

// IsConnected reports whether the pipe is still open
func (p *Pipe) IsConnected() bool {
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

// WriteMessage hands msg to the server-side handler
func (p *Pipe) WriteMessage(msg []byte) error {
	if !p.IsConnected() {
		return io.ErrClosedPipe
	}
	p.handler.OnMessage(p, append([]byte(nil), msg...))
	return nil
}

// ReadMessage returns the next server message. Messages queued before
// Close are still delivered; after that it returns io.EOF.
func (p *Pipe) ReadMessage() ([]byte, error) {
	select {
	case msg := <-p.toClient:
		return msg, nil
	case <-p.closed:
	}
	select {
	case msg := <-p.toClient:
		return msg, nil
	default:
		return nil, io.EOF
	}
}

// Close disconnects both ends and reports the loss to the handler
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.handler.OnDisconnect(p)
	})
	return nil
}
