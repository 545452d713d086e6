package wbp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/machinefabric/wbp-go/cbor"
	"go.uber.org/zap"
)

// MessageConn is a client-side message link: one WBP message per call
type MessageConn interface {
	WriteMessage(msg []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// ClientOptions configures a Client
type ClientOptions struct {
	Logger *zap.Logger
	// OnEvent receives unsolicited INFO and LOG events
	OnEvent func(f *cbor.Frame)
	// BlockTimeout bounds the wait for each file transfer reply before the
	// last message is retransmitted.
	BlockTimeout time.Duration
	// Retries is how many retransmissions a transfer step gets
	Retries int
}

// ExecResult is the outcome of one execution
type ExecResult struct {
	Id     string
	Output []byte
	Status uint8
	Error  string
}

// OK reports whether the execution succeeded
func (r *ExecResult) OK() bool {
	return r.Status == cbor.StatusOK
}

// Client is the host-side peer of a Session. Operations that wait for
// replies are serialized; Interrupt may be called concurrently with Exec.
type Client struct {
	conn MessageConn
	opts ClientOptions
	log  *zap.Logger

	writeMu sync.Mutex
	opMu    sync.Mutex

	inbox   chan *cbor.Frame
	readErr error
	done    chan struct{}
}

// NewClient starts reading from conn
func NewClient(conn MessageConn, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 2 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 5
	}
	c := &Client{
		conn:  conn,
		opts:  opts,
		log:   opts.Logger.Named("client"),
		inbox: make(chan *cbor.Frame, 256),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		f, err := cbor.DecodeResponse(msg)
		if err != nil {
			c.log.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		if f.Kind == cbor.KindInfo || f.Kind == cbor.KindLog {
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(f)
			}
			continue
		}
		select {
		case c.inbox <- f:
		case <-time.After(c.opts.BlockTimeout):
			c.log.Warn("inbox full, dropping", zap.Stringer("frame", f))
		}
	}
}

func (c *Client) send(f *cbor.Frame) error {
	msg, err := cbor.EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(msg); err != nil {
		return &ProtocolError{Type: ProtocolErrorTypeTransport, Message: err.Error()}
	}
	return nil
}

// next waits for the next inbound frame
func (c *Client) next(ctx context.Context, timeout time.Duration) (*cbor.Frame, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case f := <-c.inbox:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, errTimeout
	case <-c.done:
		// frames queued before the link dropped are still valid
		select {
		case f := <-c.inbox:
			return f, nil
		default:
		}
		if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
			return nil, &ProtocolError{Type: ProtocolErrorTypeTransport, Message: c.readErr.Error()}
		}
		return nil, &ProtocolError{Type: ProtocolErrorTypeClosed}
	}
}

var errTimeout = errors.New("timed out waiting for reply")

// Auth authenticates with password
func (c *Client) Auth(ctx context.Context, password string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.send(cbor.NewAuth(password)); err != nil {
		return err
	}
	for {
		f, err := c.next(ctx, 0)
		if err != nil {
			return err
		}
		switch f.Kind {
		case cbor.KindAuthOk:
			return nil
		case cbor.KindAuthFail:
			return &ProtocolError{Type: ProtocolErrorTypeAuth, Message: f.Message}
		}
	}
}

// Exec runs source on channel and waits for its PRO. Output is copied to
// out as it arrives, when out is not nil, and collected in the result.
// An empty id gets a generated one.
func (c *Client) Exec(ctx context.Context, channel uint8, source string, id string, out io.Writer) (*ExecResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if err := c.send(cbor.NewExec(channel, source, &id)); err != nil {
		return nil, err
	}

	result := &ExecResult{Id: id}
	var collected bytes.Buffer
	for {
		f, err := c.next(ctx, 0)
		if err != nil {
			return nil, err
		}
		if f.Channel != channel || f.Id == nil || *f.Id != id {
			continue
		}
		switch f.Kind {
		case cbor.KindResult:
			collected.Write(f.Payload)
			if out != nil {
				out.Write(f.Payload)
			}
		case cbor.KindProgress:
			result.Output = collected.Bytes()
			result.Status = f.Status
			if f.Error != nil {
				result.Error = *f.Error
			}
			return result, nil
		}
	}
}

// Interrupt sends INT on channel
func (c *Client) Interrupt(channel uint8) error {
	return c.send(cbor.NewInterrupt(channel))
}

// Input sends data to the program running on channel. The daemon
// diverts terminal-channel EXE frames to stdin while an execution is in
// progress; elsewhere data is queued as code.
func (c *Client) Input(channel uint8, data string) error {
	return c.send(cbor.NewExec(channel, data, nil))
}

// Reset sends RST with mode on channel
func (c *Client) Reset(channel uint8, mode uint8) error {
	return c.send(cbor.NewReset(channel, mode))
}

// Complete asks for completions of prefix
func (c *Client) Complete(ctx context.Context, channel uint8, prefix string) ([]string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.send(cbor.NewExec(channel, prefix+"\t", nil)); err != nil {
		return nil, err
	}
	for {
		f, err := c.next(ctx, 0)
		if err != nil {
			return nil, err
		}
		if f.Kind == cbor.KindCompletions && f.Channel == channel {
			return f.Completions, nil
		}
	}
}

// transferError converts an ERROR frame into a FileError
func transferError(f *cbor.Frame) error {
	return &FileError{Code: f.Code, Message: f.Message}
}

// awaitFile retransmits last until a file-channel reply accepted by match
// arrives. ERROR frames end the exchange. resent reports whether last
// went out more than once. When retries run out the server session is
// aborted with an ERROR so later transfers are not refused.
func (c *Client) awaitFile(ctx context.Context, last *cbor.Frame, match func(*cbor.Frame) bool) (*cbor.Frame, bool, error) {
	resent := false
	for attempt := 0; ; {
		f, err := c.next(ctx, c.opts.BlockTimeout)
		if errors.Is(err, errTimeout) {
			attempt++
			if attempt > c.opts.Retries {
				c.send(cbor.NewFileError(cbor.ErrUndefined, "client timed out"))
				return nil, resent, &ProtocolError{Type: ProtocolErrorTypeFileTransfer, Message: "no reply from server"}
			}
			c.log.Debug("retransmitting", zap.Stringer("frame", last))
			if err := c.send(last); err != nil {
				return nil, resent, err
			}
			resent = true
			continue
		}
		if err != nil {
			return nil, resent, err
		}
		if f.Channel != cbor.ChannelFile {
			continue
		}
		if f.Kind == cbor.KindError {
			return nil, resent, transferError(f)
		}
		if match(f) {
			return f, resent, nil
		}
	}
}

// Put uploads size bytes from r to path with stop-and-wait WRQ. A zero
// blockSize uses the server default. When size is an exact multiple of
// the block size a final empty block marks the end.
func (c *Client) Put(ctx context.Context, path string, r io.Reader, size uint64, blockSize int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var requested *uint64
	if blockSize > 0 {
		requested = cbor.Ptr(uint64(blockSize))
	}
	wrq := cbor.NewWriteRequest(path, size, requested)
	if err := c.send(wrq); err != nil {
		return err
	}
	ack, _, err := c.awaitFile(ctx, wrq, func(f *cbor.Frame) bool {
		return f.Kind == cbor.KindAck && f.Block == 0
	})
	if err != nil {
		return err
	}
	bs := blockSize
	if ack.BlockSize != nil {
		bs = int(*ack.BlockSize)
	}
	if bs <= 0 {
		bs = cbor.DefaultBlockSize
	}

	buf := make([]byte, bs)
	for block := uint64(1); ; block++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			c.send(cbor.NewFileError(cbor.ErrUndefined, "client read failed"))
			return fmt.Errorf("read upload source: %w", err)
		}
		data := cbor.NewData(block, append([]byte(nil), buf[:n]...))
		if err := c.send(data); err != nil {
			return err
		}
		want := block
		final := n < bs
		_, resent, err := c.awaitFile(ctx, data, func(f *cbor.Frame) bool {
			return f.Kind == cbor.KindAck && f.Block == want
		})
		if err != nil {
			// the server closes the session on the final block, so a
			// resend of it after a lost ACK finds no upload
			var fe *FileError
			if final && resent && errors.As(err, &fe) && fe.Code == cbor.ErrUnknownTID {
				return nil
			}
			return err
		}
		if final {
			return nil
		}
	}
}

// Get downloads path into w with stop-and-wait RRQ and returns the number
// of bytes received.
func (c *Client) Get(ctx context.Context, path string, w io.Writer, blockSize int) (uint64, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var requested *uint64
	if blockSize > 0 {
		requested = cbor.Ptr(uint64(blockSize))
	}
	rrq := cbor.NewReadRequest(path, requested)
	if err := c.send(rrq); err != nil {
		return 0, err
	}
	ack, _, err := c.awaitFile(ctx, rrq, func(f *cbor.Frame) bool {
		return f.Kind == cbor.KindAck && f.Block == 0
	})
	if err != nil {
		return 0, err
	}
	bs := blockSize
	if ack.BlockSize != nil {
		bs = int(*ack.BlockSize)
	}
	if bs <= 0 {
		bs = cbor.DefaultBlockSize
	}

	var received uint64
	reply := cbor.NewAck(0)
	for block := uint64(1); ; block++ {
		if err := c.send(reply); err != nil {
			return received, err
		}
		want := block
		data, _, err := c.awaitFile(ctx, reply, func(f *cbor.Frame) bool {
			return f.Kind == cbor.KindData && f.Block == want
		})
		if err != nil {
			return received, err
		}
		if _, err := w.Write(data.Payload); err != nil {
			c.send(cbor.NewFileError(cbor.ErrDiskFull, "client write failed"))
			return received, fmt.Errorf("write download target: %w", err)
		}
		received += uint64(len(data.Payload))
		if len(data.Payload) < bs {
			return received, nil
		}
		reply = cbor.NewAck(block)
	}
}
