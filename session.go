package wbp

import (
	"crypto/subtle"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/machinefabric/wbp-go/cbor"
	"github.com/machinefabric/wbp-go/ring"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

const (
	// authFailReason is the AUTH_FAIL text for a wrong password
	authFailReason = "Access denied"
	// authFormatReason is the AUTH_FAIL text for an AUTH without a text password
	authFormatReason = "Invalid password format"

	outputRetries    = 50
	outputRetryDelay = 2 * time.Millisecond
)

// Options configures a Session
type Options struct {
	Config Config
	Logger *zap.Logger
	// FileSystem backs the file transfer channel. Nil means the host
	// file system with paths used as given.
	FileSystem FileSystem
	// Restart is invoked for a hard RST after the grace delay. Nil
	// degrades a hard reset to a soft one.
	Restart func()
	// OnAuthenticated runs after AUTH_OK has been sent
	OnAuthenticated func(t Transport)
	// InfoSchema is the JSON schema INFO documents must satisfy. Empty
	// means DefaultInfoSchema.
	InfoSchema string
}

// Session is the protocol state for the single remote peer: the active
// transport, authentication, output redirection and the execution and
// file transfer machinery. Transport callbacks may arrive on any
// goroutine; Step must only be called by the goroutine that owns the
// interpreter.
type Session struct {
	cfg  Config
	opts Options
	log  *zap.Logger

	mu            sync.Mutex
	transport     Transport
	authenticated bool
	connID        string

	outputAttached atomic.Bool
	interrupted    atomic.Bool
	closed         atomic.Bool

	interpMu sync.RWMutex
	interp   Interpreter

	infoSchema *gojsonschema.Schema

	output *ring.Buffer
	stdin  *ring.Buffer
	drain  *drainLoop
	queue  *execQueue
	files  *fileTransfer
	router *dispatcher
}

// NewSession creates a session with no transport attached
func NewSession(opts Options) (*Session, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named(loggerName)

	infoSchema, err := compileInfoSchema(opts.InfoSchema)
	if err != nil {
		return nil, err
	}

	fsys := opts.FileSystem
	if fsys == nil {
		fsys = OSFileSystem{}
	}

	s := &Session{
		cfg:        opts.Config,
		opts:       opts,
		log:        log,
		infoSchema: infoSchema,
		output:     ring.New(opts.Config.OutputRingSize),
		stdin:      ring.New(opts.Config.StdinRingSize),
		queue:      newExecQueue(opts.Config.QueueDepth),
	}
	s.drain = newDrainLoop(s, s.output, opts.Config, log.Named("drain"))
	s.files = newFileTransfer(s, fsys, opts.Config, log.Named("file"))
	s.router = newDispatcher(s)
	return s, nil
}

// Config returns the session configuration
func (s *Session) Config() Config {
	return s.cfg
}

// Bind installs the interpreter that Step, completion and interrupts use.
// Passing nil unbinds it.
func (s *Session) Bind(interp Interpreter) {
	s.interpMu.Lock()
	s.interp = interp
	s.interpMu.Unlock()
}

func (s *Session) interpreter() Interpreter {
	s.interpMu.RLock()
	defer s.interpMu.RUnlock()
	return s.interp
}

// Authenticated reports whether the active peer has authenticated
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated && s.transport != nil
}

// Connected reports whether a transport is attached and reports itself usable
func (s *Session) Connected() bool {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	return t != nil && t.IsConnected()
}

// OnConnect makes t the active transport. A previously active transport
// is torn down first; its later messages are ignored.
func (s *Session) OnConnect(t Transport) {
	s.mu.Lock()
	old := s.transport
	s.transport = t
	s.authenticated = false
	s.connID = uuid.NewString()
	connID := s.connID
	s.mu.Unlock()

	if old != nil && old != t {
		s.log.Info("transport replaced", zap.String("conn", connID))
	}
	s.teardown()
	s.log.Info("client connected", zap.String("conn", connID))
}

// OnDisconnect tears the session down if t is the active transport
func (s *Session) OnDisconnect(t Transport) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	connID := s.connID
	s.transport = nil
	s.authenticated = false
	s.connID = ""
	s.mu.Unlock()

	s.teardown()
	s.log.Info("client disconnected", zap.String("conn", connID))
}

// OnMessage feeds one inbound message from t to the dispatcher
func (s *Session) OnMessage(t Transport, msg []byte) {
	s.mu.Lock()
	active := s.transport == t
	s.mu.Unlock()
	if !active {
		s.log.Debug("message from inactive transport dropped", zap.Int("len", len(msg)))
		return
	}
	s.router.dispatch(msg)
}

// Close detaches everything and makes blocked stdin reads return EOF
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.transport = nil
	s.authenticated = false
	s.mu.Unlock()
	s.teardown()
	s.stdin.Wake()
	return nil
}

// teardown releases per-connection state: output redirection, the drain
// loop and any file transfer. An in-flight execution keeps running; its
// output is discarded.
func (s *Session) teardown() {
	s.detachOutput()
	s.files.abort()
	s.stdin.Reset()
}

// authenticate checks an AUTH password. A failed attempt never revokes an
// existing authentication.
func (s *Session) authenticate(password string) {
	ok := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1
	if !ok {
		s.log.Warn("authentication failed")
		s.send(cbor.NewAuthFail(authFailReason))
		return
	}

	s.mu.Lock()
	t := s.transport
	s.authenticated = true
	s.mu.Unlock()

	s.send(cbor.NewAuthOk())
	s.attachOutput()
	s.log.Info("client authenticated")
	if s.opts.OnAuthenticated != nil && t != nil {
		s.opts.OnAuthenticated(t)
	}
}

// attachOutput routes interpreter output to the client
func (s *Session) attachOutput() {
	s.outputAttached.Store(true)
	s.drain.start()
}

// detachOutput stops routing output; pending output is discarded
func (s *Session) detachOutput() {
	s.outputAttached.Store(false)
	s.drain.halt()
	s.output.Reset()
}

// ReattachOutput restores output redirection after an interpreter
// restart, if the peer is still authenticated.
func (s *Session) ReattachOutput() {
	if s.Authenticated() {
		s.attachOutput()
	}
}

// send encodes f and hands it to the active transport. Sends happen
// outside every session lock.
func (s *Session) send(f *cbor.Frame) bool {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	return s.sendTo(t, f)
}

// sendAuthenticated sends f only if the active peer is authenticated
func (s *Session) sendAuthenticated(f *cbor.Frame) bool {
	s.mu.Lock()
	t := s.transport
	auth := s.authenticated
	s.mu.Unlock()
	if !auth {
		return false
	}
	return s.sendTo(t, f)
}

func (s *Session) sendTo(t Transport, f *cbor.Frame) bool {
	if t == nil || !t.IsConnected() {
		return false
	}
	msg, err := cbor.EncodeFrame(f)
	if err != nil {
		s.log.Error("encode failed", zap.Stringer("frame", f), zap.Error(err))
		return false
	}
	if !t.Send(msg) {
		s.log.Debug("send failed", zap.Stringer("frame", f))
		return false
	}
	return true
}

// Output returns the writer interpreter output should go to
func (s *Session) Output() *OutputWriter {
	return &OutputWriter{s: s}
}

// OutputWriter feeds the output ring. When the ring stays full it retries
// briefly and then drops the rest, so a stalled client cannot wedge the
// interpreter. Writes never fail.
type OutputWriter struct {
	s *Session
}

func (w *OutputWriter) Write(p []byte) (int, error) {
	s := w.s
	written, retries := 0, 0
	for written < len(p) && retries < outputRetries {
		if !s.outputAttached.Load() {
			return len(p), nil
		}
		n := s.output.Write(p[written:])
		if n > 0 {
			written += n
			retries = 0
			continue
		}
		retries++
		time.Sleep(outputRetryDelay)
	}
	if written < len(p) {
		s.log.Debug("output dropped", zap.Int("bytes", len(p)-written))
	}
	return len(p), nil
}
