package wbp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/machinefabric/wbp-go/cbor"
	"github.com/stretchr/testify/require"
)

const testPassword = "secret"

// recordingTransport keeps every message the session sends
type recordingTransport struct {
	mu        sync.Mutex
	raw       [][]byte
	frames    []*cbor.Frame
	hook      func(f *cbor.Frame)
	connected atomic.Bool
}

func newRecordingTransport() *recordingTransport {
	t := &recordingTransport{}
	t.connected.Store(true)
	return t
}

func (r *recordingTransport) Send(msg []byte) bool {
	if !r.connected.Load() {
		return false
	}
	f, err := cbor.DecodeResponse(msg)
	if err != nil {
		panic(fmt.Sprintf("session sent undecodable message % x: %v", msg, err))
	}
	r.mu.Lock()
	r.raw = append(r.raw, append([]byte(nil), msg...))
	r.frames = append(r.frames, f)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return true
}

// onSend runs fn after each recorded frame, on the sending goroutine
func (r *recordingTransport) onSend(fn func(f *cbor.Frame)) {
	r.mu.Lock()
	r.hook = fn
	r.mu.Unlock()
}

func (r *recordingTransport) IsConnected() bool {
	return r.connected.Load()
}

func (r *recordingTransport) Frames() []*cbor.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*cbor.Frame(nil), r.frames...)
}

func (r *recordingTransport) Raw() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.raw...)
}

func (r *recordingTransport) Last() *cbor.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

func (r *recordingTransport) Reset() {
	r.mu.Lock()
	r.raw, r.frames = nil, nil
	r.mu.Unlock()
}

// ofKind filters recorded frames
func (r *recordingTransport) ofKind(kind cbor.Kind) []*cbor.Frame {
	var out []*cbor.Frame
	for _, f := range r.Frames() {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// output concatenates the RES payloads recorded so far
func (r *recordingTransport) output() string {
	var b strings.Builder
	for _, f := range r.ofKind(cbor.KindResult) {
		b.Write(f.Payload)
	}
	return b.String()
}

// fakeCode is what fakeInterpreter compiles to
type fakeCode struct {
	src  string
	mode CompileMode
}

// fakeInterpreter runs a handful of canned programs
type fakeInterpreter struct {
	out io.Writer
	in  *bufio.Reader

	mu     sync.Mutex
	modes  []CompileMode
	names  []string
	closed bool

	interrupts chan struct{}
}

func newFakeInterpreter(out io.Writer, in io.Reader) *fakeInterpreter {
	return &fakeInterpreter{
		out:        out,
		in:         bufio.NewReader(in),
		names:      []string{"print", "pow", "input"},
		interrupts: make(chan struct{}, 1),
	}
}

func (f *fakeInterpreter) Compile(source []byte, mode CompileMode) (Code, error) {
	f.mu.Lock()
	f.modes = append(f.modes, mode)
	f.mu.Unlock()

	src := string(source)
	if strings.HasPrefix(src, "syntax") {
		return nil, &CompileError{Message: "invalid syntax"}
	}
	if mode == ModeSingle && strings.Contains(src, ";") {
		return nil, &CompileError{Message: "multiple statements"}
	}
	return fakeCode{src: src, mode: mode}, nil
}

func (f *fakeInterpreter) Load(bytecode []byte) (Code, error) {
	if string(bytecode) == "corrupt" {
		return nil, errors.New("incompatible bytecode")
	}
	return fakeCode{src: "bytecode"}, nil
}

func (f *fakeInterpreter) Run(code Code) error {
	c := code.(fakeCode)
	switch {
	case c.src == "print(1);print(2)":
		io.WriteString(f.out, "1\n2\n")
	case c.src == "1+1":
		if c.mode == ModeSingle {
			io.WriteString(f.out, "2\n")
		}
	case c.src == "bytecode":
		io.WriteString(f.out, "loaded\n")
	case strings.HasPrefix(c.src, "echo "):
		io.WriteString(f.out, strings.TrimPrefix(c.src, "echo ")+"\n")
	case c.src == "fail":
		return errors.New("NameError: name 'x' is not defined")
	case c.src == "panic":
		panic("kaboom")
	case c.src == "binary":
		f.out.Write([]byte{0xff, 0xfe, 0x00})
	case strings.HasPrefix(c.src, "big "):
		var n int
		fmt.Sscanf(c.src, "big %d", &n)
		f.out.Write([]byte(strings.Repeat("x", n)))
	case c.src == "loop":
		select {
		case <-f.interrupts:
			return fmt.Errorf("loop: %w", ErrInterrupted)
		case <-time.After(5 * time.Second):
			return errors.New("never interrupted")
		}
	case c.src == "input":
		line, err := f.in.ReadString('\n')
		if err != nil {
			return fmt.Errorf("input: %w", err)
		}
		io.WriteString(f.out, "got "+line)
	}
	return nil
}

func (f *fakeInterpreter) Complete(prefix string) []string {
	var out []string
	for _, n := range f.names {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeInterpreter) Interrupt() {
	select {
	case f.interrupts <- struct{}{}:
	default:
	}
}

func (f *fakeInterpreter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeInterpreter) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeInterpreter) compileModes() []CompileMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CompileMode(nil), f.modes...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Password = testPassword
	cfg.BatchWindow = time.Millisecond
	cfg.DrainWait = 10 * time.Millisecond
	cfg.HardResetGrace = time.Millisecond
	cfg.PollInterval = time.Millisecond
	return cfg
}

type testHarness struct {
	s      *Session
	t      *recordingTransport
	interp *fakeInterpreter
}

// newHarness builds a session with a connected recording transport and a
// bound fake interpreter. mutate may adjust the options first.
func newHarness(tb testing.TB, mutate func(*Options)) *testHarness {
	tb.Helper()
	opts := Options{Config: testConfig()}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(opts)
	require.NoError(tb, err)
	tb.Cleanup(func() { s.Close() })

	h := &testHarness{s: s, t: newRecordingTransport()}
	h.interp = newFakeInterpreter(s.Output(), s.Stdin())
	s.Bind(h.interp)
	s.OnConnect(h.t)
	return h
}

// deliver encodes f and feeds it to the session as the active transport
func (h *testHarness) deliver(tb testing.TB, f *cbor.Frame) {
	tb.Helper()
	msg, err := cbor.EncodeFrame(f)
	require.NoError(tb, err)
	h.s.OnMessage(h.t, msg)
}

// login authenticates and clears the recorded AUTH_OK
func (h *testHarness) login(tb testing.TB) {
	tb.Helper()
	h.deliver(tb, cbor.NewAuth(testPassword))
	require.True(tb, h.s.Authenticated())
	h.t.Reset()
}

// step runs one queued request and requires it not to fail
func (h *testHarness) step(tb testing.TB) {
	tb.Helper()
	require.NoError(tb, h.s.Step())
}

// stepAsync runs Step on another goroutine and waits until it is executing
func (h *testHarness) stepAsync(tb testing.TB) <-chan error {
	tb.Helper()
	done := make(chan error, 1)
	go func() { done <- h.s.Step() }()
	require.Eventually(tb, h.s.Executing, time.Second, time.Millisecond)
	return done
}

func waitStep(tb testing.TB, done <-chan error) error {
	tb.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		tb.Fatal("step did not finish")
		return nil
	}
}
