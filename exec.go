package wbp

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/machinefabric/wbp-go/cbor"
	"go.uber.org/zap"
)

// Request is one unit of work for the interpreter-owning goroutine: an
// execution or a reset.
type Request struct {
	Channel  uint8
	Payload  []byte
	Bytecode bool
	Id       *string

	Reset     bool
	ResetMode uint8
}

// execQueue hands requests from network goroutines to the interpreter
// goroutine. At most one request executes at a time. running is true only
// while Interpreter.Run is on the stack; INT reaches the interpreter only
// then.
type execQueue struct {
	ch        chan Request
	executing atomic.Bool

	runMu   sync.Mutex
	running bool
}

func newExecQueue(depth int) *execQueue {
	return &execQueue{ch: make(chan Request, depth)}
}

func (q *execQueue) enqueue(r Request) bool {
	select {
	case q.ch <- r:
		return true
	default:
		return false
	}
}

// Enqueue queues r without blocking. It returns false when the queue is
// full; the caller owns reporting that failure to the client.
func (s *Session) Enqueue(r Request) bool {
	return s.queue.enqueue(r)
}

// Executing reports whether a request is currently running
func (s *Session) Executing() bool {
	return s.queue.executing.Load()
}

// Pending returns the number of queued requests
func (s *Session) Pending() int {
	return len(s.queue.ch)
}

// Step pops at most one request and runs it to completion. It never
// waits for work. It returns ErrSoftReset when a reset unwound the
// interpreter; the caller must rebuild it before stepping again.
func (s *Session) Step() error {
	interp := s.interpreter()
	if interp == nil {
		return nil
	}

	var req Request
	select {
	case req = <-s.queue.ch:
	default:
		return nil
	}

	s.interrupted.Store(false)
	s.stdin.Reset()
	s.queue.executing.Store(true)
	defer s.queue.executing.Store(false)

	if req.Reset {
		return s.reset(req.ResetMode)
	}
	s.execute(interp, req)
	return nil
}

func (s *Session) execute(interp Interpreter, req Request) {
	s.drain.begin(req.Channel, req.Id)

	start := time.Now()
	err := s.run(interp, req)

	var progress *cbor.Frame
	switch {
	case err == nil:
		progress = cbor.NewProgress(req.Channel, cbor.StatusOK, nil, req.Id)
	case errors.Is(err, ErrInterrupted):
		progress = cbor.NewProgress(req.Channel, cbor.StatusOK, nil, req.Id)
		s.log.Debug("execution interrupted", zap.Uint8("channel", req.Channel))
	default:
		text := err.Error()
		fmt.Fprintln(s.Output(), text)
		progress = cbor.NewProgress(req.Channel, cbor.StatusFailed, &text, req.Id)
	}
	s.drain.finish(progress)

	s.log.Debug("execution finished",
		zap.Uint8("channel", req.Channel),
		zap.Stringp("id", req.Id),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
}

// run applies the channel's compile policy. The terminal channel tries
// single-statement mode first and silently falls back to whole-program
// mode when that does not compile.
func (s *Session) run(interp Interpreter, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()

	var code Code
	switch {
	case req.Bytecode:
		code, err = interp.Load(req.Payload)
	case req.Channel == cbor.ChannelTerminal:
		code, err = interp.Compile(req.Payload, ModeSingle)
		var ce *CompileError
		if errors.As(err, &ce) {
			code, err = interp.Compile(req.Payload, ModeFile)
		}
	default:
		code, err = interp.Compile(req.Payload, ModeFile)
	}
	if err != nil {
		return err
	}

	s.queue.runMu.Lock()
	s.queue.running = true
	if s.interrupted.Load() {
		// INT arrived while compiling
		interp.Interrupt()
	}
	s.queue.runMu.Unlock()
	defer func() {
		s.queue.runMu.Lock()
		s.queue.running = false
		s.queue.runMu.Unlock()
	}()
	return interp.Run(code)
}

func (s *Session) reset(mode uint8) error {
	if mode == cbor.ResetHard {
		if s.opts.Restart != nil {
			s.log.Warn("hard reset", zap.Duration("grace", s.cfg.HardResetGrace))
			time.Sleep(s.cfg.HardResetGrace)
			s.opts.Restart()
		} else {
			s.log.Warn("hard reset unavailable, performing soft reset")
		}
	}
	s.log.Info("soft reset")
	s.detachOutput()
	s.files.abort()
	return ErrSoftReset
}

// handleExec processes execution channel frames on the network goroutine
func (s *Session) handleExec(f *cbor.Frame) {
	switch f.Kind {
	case cbor.KindInterrupt:
		s.interrupt()

	case cbor.KindReset:
		mode := cbor.ResetSoft
		if f.Mode != nil {
			mode = *f.Mode
		}
		if !s.Enqueue(Request{Channel: f.Channel, Reset: true, ResetMode: mode}) {
			s.rejectQueueFull(f.Channel, nil)
		}

	case cbor.KindExec:
		format := cbor.FormatSource
		if f.Format != nil {
			format = *f.Format
		}
		if format != cbor.FormatSource && format != cbor.FormatBytecode {
			text := fmt.Sprintf("Unsupported format %d", format)
			s.sendAuthenticated(cbor.NewProgress(f.Channel, cbor.StatusFailed, &text, f.Id))
			return
		}
		bytecode := format == cbor.FormatBytecode

		if !bytecode && len(f.Payload) > 0 && f.Payload[len(f.Payload)-1] == s.cfg.CompletionTrigger {
			s.complete(f.Channel, f.Payload[:len(f.Payload)-1])
			return
		}

		if f.Channel == cbor.ChannelTerminal && !bytecode && s.Executing() {
			if n := s.stdin.Write(f.Payload); n < len(f.Payload) {
				s.log.Warn("stdin buffer full", zap.Int("dropped", len(f.Payload)-n))
			}
			return
		}

		req := Request{Channel: f.Channel, Payload: f.Payload, Bytecode: bytecode, Id: f.Id}
		if !s.Enqueue(req) {
			s.rejectQueueFull(f.Channel, f.Id)
		}

	default:
		s.log.Debug("ignoring frame on execution channel", zap.Stringer("frame", f))
	}
}

func (s *Session) rejectQueueFull(channel uint8, id *string) {
	err := &ProtocolError{Type: ProtocolErrorTypeQueueFull}
	s.log.Warn("request rejected", zap.Error(err), zap.Uint8("channel", channel))
	text := err.Error()
	s.sendAuthenticated(cbor.NewProgress(channel, cbor.StatusFailed, &text, id))
}

// interrupt delivers INT straight to the interpreter, bypassing the
// queue, and releases a run blocked on stdin. An INT that arrives after
// Run returned, while output is still being flushed, is not forwarded.
func (s *Session) interrupt() {
	if !s.Executing() {
		return
	}
	s.queue.runMu.Lock()
	s.interrupted.Store(true)
	if s.queue.running {
		if interp := s.interpreter(); interp != nil {
			interp.Interrupt()
		}
	}
	s.queue.runMu.Unlock()
	s.stdin.Wake()
	s.log.Debug("interrupt delivered")
}

// complete answers a completion request synchronously with COM
func (s *Session) complete(channel uint8, prefix []byte) {
	candidates := []string{}
	if interp := s.interpreter(); interp != nil {
		if got := interp.Complete(string(prefix)); got != nil {
			candidates = got
		}
	}
	s.sendAuthenticated(cbor.NewCompletions(channel, candidates))
}

// Stdin returns the reader a blocked execution reads side-channel input
// from. Reads return ErrInterrupted after INT and io.EOF once the session
// is closed.
func (s *Session) Stdin() io.Reader {
	return stdinReader{s: s}
}

type stdinReader struct {
	s *Session
}

func (r stdinReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s := r.s
	for {
		if n := s.stdin.Read(p); n > 0 {
			return n, nil
		}
		if s.interrupted.Load() {
			return 0, ErrInterrupted
		}
		if s.closed.Load() {
			return 0, io.EOF
		}
		select {
		case <-s.stdin.Signal():
		case <-time.After(s.cfg.PollInterval):
		}
	}
}
