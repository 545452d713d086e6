package wbp

import (
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/machinefabric/wbp-go/cbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TEST300: A wrong password gets AUTH_FAIL and later EXE frames are dropped
func TestWrongPasswordThenExecDropped(t *testing.T) {
	h := newHarness(t, nil)

	h.deliver(t, cbor.NewAuth("wrong"))
	raw := h.t.Raw()
	require.Len(t, raw, 1)
	assert.Equal(t, append([]byte{0x83, 0x00, 0x02, 0x6d}, "Access denied"...), raw[0])
	assert.False(t, h.s.Authenticated())

	h.s.OnMessage(h.t, []byte{0x83, 0x01, 0x00, 0x63, '1', '+', '1'})
	assert.Equal(t, 0, h.s.Pending())
	assert.Len(t, h.t.Frames(), 1)
}

// TEST301: An AUTH without a text password is rejected with a format reason
func TestAuthBadFormat(t *testing.T) {
	h := newHarness(t, nil)

	h.s.OnMessage(h.t, []byte{0x83, 0x00, 0x00, 0x05})
	h.s.OnMessage(h.t, []byte{0x82, 0x00, 0x00})

	frames := h.t.ofKind(cbor.KindAuthFail)
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, "Invalid password format", f.Message)
	}
	assert.False(t, h.s.Authenticated())
}

// TEST302: A failed re-authentication does not revoke an existing one
func TestFailedReauthKeepsSession(t *testing.T) {
	var called atomic.Int32
	h := newHarness(t, func(o *Options) {
		o.OnAuthenticated = func(Transport) { called.Add(1) }
	})

	h.deliver(t, cbor.NewAuth(testPassword))
	require.Equal(t, cbor.KindAuthOk, h.t.Last().Kind)
	assert.Equal(t, int32(1), called.Load())
	assert.True(t, h.s.drain.running())

	h.deliver(t, cbor.NewAuth("wrong"))
	assert.Equal(t, cbor.KindAuthFail, h.t.Last().Kind)
	assert.True(t, h.s.Authenticated())
	assert.Equal(t, int32(1), called.Load())
}

// TEST303: Multi-statement terminal source falls back to file mode and ends with PRO
func TestTerminalExecScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "print(1);print(2)", cbor.Ptr("id1")))
	assert.Equal(t, 1, h.s.Pending())
	h.step(t)

	frames := h.t.Frames()
	require.NotEmpty(t, frames)
	for _, f := range frames[:len(frames)-1] {
		require.Equal(t, cbor.KindResult, f.Kind)
		require.NotNil(t, f.Id)
		assert.Equal(t, "id1", *f.Id)
		assert.True(t, f.PayloadIsText)
	}
	assert.Equal(t, "1\n2\n", h.t.output())

	raw := h.t.Raw()
	assert.Equal(t, []byte{0x85, 0x01, 0x02, 0x00, 0xf6, 0x63, 'i', 'd', '1'}, raw[len(raw)-1])
	assert.Equal(t, []CompileMode{ModeSingle, ModeFile}, h.interp.compileModes())
}

// TEST304: Single-mode terminal source echoes and other channels compile whole programs
func TestCompilePolicyPerChannel(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "1+1", nil))
	h.step(t)
	assert.Equal(t, "2\n", h.t.output())

	h.t.Reset()
	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "1+1", cbor.Ptr("m")))
	h.step(t)
	assert.Empty(t, h.t.output())
	last := h.t.Last()
	assert.Equal(t, cbor.KindProgress, last.Kind)
	assert.Equal(t, cbor.ChannelM2M, last.Channel)
	assert.Equal(t, []CompileMode{ModeSingle, ModeFile}, h.interp.compileModes())
}

// TEST305: A runtime error is printed and reported in PRO
func TestExecError(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "fail", cbor.Ptr("e1")))
	h.step(t)

	last := h.t.Last()
	require.Equal(t, cbor.KindProgress, last.Kind)
	assert.Equal(t, cbor.StatusFailed, last.Status)
	require.NotNil(t, last.Error)
	assert.Contains(t, *last.Error, "NameError")
	assert.Equal(t, "e1", *last.Id)
	assert.Contains(t, h.t.output(), "NameError")
}

// TEST306: A compile error on a non-terminal channel and an interpreter panic both fail cleanly
func TestCompileErrorAndPanic(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "syntax error", nil))
	h.step(t)
	last := h.t.Last()
	assert.Equal(t, cbor.StatusFailed, last.Status)
	assert.Equal(t, "invalid syntax", *last.Error)

	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "panic", nil))
	h.step(t)
	last = h.t.Last()
	assert.Equal(t, cbor.StatusFailed, last.Status)
	assert.Contains(t, *last.Error, "kaboom")
	assert.False(t, h.s.Executing())
}

// TEST307: INT stops a running execution and it reports success
func TestInterrupt(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "loop", cbor.Ptr("L")))
	done := h.stepAsync(t)
	h.deliver(t, cbor.NewInterrupt(cbor.ChannelTerminal))
	require.NoError(t, waitStep(t, done))

	last := h.t.Last()
	require.Equal(t, cbor.KindProgress, last.Kind)
	assert.Equal(t, cbor.StatusOK, last.Status)
	assert.Nil(t, last.Error)
	assert.Equal(t, "L", *last.Id)
}

// TEST308: INT with nothing running is ignored
func TestInterruptIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewInterrupt(cbor.ChannelTerminal))
	assert.Empty(t, h.t.Frames())
	assert.Empty(t, h.interp.interrupts)
}

// TEST309: A full queue rejects the request with PRO(1) and its id
func TestQueueFull(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.QueueDepth = 2 })
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "echo a", cbor.Ptr("a")))
	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "echo b", cbor.Ptr("b")))
	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "echo c", cbor.Ptr("c")))
	h.deliver(t, cbor.NewReset(cbor.ChannelM2M, cbor.ResetSoft))

	progress := h.t.ofKind(cbor.KindProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, cbor.StatusFailed, progress[0].Status)
	assert.Equal(t, "execution queue full", *progress[0].Error)
	assert.Equal(t, "c", *progress[0].Id)
	assert.Nil(t, progress[1].Id)

	// queued requests run in arrival order
	h.t.Reset()
	h.step(t)
	h.step(t)
	assert.Equal(t, "a\nb\n", h.t.output())
}

// TEST310: Terminal EXE during an execution feeds its stdin
func TestStdinDiversion(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "input", cbor.Ptr("in")))
	done := h.stepAsync(t)
	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "hello\n", nil))
	require.NoError(t, waitStep(t, done))

	assert.Equal(t, 0, h.s.Pending())
	assert.Equal(t, "got hello\n", h.t.output())
	assert.Equal(t, cbor.StatusOK, h.t.Last().Status)
}

// TEST311: INT releases an execution blocked on stdin
func TestInterruptBlockedRead(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "input", nil))
	done := h.stepAsync(t)
	h.deliver(t, cbor.NewInterrupt(cbor.ChannelTerminal))
	require.NoError(t, waitStep(t, done))
	assert.Equal(t, cbor.StatusOK, h.t.Last().Status)
}

// TEST312: A trailing tab asks for completions instead of executing
func TestCompletion(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "p\t", nil))
	last := h.t.Last()
	require.Equal(t, cbor.KindCompletions, last.Kind)
	assert.Equal(t, []string{"print", "pow"}, last.Completions)
	assert.Equal(t, 0, h.s.Pending())

	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "zzz\t", nil))
	raw := h.t.Raw()
	assert.Equal(t, []byte{0x83, 0x02, 0x06, 0x80}, raw[len(raw)-1])
}

// TEST313: Format 1 loads bytecode and unknown formats are refused
func TestExecFormats(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExecBytecode(cbor.ChannelM2M, []byte{0x01, 0x02}, cbor.Ptr("bc")))
	h.step(t)
	assert.Equal(t, "loaded\n", h.t.output())
	assert.Equal(t, cbor.StatusOK, h.t.Last().Status)

	h.t.Reset()
	h.deliver(t, cbor.NewExecBytecode(cbor.ChannelM2M, []byte("corrupt"), nil))
	h.step(t)
	assert.Equal(t, cbor.StatusFailed, h.t.Last().Status)

	h.t.Reset()
	f := cbor.NewExec(cbor.ChannelM2M, "echo x", cbor.Ptr("f2"))
	f.Format = cbor.Ptr(uint8(2))
	h.deliver(t, f)
	last := h.t.Last()
	assert.Equal(t, cbor.StatusFailed, last.Status)
	assert.Equal(t, "Unsupported format 2", *last.Error)
	assert.Equal(t, 0, h.s.Pending())
}

// TEST314: Non-event frames from an unauthenticated client are dropped
func TestUnauthenticatedDropped(t *testing.T) {
	h := newHarness(t, nil)

	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "echo x", nil))
	h.deliver(t, cbor.NewWriteRequest("f", 1, nil))
	h.deliver(t, cbor.NewInterrupt(cbor.ChannelTerminal))
	assert.Empty(t, h.t.Frames())
	assert.Equal(t, 0, h.s.Pending())
	assert.False(t, h.s.files.Active())
}

// TEST315: Malformed frames are dropped and the session keeps working
func TestMalformedDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	for _, msg := range [][]byte{
		{},
		{0xa0},
		{0x81, 0x01},
		{0x82, 0x18, 0x40, 0x00},
		{0x82, 0x01, 0x09},
		{0x83, 0x01, 0x00, 0x01},
	} {
		h.s.OnMessage(h.t, msg)
	}
	assert.Empty(t, h.t.Frames())

	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "echo ok", nil))
	h.step(t)
	assert.Equal(t, "ok\n", h.t.output())
}

// TEST316: Soft reset unwinds, detaches output and Step reports it
func TestSoftReset(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewReset(cbor.ChannelTerminal, cbor.ResetSoft))
	assert.ErrorIs(t, h.s.Step(), ErrSoftReset)
	assert.False(t, h.s.drain.running())
	assert.True(t, h.s.Authenticated())

	h.s.ReattachOutput()
	assert.True(t, h.s.drain.running())
}

// TEST317: Hard reset waits the grace delay and calls Restart
func TestHardReset(t *testing.T) {
	var restarted atomic.Bool
	h := newHarness(t, func(o *Options) {
		o.Config.HardResetGrace = 20 * time.Millisecond
		o.Restart = func() { restarted.Store(true) }
	})
	h.login(t)

	h.deliver(t, cbor.NewReset(cbor.ChannelTerminal, cbor.ResetHard))
	start := time.Now()
	assert.ErrorIs(t, h.s.Step(), ErrSoftReset)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.True(t, restarted.Load())
}

// TEST318: Disconnect tears down authentication, output and the transfer
func TestDisconnectTeardown(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.FileSystem = newDirFS(t) })
	h.login(t)

	h.deliver(t, cbor.NewWriteRequest("up.bin", 10, nil))
	require.True(t, h.s.files.Active())

	h.s.OnDisconnect(h.t)
	assert.False(t, h.s.Authenticated())
	assert.False(t, h.s.Connected())
	assert.False(t, h.s.drain.running())
	assert.False(t, h.s.files.Active())

	// an execution that finishes after the disconnect goes nowhere
	h.t.Reset()
	require.True(t, h.s.Enqueue(Request{Channel: cbor.ChannelTerminal, Payload: []byte("echo late")}))
	h.step(t)
	assert.Empty(t, h.t.Frames())
}

// TEST319: A new transport replaces the old one and requires a fresh AUTH
func TestTransportReplacement(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	next := newRecordingTransport()
	h.s.OnConnect(next)
	assert.False(t, h.s.Authenticated())
	assert.False(t, h.s.drain.running())

	// the old link is ignored entirely now
	h.deliver(t, cbor.NewAuth(testPassword))
	assert.False(t, h.s.Authenticated())
	assert.Empty(t, h.t.Frames())

	msg, err := cbor.EncodeFrame(cbor.NewAuth(testPassword))
	require.NoError(t, err)
	h.s.OnMessage(next, msg)
	assert.True(t, h.s.Authenticated())
	assert.Equal(t, cbor.KindAuthOk, next.Last().Kind)

	// a stale disconnect does not touch the new session
	h.s.OnDisconnect(h.t)
	assert.True(t, h.s.Authenticated())
}

// TEST320: Non-UTF-8 output travels as a byte string
func TestBinaryOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "binary", nil))
	h.step(t)
	results := h.t.ofKind(cbor.KindResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].PayloadIsText)
	assert.Equal(t, []byte{0xff, 0xfe, 0x00}, results[0].Payload)
}

// TEST321: Large output is split into chunks no bigger than the drain chunk size
func TestOutputChunking(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.DrainChunkSize = 1000 })
	h.login(t)

	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "big 3500", cbor.Ptr("big")))
	h.step(t)

	results := h.t.ofKind(cbor.KindResult)
	require.GreaterOrEqual(t, len(results), 4)
	for _, r := range results {
		assert.LessOrEqual(t, len(r.Payload), 1000)
		assert.Equal(t, "big", *r.Id)
	}
	assert.Equal(t, strings.Repeat("x", 3500), h.t.output())
	assert.Equal(t, cbor.KindProgress, h.t.Last().Kind)
}

// TEST322: Output written while no client is attached is discarded
func TestOutputDiscardedWhenDetached(t *testing.T) {
	h := newHarness(t, nil)
	n, err := h.s.Output().Write([]byte("nobody listening"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, 0, h.s.output.Len())
}

// TEST323: A full ring drops the rest of a write instead of blocking
func TestOutputDropsWhenRingFull(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.OutputRingSize = 8 })
	h.s.outputAttached.Store(true)

	start := time.Now()
	n, err := h.s.Output().Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, 8, h.s.output.Len())
	assert.Less(t, time.Since(start), 2*time.Second)
}

// TEST324: Step does nothing without an interpreter or without work
func TestStepIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	require.NoError(t, h.s.Step())

	h.s.Bind(nil)
	h.deliver(t, cbor.NewExec(cbor.ChannelM2M, "echo x", nil))
	require.NoError(t, h.s.Step())
	assert.Equal(t, 1, h.s.Pending())
}

// TEST325: Close makes blocked stdin reads end with EOF
func TestCloseEndsStdin(t *testing.T) {
	h := newHarness(t, nil)
	done := make(chan error, 1)
	go func() {
		_, err := h.s.Stdin().Read(make([]byte, 4))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.s.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("stdin read did not return")
	}
	assert.False(t, h.s.Connected())
}

// TEST326: NewSession refuses an invalid configuration
func TestNewSessionInvalidConfig(t *testing.T) {
	_, err := NewSession(Options{Config: DefaultConfig()})
	assert.Error(t, err)

	cfg := testConfig()
	_, err = NewSession(Options{Config: cfg, InfoSchema: "{not json"})
	assert.Error(t, err)
}

// TEST327: An INT that arrives while the previous PRO is being sent does not touch the next request
func TestLateInterruptNotCarriedOver(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.t.onSend(func(f *cbor.Frame) {
		if f.Kind == cbor.KindProgress && f.Id != nil && *f.Id == "r1" {
			h.deliver(t, cbor.NewInterrupt(cbor.ChannelTerminal))
		}
	})
	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "echo a", cbor.Ptr("r1")))
	h.step(t)
	h.t.onSend(nil)
	assert.Empty(t, h.interp.interrupts)

	h.t.Reset()
	h.deliver(t, cbor.NewExec(cbor.ChannelTerminal, "echo b", cbor.Ptr("r2")))
	h.step(t)
	assert.Equal(t, "b\n", h.t.output())
	last := h.t.Last()
	require.Equal(t, cbor.KindProgress, last.Kind)
	assert.Equal(t, "r2", *last.Id)
}

// TEST328: An INT delivered before Run starts still stops the run
func TestInterruptBeforeRunStarts(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.s.queue.executing.Store(true)
	h.deliver(t, cbor.NewInterrupt(cbor.ChannelTerminal))
	h.s.queue.executing.Store(false)
	assert.Empty(t, h.interp.interrupts)

	err := h.s.run(h.interp, Request{Channel: cbor.ChannelM2M, Payload: []byte("loop")})
	assert.ErrorIs(t, err, ErrInterrupted)
}
