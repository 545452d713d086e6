// Package luarepl adapts an embedded Lua VM to the wbp.Interpreter
// contract: REPL-style echo for single statements, output redirected to
// the session, blocking input from the stdin side-channel, cooperative
// interrupts and name completion.
package luarepl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	wbp "github.com/machinefabric/wbp-go"
	lua "github.com/yuin/gopher-lua"
)

const chunkName = "<stdin>"

// chunk is the compiled form handed back to the session
type chunk struct {
	fn   *lua.LFunction
	echo bool
}

// Interpreter is a Lua state bound to one session's output and stdin
type Interpreter struct {
	L      *lua.LState
	out    io.Writer
	in     *bufio.Reader
	closed bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending bool
	names   map[string][]string // "" holds globals; other keys are table globals
}

var _ wbp.Interpreter = (*Interpreter)(nil)

// New creates an interpreter writing to stdout and reading from stdin.
// It matches wbp.InterpreterFactory.
func New(stdout io.Writer, stdin io.Reader) (wbp.Interpreter, error) {
	return NewInterpreter(stdout, stdin), nil
}

// NewInterpreter is New with a concrete return type
func NewInterpreter(stdout io.Writer, stdin io.Reader) *Interpreter {
	i := &Interpreter{
		L:   lua.NewState(),
		out: stdout,
		in:  bufio.NewReader(stdin),
	}
	i.installIO()
	i.refreshNames()
	return i
}

// installIO routes print, io.write and input through the session
func (i *Interpreter) installIO() {
	L := i.L
	L.SetGlobal("print", L.NewFunction(i.luaPrint))
	L.SetGlobal("input", L.NewFunction(i.luaInput))
	if tbl, ok := L.GetGlobal("io").(*lua.LTable); ok {
		L.SetField(tbl, "write", L.NewFunction(i.luaWrite))
		L.SetField(tbl, "read", L.NewFunction(i.luaRead))
	}
	if tbl, ok := L.GetGlobal("os").(*lua.LTable); ok {
		L.SetField(tbl, "exit", L.NewFunction(func(L *lua.LState) int {
			L.RaiseError("os.exit is not available; use a hard reset")
			return 0
		}))
	}
}

func (i *Interpreter) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for k := 1; k <= n; k++ {
		parts[k-1] = L.ToStringMeta(L.Get(k)).String()
	}
	io.WriteString(i.out, strings.Join(parts, "\t")+"\n")
	return 0
}

func (i *Interpreter) luaWrite(L *lua.LState) int {
	for k := 1; k <= L.GetTop(); k++ {
		v := L.Get(k)
		switch v.Type() {
		case lua.LTString, lua.LTNumber:
			io.WriteString(i.out, v.String())
		default:
			L.ArgError(k, "string expected")
		}
	}
	return 0
}

// readLine reads one line without its terminator
func (i *Interpreter) readLine(L *lua.LState) lua.LValue {
	line, err := i.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, wbp.ErrInterrupted) {
			L.RaiseError("interrupted")
		}
		if line == "" {
			return lua.LNil
		}
	}
	return lua.LString(strings.TrimRight(line, "\r\n"))
}

func (i *Interpreter) luaInput(L *lua.LState) int {
	if L.GetTop() >= 1 {
		io.WriteString(i.out, L.ToStringMeta(L.Get(1)).String())
	}
	L.Push(i.readLine(L))
	return 1
}

func (i *Interpreter) luaRead(L *lua.LState) int {
	L.Push(i.readLine(L))
	return 1
}

// Compile compiles source. ModeSingle prefixes "return " so the values of
// an expression are echoed after the run. A new request starts here, so
// an interrupt left over from the previous one is dropped.
func (i *Interpreter) Compile(source []byte, mode wbp.CompileMode) (wbp.Code, error) {
	i.clearPending()
	src := string(source)
	echo := false
	if mode == wbp.ModeSingle {
		src = "return " + src
		echo = true
	}
	fn, err := i.L.Load(strings.NewReader(src), chunkName)
	if err != nil {
		return nil, &wbp.CompileError{Message: err.Error()}
	}
	return &chunk{fn: fn, echo: echo}, nil
}

// Load rejects precompiled chunks; the VM only accepts source
func (i *Interpreter) Load(bytecode []byte) (wbp.Code, error) {
	i.clearPending()
	return nil, fmt.Errorf("bytecode not supported")
}

func (i *Interpreter) clearPending() {
	i.mu.Lock()
	i.pending = false
	i.mu.Unlock()
}

// Run executes a compiled chunk until it returns, fails or is interrupted
func (i *Interpreter) Run(code wbp.Code) error {
	c, ok := code.(*chunk)
	if !ok {
		return fmt.Errorf("luarepl: foreign code value %T", code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	i.mu.Lock()
	interrupted := i.pending
	i.cancel = cancel
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.cancel = nil
		i.pending = false
		i.mu.Unlock()
		cancel()
		i.refreshNames()
	}()
	if interrupted {
		return fmt.Errorf("lua: %w", wbp.ErrInterrupted)
	}

	L := i.L
	top := L.GetTop()
	L.SetContext(ctx)
	defer L.RemoveContext()
	defer L.SetTop(top)

	L.Push(c.fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("lua: %w", wbp.ErrInterrupted)
		}
		return err
	}

	if c.echo && L.GetTop() > top {
		n := L.GetTop() - top
		parts := make([]string, n)
		for k := 0; k < n; k++ {
			parts[k] = L.ToStringMeta(L.Get(top + 1 + k)).String()
		}
		io.WriteString(i.out, strings.Join(parts, "\t")+"\n")
	}
	return nil
}

// Interrupt stops the current run at its next instruction. Called
// between Compile and Run it makes that Run return immediately.
func (i *Interpreter) Interrupt() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		i.cancel()
		return
	}
	i.pending = true
}

// Complete returns global names, or fields of a global table after a
// dot, that extend the identifier at the end of prefix. It reads a
// snapshot taken after the last run, so it is safe during execution.
func (i *Interpreter) Complete(prefix string) []string {
	word := trailingIdentifier(prefix)
	table, partial := "", word
	if dot := strings.LastIndexByte(word, '.'); dot >= 0 {
		table, partial = word[:dot], word[dot+1:]
	}

	i.mu.Lock()
	names := i.names[table]
	i.mu.Unlock()

	var out []string
	for _, name := range names {
		if strings.HasPrefix(name, partial) {
			if table != "" {
				name = table + "." + name
			}
			out = append(out, name)
		}
	}
	return out
}

// Close releases the Lua state
func (i *Interpreter) Close() error {
	if !i.closed {
		i.closed = true
		i.L.Close()
	}
	return nil
}

// refreshNames snapshots completable names. It runs on the owning
// goroutine only.
func (i *Interpreter) refreshNames() {
	names := map[string][]string{}
	globals := i.L.G.Global
	globals.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		names[""] = append(names[""], string(key))
		if tbl, ok := v.(*lua.LTable); ok && tbl != globals {
			tbl.ForEach(func(fk, _ lua.LValue) {
				if field, ok := fk.(lua.LString); ok {
					names[string(key)] = append(names[string(key)], string(field))
				}
			})
		}
	})
	for _, list := range names {
		sort.Strings(list)
	}

	i.mu.Lock()
	i.names = names
	i.mu.Unlock()
}

func trailingIdentifier(s string) string {
	start := len(s)
	for start > 0 {
		c := s[start-1]
		if c == '_' || c == '.' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			start--
			continue
		}
		break
	}
	return s[start:]
}
