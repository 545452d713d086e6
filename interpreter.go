package wbp

import (
	"fmt"
	"io"
)

// CompileMode selects how source text is compiled
type CompileMode int

const (
	// ModeSingle compiles one statement or expression and echoes the
	// value of a trailing expression, like an interactive shell.
	ModeSingle CompileMode = iota
	// ModeFile compiles a whole program without echo
	ModeFile
)

func (m CompileMode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeFile:
		return "file"
	default:
		return fmt.Sprintf("CompileMode(%d)", int(m))
	}
}

// Code is a compiled unit owned by the interpreter that produced it
type Code any

// CompileError reports source that did not compile. The terminal channel
// retries ModeFile only when ModeSingle fails with this type.
type CompileError struct {
	Message string
}

func (e *CompileError) Error() string {
	return e.Message
}

// Interpreter is the single-threaded execution engine behind the
// protocol. Compile, Load and Run are only ever called from the goroutine
// that owns the interpreter. Complete and Interrupt may be called from any
// goroutine.
type Interpreter interface {
	Compile(source []byte, mode CompileMode) (Code, error)
	// Load accepts a precompiled blob (EXE format 1)
	Load(bytecode []byte) (Code, error)
	// Run executes code. A cooperative interrupt yields an error wrapping
	// ErrInterrupted.
	Run(code Code) error
	// Complete returns the names that extend prefix
	Complete(prefix string) []string
	// Interrupt asks the current Run to stop at its next safe point
	Interrupt()
}

// InterpreterFactory builds an interpreter whose output goes to stdout and
// whose blocking reads come from stdin.
type InterpreterFactory func(stdout io.Writer, stdin io.Reader) (Interpreter, error)
