package wbp

import (
	"errors"
	"fmt"

	"github.com/machinefabric/wbp-go/cbor"
)

// Sentinel errors shared across the session, runner and interpreter
// collaborators.
var (
	// ErrSoftReset is returned by Session.Step when a soft RST unwound the
	// interpreter. The owner rebuilds the interpreter and keeps polling.
	ErrSoftReset = errors.New("soft reset requested")
	// ErrInterrupted is wrapped by interpreters when a run stopped because
	// of a cooperative interrupt. It is a clean stop, not a failure.
	ErrInterrupted = errors.New("interrupted")
	// ErrNotAuthenticated means there is no authenticated client to talk to
	ErrNotAuthenticated = errors.New("not authenticated")
)

// ProtocolError represents a failure inside the protocol core
type ProtocolError struct {
	Type    ProtocolErrorType
	Message string
}

// ProtocolErrorType classifies protocol errors
type ProtocolErrorType int

const (
	ProtocolErrorTypeCodec ProtocolErrorType = iota
	ProtocolErrorTypeAuth
	ProtocolErrorTypeExecution
	ProtocolErrorTypeFileTransfer
	ProtocolErrorTypeTransport
	ProtocolErrorTypeQueueFull
	ProtocolErrorTypeClosed
)

func (e *ProtocolError) Error() string {
	switch e.Type {
	case ProtocolErrorTypeCodec:
		return fmt.Sprintf("codec error: %s", e.Message)
	case ProtocolErrorTypeAuth:
		return fmt.Sprintf("authentication failed: %s", e.Message)
	case ProtocolErrorTypeExecution:
		return fmt.Sprintf("execution failed: %s", e.Message)
	case ProtocolErrorTypeFileTransfer:
		return fmt.Sprintf("file transfer error: %s", e.Message)
	case ProtocolErrorTypeTransport:
		return fmt.Sprintf("transport error: %s", e.Message)
	case ProtocolErrorTypeQueueFull:
		return "execution queue full"
	case ProtocolErrorTypeClosed:
		return "session closed"
	default:
		return fmt.Sprintf("unknown error: %s", e.Message)
	}
}

// FileError is a file transfer failure carrying the code that goes on
// the wire in an ERROR frame.
type FileError struct {
	Code    uint8
	Message string
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func newFileError(code uint8, format string, args ...any) *FileError {
	return &FileError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// fileErrorFrame converts any error into the ERROR frame sent to the peer
func fileErrorFrame(err error) *cbor.Frame {
	var fe *FileError
	if errors.As(err, &fe) {
		return cbor.NewFileError(fe.Code, fe.Message)
	}
	return cbor.NewFileError(cbor.ErrUndefined, err.Error())
}
