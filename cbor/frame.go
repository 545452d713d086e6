package cbor

import (
	"fmt"
)

// Channel numbers. Channels 1..22 are execution channels whose role is
// assigned by convention; the protocol treats the number as opaque.
const (
	ChannelEvent    uint8 = 0
	ChannelTerminal uint8 = 1 // interactive REPL, auto-prints expressions
	ChannelM2M      uint8 = 2 // machine-to-machine
	ChannelDebug    uint8 = 3 // debug output
	ChannelExecMax  uint8 = 22
	ChannelFile     uint8 = 23
)

// Execution channel opcodes, client to server.
const (
	OpExec      uint8 = 0 // EXE: [ch, 0, payload, format?, id?]
	OpInterrupt uint8 = 1 // INT: [ch, 1]
	OpReset     uint8 = 2 // RST: [ch, 2, mode?]
)

// Execution channel opcodes, server to client.
const (
	OpResult       uint8 = 0 // RES: [ch, 0, data, id?]
	OpContinuation uint8 = 1 // CON: [ch, 1]
	OpProgress     uint8 = 2 // PRO: [ch, 2, status, error?, id?]
	OpCompletions  uint8 = 3 // COM: [ch, 3, [candidates...]]
)

// Event opcodes (channel 0).
const (
	EventAuth     uint8 = 0 // [0, 0, password]
	EventAuthOk   uint8 = 1 // [0, 1]
	EventAuthFail uint8 = 2 // [0, 2, reason]
	EventInfo     uint8 = 3 // [0, 3, json_string]
	EventLog      uint8 = 4 // [0, 4, level, message, ts?, source?]
)

// File opcodes (channel 23).
const (
	FileRRQ   uint8 = 1 // [23, 1, path, block_size?]
	FileWRQ   uint8 = 2 // [23, 2, path, total_size, block_size?]
	FileData  uint8 = 3 // [23, 3, block, bytes]
	FileAck   uint8 = 4 // [23, 4, block, total_size?, block_size?]
	FileError uint8 = 5 // [23, 5, code, message]
)

// TFTP-style error codes carried by ERROR frames.
const (
	ErrUndefined       uint8 = 0
	ErrNotFound        uint8 = 1
	ErrAccess          uint8 = 2
	ErrDiskFull        uint8 = 3
	ErrIllegalOp       uint8 = 4
	ErrUnknownTID      uint8 = 5
	ErrFileExists      uint8 = 6
	ErrNoUser          uint8 = 7
	ErrOptionNegotiate uint8 = 8
)

// Execution formats for EXE payloads.
const (
	FormatSource   uint8 = 0
	FormatBytecode uint8 = 1
)

// Reset modes for RST.
const (
	ResetSoft uint8 = 0
	ResetHard uint8 = 1
)

// Log levels for LOG events.
const (
	LogDebug uint8 = 0
	LogInfo  uint8 = 1
	LogWarn  uint8 = 2
	LogError uint8 = 3
)

// Progress statuses.
const (
	StatusOK     uint8 = 0
	StatusFailed uint8 = 1
)

// DefaultBlockSize is the file transfer block size used when a request
// does not name one (one flash sector on the original hardware).
const DefaultBlockSize = 4096

// Kind identifies the shape of a message. The same (channel, opcode) pair
// means different things depending on direction, so the kind is what the
// codec switches on.
type Kind uint8

const (
	KindExec Kind = iota
	KindInterrupt
	KindReset
	KindResult
	KindContinuation
	KindProgress
	KindCompletions
	KindAuth
	KindAuthOk
	KindAuthFail
	KindInfo
	KindLog
	KindReadRequest
	KindWriteRequest
	KindData
	KindAck
	KindError
)

// String returns the wire mnemonic of the kind
func (k Kind) String() string {
	switch k {
	case KindExec:
		return "EXE"
	case KindInterrupt:
		return "INT"
	case KindReset:
		return "RST"
	case KindResult:
		return "RES"
	case KindContinuation:
		return "CON"
	case KindProgress:
		return "PRO"
	case KindCompletions:
		return "COM"
	case KindAuth:
		return "AUTH"
	case KindAuthOk:
		return "AUTH_OK"
	case KindAuthFail:
		return "AUTH_FAIL"
	case KindInfo:
		return "INFO"
	case KindLog:
		return "LOG"
	case KindReadRequest:
		return "RRQ"
	case KindWriteRequest:
		return "WRQ"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// IsExecChannel reports whether ch is one of the execution channels
func IsExecChannel(ch uint8) bool {
	return ch >= ChannelTerminal && ch <= ChannelExecMax
}

// Frame is one WBP message. Only the fields used by Kind are meaningful;
// optional trailing fields are pointers so that "absent" and "zero" stay
// distinct through a round trip.
type Frame struct {
	Kind    Kind
	Channel uint8

	// EXE payload, RES data, DATA bytes
	Payload []byte
	// PayloadIsText records whether Payload travels as a CBOR text string
	// (EXE source, RES output) rather than a byte string.
	PayloadIsText bool

	Format *uint8  // EXE
	Id     *string // EXE, RES, PRO correlation id
	Mode   *uint8  // RST

	Status uint8   // PRO
	Error  *string // PRO

	Completions []string // COM

	Password  string  // AUTH
	Message   string  // AUTH_FAIL reason, LOG message, ERROR message
	JSON      string  // INFO
	Level     uint8   // LOG
	Timestamp *int64  // LOG
	Source    *string // LOG

	Path      string  // RRQ, WRQ
	Block     uint64  // DATA, ACK
	TotalSize *uint64 // WRQ (required), ACK
	BlockSize *uint64 // RRQ, WRQ, ACK
	Code      uint8   // ERROR
}

// String summarises the frame for logs
func (f *Frame) String() string {
	switch f.Kind {
	case KindExec, KindResult, KindData:
		return fmt.Sprintf("%s ch=%d len=%d id=%s", f.Kind, f.Channel, len(f.Payload), strOrNil(f.Id))
	case KindProgress:
		return fmt.Sprintf("%s ch=%d status=%d id=%s", f.Kind, f.Channel, f.Status, strOrNil(f.Id))
	case KindAck:
		return fmt.Sprintf("%s block=%d", f.Kind, f.Block)
	case KindError:
		return fmt.Sprintf("%s code=%d msg=%q", f.Kind, f.Code, f.Message)
	default:
		return fmt.Sprintf("%s ch=%d", f.Kind, f.Channel)
	}
}

func strOrNil(s *string) string {
	if s == nil {
		return "(nil)"
	}
	return *s
}

// NewExec creates an EXE frame carrying source text
func NewExec(channel uint8, source string, id *string) *Frame {
	return &Frame{Kind: KindExec, Channel: channel, Payload: []byte(source), PayloadIsText: true, Id: id}
}

// NewExecBytecode creates an EXE frame carrying a precompiled blob
func NewExecBytecode(channel uint8, code []byte, id *string) *Frame {
	format := FormatBytecode
	return &Frame{Kind: KindExec, Channel: channel, Payload: code, Format: &format, Id: id}
}

// NewInterrupt creates an INT frame
func NewInterrupt(channel uint8) *Frame {
	return &Frame{Kind: KindInterrupt, Channel: channel}
}

// NewReset creates an RST frame
func NewReset(channel uint8, mode uint8) *Frame {
	return &Frame{Kind: KindReset, Channel: channel, Mode: &mode}
}

// NewResult creates a RES frame. Output that is valid UTF-8 travels as
// text; callers decide via isText.
func NewResult(channel uint8, data []byte, isText bool, id *string) *Frame {
	return &Frame{Kind: KindResult, Channel: channel, Payload: data, PayloadIsText: isText, Id: id}
}

// NewContinuation creates a CON frame
func NewContinuation(channel uint8) *Frame {
	return &Frame{Kind: KindContinuation, Channel: channel}
}

// NewProgress creates a PRO frame
func NewProgress(channel uint8, status uint8, errText *string, id *string) *Frame {
	return &Frame{Kind: KindProgress, Channel: channel, Status: status, Error: errText, Id: id}
}

// NewCompletions creates a COM frame
func NewCompletions(channel uint8, candidates []string) *Frame {
	return &Frame{Kind: KindCompletions, Channel: channel, Completions: candidates}
}

// NewAuth creates an AUTH event
func NewAuth(password string) *Frame {
	return &Frame{Kind: KindAuth, Channel: ChannelEvent, Password: password}
}

// NewAuthOk creates an AUTH_OK event
func NewAuthOk() *Frame {
	return &Frame{Kind: KindAuthOk, Channel: ChannelEvent}
}

// NewAuthFail creates an AUTH_FAIL event
func NewAuthFail(reason string) *Frame {
	return &Frame{Kind: KindAuthFail, Channel: ChannelEvent, Message: reason}
}

// NewInfo creates an INFO event carrying a JSON document as a string
func NewInfo(json string) *Frame {
	return &Frame{Kind: KindInfo, Channel: ChannelEvent, JSON: json}
}

// NewLog creates a LOG event
func NewLog(level uint8, message string, ts *int64, source *string) *Frame {
	return &Frame{Kind: KindLog, Channel: ChannelEvent, Level: level, Message: message, Timestamp: ts, Source: source}
}

// NewReadRequest creates an RRQ frame
func NewReadRequest(path string, blockSize *uint64) *Frame {
	return &Frame{Kind: KindReadRequest, Channel: ChannelFile, Path: path, BlockSize: blockSize}
}

// NewWriteRequest creates a WRQ frame
func NewWriteRequest(path string, totalSize uint64, blockSize *uint64) *Frame {
	return &Frame{Kind: KindWriteRequest, Channel: ChannelFile, Path: path, TotalSize: &totalSize, BlockSize: blockSize}
}

// NewData creates a DATA frame
func NewData(block uint64, data []byte) *Frame {
	return &Frame{Kind: KindData, Channel: ChannelFile, Block: block, Payload: data}
}

// NewAck creates a plain ACK frame
func NewAck(block uint64) *Frame {
	return &Frame{Kind: KindAck, Channel: ChannelFile, Block: block}
}

// NewAckOptions creates the block-0 ACK that confirms transfer options
func NewAckOptions(totalSize uint64, blockSize uint64) *Frame {
	return &Frame{Kind: KindAck, Channel: ChannelFile, Block: 0, TotalSize: &totalSize, BlockSize: &blockSize}
}

// NewFileError creates an ERROR frame
func NewFileError(code uint8, message string) *Frame {
	return &Frame{Kind: KindError, Channel: ChannelFile, Code: code, Message: message}
}

// Ptr returns a pointer to v. Handy for optional frame fields.
func Ptr[T any](v T) *T {
	return &v
}
