package cbor

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR tags for typed arrays that some clients use to ship raw bytes
// (RFC 8746). Both carry a plain byte string.
const (
	tagUint8Array        = 64
	tagUint8ClampedArray = 68
)

const (
	majorUint   = 0
	majorNegInt = 1
	majorBytes  = 2
	majorText   = 3
	majorArray  = 4
	majorTag    = 6
	simpleNull  = 0xf6
	simpleUndef = 0xf7
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		NilContainers: cbor.NilContainerAsEmpty,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	// Interpreter output and client source are not guaranteed to be
	// valid UTF-8.
	decMode, err = cbor.DecOptions{
		UTF8:             cbor.UTF8DecodeInvalid,
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// DecodeError reports a message that is not a well-formed WBP array.
// Channel and Opcode are -1 when the header itself could not be read.
type DecodeError struct {
	Channel int
	Opcode  int
	Field   string
	Reason  string
}

func (e *DecodeError) Error() string {
	if e.Channel < 0 {
		return fmt.Sprintf("wbp decode: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("wbp decode [%d,%d]: %s: %s", e.Channel, e.Opcode, e.Field, e.Reason)
}

// EncodeFrame encodes a Frame to a CBOR positional array. Absent optional
// trailing fields are omitted; an absent field followed by a present one
// is written as null.
func EncodeFrame(frame *Frame) ([]byte, error) {
	arr, required, err := frameToArray(frame)
	if err != nil {
		return nil, err
	}
	for len(arr) > required && arr[len(arr)-1] == nil {
		arr = arr[:len(arr)-1]
	}

	var buf bytes.Buffer
	buf.Grow(len(frame.Payload) + len(frame.Message) + len(frame.JSON) + messageOverhead)
	if err := encMode.NewEncoder(&buf).Encode(arr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func frameToArray(f *Frame) ([]any, int, error) {
	switch f.Kind {
	case KindExec:
		return []any{f.Channel, OpExec, payloadValue(f), optional(f.Format), optional(f.Id)}, 3, nil
	case KindInterrupt:
		return []any{f.Channel, OpInterrupt}, 2, nil
	case KindReset:
		return []any{f.Channel, OpReset, optional(f.Mode)}, 2, nil
	case KindResult:
		return []any{f.Channel, OpResult, payloadValue(f), optional(f.Id)}, 3, nil
	case KindContinuation:
		return []any{f.Channel, OpContinuation}, 2, nil
	case KindProgress:
		return []any{f.Channel, OpProgress, f.Status, optional(f.Error), optional(f.Id)}, 3, nil
	case KindCompletions:
		candidates := f.Completions
		if candidates == nil {
			candidates = []string{}
		}
		return []any{f.Channel, OpCompletions, candidates}, 3, nil
	case KindAuth:
		return []any{ChannelEvent, EventAuth, f.Password}, 3, nil
	case KindAuthOk:
		return []any{ChannelEvent, EventAuthOk}, 2, nil
	case KindAuthFail:
		return []any{ChannelEvent, EventAuthFail, f.Message}, 3, nil
	case KindInfo:
		return []any{ChannelEvent, EventInfo, f.JSON}, 3, nil
	case KindLog:
		return []any{ChannelEvent, EventLog, f.Level, f.Message, optional(f.Timestamp), optional(f.Source)}, 4, nil
	case KindReadRequest:
		return []any{ChannelFile, FileRRQ, f.Path, optional(f.BlockSize)}, 3, nil
	case KindWriteRequest:
		if f.TotalSize == nil {
			return nil, 0, fmt.Errorf("WRQ frame requires total size")
		}
		return []any{ChannelFile, FileWRQ, f.Path, *f.TotalSize, optional(f.BlockSize)}, 4, nil
	case KindData:
		data := f.Payload
		if data == nil {
			data = []byte{}
		}
		return []any{ChannelFile, FileData, f.Block, data}, 4, nil
	case KindAck:
		return []any{ChannelFile, FileAck, f.Block, optional(f.TotalSize), optional(f.BlockSize)}, 3, nil
	case KindError:
		return []any{ChannelFile, FileError, f.Code, f.Message}, 4, nil
	default:
		return nil, 0, fmt.Errorf("cannot encode frame kind %s", f.Kind)
	}
}

func payloadValue(f *Frame) any {
	if f.PayloadIsText {
		return string(f.Payload)
	}
	if f.Payload == nil {
		return []byte{}
	}
	return f.Payload
}

// optional turns a nil pointer into an untyped nil so trailing-field
// trimming can see it.
func optional[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// DecodeRequest decodes a message travelling client to server
func DecodeRequest(data []byte) (*Frame, error) {
	elems, ch, op, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	d := fieldDecoder{elems: elems, ch: ch, op: op}

	switch {
	case ch == ChannelEvent:
		switch op {
		case EventAuth:
			password, err := d.requireText(2, "password")
			if err != nil {
				return nil, err
			}
			return NewAuth(password), nil
		}

	case IsExecChannel(ch):
		switch op {
		case OpExec:
			payload, isText, err := d.payload(2, "payload")
			if err != nil {
				return nil, err
			}
			format, err := d.optUint8(3, "format")
			if err != nil {
				return nil, err
			}
			id, err := d.optText(4, "id")
			if err != nil {
				return nil, err
			}
			return &Frame{Kind: KindExec, Channel: ch, Payload: payload, PayloadIsText: isText, Format: format, Id: id}, nil
		case OpInterrupt:
			return NewInterrupt(ch), nil
		case OpReset:
			mode, err := d.optUint8(2, "mode")
			if err != nil {
				return nil, err
			}
			return &Frame{Kind: KindReset, Channel: ch, Mode: mode}, nil
		}

	case ch == ChannelFile:
		return d.fileFrame()
	}

	return nil, d.fail("opcode", "unknown opcode for channel")
}

// DecodeResponse decodes a message travelling server to client
func DecodeResponse(data []byte) (*Frame, error) {
	elems, ch, op, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	d := fieldDecoder{elems: elems, ch: ch, op: op}

	switch {
	case ch == ChannelEvent:
		switch op {
		case EventAuthOk:
			return NewAuthOk(), nil
		case EventAuthFail:
			reason, err := d.requireText(2, "reason")
			if err != nil {
				return nil, err
			}
			return NewAuthFail(reason), nil
		case EventInfo:
			doc, err := d.requireText(2, "json")
			if err != nil {
				return nil, err
			}
			return NewInfo(doc), nil
		case EventLog:
			level, err := d.requireUint8(2, "level")
			if err != nil {
				return nil, err
			}
			message, err := d.requireText(3, "message")
			if err != nil {
				return nil, err
			}
			ts, err := d.optInt(4, "timestamp")
			if err != nil {
				return nil, err
			}
			source, err := d.optText(5, "source")
			if err != nil {
				return nil, err
			}
			return NewLog(level, message, ts, source), nil
		}

	case IsExecChannel(ch):
		switch op {
		case OpResult:
			payload, isText, err := d.payload(2, "data")
			if err != nil {
				return nil, err
			}
			id, err := d.optText(3, "id")
			if err != nil {
				return nil, err
			}
			return NewResult(ch, payload, isText, id), nil
		case OpContinuation:
			return NewContinuation(ch), nil
		case OpProgress:
			status, err := d.requireUint8(2, "status")
			if err != nil {
				return nil, err
			}
			errText, err := d.optText(3, "error")
			if err != nil {
				return nil, err
			}
			id, err := d.optText(4, "id")
			if err != nil {
				return nil, err
			}
			return NewProgress(ch, status, errText, id), nil
		case OpCompletions:
			candidates, err := d.textArray(2, "candidates")
			if err != nil {
				return nil, err
			}
			return NewCompletions(ch, candidates), nil
		}

	case ch == ChannelFile:
		return d.fileFrame()
	}

	return nil, d.fail("opcode", "unknown opcode for channel")
}

func decodeHeader(data []byte) ([]cbor.RawMessage, uint8, uint8, error) {
	if len(data) == 0 {
		return nil, 0, 0, &DecodeError{Channel: -1, Opcode: -1, Field: "message", Reason: "empty"}
	}
	if data[0]>>5 != majorArray {
		return nil, 0, 0, &DecodeError{Channel: -1, Opcode: -1, Field: "message", Reason: "must be an array"}
	}
	var elems []cbor.RawMessage
	if err := decMode.Unmarshal(data, &elems); err != nil {
		return nil, 0, 0, &DecodeError{Channel: -1, Opcode: -1, Field: "message", Reason: err.Error()}
	}
	if len(elems) < 2 {
		return nil, 0, 0, &DecodeError{Channel: -1, Opcode: -1, Field: "message", Reason: "array shorter than [channel, opcode]"}
	}
	hd := fieldDecoder{elems: elems, ch: 0, op: 0}
	ch, err := hd.headerUint8(0, "channel")
	if err != nil {
		return nil, 0, 0, err
	}
	op, err := hd.headerUint8(1, "opcode")
	if err != nil {
		return nil, 0, 0, err
	}
	if ch > ChannelFile {
		return nil, 0, 0, &DecodeError{Channel: int(ch), Opcode: int(op), Field: "channel", Reason: "out of range"}
	}
	return elems, ch, op, nil
}

// fieldDecoder pulls typed positional fields out of a raw array
type fieldDecoder struct {
	elems []cbor.RawMessage
	ch    uint8
	op    uint8
}

func (d *fieldDecoder) fail(field, reason string) error {
	return &DecodeError{Channel: int(d.ch), Opcode: int(d.op), Field: field, Reason: reason}
}

// raw returns the element at i, or nil when it is absent or null
func (d *fieldDecoder) raw(i int) cbor.RawMessage {
	if i >= len(d.elems) {
		return nil
	}
	r := d.elems[i]
	if len(r) == 0 || r[0] == simpleNull || r[0] == simpleUndef {
		return nil
	}
	return r
}

func (d *fieldDecoder) headerUint8(i int, field string) (uint8, error) {
	r := d.raw(i)
	if r == nil || r[0]>>5 != majorUint {
		return 0, &DecodeError{Channel: -1, Opcode: -1, Field: field, Reason: "must be uint"}
	}
	var v uint64
	if err := decMode.Unmarshal(r, &v); err != nil || v > 255 {
		return 0, &DecodeError{Channel: -1, Opcode: -1, Field: field, Reason: "must fit in uint8"}
	}
	return uint8(v), nil
}

func (d *fieldDecoder) optUint(i int, field string) (*uint64, error) {
	r := d.raw(i)
	if r == nil {
		return nil, nil
	}
	if r[0]>>5 != majorUint {
		return nil, d.fail(field, "must be uint")
	}
	var v uint64
	if err := decMode.Unmarshal(r, &v); err != nil {
		return nil, d.fail(field, err.Error())
	}
	return &v, nil
}

func (d *fieldDecoder) requireUint(i int, field string) (uint64, error) {
	v, err := d.optUint(i, field)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, d.fail(field, "missing")
	}
	return *v, nil
}

func (d *fieldDecoder) optUint8(i int, field string) (*uint8, error) {
	v, err := d.optUint(i, field)
	if err != nil || v == nil {
		return nil, err
	}
	if *v > 255 {
		return nil, d.fail(field, "must fit in uint8")
	}
	u := uint8(*v)
	return &u, nil
}

func (d *fieldDecoder) requireUint8(i int, field string) (uint8, error) {
	v, err := d.optUint8(i, field)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, d.fail(field, "missing")
	}
	return *v, nil
}

func (d *fieldDecoder) optInt(i int, field string) (*int64, error) {
	r := d.raw(i)
	if r == nil {
		return nil, nil
	}
	if major := r[0] >> 5; major != majorUint && major != majorNegInt {
		return nil, d.fail(field, "must be int")
	}
	var v int64
	if err := decMode.Unmarshal(r, &v); err != nil {
		return nil, d.fail(field, err.Error())
	}
	return &v, nil
}

func (d *fieldDecoder) optText(i int, field string) (*string, error) {
	r := d.raw(i)
	if r == nil {
		return nil, nil
	}
	if r[0]>>5 != majorText {
		return nil, d.fail(field, "must be text")
	}
	var s string
	if err := decMode.Unmarshal(r, &s); err != nil {
		return nil, d.fail(field, err.Error())
	}
	return &s, nil
}

func (d *fieldDecoder) requireText(i int, field string) (string, error) {
	s, err := d.optText(i, field)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", d.fail(field, "missing")
	}
	return *s, nil
}

func (d *fieldDecoder) textArray(i int, field string) ([]string, error) {
	r := d.raw(i)
	if r == nil {
		return nil, d.fail(field, "missing")
	}
	if r[0]>>5 != majorArray {
		return nil, d.fail(field, "must be array")
	}
	var out []string
	if err := decMode.Unmarshal(r, &out); err != nil {
		return nil, d.fail(field, "must be array of text")
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// payload accepts a text string, a byte string, or a byte string wrapped
// in a typed-array tag. The bool reports whether it arrived as text.
func (d *fieldDecoder) payload(i int, field string) ([]byte, bool, error) {
	r := d.raw(i)
	if r == nil {
		return nil, false, d.fail(field, "missing")
	}
	switch r[0] >> 5 {
	case majorText:
		var s string
		if err := decMode.Unmarshal(r, &s); err != nil {
			return nil, false, d.fail(field, err.Error())
		}
		return []byte(s), true, nil
	case majorBytes:
		var b []byte
		if err := decMode.Unmarshal(r, &b); err != nil {
			return nil, false, d.fail(field, err.Error())
		}
		if b == nil {
			b = []byte{}
		}
		return b, false, nil
	case majorTag:
		var tag cbor.RawTag
		if err := decMode.Unmarshal(r, &tag); err != nil {
			return nil, false, d.fail(field, err.Error())
		}
		if tag.Number != tagUint8Array && tag.Number != tagUint8ClampedArray {
			return nil, false, d.fail(field, fmt.Sprintf("unsupported tag %d", tag.Number))
		}
		if len(tag.Content) == 0 || tag.Content[0]>>5 != majorBytes {
			return nil, false, d.fail(field, "typed array tag must wrap a byte string")
		}
		var b []byte
		if err := decMode.Unmarshal(tag.Content, &b); err != nil {
			return nil, false, d.fail(field, err.Error())
		}
		if b == nil {
			b = []byte{}
		}
		return b, false, nil
	default:
		return nil, false, d.fail(field, "must be text or bytes")
	}
}

// fileFrame decodes channel 23, which has the same shapes in both directions
func (d *fieldDecoder) fileFrame() (*Frame, error) {
	switch d.op {
	case FileRRQ:
		path, err := d.requireText(2, "path")
		if err != nil {
			return nil, err
		}
		blockSize, err := d.optUint(3, "block_size")
		if err != nil {
			return nil, err
		}
		return NewReadRequest(path, blockSize), nil
	case FileWRQ:
		path, err := d.requireText(2, "path")
		if err != nil {
			return nil, err
		}
		total, err := d.requireUint(3, "total_size")
		if err != nil {
			return nil, err
		}
		blockSize, err := d.optUint(4, "block_size")
		if err != nil {
			return nil, err
		}
		return NewWriteRequest(path, total, blockSize), nil
	case FileData:
		block, err := d.requireUint(2, "block")
		if err != nil {
			return nil, err
		}
		data, _, err := d.payload(3, "data")
		if err != nil {
			return nil, err
		}
		return NewData(block, data), nil
	case FileAck:
		block, err := d.requireUint(2, "block")
		if err != nil {
			return nil, err
		}
		total, err := d.optUint(3, "total_size")
		if err != nil {
			return nil, err
		}
		blockSize, err := d.optUint(4, "block_size")
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: KindAck, Channel: ChannelFile, Block: block, TotalSize: total, BlockSize: blockSize}, nil
	case FileError:
		code, err := d.requireUint8(2, "code")
		if err != nil {
			return nil, err
		}
		message, err := d.optText(3, "message")
		if err != nil {
			return nil, err
		}
		f := NewFileError(code, "")
		if message != nil {
			f.Message = *message
		}
		return f, nil
	default:
		return nil, d.fail("opcode", "unknown file opcode")
	}
}
