package cbor

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameReader reads length-prefixed WBP messages from a byte stream.
// Message-oriented transports (WebSocket, data channels) carry one message
// per transport frame and do not need it.
type FrameReader struct {
	reader io.Reader
	limits Limits
}

// NewFrameReader creates a new FrameReader
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader: r,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the reader's limits
func (fr *FrameReader) SetLimits(limits Limits) {
	fr.limits = limits
}

// ReadMessage reads one message and returns its undecoded CBOR bytes
func (fr *FrameReader) ReadMessage() ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("zero-length message")
	}
	if limit := fr.limits.effective(); int(length) > limit {
		return nil, fmt.Errorf("message size %d exceeds limit %d", length, limit)
	}

	msg := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ReadRequest reads and decodes one client-to-server message
func (fr *FrameReader) ReadRequest() (*Frame, error) {
	msg, err := fr.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeRequest(msg)
}

// ReadResponse reads and decodes one server-to-client message
func (fr *FrameReader) ReadResponse() (*Frame, error) {
	msg, err := fr.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeResponse(msg)
}

// FrameWriter writes length-prefixed WBP messages to a byte stream
type FrameWriter struct {
	writer io.Writer
	limits Limits
}

// NewFrameWriter creates a new FrameWriter
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		writer: w,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the writer's limits
func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.limits = limits
}

// WriteMessage writes already-encoded CBOR bytes with their length prefix.
// Prefix and body go out in a single Write so concurrent writers guarded
// by an outer lock never tear a message.
func (fw *FrameWriter) WriteMessage(msg []byte) error {
	if len(msg) == 0 {
		return fmt.Errorf("refusing to write empty message")
	}
	if limit := fw.limits.effective(); len(msg) > limit {
		return fmt.Errorf("message size %d exceeds limit %d", len(msg), limit)
	}

	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(msg)))
	copy(buf[4:], msg)
	_, err := fw.writer.Write(buf)
	return err
}

// WriteFrame encodes and writes a single frame
func (fw *FrameWriter) WriteFrame(frame *Frame) error {
	msg, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	return fw.WriteMessage(msg)
}
