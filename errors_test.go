package wbp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/machinefabric/wbp-go/cbor"
	"github.com/stretchr/testify/assert"
)

// TEST362: Protocol errors render by type
func TestProtocolErrorMessages(t *testing.T) {
	cases := []struct {
		err  *ProtocolError
		want string
	}{
		{&ProtocolError{Type: ProtocolErrorTypeCodec, Message: "bad"}, "codec error: bad"},
		{&ProtocolError{Type: ProtocolErrorTypeAuth, Message: "Access denied"}, "authentication failed: Access denied"},
		{&ProtocolError{Type: ProtocolErrorTypeExecution, Message: "x"}, "execution failed: x"},
		{&ProtocolError{Type: ProtocolErrorTypeFileTransfer, Message: "y"}, "file transfer error: y"},
		{&ProtocolError{Type: ProtocolErrorTypeTransport, Message: "z"}, "transport error: z"},
		{&ProtocolError{Type: ProtocolErrorTypeQueueFull}, "execution queue full"},
		{&ProtocolError{Type: ProtocolErrorTypeClosed}, "session closed"},
		{&ProtocolError{Type: ProtocolErrorType(99), Message: "?"}, "unknown error: ?"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.err.Error())
	}
}

// TEST363: File errors keep their wire code through wrapping
func TestFileErrorFrame(t *testing.T) {
	fe := newFileError(cbor.ErrNotFound, "File %q not found", "a.txt")
	assert.Equal(t, `File "a.txt" not found (code 1)`, fe.Error())

	f := fileErrorFrame(fmt.Errorf("open: %w", fe))
	assert.Equal(t, cbor.KindError, f.Kind)
	assert.Equal(t, cbor.ErrNotFound, f.Code)
	assert.Equal(t, `File "a.txt" not found`, f.Message)

	f = fileErrorFrame(errors.New("mystery"))
	assert.Equal(t, cbor.ErrUndefined, f.Code)
	assert.Equal(t, "mystery", f.Message)
}
