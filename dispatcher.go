package wbp

import (
	"errors"

	"github.com/machinefabric/wbp-go/cbor"
	"go.uber.org/zap"
)

// ChannelHandler processes decoded frames for one or more channels
type ChannelHandler interface {
	HandleFrame(f *cbor.Frame)
}

// ChannelHandlerFunc adapts a function to ChannelHandler
type ChannelHandlerFunc func(f *cbor.Frame)

// HandleFrame calls fn(f)
func (fn ChannelHandlerFunc) HandleFrame(f *cbor.Frame) {
	fn(f)
}

// dispatcher routes inbound frames through a table indexed by channel
type dispatcher struct {
	s        *Session
	log      *zap.Logger
	handlers [cbor.ChannelFile + 1]ChannelHandler
}

func newDispatcher(s *Session) *dispatcher {
	d := &dispatcher{s: s, log: s.log.Named("dispatch")}
	d.handlers[cbor.ChannelEvent] = ChannelHandlerFunc(s.handleEvent)
	for ch := cbor.ChannelTerminal; ch <= cbor.ChannelExecMax; ch++ {
		d.handlers[ch] = ChannelHandlerFunc(s.handleExec)
	}
	d.handlers[cbor.ChannelFile] = s.files
	return d
}

func (d *dispatcher) dispatch(msg []byte) {
	f, err := cbor.DecodeRequest(msg)
	if err != nil {
		var de *cbor.DecodeError
		if errors.As(err, &de) && de.Channel == int(cbor.ChannelEvent) && de.Opcode == int(cbor.EventAuth) {
			d.s.send(cbor.NewAuthFail(authFormatReason))
			return
		}
		d.log.Warn("dropping malformed message", zap.Error(err), zap.Int("len", len(msg)))
		return
	}

	if f.Channel != cbor.ChannelEvent && !d.s.Authenticated() {
		d.log.Debug("dropping frame from unauthenticated client", zap.Stringer("frame", f))
		return
	}

	h := d.handlers[f.Channel]
	if h == nil {
		d.log.Warn("no handler for channel", zap.Uint8("channel", f.Channel))
		return
	}
	h.HandleFrame(f)
}

// handleEvent processes channel 0. Clients only ever send AUTH; the codec
// rejects anything else on this channel.
func (s *Session) handleEvent(f *cbor.Frame) {
	switch f.Kind {
	case cbor.KindAuth:
		s.authenticate(f.Password)
	default:
		s.log.Debug("ignoring event", zap.Stringer("frame", f))
	}
}
