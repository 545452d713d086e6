package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	wbp "github.com/machinefabric/wbp-go"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Compile-time interface checks.
var (
	_ wbp.Transport   = (*DataChannel)(nil)
	_ wbp.MessageConn = (*DataChannelConn)(nil)
)

// DataChannelLabel is the label of the data channel carrying WBP
const DataChannelLabel = "wbp"

// MaxBufferedAmount is how many unsent bytes a data channel may hold
// before Send treats the peer as gone
const MaxBufferedAmount = 4 << 20

const (
	iceGatherTimeout   = 10 * time.Second
	channelOpenTimeout = 10 * time.Second
	dataChannelBacklog = 256
)

// ICEConfig lists the STUN/TURN servers used for NAT traversal. An empty
// list restricts candidates to host addresses.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// newAPI builds a pion API that includes loopback candidates, which
// same-machine links and tests rely on.
func newAPI() *webrtc.API {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
}

// DataChannel adapts a pion data channel to wbp.Transport. Binary
// messages go to the handler; string messages are ignored.
type DataChannel struct {
	dc          *webrtc.DataChannel
	handler     wbp.TransportHandler
	maxBuffered uint64
	log         *zap.Logger

	open atomic.Bool
}

// NewDataChannel registers the channel callbacks. The handler sees
// OnConnect when the channel opens and OnDisconnect when it closes.
func NewDataChannel(dc *webrtc.DataChannel, handler wbp.TransportHandler, log *zap.Logger) *DataChannel {
	if log == nil {
		log = zap.NewNop()
	}
	d := &DataChannel{
		dc:          dc,
		handler:     handler,
		maxBuffered: MaxBufferedAmount,
		log:         log.Named("webrtc").With(zap.String("label", dc.Label())),
	}

	dc.OnOpen(func() {
		d.open.Store(true)
		d.log.Info("data channel opened")
		handler.OnConnect(d)
	})
	dc.OnClose(func() {
		if d.open.Swap(false) {
			d.log.Info("data channel closed")
			handler.OnDisconnect(d)
		}
	})
	dc.OnError(func(err error) {
		d.log.Warn("data channel error", zap.Error(err))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			d.log.Debug("ignoring string message", zap.Int("len", len(msg.Data)))
			return
		}
		handler.OnMessage(d, msg.Data)
	})
	return d
}

// Send queues msg on the SCTP stream without blocking. A peer that lets
// more than maxBuffered bytes pile up is treated as gone and the channel
// is closed.
func (d *DataChannel) Send(msg []byte) bool {
	if !d.IsConnected() {
		return false
	}
	if buffered := d.dc.BufferedAmount(); buffered > d.maxBuffered {
		d.log.Warn("peer not draining, closing channel", zap.Uint64("buffered", buffered))
		d.dc.Close()
		return false
	}
	if err := d.dc.Send(msg); err != nil {
		d.log.Warn("send failed", zap.Error(err))
		return false
	}
	return true
}

func (d *DataChannel) IsConnected() bool {
	return d.open.Load() && d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// AnswerOffer answers a remote SDP offer in vanilla ICE mode and attaches
// the peer's "wbp" data channel to handler. It returns the complete answer
// SDP and the peer connection, which the caller closes when done.
// onClose, if set, runs when the connection reaches the closed or failed
// state and may run more than once.
func AnswerOffer(ctx context.Context, offerSDP string, ice ICEConfig, handler wbp.TransportHandler, onClose func(*webrtc.PeerConnection), log *zap.Logger) (string, *webrtc.PeerConnection, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pc, err := newAPI().NewPeerConnection(webrtc.Configuration{ICEServers: ice.Servers})
	if err != nil {
		return "", nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			log.Debug("ignoring data channel", zap.String("label", dc.Label()))
			dc.OnOpen(func() { dc.Close() })
			return
		}
		NewDataChannel(dc, handler, log)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state change", zap.Stringer("state", state))
		switch state {
		case webrtc.PeerConnectionStateFailed:
			pc.Close()
		case webrtc.PeerConnectionStateClosed:
		default:
			return
		}
		if onClose != nil {
			onClose(pc)
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, answer); err != nil {
		pc.Close()
		return "", nil, err
	}
	return pc.LocalDescription().SDP, pc, nil
}

func setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
		return nil
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal delivers an offer SDP to the server and returns its answer
type Signal func(ctx context.Context, offerSDP string) (string, error)

// DataChannelConn is the client side of a WebRTC link
type DataChannelConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// OfferDataChannel creates a peer connection with a "wbp" data channel,
// exchanges SDP through signal and waits for the channel to open.
func OfferDataChannel(ctx context.Context, ice ICEConfig, signal Signal) (*DataChannelConn, error) {
	pc, err := newAPI().NewPeerConnection(webrtc.Configuration{ICEServers: ice.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}

	c := &DataChannelConn{
		pc:     pc,
		dc:     dc,
		inbox:  make(chan []byte, dataChannelBacklog),
		closed: make(chan struct{}),
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnClose(func() { c.markClosed() })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		select {
		case c.inbox <- msg.Data:
		case <-c.closed:
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, offer); err != nil {
		pc.Close()
		return nil, err
	}

	answerSDP, err := signal(ctx, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("signaling: %w", err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	select {
	case <-opened:
		return c, nil
	case <-time.After(channelOpenTimeout):
		pc.Close()
		return nil, fmt.Errorf("data channel did not open within %s", channelOpenTimeout)
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}
}

func (c *DataChannelConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// WriteMessage sends msg as one binary data channel message
func (c *DataChannelConn) WriteMessage(msg []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	return c.dc.Send(msg)
}

// ReadMessage returns the next binary message
func (c *DataChannelConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.closed:
	}
	select {
	case msg := <-c.inbox:
		return msg, nil
	default:
		return nil, io.EOF
	}
}

// Close closes the data channel, so the server sees the disconnect, and
// tears down the peer connection.
func (c *DataChannelConn) Close() error {
	c.markClosed()
	c.dc.Close()
	err := c.pc.Close()
	if errors.Is(err, webrtc.ErrConnectionClosed) {
		return nil
	}
	return err
}
