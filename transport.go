package wbp

// Transport is the byte-delivery link beneath the protocol. Each call to
// Send carries exactly one encoded message; framing, if the link needs
// any, is the transport's business. Implementations must be safe for
// concurrent Send calls.
type Transport interface {
	// Send delivers one message. It returns false if the message could not
	// be handed to the link; the transport reports the loss itself
	// through OnDisconnect. Send must return within a bounded time: the
	// output drain holds its emit lock across it, and interpreter writes
	// wait on that lock.
	Send(msg []byte) bool
	// IsConnected reports whether the link is currently usable
	IsConnected() bool
}

// TransportHandler receives the callbacks a transport drives. Session
// implements it; transports never see anything above this interface.
type TransportHandler interface {
	OnConnect(t Transport)
	OnDisconnect(t Transport)
	OnMessage(t Transport, msg []byte)
}

var _ TransportHandler = (*Session)(nil)
