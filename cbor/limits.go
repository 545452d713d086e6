package cbor

// Protocol size constants
const (
	// MaxBlockSize is the largest file transfer block a peer may request
	MaxBlockSize = 65536
	// DefaultMaxMessage bounds one encoded message on framed transports
	DefaultMaxMessage = 1024 * 1024 // 1 MB
	// MaxMessageHardLimit is never exceeded regardless of configuration
	MaxMessageHardLimit = 16 * 1024 * 1024 // 16 MB
	// messageOverhead covers the array header, channel, opcode and the
	// optional trailing fields of the largest message shape.
	messageOverhead = 64
)

// Limits bounds the size of messages read or written on a framed stream
type Limits struct {
	MaxMessage int
}

// DefaultLimits returns the default protocol limits
func DefaultLimits() Limits {
	return Limits{
		MaxMessage: DefaultMaxMessage,
	}
}

// effective returns the configured bound clamped to the hard limit
func (l Limits) effective() int {
	if l.MaxMessage <= 0 || l.MaxMessage > MaxMessageHardLimit {
		return MaxMessageHardLimit
	}
	return l.MaxMessage
}
