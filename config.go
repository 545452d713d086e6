package wbp

import (
	"fmt"
	"time"

	"github.com/machinefabric/wbp-go/cbor"
)

// Config holds the sizing and timing knobs of a Session. The defaults
// are the values the protocol was tuned with on constrained hardware.
type Config struct {
	// Password clients must present in AUTH. Empty is rejected by Validate.
	Password string

	OutputRingSize int // interpreter output buffer
	StdinRingSize  int // side-channel input for blocked executions
	QueueDepth     int // pending EXE/RST requests

	DrainChunkSize int           // largest RES payload
	DrainWait      time.Duration // drain loop wake-up bound
	BatchWindow    time.Duration // coalescing delay after the first byte

	DefaultBlockSize int
	MaxBlockSize     int

	HardResetGrace time.Duration
	PollInterval   time.Duration

	// CompletionTrigger marks an EXE payload as a completion request
	CompletionTrigger byte
}

// DefaultConfig returns the protocol defaults
func DefaultConfig() Config {
	return Config{
		OutputRingSize:    16384,
		StdinRingSize:     1024,
		QueueDepth:        50,
		DrainChunkSize:    4096,
		DrainWait:         100 * time.Millisecond,
		BatchWindow:       20 * time.Millisecond,
		DefaultBlockSize:  cbor.DefaultBlockSize,
		MaxBlockSize:      cbor.MaxBlockSize,
		HardResetGrace:    200 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		CompletionTrigger: '\t',
	}
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	switch {
	case c.Password == "":
		return fmt.Errorf("password must be set")
	case c.OutputRingSize <= 0:
		return fmt.Errorf("output ring size must be positive, got %d", c.OutputRingSize)
	case c.StdinRingSize <= 0:
		return fmt.Errorf("stdin ring size must be positive, got %d", c.StdinRingSize)
	case c.QueueDepth <= 0:
		return fmt.Errorf("queue depth must be positive, got %d", c.QueueDepth)
	case c.DrainChunkSize <= 0:
		return fmt.Errorf("drain chunk size must be positive, got %d", c.DrainChunkSize)
	case c.DrainWait <= 0:
		return fmt.Errorf("drain wait must be positive, got %s", c.DrainWait)
	case c.BatchWindow < 0:
		return fmt.Errorf("batch window must not be negative, got %s", c.BatchWindow)
	case c.DefaultBlockSize <= 0:
		return fmt.Errorf("default block size must be positive, got %d", c.DefaultBlockSize)
	case c.MaxBlockSize < c.DefaultBlockSize:
		return fmt.Errorf("max block size %d below default block size %d", c.MaxBlockSize, c.DefaultBlockSize)
	case c.MaxBlockSize > cbor.MaxBlockSize:
		return fmt.Errorf("max block size %d exceeds protocol limit %d", c.MaxBlockSize, cbor.MaxBlockSize)
	case c.HardResetGrace < 0:
		return fmt.Errorf("hard reset grace must not be negative, got %s", c.HardResetGrace)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}
