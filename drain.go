package wbp

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/machinefabric/wbp-go/cbor"
	"github.com/machinefabric/wbp-go/ring"
	"go.uber.org/zap"
)

// outputTag is the channel and correlation id that buffered output is
// attributed to when it leaves the ring.
type outputTag struct {
	channel uint8
	id      *string
}

// drainLoop moves interpreter output from the ring buffer to the client
// as RES frames. It runs only while output is attached to a client.
// emitMu is held across Transport.Send, so a send that never returns
// stalls OutputWriter.Write. The network transports bound it: stream and
// WebSocket links with a write deadline, data channels by refusing to
// queue past a buffered-amount limit.
type drainLoop struct {
	s      *Session
	ring   *ring.Buffer
	chunk  int
	wait   time.Duration
	window time.Duration
	log    *zap.Logger

	// emitMu serializes one read-and-send pass against finish, so a PRO
	// can never overtake RES chunks of the same request.
	emitMu sync.Mutex
	tag    outputTag

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

func newDrainLoop(s *Session, buf *ring.Buffer, cfg Config, log *zap.Logger) *drainLoop {
	return &drainLoop{
		s:      s,
		ring:   buf,
		chunk:  cfg.DrainChunkSize,
		wait:   cfg.DrainWait,
		window: cfg.BatchWindow,
		log:    log,
		tag:    outputTag{channel: cbor.ChannelTerminal},
	}
}

// start launches the loop goroutine if it is not already running
func (d *drainLoop) start() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
	d.log.Debug("drain loop started")
}

// halt stops the loop and waits for it to exit. Safe to call when the
// loop is not running.
func (d *drainLoop) halt() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.stop == nil {
		return
	}
	close(d.stop)
	d.ring.Wake()
	<-d.done
	d.stop, d.done = nil, nil
	d.log.Debug("drain loop stopped")
}

func (d *drainLoop) running() bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.stop != nil
}

func (d *drainLoop) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(d.wait)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-d.ring.Signal():
		case <-timer.C:
		}
		timer.Reset(d.wait)

		if d.ring.Len() == 0 {
			continue
		}

		// let a burst of small writes from one statement land before reading
		if d.window > 0 {
			select {
			case <-stop:
				return
			case <-time.After(d.window):
			}
		}

		d.emitMu.Lock()
		d.flushLocked()
		d.emitMu.Unlock()
	}
}

// flushLocked empties the ring in chunk-sized RES frames. Caller holds emitMu.
func (d *drainLoop) flushLocked() {
	buf := make([]byte, d.chunk)
	for {
		n := d.ring.Read(buf)
		if n == 0 {
			return
		}
		data := buf[:n]
		d.s.sendAuthenticated(cbor.NewResult(d.tag.channel, data, utf8.Valid(data), d.tag.id))
	}
}

// begin attributes subsequent output to a request
func (d *drainLoop) begin(channel uint8, id *string) {
	d.emitMu.Lock()
	d.tag = outputTag{channel: channel, id: id}
	d.emitMu.Unlock()
}

// finish flushes whatever the request left in the ring and sends its
// terminating PRO in the same critical section, then resets attribution.
func (d *drainLoop) finish(progress *cbor.Frame) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	d.flushLocked()
	d.s.sendAuthenticated(progress)
	d.tag = outputTag{channel: cbor.ChannelTerminal}
}
