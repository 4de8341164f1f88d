package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/boardsync/pkg/protocol"
)

// DefaultEmitDelay is the debounce applied before each outgoing update.
const DefaultEmitDelay = 10 * time.Millisecond

// Emitter sends local updates from a single worker goroutine, in the order
// they were emitted, after an optional fixed delay.
type Emitter struct {
	delay  time.Duration
	send   func(protocol.Draw) error
	logger *slog.Logger

	mu      sync.Mutex
	pending []protocol.Draw
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewEmitter starts an emitter. A delay of zero sends immediately.
func NewEmitter(delay time.Duration, send func(protocol.Draw) error, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		delay:  delay,
		send:   send,
		logger: logger.With("component", "emitter"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues d. It never blocks on the network.
func (e *Emitter) Emit(d protocol.Draw) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, d)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of updates not yet sent.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close stops the worker after the queued updates are sent.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for {
		d, ok, closed := e.next()
		if !ok {
			if closed {
				return
			}
			<-e.wake
			continue
		}
		if e.delay > 0 {
			time.Sleep(e.delay)
		}
		if err := e.send(d); err != nil {
			e.logger.Warn("update not sent", "board_id", d.BoardID, "error", err)
		}
	}
}

func (e *Emitter) next() (protocol.Draw, bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return protocol.Draw{}, false, e.closed
	}
	d := e.pending[0]
	e.pending[0] = protocol.Draw{}
	e.pending = e.pending[1:]
	return d, true, false
}
