// ABOUTME: One attached connection to an execution context
// ABOUTME: Buffers outbound envelopes in a FIFO outbox drained by a single writer goroutine

package host

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kbve/droid-gateway/internal/protocol"
)

// DefaultOutboxSize bounds each endpoint's pending outbound envelopes.
const DefaultOutboxSize = 256

// Endpoint is one transport connection attached to a Host. Envelopes for
// it are delivered in order by a dedicated writer goroutine.
type Endpoint struct {
	id      string
	host    *Host
	deliver func(*protocol.Envelope)

	closeMu sync.Mutex // protects closed and outbox close
	closed  bool
	outbox  chan *protocol.Envelope
	done    chan struct{}

	dropped atomic.Int64
}

func newEndpoint(h *Host, size int, deliver func(*protocol.Envelope)) *Endpoint {
	ep := &Endpoint{
		id:      uuid.New().String(),
		host:    h,
		deliver: deliver,
		outbox:  make(chan *protocol.Envelope, size),
		done:    make(chan struct{}),
	}
	go ep.writeLoop()
	return ep
}

// ID implements hub.Endpoint.
func (e *Endpoint) ID() string { return e.id }

// Deliver queues env without blocking. It reports false when the endpoint
// is closed or its outbox is full.
func (e *Endpoint) Deliver(env *protocol.Envelope) bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.outbox <- env:
		return true
	default:
		e.dropped.Add(1)
		e.host.logger.Debug("outbox full, dropping envelope",
			"endpoint", e.id,
			"type", env.Type,
			"topic", env.Topic)
		return false
	}
}

// Dropped returns how many envelopes were discarded for a full outbox.
func (e *Endpoint) Dropped() int64 { return e.dropped.Load() }

// Send hands an inbound envelope to the host.
func (e *Endpoint) Send(env *protocol.Envelope) error {
	e.closeMu.Lock()
	closed := e.closed
	e.closeMu.Unlock()
	if closed {
		return protocol.ErrNotConnected
	}
	return e.host.submit(e, env)
}

// Done is closed once the endpoint is closed and its outbox drained.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close detaches the endpoint, dropping all of its subscriptions, and waits
// for queued envelopes to be written. Safe to call multiple times.
func (e *Endpoint) Close() {
	if !e.shutdown() {
		<-e.done
		return
	}
	e.host.detach(e)
	<-e.done
}

// shutdown closes the outbox once. It reports whether this call closed it.
func (e *Endpoint) shutdown() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	close(e.outbox)
	return true
}

func (e *Endpoint) writeLoop() {
	defer close(e.done)
	for env := range e.outbox {
		e.deliver(env)
	}
}
