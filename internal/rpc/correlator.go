// ABOUTME: Request/response correlation over an asynchronous message channel
// ABOUTME: Tracks pending calls by id with per-call deadlines and exactly-once resolution

package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbve/droid-gateway/internal/protocol"
)

// DefaultTimeout applies when a call does not specify its own.
const DefaultTimeout = 5 * time.Second

// Sender is the outbound half of a transport.
type Sender interface {
	Send(env *protocol.Envelope) error
	Connected() bool
}

// Result is the outcome of one call.
type Result struct {
	Payload json.RawMessage
	Err     error
}

type pendingCall struct {
	id       string
	typ      string
	deadline time.Time
	timer    *time.Timer
	done     chan Result
}

// Correlator matches responses to outstanding calls by id. A pending call is
// removed exactly once: by its response, its deadline, its context or
// RejectAll. Responses for ids that are no longer pending are dropped.
type Correlator struct {
	sender         Sender
	defaultTimeout time.Duration
	newID          func() string

	mu      sync.Mutex
	pending map[string]*pendingCall
	logger  *slog.Logger
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger.With("component", "rpc")
		}
	}
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Correlator) {
		c.newID = fn
	}
}

// NewCorrelator creates a correlator sending through sender.
func NewCorrelator(sender Sender, opts ...Option) *Correlator {
	c := &Correlator{
		sender:         sender,
		defaultTimeout: DefaultTimeout,
		newID:          func() string { return uuid.New().String() },
		pending:        make(map[string]*pendingCall),
		logger:         slog.Default().With("component", "rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends one request and waits for its response. A timeout of zero or
// less uses the default. The call fails immediately with not_connected when
// the sender is down, and with timeout when the deadline passes first.
func (c *Correlator) Call(ctx context.Context, typ string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if !c.sender.Connected() {
		return nil, protocol.Errorf(protocol.KindNotConnected, "cannot call %q: transport not connected", typ)
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	pc, err := c.register(typ, timeout)
	if err != nil {
		return nil, err
	}

	env, err := protocol.NewRequest(pc.id, typ, payload)
	if err != nil {
		c.resolve(pc.id, Result{Err: err})
		r := <-pc.done
		return nil, r.Err
	}

	if err := c.sender.Send(env); err != nil {
		c.resolve(pc.id, Result{Err: err})
	}

	select {
	case r := <-pc.done:
		return r.Payload, r.Err
	case <-ctx.Done():
		c.resolve(pc.id, Result{Err: ctx.Err()})
		r := <-pc.done
		return r.Payload, r.Err
	}
}

// Go runs Call in the background and delivers the result on the returned
// channel, which receives exactly one value.
func (c *Correlator) Go(ctx context.Context, typ string, payload any, timeout time.Duration) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		p, err := c.Call(ctx, typ, payload, timeout)
		out <- Result{Payload: p, Err: err}
	}()
	return out
}

// register creates a pending call with a fresh id and arms its deadline.
func (c *Correlator) register(typ string, timeout time.Duration) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.newID()
	for attempts := 0; ; attempts++ {
		if _, taken := c.pending[id]; !taken {
			break
		}
		if attempts >= 8 {
			return nil, protocol.Errorf(protocol.KindHandler, "could not allocate a unique call id")
		}
		id = c.newID()
	}

	pc := &pendingCall{
		id:       id,
		typ:      typ,
		deadline: time.Now().Add(timeout),
		done:     make(chan Result, 1),
	}
	pc.timer = time.AfterFunc(timeout, func() {
		if c.resolve(id, Result{Err: protocol.Errorf(protocol.KindTimeout, "%q did not respond within %s", typ, timeout)}) {
			c.logger.Debug("call timed out", "type", typ, "request_id", id, "timeout", timeout)
		}
	})
	c.pending[id] = pc
	return pc, nil
}

// resolve removes the pending call and delivers r to its caller. It reports
// false when the call was already gone.
func (c *Correlator) resolve(id string, r Result) bool {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	pc.timer.Stop()
	pc.done <- r
	return true
}

// HandleMessage routes a response envelope to its pending call. It reports
// whether env was a response at all; late responses are consumed and dropped.
func (c *Correlator) HandleMessage(env *protocol.Envelope) bool {
	if env == nil || !env.IsResponse() {
		return false
	}

	r := Result{Payload: env.Payload}
	if err := env.Err(); err != nil {
		r = Result{Err: err}
	}

	if !c.resolve(env.ID, r) {
		c.logger.Debug("discarding response for unknown request", "request_id", env.ID)
	}
	return true
}

// Reject fails one pending call with err. Used when a response for id
// arrives but cannot be decoded.
func (c *Correlator) Reject(id string, err error) bool {
	return c.resolve(id, Result{Err: err})
}

// RejectAll fails every pending call with err.
func (c *Correlator) RejectAll(err error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(id, Result{Err: err})
	}
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
