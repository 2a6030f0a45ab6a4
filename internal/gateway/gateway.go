// ABOUTME: Gateway facade: one owned connection from a caller to its execution context
// ABOUTME: Selects a strategy, correlates calls and fans broadcasts out to local subscribers

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kbve/droid-gateway/internal/capability"
	"github.com/kbve/droid-gateway/internal/config"
	"github.com/kbve/droid-gateway/internal/eventbus"
	"github.com/kbve/droid-gateway/internal/protocol"
	"github.com/kbve/droid-gateway/internal/rpc"
	"github.com/kbve/droid-gateway/internal/state"
	"github.com/kbve/droid-gateway/internal/transport"
)

// inboxSize bounds broadcasts waiting for the dispatcher.
const inboxSize = 256

// Gateway is the caller-facing handle. Construct one per caller and pass it
// by reference.
type Gateway struct {
	caps      capability.Capabilities
	strategy  capability.Strategy
	transport transport.Transport
	rpc       *rpc.Correlator
	bus       *eventbus.Bus
	state     *state.Store
	mirror    *state.Mirror
	logger    *slog.Logger

	inbox chan *protocol.Envelope
	stop  chan struct{}
	done  chan struct{}

	// ctrlMu orders refcount changes with the control messages they emit.
	ctrlMu  sync.Mutex
	mu      sync.Mutex
	subs    map[string][]subscription
	nextSub int
	closed  bool
}

type subscription struct {
	id int
	fn func(json.RawMessage)
}

// New detects capabilities, selects a strategy, connects the matching
// transport and starts dispatching. A nil cfg uses config.Default.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "gateway")

	caps := capability.Cached()
	if o.env != nil {
		caps = capability.Detect(o.env)
	}
	strategy := capability.Select(caps)
	logger.Debug("strategy selected",
		"strategy", strategy.String(),
		"shared", caps.SharedContextAvailable,
		"private", caps.PrivateContextAvailable,
		"broken", caps.IsKnownBrokenEnvironment)

	hostOpts, err := HostOptions(cfg, o.logger)
	if err != nil {
		return nil, err
	}
	hostOpts = append(hostOpts, o.hostOptions...)

	pool := o.pool
	if strategy == capability.SharedContext && pool == nil && cfg.Context.Address == "" {
		if pool, err = sharedPool(cfg, o.logger, o.hostOptions); err != nil {
			return nil, err
		}
	}

	tr := transport.New(strategy, transport.Options{
		Origin:        cfg.Gateway.Origin,
		Pool:          pool,
		RemoteAddress: cfg.Context.Address,
		Token:         cfg.Auth.Token,
		HostOptions:   hostOpts,
		DialOptions:   o.dialOptions,
		Logger:        o.logger,
	})

	g := &Gateway{
		caps:      caps,
		strategy:  strategy,
		transport: tr,
		bus:       eventbus.New(cfg.EventBus.HistorySize, o.logger),
		state:     state.NewStore(),
		logger:    logger,
		inbox:     make(chan *protocol.Envelope, inboxSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		subs:      make(map[string][]subscription),
	}
	g.rpc = rpc.NewCorrelator(tr,
		rpc.WithDefaultTimeout(cfg.RPC.DefaultTimeout),
		rpc.WithLogger(o.logger))

	tr.OnMessage(g.receive)
	if d, ok := tr.(transport.Disconnecter); ok {
		d.OnDisconnect(g.disconnected)
	}

	go g.dispatch()

	if err := tr.Connect(ctx); err != nil {
		_ = tr.Close()
		close(g.stop)
		<-g.done
		return nil, err
	}

	g.mirror = state.NewMirror(g.state, g.bus, g.notify, o.logger)
	g.mirror.Bind(g)

	g.bus.Emit(eventbus.RealtimeConnected, "gateway", map[string]any{"strategy": strategy.String()})
	logger.Info("gateway connected", "strategy", strategy.String(), "origin", cfg.Gateway.Origin)
	return g, nil
}

// receive runs on the transport's reader and never blocks it. Responses
// resolve here. Broadcasts that find the inbox full are dropped so a slow
// subscriber cannot stall replies.
func (g *Gateway) receive(env *protocol.Envelope) {
	if g.rpc.HandleMessage(env) {
		return
	}
	if !env.IsBroadcast() {
		g.logger.Debug("dropping unroutable envelope", "type", env.Type, "id", env.ID)
		return
	}
	select {
	case g.inbox <- env:
	case <-g.stop:
	default:
		g.logger.Warn("inbox full, dropping broadcast", "topic", env.Topic)
	}
}

// dispatch delivers broadcasts to local subscribers in arrival order.
func (g *Gateway) dispatch() {
	defer close(g.done)
	for {
		select {
		case env := <-g.inbox:
			g.deliver(env)
		case <-g.stop:
			return
		}
	}
}

func (g *Gateway) deliver(env *protocol.Envelope) {
	g.mu.Lock()
	subs := g.subs[env.Topic]
	g.mu.Unlock()

	for _, s := range subs {
		g.safeCall(env.Topic, s.fn, env.Payload)
	}
	g.relay(env)
}

// relay mirrors realtime traffic onto the event bus.
func (g *Gateway) relay(env *protocol.Envelope) {
	if _, ok := protocol.RealtimeKey(env.Topic); ok || env.Topic == protocol.TopicWSMessage {
		g.bus.Emit(eventbus.RealtimeMessage, env.Topic, env.Payload)
		return
	}
	if env.Topic != protocol.TopicWSStatus {
		return
	}
	var st protocol.WSStatus
	if err := json.Unmarshal(env.Payload, &st); err != nil {
		g.logger.Debug("ignoring undecodable ws.status", "error", err)
		return
	}
	switch st.Status {
	case protocol.StatusConnected:
		g.bus.Emit(eventbus.RealtimeConnected, env.Topic, st)
	case protocol.StatusDisconnected, protocol.StatusError:
		g.bus.Emit(eventbus.RealtimeDisconnected, env.Topic, st)
	}
}

func (g *Gateway) safeCall(topic string, fn func(json.RawMessage), payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	fn(payload)
}

func (g *Gateway) disconnected(err error) {
	g.logger.Warn("execution context disconnected", "error", err)
	g.rpc.RejectAll(protocol.Errorf(protocol.KindNotConnected, "execution context disconnected"))
	g.bus.Emit(eventbus.RealtimeDisconnected, "gateway", map[string]any{"error": fmt.Sprint(err)})
}

// Call sends one request and returns its raw response payload. A timeout of
// zero or less uses the configured default.
func (g *Gateway) Call(ctx context.Context, typ string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return g.rpc.Call(ctx, typ, payload, timeout)
}

// CallInto is Call with the default timeout, decoding the response into out.
func (g *Gateway) CallInto(ctx context.Context, typ string, payload, out any) error {
	raw, err := g.rpc.Call(ctx, typ, payload, 0)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return protocol.Wrap(protocol.KindMalformedMessage, err)
	}
	return nil
}

func (g *Gateway) notify(ctx context.Context, typ string, payload any) error {
	_, err := g.rpc.Call(ctx, typ, payload, 0)
	return err
}

// Subscribe registers fn for topic. The first local subscriber subscribes
// the gateway upstream and the last unsubscribe releases it. The returned
// func is idempotent.
func (g *Gateway) Subscribe(topic string, fn func(payload json.RawMessage)) func() {
	g.ctrlMu.Lock()
	defer g.ctrlMu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return func() {}
	}
	g.nextSub++
	id := g.nextSub
	first := len(g.subs[topic]) == 0
	g.subs[topic] = append(g.subs[topic], subscription{id: id, fn: fn})
	g.mu.Unlock()

	if first {
		g.control(protocol.TypeSubscribe, topic)
	}

	var once sync.Once
	return func() { once.Do(func() { g.unsubscribe(topic, id) }) }
}

func (g *Gateway) unsubscribe(topic string, id int) {
	g.ctrlMu.Lock()
	defer g.ctrlMu.Unlock()

	g.mu.Lock()
	subs := g.subs[topic]
	kept := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	last := len(subs) > 0 && len(kept) == 0
	if len(kept) == 0 {
		delete(g.subs, topic)
	} else {
		g.subs[topic] = kept
	}
	closed := g.closed
	g.mu.Unlock()

	if last && !closed {
		g.control(protocol.TypeUnsubscribe, topic)
	}
}

// control sends an uncorrelated subscribe or unsubscribe.
func (g *Gateway) control(typ, topic string) {
	if err := g.transport.Send(&protocol.Envelope{Type: typ, Topic: topic}); err != nil {
		g.logger.Warn("sending control message failed", "type", typ, "topic", topic, "error", err)
	}
}

// Bus returns the gateway's event bus.
func (g *Gateway) Bus() *eventbus.Bus { return g.bus }

// State returns the mirrored state containers.
func (g *Gateway) State() *state.Store { return g.state }

// Mirror returns the optimistic action surface over State.
func (g *Gateway) Mirror() *state.Mirror { return g.mirror }

// Strategy returns the selected strategy.
func (g *Gateway) Strategy() capability.Strategy { return g.strategy }

// Capabilities returns the capabilities detected at construction.
func (g *Gateway) Capabilities() capability.Capabilities { return g.caps }

// Pending returns the number of outstanding calls.
func (g *Gateway) Pending() int { return g.rpc.Pending() }

// Close rejects pending calls with not_connected, closes the transport and
// stops the dispatcher. Safe to call multiple times.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.subs = make(map[string][]subscription)
	g.mu.Unlock()

	g.rpc.RejectAll(protocol.Errorf(protocol.KindNotConnected, "gateway closed"))
	err := g.transport.Close()
	g.mirror.Close()
	close(g.stop)
	<-g.done
	g.logger.Debug("gateway closed")
	return err
}
