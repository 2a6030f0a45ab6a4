// ABOUTME: Execution context that owns the broadcast hub, module registry and store
// ABOUTME: Processes inbound envelopes one at a time on an actor goroutine or inline under a mutex

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/hub"
	"github.com/kbve/droid-gateway/internal/modules"
	"github.com/kbve/droid-gateway/internal/protocol"
	"github.com/kbve/droid-gateway/internal/store"
)

// ErrClosed is returned when submitting to a stopped host.
var ErrClosed = errors.New("host closed")

const inboxSize = 256

type op struct {
	ep     *Endpoint
	env    *protocol.Envelope
	detach bool
}

// Host is one execution context. Control messages and synchronous handlers
// run one at a time: on the actor goroutine, or on the caller's goroutine
// under a mutex in inline mode. Store requests run on a fixed pool of
// workers and other async handlers on their own goroutines. Only their
// results re-enter through the hub and endpoint outboxes.
type Host struct {
	hub      *hub.Hub
	registry *modules.Registry
	store    store.Store
	verifier auth.TokenVerifier
	handlers map[string]handler
	logger   *slog.Logger

	inline     bool
	outboxSize int
	ownsStore  bool

	inlineMu sync.Mutex
	inbox    chan op

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup // async handlers
	db     *workerPool    // nil in inline mode

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	closed    bool

	stateMu sync.RWMutex
	auth    auth.State
	panel   PanelState
}

// Option configures a Host.
type Option func(*config)

type config struct {
	logger     *slog.Logger
	store      store.Store
	openStore  func() (store.Store, error)
	factory    hub.BridgeFactory
	loader     modules.Loader
	verifier   auth.TokenVerifier
	preload    []string
	inline     bool
	outboxSize int
	dbWorkers  int
	dbTimeout  time.Duration
}

// WithLogger sets the host logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithStore sets the KV store. The host closes a store it created itself
// but never one passed in.
func WithStore(s store.Store) Option {
	return func(c *config) { c.store = s }
}

// WithStoreOpener makes the host open its own store at startup. The host
// closes a store it opened.
func WithStoreOpener(open func() (store.Store, error)) Option {
	return func(c *config) { c.openStore = open }
}

// WithBridgeFactory sets how bridged topics reach their upstreams.
func WithBridgeFactory(f hub.BridgeFactory) Option {
	return func(c *config) { c.factory = f }
}

// WithLoader replaces the default builtin module loader.
func WithLoader(l modules.Loader) Option {
	return func(c *config) { c.loader = l }
}

// WithVerifier enables auth.set with session tokens.
func WithVerifier(v auth.TokenVerifier) Option {
	return func(c *config) { c.verifier = v }
}

// WithPreload loads the given module URLs at startup.
func WithPreload(urls ...string) Option {
	return func(c *config) { c.preload = append(c.preload, urls...) }
}

// WithInline runs handlers on the caller's goroutine instead of an actor.
func WithInline() Option {
	return func(c *config) { c.inline = true }
}

// WithOutboxSize sets the per-endpoint outbox capacity.
func WithOutboxSize(n int) Option {
	return func(c *config) { c.outboxSize = n }
}

// WithDBWorkers sets how many store requests may run at once.
func WithDBWorkers(n int) Option {
	return func(c *config) { c.dbWorkers = n }
}

// WithDBTimeout bounds each store request.
func WithDBTimeout(d time.Duration) Option {
	return func(c *config) { c.dbTimeout = d }
}

// New starts a host. Preload failures are logged and do not stop startup.
func New(ctx context.Context, opts ...Option) (*Host, error) {
	cfg := config{outboxSize: DefaultOutboxSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.outboxSize <= 0 {
		cfg.outboxSize = DefaultOutboxSize
	}

	h := &Host{
		verifier:   cfg.verifier,
		logger:     cfg.logger.With("component", "host"),
		inline:     cfg.inline,
		outboxSize: cfg.outboxSize,
		done:       make(chan struct{}),
		endpoints:  make(map[string]*Endpoint),
		auth:       auth.Anonymous(),
	}

	loader := cfg.loader
	if loader == nil {
		builtin, err := modules.NewDefaultLoader(false, nil)
		if err != nil {
			return nil, err
		}
		loader = builtin
	}

	h.store = cfg.store
	if h.store == nil && cfg.openStore != nil {
		s, err := cfg.openStore()
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		h.store = s
		h.ownsStore = true
	}
	if h.store == nil {
		h.store = store.NewMemoryStore()
		h.ownsStore = true
	}

	h.hub = hub.New(cfg.factory, cfg.logger)
	h.registry = modules.NewRegistry(loader,
		modules.WithLogger(cfg.logger),
		modules.WithNotifier(func(topic string, payload any) { h.hub.Broadcast(topic, payload) }),
		modules.WithContext(modules.Context{
			Logger:    cfg.logger.With("component", "module"),
			Broadcast: func(topic string, payload any) { h.hub.Broadcast(topic, payload) },
			Store:     h.store,
		}),
	)
	h.handlers = h.routes()
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.restorePanel(ctx)

	if h.inline {
		close(h.done)
	} else {
		h.db = newWorkerPool(workerConfig{size: cfg.dbWorkers, timeout: cfg.dbTimeout, logger: cfg.logger})
		h.inbox = make(chan op, inboxSize)
		go h.run()
	}

	for _, url := range cfg.preload {
		if _, err := h.registry.Load(ctx, url); err != nil {
			h.logger.Warn("preload failed", "url", url, "error", err)
		}
	}

	h.logger.Debug("host started", "inline", h.inline)
	return h, nil
}

// Attach connects a new endpoint. deliver receives every envelope for it,
// in order, on the endpoint's writer goroutine.
func (h *Host) Attach(deliver func(*protocol.Envelope)) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	ep := newEndpoint(h, h.outboxSize, deliver)
	h.endpoints[ep.id] = ep
	h.logger.Debug("endpoint attached", "endpoint", ep.id)
	return ep, nil
}

// Endpoints returns the number of attached endpoints.
func (h *Host) Endpoints() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.endpoints)
}

// Hub exposes the broadcast core.
func (h *Host) Hub() *hub.Hub { return h.hub }

// Registry exposes the module registry.
func (h *Host) Registry() *modules.Registry { return h.registry }

// Broadcast publishes payload on topic to every subscribed endpoint.
func (h *Host) Broadcast(topic string, payload any) int {
	return h.hub.Broadcast(topic, payload)
}

func (h *Host) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Host) submit(ep *Endpoint, env *protocol.Envelope) error {
	if env == nil {
		return fmt.Errorf("nil envelope")
	}
	return h.enqueue(op{ep: ep, env: env})
}

func (h *Host) detach(ep *Endpoint) {
	if err := h.enqueue(op{ep: ep, detach: true}); err != nil {
		h.forget(ep)
	}
}

func (h *Host) enqueue(o op) error {
	if h.isClosed() {
		return protocol.ErrNotConnected
	}
	if h.inline {
		h.inlineMu.Lock()
		defer h.inlineMu.Unlock()
		h.process(o)
		return nil
	}
	select {
	case h.inbox <- o:
		return nil
	case <-h.ctx.Done():
		return protocol.ErrNotConnected
	}
}

func (h *Host) run() {
	defer close(h.done)
	for {
		select {
		case o := <-h.inbox:
			h.process(o)
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Host) process(o op) {
	if o.detach {
		h.hub.RemoveEndpoint(o.ep)
		h.forget(o.ep)
		return
	}

	env := o.env
	switch env.Type {
	case protocol.TypeSubscribe:
		h.subscribe(o.ep, env)
	case protocol.TypeUnsubscribe:
		h.hub.Unsubscribe(o.ep, env.Topic)
		h.reply(o.ep, env.ID, map[string]any{"topic": env.Topic, "subscribed": false}, nil)
	default:
		h.dispatch(o.ep, env)
	}
}

func (h *Host) subscribe(ep *Endpoint, env *protocol.Envelope) {
	if env.Topic == "" {
		h.reply(ep, env.ID, nil, protocol.Errorf(protocol.KindHandler, "subscribe requires a topic"))
		return
	}
	if err := h.hub.Subscribe(ep, env.Topic); err != nil {
		h.logger.Warn("subscribe failed", "endpoint", ep.id, "topic", env.Topic, "error", err)
		h.reply(ep, env.ID, nil, protocol.Wrap(protocol.KindHandler, err))
		return
	}
	h.reply(ep, env.ID, map[string]any{"topic": env.Topic, "subscribed": true}, nil)

	// State topics replay their current value to the new subscriber.
	var current any
	switch env.Topic {
	case protocol.TopicAuth:
		current = h.authState()
	case protocol.TopicPanel:
		current = h.panelState()
	default:
		return
	}
	if b, err := protocol.NewBroadcast(env.Topic, current); err == nil {
		ep.Deliver(b)
	}
}

func (h *Host) forget(ep *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints, ep.id)
	h.mu.Unlock()
	h.logger.Debug("endpoint detached", "endpoint", ep.id)
}

// reply sends a response when id is set. Requests without an id are
// fire-and-forget.
func (h *Host) reply(ep *Endpoint, id string, result any, err error) {
	if id == "" {
		if err != nil {
			h.logger.Debug("uncorrelated request failed", "endpoint", ep.id, "error", err)
		}
		return
	}
	var env *protocol.Envelope
	if err != nil {
		env = protocol.NewErrorResponse(id, err)
	} else {
		env, err = protocol.NewResponse(id, result)
		if err != nil {
			env = protocol.NewErrorResponse(id, protocol.Wrap(protocol.KindHandler, err))
		}
	}
	if !ep.Deliver(env) {
		h.logger.Warn("response dropped", "endpoint", ep.id, "id", id)
	}
}

// Close stops the host, detaches every endpoint, stops all bridges and
// releases modules. Safe to call multiple times.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	eps := make([]*Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		eps = append(eps, ep)
	}
	h.endpoints = make(map[string]*Endpoint)
	h.mu.Unlock()

	h.cancel()
	<-h.done
	if h.inline {
		// Let an in-progress inline op finish.
		h.inlineMu.Lock()
		defer h.inlineMu.Unlock()
	}

	waitTimeout(&h.wg, 5*time.Second)
	if h.db != nil {
		h.db.close(5 * time.Second)
	}

	for _, ep := range eps {
		ep.shutdown()
	}
	h.hub.Close()

	var errs []error
	if err := h.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if h.ownsStore {
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	h.logger.Debug("host closed")
	return errors.Join(errs...)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
	}
}
