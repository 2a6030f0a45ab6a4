// ABOUTME: Topic pub/sub core running inside an execution context
// ABOUTME: Starts a topic's upstream bridge on its first subscriber and stops it on its last

package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kbve/droid-gateway/internal/bridge"
	"github.com/kbve/droid-gateway/internal/protocol"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("hub closed")

// Endpoint is one subscriber connection. Deliver must not block; it
// reports false when the message was dropped.
type Endpoint interface {
	ID() string
	Deliver(env *protocol.Envelope) bool
}

// BridgeFactory builds the upstream bridge for a topic. Topics it does not
// know are passive.
type BridgeFactory interface {
	Build(topic string) (bridge.Bridge, bool)
}

type topicState struct {
	endpoints map[string]Endpoint
	bridge    bridge.Bridge
	alive     *atomic.Bool
}

// TopicStats describes one topic for diagnostics.
type TopicStats struct {
	Topic       string       `json:"topic"`
	Subscribers int          `json:"subscribers"`
	Bridge      bridge.State `json:"bridge,omitempty"`
}

// Hub tracks topic subscriptions and fans broadcasts out to endpoints.
// A topic's bridge runs if and only if the topic has at least one endpoint.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]*topicState         // topic -> state
	byEndpoint map[string]map[string]struct{} // endpoint ID -> topics
	factory    BridgeFactory
	closed     bool
	logger     *slog.Logger
}

// New creates a hub. A nil factory makes every topic passive. Pass nil
// logger for default.
func New(factory BridgeFactory, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics:     make(map[string]*topicState),
		byEndpoint: make(map[string]map[string]struct{}),
		factory:    factory,
		logger:     logger.With("component", "hub"),
	}
}

// Subscribe registers ep for topic. The first subscriber of a bridged topic
// starts its bridge before being added; if the bridge fails to start the
// subscription is rejected.
func (h *Hub) Subscribe(ep Endpoint, topic string) error {
	if topic == "" {
		return fmt.Errorf("subscribe: empty topic")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	ts, ok := h.topics[topic]
	if !ok {
		ts = &topicState{endpoints: make(map[string]Endpoint)}
		if h.factory != nil {
			if b, bridged := h.factory.Build(topic); bridged {
				alive := &atomic.Bool{}
				alive.Store(true)
				if err := b.Start(h.sinkFor(alive)); err != nil {
					return fmt.Errorf("starting bridge for %q: %w", topic, err)
				}
				ts.bridge = b
				ts.alive = alive
				h.logger.Info("bridge activated", "topic", topic)
			}
		}
		h.topics[topic] = ts
	}

	ts.endpoints[ep.ID()] = ep
	if _, ok := h.byEndpoint[ep.ID()]; !ok {
		h.byEndpoint[ep.ID()] = make(map[string]struct{})
	}
	h.byEndpoint[ep.ID()][topic] = struct{}{}

	h.logger.Debug("subscriber added",
		"topic", topic,
		"endpoint_id", ep.ID(),
		"subscribers", len(ts.endpoints))
	return nil
}

// Unsubscribe removes ep from topic, stopping the topic's bridge when it
// was the last subscriber.
func (h *Hub) Unsubscribe(ep Endpoint, topic string) {
	h.mu.Lock()
	stale := h.removeLocked(ep.ID(), topic)
	h.mu.Unlock()

	stopBridges(stale)
}

// RemoveEndpoint drops every subscription held by ep.
func (h *Hub) RemoveEndpoint(ep Endpoint) {
	h.mu.Lock()
	var stale []bridge.Bridge
	for topic := range h.byEndpoint[ep.ID()] {
		stale = append(stale, h.removeLocked(ep.ID(), topic)...)
	}
	h.mu.Unlock()

	stopBridges(stale)
}

// removeLocked detaches one subscription and returns the bridge to stop, if
// any. Must be called with mu held.
func (h *Hub) removeLocked(endpointID, topic string) []bridge.Bridge {
	if topics, ok := h.byEndpoint[endpointID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(h.byEndpoint, endpointID)
		}
	}

	ts, ok := h.topics[topic]
	if !ok {
		return nil
	}
	if _, exists := ts.endpoints[endpointID]; !exists {
		return nil
	}
	delete(ts.endpoints, endpointID)

	h.logger.Debug("subscriber removed",
		"topic", topic,
		"endpoint_id", endpointID,
		"subscribers", len(ts.endpoints))

	if len(ts.endpoints) > 0 {
		return nil
	}

	delete(h.topics, topic)
	if ts.bridge == nil {
		return nil
	}
	ts.alive.Store(false)
	h.logger.Info("bridge deactivated", "topic", topic)
	return []bridge.Bridge{ts.bridge}
}

// stopBridges runs outside the hub lock: a bridge may be blocked in its
// sink waiting for the read lock.
func stopBridges(bridges []bridge.Bridge) {
	for _, b := range bridges {
		b.Stop()
	}
}

// sinkFor returns the sink handed to one bridge instance. Once the bridge is
// retired its late data is discarded.
func (h *Hub) sinkFor(alive *atomic.Bool) bridge.Sink {
	return func(topic string, payload any) {
		if !alive.Load() {
			return
		}
		h.Broadcast(topic, payload)
	}
}

// Broadcast sends payload to every endpoint subscribed to topic. The
// payload is encoded once. Delivery is non-blocking: endpoints whose
// outbox is full miss the message. Returns the number of endpoints reached.
func (h *Hub) Broadcast(topic string, payload any) int {
	env, err := protocol.NewBroadcast(topic, payload)
	if err != nil {
		h.logger.Warn("dropping unencodable broadcast", "topic", topic, "error", err)
		return 0
	}

	h.mu.RLock()
	ts, ok := h.topics[topic]
	if !ok || len(ts.endpoints) == 0 {
		h.mu.RUnlock()
		return 0
	}
	// Copy targets under read lock to avoid holding lock during delivery
	targets := make([]Endpoint, 0, len(ts.endpoints))
	for _, ep := range ts.endpoints {
		targets = append(targets, ep)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, ep := range targets {
		if ep.Deliver(env) {
			delivered++
			continue
		}
		h.logger.Debug("dropped broadcast for slow endpoint",
			"topic", topic,
			"endpoint_id", ep.ID())
	}
	return delivered
}

// Active reports whether topic currently has a running bridge.
func (h *Hub) Active(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ts, ok := h.topics[topic]
	return ok && ts.bridge != nil
}

// Subscribers returns the number of endpoints subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ts, ok := h.topics[topic]; ok {
		return len(ts.endpoints)
	}
	return 0
}

// BridgeFor returns the running bridge for topic, if any.
func (h *Hub) BridgeFor(topic string) (bridge.Bridge, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ts, ok := h.topics[topic]
	if !ok || ts.bridge == nil {
		return nil, false
	}
	return ts.bridge, true
}

// Topics lists every topic with at least one subscriber, sorted by name.
func (h *Hub) Topics() []TopicStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := make([]TopicStats, 0, len(h.topics))
	for name, ts := range h.topics {
		s := TopicStats{Topic: name, Subscribers: len(ts.endpoints)}
		if ts.bridge != nil {
			s.Bridge = ts.bridge.State()
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Topic < stats[j].Topic })
	return stats
}

// Close drops every subscription and stops every bridge.
func (h *Hub) Close() {
	h.mu.Lock()
	var stale []bridge.Bridge
	for name, ts := range h.topics {
		if ts.bridge != nil {
			ts.alive.Store(false)
			stale = append(stale, ts.bridge)
		}
		delete(h.topics, name)
	}
	h.byEndpoint = make(map[string]map[string]struct{})
	h.closed = true
	h.mu.Unlock()

	stopBridges(stale)
	h.logger.Debug("hub closed")
}
