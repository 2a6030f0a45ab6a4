// ABOUTME: Tests for hub subscription tracking and bridge activation
// ABOUTME: Checks the active-iff-subscribed property over random operation sequences

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbve/droid-gateway/internal/bridge"
	"github.com/kbve/droid-gateway/internal/protocol"
)

type testEndpoint struct {
	id  string
	mu  sync.Mutex
	got []*protocol.Envelope
	cap int
}

func newTestEndpoint(id string) *testEndpoint {
	return &testEndpoint{id: id, cap: 1 << 20}
}

func (e *testEndpoint) ID() string { return e.id }

func (e *testEndpoint) Deliver(env *protocol.Envelope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.got) >= e.cap {
		return false
	}
	e.got = append(e.got, env)
	return true
}

func (e *testEndpoint) Received(topic string) []*protocol.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range e.got {
		if env.Topic == topic {
			out = append(out, env)
		}
	}
	return out
}

type fakeBridge struct {
	mu       sync.Mutex
	state    bridge.State
	sink     bridge.Sink
	starts   int
	stops    int
	startErr error
}

func (b *fakeBridge) Start(sink bridge.Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return b.startErr
	}
	b.starts++
	b.sink = sink
	b.state = bridge.StatePolling
	return nil
}

func (b *fakeBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	b.state = bridge.StateInactive
}

func (b *fakeBridge) State() bridge.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBridge) emit(topic string, payload any) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	sink(topic, payload)
}

type fakeFactory struct {
	mu       sync.Mutex
	bridged  map[string]bool
	built    map[string][]*fakeBridge
	startErr error
}

func newFakeFactory(topics ...string) *fakeFactory {
	f := &fakeFactory{bridged: make(map[string]bool), built: make(map[string][]*fakeBridge)}
	for _, t := range topics {
		f.bridged[t] = true
	}
	return f
}

func (f *fakeFactory) Build(topic string) (bridge.Bridge, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bridged[topic] {
		return nil, false
	}
	b := &fakeBridge{state: bridge.StateInactive, startErr: f.startErr}
	f.built[topic] = append(f.built[topic], b)
	return b, true
}

func (f *fakeFactory) latest(topic string) *fakeBridge {
	f.mu.Lock()
	defer f.mu.Unlock()
	bs := f.built[topic]
	if len(bs) == 0 {
		return nil
	}
	return bs[len(bs)-1]
}

func (f *fakeFactory) running(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.built[topic] {
		if b.State() != bridge.StateInactive {
			n++
		}
	}
	return n
}

func TestSubscribe_FirstActivatesLastDeactivates(t *testing.T) {
	f := newFakeFactory("metrics")
	h := New(f, nil)
	a, b := newTestEndpoint("a"), newTestEndpoint("b")

	require.NoError(t, h.Subscribe(a, "metrics"))
	assert.True(t, h.Active("metrics"))
	require.NoError(t, h.Subscribe(b, "metrics"))
	assert.Len(t, f.built["metrics"], 1, "second subscriber must not build another bridge")

	h.Unsubscribe(a, "metrics")
	assert.True(t, h.Active("metrics"))
	assert.Equal(t, 1, h.Subscribers("metrics"))

	h.Unsubscribe(b, "metrics")
	assert.False(t, h.Active("metrics"))
	assert.Equal(t, 0, h.Subscribers("metrics"))
	assert.Equal(t, 1, f.latest("metrics").stops)
}

func TestSubscribe_PassiveTopicHasNoBridge(t *testing.T) {
	h := New(newFakeFactory(), nil)
	ep := newTestEndpoint("a")

	require.NoError(t, h.Subscribe(ep, protocol.TopicAuth))
	assert.False(t, h.Active(protocol.TopicAuth))
	assert.Equal(t, 1, h.Subscribers(protocol.TopicAuth))

	assert.Equal(t, 1, h.Broadcast(protocol.TopicAuth, map[string]string{"tone": "auth"}))
	got := ep.Received(protocol.TopicAuth)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"tone":"auth"}`, string(got[0].Payload))
}

func TestSubscribe_BridgeStartFailureRejects(t *testing.T) {
	f := newFakeFactory("metrics")
	f.startErr = errors.New("no upstream")
	h := New(f, nil)

	err := h.Subscribe(newTestEndpoint("a"), "metrics")
	assert.Error(t, err)
	assert.Equal(t, 0, h.Subscribers("metrics"))
	assert.False(t, h.Active("metrics"))
}

func TestActiveIffSubscribed_RandomSequences(t *testing.T) {
	topics := []string{"metrics", "realtime:a", "realtime:b", "auth"}
	f := newFakeFactory("metrics", "realtime:a", "realtime:b")
	h := New(f, nil)

	endpoints := make([]*testEndpoint, 4)
	for i := range endpoints {
		endpoints[i] = newTestEndpoint(fmt.Sprintf("ep-%d", i))
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for step := 0; step < 500; step++ {
		ep := endpoints[rng.IntN(len(endpoints))]
		topic := topics[rng.IntN(len(topics))]
		switch rng.IntN(5) {
		case 0, 1:
			require.NoError(t, h.Subscribe(ep, topic))
		case 2, 3:
			h.Unsubscribe(ep, topic)
		default:
			h.RemoveEndpoint(ep)
		}

		for _, tp := range topics {
			subscribed := h.Subscribers(tp) > 0
			if f.bridged[tp] {
				assert.Equal(t, subscribed, h.Active(tp), "step %d topic %s", step, tp)
				want := 0
				if subscribed {
					want = 1
				}
				assert.Equal(t, want, f.running(tp), "step %d topic %s running bridges", step, tp)
			} else {
				assert.False(t, h.Active(tp))
			}
		}
	}
}

func TestBroadcast_StaleBridgeIsDiscarded(t *testing.T) {
	f := newFakeFactory("metrics")
	h := New(f, nil)
	a := newTestEndpoint("a")

	require.NoError(t, h.Subscribe(a, "metrics"))
	old := f.latest("metrics")
	h.Unsubscribe(a, "metrics")

	require.NoError(t, h.Subscribe(a, "metrics"))
	old.emit("metrics", "stale")
	f.latest("metrics").emit("metrics", "fresh")

	got := a.Received("metrics")
	require.Len(t, got, 1)
	assert.JSONEq(t, `"fresh"`, string(got[0].Payload))
}

func TestBroadcast_SlowEndpointDropsOnlyItself(t *testing.T) {
	h := New(nil, nil)
	fast := newTestEndpoint("fast")
	slow := newTestEndpoint("slow")
	slow.cap = 0

	require.NoError(t, h.Subscribe(fast, "panel"))
	require.NoError(t, h.Subscribe(slow, "panel"))

	assert.Equal(t, 1, h.Broadcast("panel", map[string]bool{"open": true}))
	assert.Len(t, fast.Received("panel"), 1)
}

func TestBroadcast_UnencodablePayload(t *testing.T) {
	h := New(nil, nil)
	ep := newTestEndpoint("a")
	require.NoError(t, h.Subscribe(ep, "x"))
	assert.Equal(t, 0, h.Broadcast("x", func() {}))
	assert.Empty(t, ep.Received("x"))
}

func TestRemoveEndpoint_DropsAllSubscriptions(t *testing.T) {
	f := newFakeFactory("metrics", "realtime:a")
	h := New(f, nil)
	a, b := newTestEndpoint("a"), newTestEndpoint("b")

	require.NoError(t, h.Subscribe(a, "metrics"))
	require.NoError(t, h.Subscribe(a, "realtime:a"))
	require.NoError(t, h.Subscribe(b, "realtime:a"))

	h.RemoveEndpoint(a)
	assert.False(t, h.Active("metrics"))
	assert.True(t, h.Active("realtime:a"))
	assert.Equal(t, 1, h.Subscribers("realtime:a"))
}

func TestTopicsAndBridgeFor(t *testing.T) {
	f := newFakeFactory("metrics")
	h := New(f, nil)
	ep := newTestEndpoint("a")
	require.NoError(t, h.Subscribe(ep, "metrics"))
	require.NoError(t, h.Subscribe(ep, "auth"))

	stats := h.Topics()
	require.Len(t, stats, 2)
	assert.Equal(t, TopicStats{Topic: "auth", Subscribers: 1}, stats[0])
	assert.Equal(t, TopicStats{Topic: "metrics", Subscribers: 1, Bridge: bridge.StatePolling}, stats[1])

	b, ok := h.BridgeFor("metrics")
	require.True(t, ok)
	assert.Same(t, f.latest("metrics"), b)

	_, ok = h.BridgeFor("auth")
	assert.False(t, ok)
}

func TestClose_StopsBridgesAndRejectsSubscribe(t *testing.T) {
	f := newFakeFactory("metrics")
	h := New(f, nil)
	require.NoError(t, h.Subscribe(newTestEndpoint("a"), "metrics"))

	h.Close()
	assert.Equal(t, 1, f.latest("metrics").stops)
	assert.ErrorIs(t, h.Subscribe(newTestEndpoint("b"), "metrics"), ErrClosed)
}

// Metrics scenario with a real poll bridge: one broadcast per interval,
// none after the only subscriber leaves.
func TestMetricsPollScenario(t *testing.T) {
	interval := 100 * time.Millisecond

	var mu sync.Mutex
	fetches := 0
	pollFactory := factoryFunc(func(topic string) (bridge.Bridge, bool) {
		if topic != protocol.TopicMetrics {
			return nil, false
		}
		return bridge.NewPollBridge(bridge.PollConfig{
			Topic:    topic,
			Interval: interval,
			Fetcher: bridge.FetcherFunc(func(ctx context.Context) (any, error) {
				mu.Lock()
				defer mu.Unlock()
				fetches++
				return []bridge.Sample{{Key: "up", Value: float64(fetches)}}, nil
			}),
		}), true
	})

	h := New(pollFactory, nil)
	ep := newTestEndpoint("page")
	require.NoError(t, h.Subscribe(ep, protocol.TopicMetrics))
	assert.True(t, h.Active(protocol.TopicMetrics))

	time.Sleep(interval + interval/2)
	got := ep.Received(protocol.TopicMetrics)
	require.Len(t, got, 1)
	var samples []bridge.Sample
	require.NoError(t, json.Unmarshal(got[0].Payload, &samples))
	assert.Equal(t, []bridge.Sample{{Key: "up", Value: 1}}, samples)

	h.Unsubscribe(ep, protocol.TopicMetrics)
	assert.False(t, h.Active(protocol.TopicMetrics))

	time.Sleep(3 * interval)
	assert.Len(t, ep.Received(protocol.TopicMetrics), 1)
}

type factoryFunc func(topic string) (bridge.Bridge, bool)

func (f factoryFunc) Build(topic string) (bridge.Bridge, bool) { return f(topic) }
