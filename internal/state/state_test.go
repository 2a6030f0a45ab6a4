// ABOUTME: Tests for observable values, containers and the topic mirror
// ABOUTME: Uses a fake subscriber to drive inbound topic payloads

package state

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/eventbus"
	"github.com/kbve/droid-gateway/internal/protocol"
)

type fakeSubscriber struct {
	mu   sync.Mutex
	subs map[string]func(json.RawMessage)
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: make(map[string]func(json.RawMessage))}
}

func (f *fakeSubscriber) Subscribe(topic string, fn func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, topic)
	}
}

func (f *fakeSubscriber) push(t *testing.T, topic, raw string) {
	t.Helper()
	f.mu.Lock()
	fn := f.subs[topic]
	f.mu.Unlock()
	require.NotNil(t, fn, "no subscriber for %s", topic)
	fn(json.RawMessage(raw))
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func TestValueSetNotifiesInOrder(t *testing.T) {
	v := NewValue(0)
	var got []string
	v.Listen(func(n int) { got = append(got, "a") })
	v.Listen(func(n int) { got = append(got, "b") })

	v.Set(1)

	assert.Equal(t, 1, v.Get())
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestValueSubscribeReceivesCurrent(t *testing.T) {
	v := NewValue("x")
	var seen []string
	unsub := v.Subscribe(func(s string) { seen = append(seen, s) })
	v.Set("y")
	unsub()
	unsub()
	v.Set("z")

	assert.Equal(t, []string{"x", "y"}, seen)
}

func TestValueUpdate(t *testing.T) {
	v := NewValue(2)
	v.Update(func(n int) int { return n * 3 })
	assert.Equal(t, 6, v.Get())
}

func TestPanelToggled(t *testing.T) {
	p := Panel{}
	p = p.Toggled("a")
	assert.Equal(t, Panel{Open: true, ID: "a"}, p)
	p = p.Toggled("a")
	assert.Equal(t, Panel{Open: false, ID: "a"}, p)
	p = p.Toggled("b")
	assert.Equal(t, Panel{Open: true, ID: "b"}, p)
}

func TestMirrorAppliesBroadcasts(t *testing.T) {
	store := NewStore()
	m := NewMirror(store, nil, nil, nil)
	sub := newFakeSubscriber()
	m.Bind(sub)

	sub.push(t, protocol.TopicAuth, `{"tone":"auth","name":"Ada","id":"u1"}`)
	sub.push(t, protocol.TopicPanel, `{"open":true,"id":"settings"}`)

	assert.Equal(t, auth.State{Tone: auth.ToneAuth, Name: "Ada", ID: "u1"}, store.Auth.Get())
	assert.Equal(t, Panel{Open: true, ID: "settings"}, store.Panel.Get())

	// later broadcasts overwrite wholesale
	sub.push(t, protocol.TopicAuth, `{"tone":"anon","name":"Guest","id":""}`)
	assert.Equal(t, auth.Anonymous(), store.Auth.Get())

	m.Close()
	assert.Equal(t, 0, sub.count())
}

func TestMirrorIgnoresUndecodablePayload(t *testing.T) {
	store := NewStore()
	m := NewMirror(store, nil, nil, nil)
	sub := newFakeSubscriber()
	m.Bind(sub)

	sub.push(t, protocol.TopicPanel, `{"open":true,"id":"a"}`)
	sub.push(t, protocol.TopicPanel, `"not a panel"`)

	assert.Equal(t, Panel{Open: true, ID: "a"}, store.Panel.Get())
}

func TestMirrorOptimisticActionsNotify(t *testing.T) {
	type call struct {
		typ     string
		payload any
	}
	calls := make(chan call, 8)
	notify := func(ctx context.Context, typ string, payload any) error {
		calls <- call{typ, payload}
		return nil
	}

	store := NewStore()
	m := NewMirror(store, nil, notify, nil)
	defer m.Close()

	m.OpenPanel("settings", nil)
	assert.Equal(t, Panel{Open: true, ID: "settings"}, store.Panel.Get())

	select {
	case c := <-calls:
		assert.Equal(t, "panel", c.typ)
		assert.Equal(t, "open", c.payload.(map[string]any)["action"])
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	m.ClosePanel()
	assert.Equal(t, Panel{Open: false, ID: "settings"}, store.Panel.Get())
	c := <-calls
	assert.Equal(t, "settings", c.payload.(map[string]any)["id"])
}

func TestMirrorNotifyFailureKeepsLocalState(t *testing.T) {
	notify := func(ctx context.Context, typ string, payload any) error {
		return protocol.ErrNotConnected
	}
	store := NewStore()
	m := NewMirror(store, nil, notify, nil)

	m.SetAuth(auth.State{Tone: auth.ToneAuth, Name: "Ada", ID: "u1"})
	m.Close()

	assert.Equal(t, "u1", store.Auth.Get().ID)
}

func TestMirrorEmitsNavEvents(t *testing.T) {
	bus := eventbus.New(10, nil)
	store := NewStore()
	m := NewMirror(store, bus, nil, nil)
	defer m.Close()

	var types []string
	bus.On(eventbus.Wildcard, func(e eventbus.Event) { types = append(types, e.Type) })

	m.Navigate("/settings")
	m.TogglePanel("a")
	store.Auth.Set(auth.Anonymous())

	assert.Equal(t, []string{
		eventbus.NavRouteChanged,
		eventbus.NavPanelChanged,
		eventbus.NavAuthChanged,
	}, types)
	assert.Equal(t, "/settings", store.Router.Get())
}
