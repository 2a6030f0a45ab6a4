// ABOUTME: Tests for the event bus
// ABOUTME: Covers ordering, wildcard delivery, panic isolation and bounded history

package eventbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SpecificBeforeWildcardInRegistrationOrder(t *testing.T) {
	bus := New(10, nil)
	var order []string

	bus.On(Wildcard, func(Event) { order = append(order, "wild-1") })
	bus.On(NavRouteChanged, func(Event) { order = append(order, "route-1") })
	bus.On(Wildcard, func(Event) { order = append(order, "wild-2") })
	bus.On(NavRouteChanged, func(Event) { order = append(order, "route-2") })
	bus.On(NavAuthChanged, func(Event) { order = append(order, "auth") })

	bus.Emit(NavRouteChanged, "router", "/home")
	assert.Equal(t, []string{"route-1", "route-2", "wild-1", "wild-2"}, order)
}

func TestBus_PanickingListenerDoesNotStopOthers(t *testing.T) {
	bus := New(10, nil)
	var got []any

	bus.On(RealtimeMessage, func(Event) { panic("boom") })
	bus.On(RealtimeMessage, func(ev Event) { got = append(got, ev.Data) })
	bus.On(Wildcard, func(ev Event) { got = append(got, ev.Source) })

	assert.NotPanics(t, func() { bus.Emit(RealtimeMessage, "ws", 42) })
	assert.Equal(t, []any{42, "ws"}, got)
}

func TestBus_HistoryIsBoundedAndRecordedFirst(t *testing.T) {
	bus := New(3, nil)
	var seenLen int
	bus.On("tick", func(Event) { seenLen = len(bus.History()) })

	for i := 0; i < 5; i++ {
		bus.Emit("tick", "test", i)
	}

	hist := bus.History()
	require.Len(t, hist, 3)
	for i, ev := range hist {
		assert.Equal(t, i+2, ev.Data)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, 3, seenLen, "listener should see its own event in history")

	hist[0].Data = "mutated"
	assert.Equal(t, 2, bus.History()[0].Data)

	bus.ClearHistory()
	assert.Empty(t, bus.History())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(0, nil)
	calls := 0
	off := bus.On(NavPanelChanged, func(Event) { calls++ })
	assert.Equal(t, 1, bus.ListenerCount(NavPanelChanged))

	bus.Emit(NavPanelChanged, "", nil)
	off()
	off()
	bus.Emit(NavPanelChanged, "", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.ListenerCount(NavPanelChanged))
}

func TestBus_UnsubscribeDuringEmit(t *testing.T) {
	bus := New(10, nil)
	var calls []string
	var offSecond func()
	bus.On("x", func(Event) {
		calls = append(calls, "first")
		offSecond()
	})
	offSecond = bus.On("x", func(Event) { calls = append(calls, "second") })

	bus.Emit("x", "", nil)
	bus.Emit("x", "", nil)
	assert.Equal(t, []string{"first", "second", "first"}, calls)
}

func TestBus_DefaultHistorySize(t *testing.T) {
	bus := New(0, nil)
	for i := 0; i < DefaultHistorySize+20; i++ {
		bus.Emit("e", "", fmt.Sprint(i))
	}
	hist := bus.History()
	require.Len(t, hist, DefaultHistorySize)
	assert.Equal(t, "20", hist[0].Data)
}
