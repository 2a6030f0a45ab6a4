// ABOUTME: Tests for RPC correlation, deadlines and late-response handling
// ABOUTME: Uses a fake sender that records envelopes and optionally answers them

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbve/droid-gateway/internal/protocol"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []*protocol.Envelope
	sendErr   error
	onSend    func(env *protocol.Envelope)
}

func (f *fakeSender) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return nil
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) Sent() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Envelope(nil), f.sent...)
}

func TestCall_EchoRoundTrip(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := NewCorrelator(sender)
	sender.onSend = func(env *protocol.Envelope) {
		go c.HandleMessage(&protocol.Envelope{ID: env.ID, Type: protocol.TypeResponse, Payload: env.Payload})
	}

	payload := map[string]any{"name": "droid", "tags": []any{"a", "b"}, "n": float64(3)}
	raw, err := c.Call(t.Context(), "echo", payload, 0)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, payload, got)
	assert.Equal(t, 0, c.Pending())

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "echo", sent[0].Type)
	assert.NotEmpty(t, sent[0].ID)
}

func TestCall_NotConnectedFailsImmediately(t *testing.T) {
	sender := &fakeSender{connected: false}
	c := NewCorrelator(sender)

	start := time.Now()
	_, err := c.Call(t.Context(), "ping", nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Empty(t, sender.Sent())
	assert.Equal(t, 0, c.Pending())
}

func TestCall_TimeoutBoundaryAndLateResponse(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := NewCorrelator(sender)

	start := time.Now()
	_, err := c.Call(t.Context(), "slow", nil, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, 0, c.Pending())

	// The context finally answers; nobody may receive it.
	sent := sender.Sent()
	require.Len(t, sent, 1)
	handled := c.HandleMessage(&protocol.Envelope{ID: sent[0].ID, Type: protocol.TypeResponse, Payload: json.RawMessage(`"late"`)})
	assert.True(t, handled)
	assert.False(t, c.Reject(sent[0].ID, errors.New("again")))
	assert.Equal(t, 0, c.Pending())
}

func TestCall_ErrorResponsePropagates(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := NewCorrelator(sender)
	sender.onSend = func(env *protocol.Envelope) {
		go c.HandleMessage(protocol.NewErrorResponse(env.ID, protocol.Errorf(protocol.KindUnknownType, "no handler")))
	}

	_, err := c.Call(t.Context(), "bogus", nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrUnknownType)
}

func TestCall_OutOfOrderResponses(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := NewCorrelator(sender)

	first := c.Go(t.Context(), "a", "one", time.Second)
	second := c.Go(t.Context(), "b", "two", time.Second)

	require.Eventually(t, func() bool { return len(sender.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	sent := sender.Sent()

	// Answer in reverse order.
	for i := len(sent) - 1; i >= 0; i-- {
		c.HandleMessage(&protocol.Envelope{ID: sent[i].ID, Type: protocol.TypeResponse, Payload: sent[i].Payload})
	}

	want := map[string]string{}
	for _, env := range sent {
		want[env.Type] = string(env.Payload)
	}

	r1 := <-first
	r2 := <-second
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	assert.JSONEq(t, want["a"], string(r1.Payload))
	assert.JSONEq(t, want["b"], string(r2.Payload))
}

func TestCall_ContextCancel(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := NewCorrelator(sender)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call(ctx, "never", nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestCall_SendFailure(t *testing.T) {
	boom := errors.New("pipe closed")
	sender := &fakeSender{connected: true, sendErr: boom}
	c := NewCorrelator(sender)

	_, err := c.Call(t.Context(), "ping", nil, time.Second)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Pending())
}

func TestRejectAll(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := NewCorrelator(sender)

	results := []<-chan Result{
		c.Go(t.Context(), "a", nil, time.Second),
		c.Go(t.Context(), "b", nil, time.Second),
	}
	require.Eventually(t, func() bool { return c.Pending() == 2 }, time.Second, 5*time.Millisecond)

	c.RejectAll(protocol.ErrNotConnected)
	for _, ch := range results {
		select {
		case r := <-ch:
			assert.ErrorIs(t, r.Err, protocol.ErrNotConnected)
		case <-time.After(time.Second):
			t.Fatal("call was not rejected")
		}
	}
	assert.Equal(t, 0, c.Pending())
}

func TestReject_MalformedResponse(t *testing.T) {
	sender := &fakeSender{connected: true}
	c := NewCorrelator(sender)
	sender.onSend = func(env *protocol.Envelope) {
		go func() {
			partial, err := protocol.Decode([]byte(`{"id":"` + env.ID + `","type":false}`))
			c.Reject(partial.ID, err)
		}()
	}

	_, err := c.Call(t.Context(), "ping", nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
}

func TestRegister_RegeneratesCollidingIDs(t *testing.T) {
	sender := &fakeSender{connected: true}
	ids := []string{"same", "same", "other"}
	var mu sync.Mutex
	c := NewCorrelator(sender, WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}))

	first := c.Go(t.Context(), "a", nil, time.Second)
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	second := c.Go(t.Context(), "b", nil, time.Second)
	require.Eventually(t, func() bool { return c.Pending() == 2 }, time.Second, 5*time.Millisecond)

	sent := sender.Sent()
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].ID, sent[1].ID)

	c.RejectAll(protocol.ErrNotConnected)
	<-first
	<-second
}

func TestHandleMessage_IgnoresBroadcasts(t *testing.T) {
	c := NewCorrelator(&fakeSender{connected: true})
	assert.False(t, c.HandleMessage(&protocol.Envelope{Type: protocol.TypeBroadcast, Topic: "metrics"}))
	assert.False(t, c.HandleMessage(nil))
}
