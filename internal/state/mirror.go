// ABOUTME: Binds gateway topics to state containers and runs optimistic local actions
// ABOUTME: Inbound payloads overwrite wholesale; local actions notify the context asynchronously

package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/eventbus"
	"github.com/kbve/droid-gateway/internal/protocol"
)

// Subscriber delivers topic payloads. The gateway implements it.
type Subscriber interface {
	Subscribe(topic string, fn func(payload json.RawMessage)) func()
}

// Notifier tells the execution context about a local action.
type Notifier func(ctx context.Context, typ string, payload any) error

// Mirror keeps a Store in step with the execution context.
type Mirror struct {
	store  *Store
	bus    *eventbus.Bus
	notify Notifier
	logger *slog.Logger

	mu     sync.Mutex
	unsubs []func()
	wg     sync.WaitGroup
}

// NewMirror wires store changes to bus events. notify may be nil.
func NewMirror(store *Store, bus *eventbus.Bus, notify Notifier, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		store:  store,
		bus:    bus,
		notify: notify,
		logger: logger.With("component", "state"),
	}
	if bus != nil {
		m.unsubs = append(m.unsubs,
			store.Router.Listen(func(path string) { bus.Emit(eventbus.NavRouteChanged, "router", path) }),
			store.Auth.Listen(func(s auth.State) { bus.Emit(eventbus.NavAuthChanged, "auth", s) }),
			store.Panel.Listen(func(p Panel) { bus.Emit(eventbus.NavPanelChanged, "panel", p) }),
		)
	}
	return m
}

// Bind subscribes the auth and panel containers to their topics.
func (m *Mirror) Bind(sub Subscriber) {
	unAuth := sub.Subscribe(protocol.TopicAuth, func(raw json.RawMessage) {
		var s auth.State
		if err := json.Unmarshal(raw, &s); err != nil {
			m.logger.Warn("ignoring undecodable auth payload", "error", err)
			return
		}
		m.store.Auth.Set(s)
	})
	unPanel := sub.Subscribe(protocol.TopicPanel, func(raw json.RawMessage) {
		var p Panel
		if err := json.Unmarshal(raw, &p); err != nil {
			m.logger.Warn("ignoring undecodable panel payload", "error", err)
			return
		}
		m.store.Panel.Set(p)
	})

	m.mu.Lock()
	m.unsubs = append(m.unsubs, unAuth, unPanel)
	m.mu.Unlock()
}

// OpenPanel opens panel id locally and tells the context.
func (m *Mirror) OpenPanel(id string, payload json.RawMessage) {
	m.store.Panel.Set(Panel{Open: true, ID: id, Payload: payload})
	m.send("panel", map[string]any{"action": "open", "id": id, "payload": payload})
}

// ClosePanel closes the current panel locally and tells the context.
func (m *Mirror) ClosePanel() {
	var id string
	m.store.Panel.Update(func(p Panel) Panel {
		id = p.ID
		return Panel{Open: false, ID: p.ID}
	})
	m.send("panel", map[string]any{"action": "close", "id": id})
}

// TogglePanel toggles id locally and tells the context.
func (m *Mirror) TogglePanel(id string) {
	m.store.Panel.Update(func(p Panel) Panel { return p.Toggled(id) })
	m.send("panel", map[string]any{"action": "toggle", "id": id})
}

// SetAuth replaces the auth state locally and tells the context.
func (m *Mirror) SetAuth(s auth.State) {
	m.store.Auth.Set(s)
	m.send("auth.set", s)
}

// Navigate changes the route. Routing is local to the gateway.
func (m *Mirror) Navigate(path string) {
	m.store.Router.Set(path)
}

func (m *Mirror) send(typ string, payload any) {
	if m.notify == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.notify(context.Background(), typ, payload); err != nil {
			m.logger.Warn("notifying context failed", "type", typ, "error", err)
		}
	}()
}

// Close removes every binding and waits for in-flight notifications.
func (m *Mirror) Close() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	m.wg.Wait()
}
