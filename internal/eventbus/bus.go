// ABOUTME: In-process event bus with bounded history and wildcard listeners
// ABOUTME: Listener panics are recovered so one bad listener never blocks the rest

package eventbus

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// DefaultHistorySize bounds History when no size is given.
const DefaultHistorySize = 100

// Event names used by the gateway.
const (
	NavRouteChanged      = "nav:route-changed"
	NavAuthChanged       = "nav:auth-changed"
	NavPanelChanged      = "nav:panel-changed"
	RealtimeConnected    = "realtime:connected"
	RealtimeDisconnected = "realtime:disconnected"
	RealtimeMessage      = "realtime:message"
)

// Event is one emission.
type Event struct {
	Type      string
	Source    string
	Data      any
	Timestamp time.Time
}

// Listener receives events.
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

// Bus dispatches events synchronously to listeners registered by type.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]listenerEntry // type -> listeners in registration order
	nextID    int

	histMu  sync.Mutex
	history *list.List // oldest at front
	maxSize int

	logger *slog.Logger
}

// New creates a bus keeping up to historySize events. Pass nil logger for default.
func New(historySize int, logger *slog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[string][]listenerEntry),
		history:   list.New(),
		maxSize:   historySize,
		logger:    logger.With("component", "eventbus"),
	}
}

// On registers fn for typ, or for every type when typ is Wildcard. The
// returned func removes it and is safe to call more than once.
func (b *Bus) On(typ string, fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[typ] = append(b.listeners[typ], listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.off(typ, id) })
	}
}

func (b *Bus) off(typ string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[typ]
	for i, e := range entries {
		if e.id == id {
			// Copy so an Emit iterating the old slice is unaffected.
			next := make([]listenerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, typ)
			} else {
				b.listeners[typ] = next
			}
			return
		}
	}
}

// Emit records the event in history, then runs listeners for its type
// followed by wildcard listeners, each group in registration order.
func (b *Bus) Emit(typ, source string, data any) {
	ev := Event{Type: typ, Source: source, Data: data, Timestamp: time.Now()}
	b.record(ev)

	b.mu.RLock()
	specific := b.listeners[typ]
	var wildcard []listenerEntry
	if typ != Wildcard {
		wildcard = b.listeners[Wildcard]
	}
	b.mu.RUnlock()

	for _, e := range specific {
		b.call(e.fn, ev)
	}
	for _, e := range wildcard {
		b.call(e.fn, ev)
	}
}

func (b *Bus) call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"type", ev.Type,
				"source", ev.Source,
				"panic", r)
		}
	}()
	fn(ev)
}

func (b *Bus) record(ev Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history.PushBack(ev)
	for b.history.Len() > b.maxSize {
		b.history.Remove(b.history.Front())
	}
}

// History returns a copy of the recorded events, oldest first.
func (b *Bus) History() []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]Event, 0, b.history.Len())
	for e := b.history.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Event))
	}
	return out
}

// ClearHistory drops all recorded events.
func (b *Bus) ClearHistory() {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history.Init()
}

// ListenerCount returns the number of listeners registered for typ.
func (b *Bus) ListenerCount(typ string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[typ])
}
