// ABOUTME: Generic observable value with synchronous subscribers
// ABOUTME: Subscribers run on the setting goroutine in registration order

package state

import "sync"

// Value holds a T and notifies subscribers on every Set.
type Value[T any] struct {
	mu     sync.RWMutex
	v      T
	subs   []subscriber[T]
	nextID int
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.v
}

// Set replaces the value and notifies subscribers.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	v.v = next
	subs := v.subs
	v.mu.Unlock()

	for _, s := range subs {
		s.fn(next)
	}
}

// Update sets the result of fn applied to the current value.
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	next := fn(v.v)
	v.v = next
	subs := v.subs
	v.mu.Unlock()

	for _, s := range subs {
		s.fn(next)
	}
}

// Listen calls fn on every later Set. The returned func unsubscribes.
func (v *Value[T]) Listen(fn func(T)) func() {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.subs = append(v.subs, subscriber[T]{id: id, fn: fn})
	v.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { v.remove(id) }) }
}

// Subscribe calls fn with the current value, then on every later Set.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	unsub := v.Listen(fn)
	fn(v.Get())
	return unsub
}

func (v *Value[T]) remove(id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, s := range v.subs {
		if s.id == id {
			next := make([]subscriber[T], 0, len(v.subs)-1)
			next = append(next, v.subs[:i]...)
			v.subs = append(next, v.subs[i+1:]...)
			return
		}
	}
}
