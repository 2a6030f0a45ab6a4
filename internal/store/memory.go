// ABOUTME: In-memory Store implementation for private contexts and tests
// ABOUTME: Allows contexts to run without SQLite

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[Bucket]map[string]Entry // keyed by bucket, then key
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[Bucket]map[string]Entry),
	}
}

// Get returns a copy of the value stored under key.
func (m *MemoryStore) Get(ctx context.Context, bucket Bucket, key string) (json.RawMessage, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.Value), nil
}

// Set stores a copy of value under key.
func (m *MemoryStore) Set(ctx context.Context, bucket Bucket, key string, value json.RawMessage) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return fmt.Errorf("setting %s/%s: %w", bucket, key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string]Entry)
	}
	// Make a copy to avoid external modification
	m.buckets[bucket][key] = Entry{
		Key:       key,
		Value:     bytes.Clone(value),
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(ctx context.Context, bucket Bucket, key string) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buckets[bucket][key]; !ok {
		return ErrNotFound
	}
	delete(m.buckets[bucket], key)
	return nil
}

// List returns copies of all entries of a bucket ordered by key.
func (m *MemoryStore) List(ctx context.Context, bucket Bucket) ([]Entry, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]Entry, 0, len(m.buckets[bucket]))
	for _, e := range m.buckets[bucket] {
		e.Value = bytes.Clone(e.Value)
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
