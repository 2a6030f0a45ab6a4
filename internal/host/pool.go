// ABOUTME: Refcounted set of shared execution contexts keyed by origin
// ABOUTME: The first acquirer creates a host; the last release closes it

package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Constructor builds the host for an origin.
type Constructor func(ctx context.Context, origin string) (*Host, error)

type poolEntry struct {
	host *Host
	refs int
}

// Pool shares one Host per origin among every transport that acquires it.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	ctor    Constructor
	created int
	logger  *slog.Logger
}

// NewPool creates a pool. A nil ctor builds hosts with default options.
func NewPool(ctor Constructor, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if ctor == nil {
		ctor = func(ctx context.Context, origin string) (*Host, error) {
			return New(ctx, WithLogger(logger))
		}
	}
	return &Pool{
		entries: make(map[string]*poolEntry),
		ctor:    ctor,
		logger:  logger.With("component", "pool"),
	}
}

// Acquire returns the host for origin, creating it if needed. The returned
// release func must be called once the caller is done; it is idempotent.
func (p *Pool) Acquire(ctx context.Context, origin string) (*Host, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[origin]
	if !ok {
		h, err := p.ctor(ctx, origin)
		if err != nil {
			return nil, nil, fmt.Errorf("creating shared context for %q: %w", origin, err)
		}
		e = &poolEntry{host: h}
		p.entries[origin] = e
		p.created++
		p.logger.Info("shared context created", "origin", origin)
	}
	e.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { p.release(origin, e) })
	}
	return e.host, release, nil
}

func (p *Pool) release(origin string, e *poolEntry) {
	p.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && p.entries[origin] == e {
		delete(p.entries, origin)
	}
	p.mu.Unlock()

	if last {
		if err := e.host.Close(); err != nil {
			p.logger.Warn("closing shared context", "origin", origin, "error", err)
		}
		p.logger.Info("shared context released", "origin", origin)
	}
}

// Len returns the number of live hosts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Created returns how many hosts the pool has constructed in total.
func (p *Pool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Refs returns the number of holders of origin's host.
func (p *Pool) Refs(origin string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[origin]; ok {
		return e.refs
	}
	return 0
}
