// ABOUTME: Poll bridge that fetches upstream data on a fixed interval
// ABOUTME: A failed fetch skips one tick; the ticker keeps running until Stop

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// Fetcher performs one fetch-and-parse cycle.
type Fetcher interface {
	Fetch(ctx context.Context) (any, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (any, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) (any, error) {
	return f(ctx)
}

// PollConfig configures a PollBridge.
type PollConfig struct {
	Topic    string
	Interval time.Duration
	Fetcher  Fetcher
	Limiter  *catrate.Limiter
	Logger   *slog.Logger
}

// PollBridge broadcasts the result of one fetch per interval.
type PollBridge struct {
	topic    string
	interval time.Duration
	fetcher  Fetcher
	limiter  *catrate.Limiter
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPollBridge creates an inactive poll bridge.
func NewPollBridge(cfg PollConfig) *PollBridge {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PollBridge{
		topic:    cfg.Topic,
		interval: cfg.Interval,
		fetcher:  cfg.Fetcher,
		limiter:  cfg.Limiter,
		logger:   logger.With("component", "poll_bridge", "topic", cfg.Topic),
		state:    StateInactive,
	}
}

// Start begins polling. Starting an active bridge is a no-op.
func (p *PollBridge) Start(sink Sink) error {
	if p.fetcher == nil {
		return errors.New("poll bridge has no fetcher")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateInactive {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = StatePolling

	go p.loop(ctx, sink, p.done)

	p.logger.Debug("polling started", "interval", p.interval)
	return nil
}

func (p *PollBridge) loop(ctx context.Context, sink Sink, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, sink)
		}
	}
}

func (p *PollBridge) tick(ctx context.Context, sink Sink) {
	data, err := p.fetcher.Fetch(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logLimited(p.logger, p.limiter, p.topic, "poll failed, skipping tick", "error", err)
		return
	}
	sink(p.topic, data)
}

// Stop cancels the ticker and any in-flight fetch.
func (p *PollBridge) Stop() {
	p.mu.Lock()
	if p.state == StateInactive {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.state = StateInactive
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Debug("polling stopped")
}

// State reports StatePolling while started.
func (p *PollBridge) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
