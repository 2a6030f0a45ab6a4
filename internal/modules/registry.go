// ABOUTME: URL-keyed registry of loaded modules with in-flight load deduplication
// ABOUTME: Concurrent loads of one URL share a single import via singleflight

package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kbve/droid-gateway/internal/protocol"
)

// ErrRegistryClosed is returned by Load after Close.
var ErrRegistryClosed = errors.New("module registry closed")

// Notifier receives module-ready announcements.
type Notifier func(topic string, payload any)

// Registry memoizes modules by URL. Records live until Close.
type Registry struct {
	loader Loader
	env    Context
	notify Notifier
	logger *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	records map[string]*Record // url -> record
	closed  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNotifier sets the module-ready callback.
func WithNotifier(n Notifier) RegistryOption {
	return func(r *Registry) { r.notify = n }
}

// WithContext sets what Init receives.
func WithContext(mc Context) RegistryOption {
	return func(r *Registry) { r.env = mc }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a registry backed by loader.
func NewRegistry(loader Loader, opts ...RegistryOption) *Registry {
	r := &Registry{
		loader:  loader,
		records: make(map[string]*Record),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "modules")
	if r.env.Logger == nil {
		r.env.Logger = r.logger
	}
	return r
}

// Load returns the record for url, importing it on first use. Failures are
// reported as module_load and are not cached, so a later Load retries.
func (r *Registry) Load(ctx context.Context, url string) (*Record, error) {
	if rec, ok := r.Get(url); ok {
		return rec, nil
	}

	v, err, shared := r.group.Do(url, func() (any, error) {
		if rec, ok := r.Get(url); ok {
			return rec, nil
		}
		return r.importModule(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("shared in-flight module load", "url", url)
	}
	return v.(*Record), nil
}

func (r *Registry) importModule(ctx context.Context, url string) (*Record, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, protocol.Wrap(protocol.KindModuleLoad, ErrRegistryClosed)
	}

	mod, err := r.loader.Load(ctx, url)
	if err != nil {
		r.logger.Warn("module load failed", "url", url, "error", err)
		return nil, protocol.Wrap(protocol.KindModuleLoad, fmt.Errorf("loading %s: %w", url, err))
	}

	if in, ok := mod.(Initializer); ok {
		if err := in.Init(ctx, r.env); err != nil {
			r.logger.Warn("module init failed", "url", url, "error", err)
			return nil, protocol.Wrap(protocol.KindModuleLoad, fmt.Errorf("initializing %s: %w", url, err))
		}
	}

	meta := normalize(mod.Meta())
	rec := &Record{
		ID:       meta.ID(),
		URL:      url,
		Meta:     meta,
		LoadedAt: time.Now(),
		Module:   mod,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		closeModule(mod)
		return nil, protocol.Wrap(protocol.KindModuleLoad, ErrRegistryClosed)
	}
	r.records[url] = rec
	r.mu.Unlock()

	r.logger.Info("module loaded", "id", rec.ID, "url", url)
	if r.notify != nil {
		r.notify(protocol.TopicModuleReady, Ready{
			Meta:      meta,
			ID:        rec.ID,
			URL:       url,
			Timestamp: rec.LoadedAt.UnixMilli(),
		})
	}
	return rec, nil
}

// Get returns the loaded record for url.
func (r *Registry) Get(url string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[url]
	return rec, ok
}

// List returns all records sorted by id.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID == out[j].ID {
			return out[i].URL < out[j].URL
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Invoke loads url if needed and calls method on it. Module failures are
// reported as handler_error.
func (r *Registry) Invoke(ctx context.Context, url, method string, args json.RawMessage) (any, error) {
	rec, err := r.Load(ctx, url)
	if err != nil {
		return nil, err
	}
	out, err := rec.Module.Invoke(ctx, method, args)
	if err != nil {
		if protocol.KindOf(err) != "" {
			return nil, err
		}
		return nil, protocol.Wrap(protocol.KindHandler, fmt.Errorf("%s.%s: %w", rec.ID, method, err))
	}
	return out, nil
}

// Close releases every record. Loads after Close fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	records := r.records
	r.records = make(map[string]*Record)
	r.mu.Unlock()

	var errs []error
	for _, rec := range records {
		if err := closeModule(rec.Module); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}

func closeModule(m Module) error {
	if c, ok := m.(Closer); ok {
		return c.Close()
	}
	return nil
}
