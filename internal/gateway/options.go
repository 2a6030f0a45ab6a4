// ABOUTME: Functional options and config-to-host wiring for the gateway facade
// ABOUTME: Turns the loaded configuration into store, bridge, auth and preload host options

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/bridge"
	"github.com/kbve/droid-gateway/internal/capability"
	"github.com/kbve/droid-gateway/internal/config"
	"github.com/kbve/droid-gateway/internal/host"
	"github.com/kbve/droid-gateway/internal/modules"
	"github.com/kbve/droid-gateway/internal/store"
)

// Option configures a Gateway.
type Option func(*options)

type options struct {
	env         capability.Environment
	logger      *slog.Logger
	pool        *host.Pool
	hostOptions []host.Option
	dialOptions []grpc.DialOption
}

// WithEnvironment replaces the probed hosting environment.
func WithEnvironment(env capability.Environment) Option {
	return func(o *options) { o.env = env }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPool sets the pool that holds in-process shared contexts.
func WithPool(p *host.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithHostOptions appends options for hosts this gateway creates. They
// apply after the options derived from config.
func WithHostOptions(opts ...host.Option) Option {
	return func(o *options) { o.hostOptions = append(o.hostOptions, opts...) }
}

// WithDialOptions adds gRPC dial options used to reach a remote daemon.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

// HostOptions derives host options from cfg. The returned options can
// build any number of hosts; each one opens its own store.
func HostOptions(cfg *config.Config, logger *slog.Logger) ([]host.Option, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []host.Option{host.WithLogger(logger)}

	if path := cfg.Store.Path; path != "" {
		opts = append(opts, host.WithStoreOpener(func() (store.Store, error) {
			return store.NewSQLiteStore(path)
		}))
	}

	if cfg.Store.Workers > 0 {
		opts = append(opts, host.WithDBWorkers(cfg.Store.Workers))
	}
	if cfg.Store.RequestTimeout > 0 {
		opts = append(opts, host.WithDBTimeout(cfg.Store.RequestTimeout))
	}

	if len(cfg.Topics) > 0 {
		factory, err := bridge.NewFactory(TopicSpecs(cfg.Topics),
			bridge.WithToken(func() string { return cfg.Auth.Token }),
			bridge.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("building bridge factory: %w", err)
		}
		opts = append(opts, host.WithBridgeFactory(factory))
	}

	if cfg.Auth.JWTSecret != "" {
		opts = append(opts, host.WithVerifier(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))))
	}

	if cfg.Modules.AllowRemote {
		loader, err := modules.NewDefaultLoader(true, nil)
		if err != nil {
			return nil, fmt.Errorf("building module loader: %w", err)
		}
		opts = append(opts, host.WithLoader(loader))
	}

	if len(cfg.Modules.Preload) > 0 {
		opts = append(opts, host.WithPreload(cfg.Modules.Preload...))
	}
	return opts, nil
}

// TopicSpecs converts configured topics to bridge specs.
func TopicSpecs(topics []config.TopicConfig) []bridge.TopicSpec {
	specs := make([]bridge.TopicSpec, 0, len(topics))
	for _, t := range topics {
		specs = append(specs, bridge.TopicSpec{
			Name:              t.Name,
			Kind:              t.Kind,
			URL:               t.URL,
			Parser:            t.Parser,
			Limit:             t.Limit,
			Interval:          t.Interval,
			Backoff:           t.Backoff,
			HeartbeatInterval: t.HeartbeatInterval,
			HeartbeatTimeout:  t.HeartbeatTimeout,
		})
	}
	return specs
}

// NewPool returns a pool whose hosts are configured from cfg.
func NewPool(cfg *config.Config, logger *slog.Logger, extra ...host.Option) (*host.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := HostOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)
	return host.NewPool(func(ctx context.Context, origin string) (*host.Host, error) {
		return host.New(ctx, append(opts, host.WithLogger(logger.With("origin", origin)))...)
	}, logger), nil
}

var (
	defaultPoolOnce sync.Once
	defaultPool     *host.Pool
	defaultPoolErr  error
)

// sharedPool returns the process-wide pool, configured by the first
// gateway that needs it.
func sharedPool(cfg *config.Config, logger *slog.Logger, extra []host.Option) (*host.Pool, error) {
	defaultPoolOnce.Do(func() {
		defaultPool, defaultPoolErr = NewPool(cfg, logger, extra...)
	})
	return defaultPool, defaultPoolErr
}
