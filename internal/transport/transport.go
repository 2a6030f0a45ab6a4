// ABOUTME: Transport contract between a gateway and its execution context
// ABOUTME: Builds the Shared, Private or Direct implementation for a selected strategy

package transport

import (
	"context"
	"log/slog"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/kbve/droid-gateway/internal/capability"
	"github.com/kbve/droid-gateway/internal/host"
	"github.com/kbve/droid-gateway/internal/protocol"
)

// Transport carries envelopes to and from one execution context.
type Transport interface {
	// Connect attaches to the context. Calling it again is a no-op.
	Connect(ctx context.Context) error
	// Send fails with not_connected before Connect or after Close.
	Send(env *protocol.Envelope) error
	// OnMessage sets the receiver for inbound envelopes. Set it before Connect.
	OnMessage(fn func(*protocol.Envelope))
	Connected() bool
	Close() error
}

// Disconnecter is implemented by transports whose connection can drop on
// its own. fn is called once with the cause.
type Disconnecter interface {
	OnDisconnect(fn func(error))
}

// Options selects and configures a transport.
type Options struct {
	// Origin keys the shared context.
	Origin string
	// Pool holds in-process shared contexts. Nil uses a package default.
	Pool *host.Pool
	// RemoteAddress, when set, makes the shared strategy dial a daemon.
	RemoteAddress string
	// Token is sent as bearer metadata to a remote daemon.
	Token string
	// HostOptions configure private and direct hosts.
	HostOptions []host.Option
	DialOptions []grpc.DialOption
	Logger      *slog.Logger
}

var defaultPool atomic.Pointer[host.Pool]

// DefaultPool returns the process-wide pool of shared contexts.
func DefaultPool() *host.Pool {
	if p := defaultPool.Load(); p != nil {
		return p
	}
	defaultPool.CompareAndSwap(nil, host.NewPool(nil, nil))
	return defaultPool.Load()
}

// New builds the transport for strategy s. The result is not yet connected.
func New(s capability.Strategy, opts Options) Transport {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch s {
	case capability.SharedContext:
		if opts.RemoteAddress != "" {
			return NewRemote(opts.RemoteAddress,
				WithToken(opts.Token),
				WithDialOptions(opts.DialOptions...),
				WithLogger(opts.Logger))
		}
		pool := opts.Pool
		if pool == nil {
			pool = DefaultPool()
		}
		return NewShared(pool, opts.Origin, opts.Logger)
	case capability.PrivateContext:
		return NewPrivate(opts.Logger, opts.HostOptions...)
	default:
		return NewDirect(opts.Logger, opts.HostOptions...)
	}
}
