// ABOUTME: In-process transports attached to a host through an endpoint
// ABOUTME: Shared acquires a pooled host, Private owns one, Direct runs handlers inline

package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kbve/droid-gateway/internal/host"
	"github.com/kbve/droid-gateway/internal/protocol"
)

type acquireFunc func(ctx context.Context) (*host.Host, func(), error)

// Local is a transport to a host in the same process.
type Local struct {
	kind    string
	acquire acquireFunc
	onMsg   atomic.Pointer[func(*protocol.Envelope)]
	logger  *slog.Logger

	mu      sync.Mutex
	ep      *host.Endpoint
	host    *host.Host
	release func()
	closed  bool
}

// NewShared attaches to the pooled host for origin. The host outlives this
// transport while other transports hold it.
func NewShared(pool *host.Pool, origin string, logger *slog.Logger) *Local {
	return newLocal("shared", logger, func(ctx context.Context) (*host.Host, func(), error) {
		return pool.Acquire(ctx, origin)
	})
}

// NewPrivate starts a dedicated host that is closed with the transport.
func NewPrivate(logger *slog.Logger, opts ...host.Option) *Local {
	return newLocal("private", logger, ownedHost(logger, opts))
}

// NewDirect runs a host inline: handlers execute on the sender's goroutine.
func NewDirect(logger *slog.Logger, opts ...host.Option) *Local {
	opts = append(append([]host.Option{}, opts...), host.WithInline())
	return newLocal("direct", logger, ownedHost(logger, opts))
}

func ownedHost(logger *slog.Logger, opts []host.Option) acquireFunc {
	return func(ctx context.Context) (*host.Host, func(), error) {
		opts := append([]host.Option{host.WithLogger(logger)}, opts...)
		h, err := host.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return h, func() { _ = h.Close() }, nil
	}
}

func newLocal(kind string, logger *slog.Logger, acquire acquireFunc) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		kind:    kind,
		acquire: acquire,
		logger:  logger.With("component", "transport", "kind", kind),
	}
}

// Connect implements Transport.
func (l *Local) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return protocol.ErrNotConnected
	}
	if l.ep != nil {
		return nil
	}

	h, release, err := l.acquire(ctx)
	if err != nil {
		l.logger.Error("creating execution context failed", "error", err)
		return protocol.Wrap(protocol.KindTransportUnavailable, err)
	}
	ep, err := h.Attach(l.deliver)
	if err != nil {
		release()
		l.logger.Error("attaching to execution context failed", "error", err)
		return protocol.Wrap(protocol.KindTransportUnavailable, err)
	}
	l.ep, l.host, l.release = ep, h, release
	l.logger.Debug("connected", "endpoint", ep.ID())
	return nil
}

func (l *Local) deliver(env *protocol.Envelope) {
	if fn := l.onMsg.Load(); fn != nil {
		(*fn)(env)
	}
}

// Send implements Transport.
func (l *Local) Send(env *protocol.Envelope) error {
	l.mu.Lock()
	ep := l.ep
	l.mu.Unlock()
	if ep == nil {
		return protocol.ErrNotConnected
	}
	return ep.Send(env)
}

// OnMessage implements Transport.
func (l *Local) OnMessage(fn func(*protocol.Envelope)) {
	l.onMsg.Store(&fn)
}

// Connected implements Transport.
func (l *Local) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ep != nil
}

// Host returns the attached host, or nil before Connect.
func (l *Local) Host() *host.Host {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.host
}

// Kind returns "shared", "private" or "direct".
func (l *Local) Kind() string { return l.kind }

// Close detaches and releases the host. Safe to call multiple times.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ep, release := l.ep, l.release
	l.ep, l.host, l.release = nil, nil, nil
	l.mu.Unlock()

	if ep != nil {
		ep.Close()
	}
	if release != nil {
		release()
	}
	return nil
}
