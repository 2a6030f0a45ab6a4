// ABOUTME: Shared-context transport that dials a droid-gateway daemon over gRPC
// ABOUTME: Streams JSON envelopes both ways on one Attach call per connection

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/protocol"
)

// Remote reaches a shared context hosted by another process.
type Remote struct {
	target   string
	token    string
	dialOpts []grpc.DialOption
	logger   *slog.Logger

	onMsg        atomic.Pointer[func(*protocol.Envelope)]
	onDisconnect atomic.Pointer[func(error)]
	connected    atomic.Bool

	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	sendMu sync.Mutex
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithToken sends token as bearer metadata.
func WithToken(token string) RemoteOption {
	return func(r *Remote) { r.token = token }
}

// WithDialOptions appends gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) RemoteOption {
	return func(r *Remote) { r.dialOpts = append(r.dialOpts, opts...) }
}

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) RemoteOption {
	return func(r *Remote) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRemote creates a transport for the daemon at address. A leading "/"
// means a unix socket path.
func NewRemote(address string, opts ...RemoteOption) *Remote {
	r := &Remote{target: dialTarget(address), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "transport", "kind", "remote", "target", r.target)
	return r
}

func dialTarget(address string) string {
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	return address
}

// Connect dials the daemon and opens the Attach stream.
func (r *Remote) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return protocol.ErrNotConnected
	}
	if r.stream != nil {
		return nil
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, r.dialOpts...)
	if r.token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.BearerCredentials{Token: r.token, Insecure: true}))
	}
	conn, err := grpc.NewClient(r.target, opts...)
	if err != nil {
		r.logger.Error("creating client failed", "error", err)
		return protocol.Wrap(protocol.KindTransportUnavailable, fmt.Errorf("creating client: %w", err))
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &contextServiceDesc.Streams[0], attachMethod, grpc.WaitForReady(false))
	stop()
	if err != nil {
		cancel()
		_ = conn.Close()
		r.logger.Error("opening attach stream failed", "error", err)
		return protocol.Wrap(protocol.KindTransportUnavailable, fmt.Errorf("attaching: %w", err))
	}

	r.conn, r.stream, r.cancel = conn, stream, cancel
	r.done = make(chan struct{})
	r.connected.Store(true)
	go r.readLoop(stream, r.done)
	r.logger.Info("connected to remote context")
	return nil
}

func (r *Remote) readLoop(stream grpc.ClientStream, done chan struct{}) {
	defer close(done)
	for {
		msg := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(msg); err != nil {
			r.connected.Store(false)
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				err = protocol.ErrNotConnected
			} else {
				r.logger.Warn("attach stream failed", "error", err)
				err = protocol.Wrap(protocol.KindNotConnected, err)
			}
			if fn := r.onDisconnect.Load(); fn != nil {
				(*fn)(err)
			}
			return
		}

		env, err := protocol.Decode(msg.GetValue())
		if err != nil {
			r.logger.Warn("malformed envelope from remote context", "error", err)
			if env == nil || env.ID == "" {
				continue
			}
			env = protocol.NewErrorResponse(env.ID, err)
		}
		if fn := r.onMsg.Load(); fn != nil {
			(*fn)(env)
		}
	}
}

// Send implements Transport.
func (r *Remote) Send(env *protocol.Envelope) error {
	r.mu.Lock()
	stream := r.stream
	r.mu.Unlock()
	if stream == nil || !r.connected.Load() {
		return protocol.ErrNotConnected
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if err := stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		return protocol.Wrap(protocol.KindNotConnected, err)
	}
	return nil
}

// OnMessage implements Transport.
func (r *Remote) OnMessage(fn func(*protocol.Envelope)) {
	r.onMsg.Store(&fn)
}

// OnDisconnect implements Disconnecter.
func (r *Remote) OnDisconnect(fn func(error)) {
	r.onDisconnect.Store(&fn)
}

// Connected implements Transport.
func (r *Remote) Connected() bool {
	return r.connected.Load()
}

// Close ends the stream and the connection. Safe to call multiple times.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn, stream, cancel, done := r.conn, r.stream, r.cancel, r.done
	r.stream = nil
	r.mu.Unlock()

	r.connected.Store(false)
	if stream == nil {
		return nil
	}
	r.sendMu.Lock()
	_ = stream.CloseSend()
	r.sendMu.Unlock()
	cancel()
	<-done
	return conn.Close()
}
