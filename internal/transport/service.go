// ABOUTME: gRPC service exposing a host as a remote shared context
// ABOUTME: Hand-written service descriptor for a bidi Attach stream of JSON envelopes

package transport

import (
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/host"
	"github.com/kbve/droid-gateway/internal/protocol"
)

const (
	contextServiceName = "droid.gateway.v1.Context"
	attachMethod       = "/" + contextServiceName + "/Attach"
)

// ContextServer is the server API of the Context service.
type ContextServer interface {
	Attach(stream grpc.ServerStream) error
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ContextServer).Attach(stream)
}

var contextServiceDesc = grpc.ServiceDesc{
	ServiceName: contextServiceName,
	HandlerType: (*ContextServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "droid/gateway/v1/context.proto",
}

// RegisterContextServer registers srv on s.
func RegisterContextServer(s grpc.ServiceRegistrar, srv ContextServer) {
	s.RegisterService(&contextServiceDesc, srv)
}

// ContextService attaches each gRPC stream to a host as one endpoint.
type ContextService struct {
	host   *host.Host
	logger *slog.Logger
}

// NewContextService creates the service for h.
func NewContextService(h *host.Host, logger *slog.Logger) *ContextService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextService{host: h, logger: logger.With("component", "context-service")}
}

// Attach implements ContextServer. Each message is one JSON envelope in a
// BytesValue. The endpoint is detached when the stream ends.
func (s *ContextService) Attach(stream grpc.ServerStream) error {
	ctx := stream.Context()
	logger := s.logger
	if who := auth.FromContext(ctx); who != nil {
		logger = logger.With("subject", who.Subject)
	}

	sendErr := make(chan error, 1)
	ep, err := s.host.Attach(func(env *protocol.Envelope) {
		data, err := protocol.Encode(env)
		if err != nil {
			logger.Warn("encoding outbound envelope", "error", err)
			return
		}
		if err := stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
			select {
			case sendErr <- err:
			default:
			}
		}
	})
	if err != nil {
		return status.Errorf(codes.Unavailable, "attaching: %v", err)
	}
	defer ep.Close()
	logger.Info("remote endpoint attached", "endpoint", ep.ID())

	recvErr := make(chan error, 1)
	go func() { recvErr <- s.receive(stream, ep, sendErr, logger) }()

	select {
	case err := <-recvErr:
		return err
	case <-ep.Done():
		logger.Info("context closed, ending attach stream", "endpoint", ep.ID())
		return status.Error(codes.Unavailable, "context closed")
	}
}

// receive feeds inbound envelopes to ep until the stream ends.
func (s *ContextService) receive(stream grpc.ServerStream, ep *host.Endpoint, sendErr <-chan error, logger *slog.Logger) error {
	for {
		msg := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("remote endpoint detached", "endpoint", ep.ID())
				return nil
			}
			logger.Debug("attach stream ended", "endpoint", ep.ID(), "error", err)
			return err
		}

		env, err := protocol.Decode(msg.GetValue())
		if err != nil {
			logger.Warn("malformed envelope from remote endpoint", "endpoint", ep.ID(), "error", err)
			if env != nil && env.ID != "" {
				ep.Deliver(protocol.NewErrorResponse(env.ID, err))
			}
			continue
		}
		if err := ep.Send(env); err != nil {
			return status.Errorf(codes.Unavailable, "context closed: %v", err)
		}

		select {
		case err := <-sendErr:
			return status.Errorf(codes.Aborted, "sending: %v", err)
		default:
		}
	}
}
