// ABOUTME: Daemon hosting one shared execution context over gRPC
// ABOUTME: Manages the attach listener, optional health endpoints and graceful shutdown

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/kbve/droid-gateway/internal/auth"
	"github.com/kbve/droid-gateway/internal/config"
	"github.com/kbve/droid-gateway/internal/gateway"
	"github.com/kbve/droid-gateway/internal/host"
	"github.com/kbve/droid-gateway/internal/transport"
)

// DefaultListen is used when context.listen is empty.
const DefaultListen = "127.0.0.1:50061"

// Daemon serves a shared context to remote gateways.
type Daemon struct {
	config     *config.Config
	host       *host.Host
	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	socketPath string
	serving    atomic.Bool
}

// createGRPCServer creates a gRPC server with JWT stream auth when a secret
// is configured, anonymous otherwise.
func createGRPCServer(cfg *config.Config, logger *slog.Logger) *grpc.Server {
	icpt := auth.NoAuthStreamInterceptor()
	if cfg.Auth.JWTSecret != "" {
		icpt = auth.StreamInterceptor(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), logger)
		logger.Info("stream auth enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(icpt),
	)
}

// New builds the daemon's host and servers. Extra host options apply after
// those derived from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra ...host.Option) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hostOpts, err := gateway.HostOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	h, err := host.New(ctx, append(hostOpts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("starting context: %w", err)
	}

	d := &Daemon{
		config:     cfg,
		host:       h,
		grpcServer: createGRPCServer(cfg, logger),
		logger:     logger.With("component", "daemon"),
	}
	transport.RegisterContextServer(d.grpcServer, transport.NewContextService(h, logger))

	if cfg.Context.HealthListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", d.handleHealth)
		mux.HandleFunc("/health/ready", d.handleReady)
		d.httpServer = &http.Server{
			Addr:              cfg.Context.HealthListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return d, nil
}

// Host returns the served execution context.
func (d *Daemon) Host() *host.Host { return d.host }

// isSocket reports whether addr names a unix socket.
func isSocket(addr string) bool {
	return strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "unix:")
}

// setupListeners creates the attach listener and, if configured, the health listener.
func (d *Daemon) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	addr := d.config.Context.Listen
	if addr == "" {
		addr = DefaultListen
	}

	if isSocket(addr) {
		path := strings.TrimPrefix(addr, "unix:")
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("removing stale socket: %w", err)
		}
		grpcLn, err = net.Listen("unix", path)
		d.socketPath = path
	} else {
		grpcLn, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("listening on context address: %w", err)
	}

	if d.httpServer != nil {
		httpLn, err = net.Listen("tcp", d.httpServer.Addr)
		if err != nil {
			_ = grpcLn.Close()
			return nil, nil, fmt.Errorf("listening on health address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// startServers starts the servers in goroutines, returning their error channel.
func (d *Daemon) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		d.logger.Info("context server listening", "addr", grpcLn.Addr().String())
		if err := d.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	if httpLn != nil {
		go func() {
			d.logger.Info("health server listening", "addr", httpLn.Addr().String())
			if err := d.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	d.serving.Store(true)
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (d *Daemon) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		d.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		d.logger.Error("server error", "error", err)
		d.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (d *Daemon) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		d.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run listens on the configured addresses and blocks until ctx is canceled
// or a server fails. Returns nil on graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	grpcLn, httpLn, err := d.setupListeners()
	if err != nil {
		_ = d.host.Close()
		return err
	}
	return d.serve(ctx, grpcLn, httpLn)
}

// Serve is Run over a caller-supplied attach listener. Health is not served.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	return d.serve(ctx, ln, nil)
}

func (d *Daemon) serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	errCh := d.startServers(grpcLn, httpLn)
	serverErr := d.waitForShutdownSignal(ctx, errCh)

	shutdownErr := d.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (d *Daemon) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (d *Daemon) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		d.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		d.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and closes the context.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down daemon")
	d.serving.Store(false)

	var errs []error
	if d.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", d.httpServer.Shutdown(ctx))
	}

	// Attach streams only end once their endpoints are gone.
	errs = appendCloseError(errs, "context close", d.host.Close())
	d.shutdownGRPCServer(ctx)

	if d.socketPath != "" {
		if err := os.Remove(d.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = appendCloseError(errs, "socket cleanup", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the process is alive.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the context server is accepting streams.
func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	if !d.serving.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not serving"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d endpoints)", d.host.Endpoints())
}
