// ABOUTME: Push bridge holding a persistent websocket to an upstream realtime channel
// ABOUTME: Broadcasts connection status and reconnects once per backoff until stopped

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	catrate "github.com/joeycumines/go-catrate"

	"github.com/kbve/droid-gateway/internal/dedupe"
	"github.com/kbve/droid-gateway/internal/protocol"
)

// PushConfig configures a PushBridge.
type PushConfig struct {
	Topic             string
	URL               string
	Token             func() string
	Backoff           time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// WriteTimeout bounds each upstream write, heartbeats included.
	WriteTimeout      time.Duration
	Dialer            *websocket.Dialer
	Limiter           *catrate.Limiter
	Logger            *slog.Logger
}

// PushBridge keeps one websocket open while started. Inbound frames are
// broadcast on ws.message and on their own topic; connection changes are
// broadcast on ws.status.
type PushBridge struct {
	cfg    PushConfig
	logger *slog.Logger
	dials  atomic.Int64

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	sink   Sink
	seen   *dedupe.Cache
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
}

type pushFrame struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// NewPushBridge creates an inactive push bridge.
func NewPushBridge(cfg PushConfig) *PushBridge {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultReconnectBackoff
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PushBridge{
		cfg:    cfg,
		logger: logger.With("component", "push_bridge", "topic", cfg.Topic),
		state:  StateInactive,
	}
}

// Start opens the connection in the background. Starting an active bridge
// is a no-op.
func (p *PushBridge) Start(sink Sink) error {
	if p.cfg.URL == "" {
		return errors.New("push bridge has no url")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateInactive {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.sink = sink
	p.seen = dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = StateConnecting

	go p.run(ctx, p.done)
	return nil
}

// run connects, and after every close waits one backoff before the next
// attempt.
func (p *PushBridge) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		p.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(p.cfg.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *PushBridge) connectOnce(ctx context.Context) {
	p.setState(StateConnecting)
	p.dials.Add(1)

	conn, _, err := p.cfg.Dialer.DialContext(ctx, p.dialURL(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.setState(StateClosed)
		logLimited(p.logger, p.cfg.Limiter, p.cfg.Topic, "push connect failed", "error", err)
		p.emitStatus(protocol.StatusError, err.Error())
		p.emitStatus(protocol.StatusDisconnected, "dial failed")
		return
	}

	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.state = StateOpen
	p.mu.Unlock()

	p.logger.Info("push connected", "url", p.cfg.URL)
	p.emitStatus(protocol.StatusConnected, "")

	reason := p.readLoop(ctx, conn)

	p.mu.Lock()
	p.conn = nil
	if ctx.Err() == nil {
		p.state = StateClosed
	}
	p.mu.Unlock()
	conn.Close()

	if ctx.Err() != nil {
		return
	}
	logLimited(p.logger, p.cfg.Limiter, p.cfg.Topic, "push disconnected", "reason", reason)
	p.emitStatus(protocol.StatusDisconnected, reason)
}

// readLoop consumes frames until the connection fails, keeping the
// heartbeat running alongside. It returns the close reason.
func (p *PushBridge) readLoop(ctx context.Context, conn *websocket.Conn) string {
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.HeartbeatTimeout))
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	hbDone := make(chan struct{})
	defer close(hbDone)
	go p.heartbeat(conn, hbDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case ctx.Err() != nil:
				return "stopped"
			case errors.As(err, &closeErr):
				return closeErr.Error()
			default:
				return err.Error()
			}
		}
		extend()
		p.handleFrame(data)
	}
}

func (p *PushBridge) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.write(conn, map[string]string{"type": "ping"}); err != nil {
				p.logger.Debug("heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func (p *PushBridge) handleFrame(data []byte) {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logLimited(p.logger, p.cfg.Limiter, p.cfg.Topic, "dropping malformed push message", "error", err, "bytes", len(data))
		return
	}
	if frame.Type == "pong" {
		return
	}
	// Frames with an id are broadcast once per bridge activation.
	if frame.ID != "" && p.seenBefore(frame.ID) {
		p.logger.Debug("dropping replayed push message", "id", frame.ID)
		return
	}

	payload := json.RawMessage(data)
	topic := frame.Topic
	if topic == "" {
		topic = p.cfg.Topic
	}

	sink := p.currentSink()
	sink(protocol.TopicWSMessage, payload)
	if topic != protocol.TopicWSMessage {
		sink(topic, payload)
	}
}

// Send writes v upstream. It fails with not_connected unless the bridge is
// open; nothing is queued.
func (p *PushBridge) Send(v any) error {
	p.mu.Lock()
	conn := p.conn
	open := p.state == StateOpen
	p.mu.Unlock()

	if !open || conn == nil {
		return protocol.Errorf(protocol.KindNotConnected, "push bridge for %q is not open", p.cfg.Topic)
	}

	if err := p.write(conn, v); err != nil {
		return protocol.Wrap(protocol.KindNotConnected, err)
	}
	return nil
}

// write serializes v onto conn under the write deadline. A peer that stops
// reading fails the write instead of holding writeMu.
func (p *PushBridge) write(conn *websocket.Conn, v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// Stop closes the connection, cancels any pending reconnect and waits for
// the bridge goroutine to exit.
func (p *PushBridge) Stop() {
	p.mu.Lock()
	if p.state == StateInactive {
		p.mu.Unlock()
		return
	}
	done, conn := p.done, p.conn
	p.state = StateInactive
	p.cancel()
	p.mu.Unlock()

	if conn != nil {
		p.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribed"),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		conn.Close()
	}
	<-done
	p.logger.Debug("push bridge stopped")
}

// State reports the connection state.
func (p *PushBridge) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Dials returns the number of connection attempts made so far.
func (p *PushBridge) Dials() int {
	return int(p.dials.Load())
}

func (p *PushBridge) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateInactive {
		p.state = s
	}
}

func (p *PushBridge) seenBefore(id string) bool {
	p.mu.Lock()
	seen := p.seen
	p.mu.Unlock()
	return seen != nil && seen.Seen(id)
}

func (p *PushBridge) currentSink() Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *PushBridge) emitStatus(status, reason string) {
	p.currentSink()(protocol.TopicWSStatus, protocol.WSStatus{
		Status: status,
		Topic:  p.cfg.Topic,
		URL:    p.cfg.URL,
		Reason: reason,
	})
}

func (p *PushBridge) dialURL() string {
	if p.cfg.Token == nil {
		return p.cfg.URL
	}
	token := p.cfg.Token()
	if token == "" {
		return p.cfg.URL
	}
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return p.cfg.URL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
