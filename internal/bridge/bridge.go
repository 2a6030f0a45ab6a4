// ABOUTME: Upstream bridge contract shared by the poll and push implementations
// ABOUTME: Bridges feed fresh upstream data into the broadcast core through a Sink

package bridge

import (
	"log/slog"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// State is the lifecycle position of a bridge.
type State string

const (
	StateInactive   State = "inactive"
	StatePolling    State = "polling"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Reference timings.
const (
	DefaultPollInterval      = 3 * time.Second
	DefaultReconnectBackoff  = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// Sink receives data produced by a bridge.
type Sink func(topic string, payload any)

// Bridge pulls data from one upstream source while it is started.
type Bridge interface {
	// Start activates the bridge. Data is delivered to sink until Stop.
	Start(sink Sink) error
	// Stop deactivates the bridge and waits for its goroutines to exit.
	// No data is delivered after Stop returns.
	Stop()
	State() State
}

// Sender is implemented by bridges that can also write upstream.
type Sender interface {
	Send(v any) error
}

// NewErrorLimiter returns the limiter bridges use to keep repeated upstream
// failures from flooding the log: five warnings per category per minute.
func NewErrorLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Minute: 5,
	})
}

// logLimited logs at warn level while the limiter allows it for the topic,
// and at debug level otherwise.
func logLimited(logger *slog.Logger, limiter *catrate.Limiter, topic, msg string, args ...any) {
	if limiter != nil {
		if _, ok := limiter.Allow(topic); !ok {
			logger.Debug(msg, args...)
			return
		}
	}
	logger.Warn(msg, args...)
}
