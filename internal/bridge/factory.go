// ABOUTME: Builds the bridge configured for a topic, including realtime:* patterns
// ABOUTME: Topics without a configured source are passive and get no bridge

package bridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	catrate "github.com/joeycumines/go-catrate"
)

// Kinds of upstream source.
const (
	KindPoll = "poll"
	KindPush = "push"
)

// TopicSpec describes the upstream source of one topic or topic pattern.
// A Name ending in "*" matches every topic with that prefix, and "{key}" in
// URL is replaced with the matched suffix.
type TopicSpec struct {
	Name              string
	Kind              string
	URL               string
	Parser            string
	Limit             int
	Interval          time.Duration
	Backoff           time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Factory builds bridges from topic specs.
type Factory struct {
	specs   []TopicSpec
	client  *http.Client
	dialer  *websocket.Dialer
	token   func() string
	limiter *catrate.Limiter
	logger  *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithHTTPClient sets the client used by poll fetchers.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) { f.client = c }
}

// WithDialer sets the websocket dialer used by push bridges.
func WithDialer(d *websocket.Dialer) FactoryOption {
	return func(f *Factory) { f.dialer = d }
}

// WithToken sets the token source appended to push URLs.
func WithToken(fn func() string) FactoryOption {
	return func(f *Factory) { f.token = fn }
}

// WithLogger sets the logger handed to every bridge.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFactory validates specs and returns a factory for them.
func NewFactory(specs []TopicSpec, opts ...FactoryOption) (*Factory, error) {
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("topic %d: name is required", i)
		}
		if s.URL == "" {
			return nil, fmt.Errorf("topic %q: url is required", s.Name)
		}
		switch s.Kind {
		case KindPoll:
			if _, err := ParserFor(s.Parser, s.Limit); err != nil {
				return nil, fmt.Errorf("topic %q: %w", s.Name, err)
			}
		case KindPush:
		default:
			return nil, fmt.Errorf("topic %q: unknown kind %q", s.Name, s.Kind)
		}
	}

	f := &Factory{
		specs:   specs,
		limiter: NewErrorLimiter(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Lookup returns the spec matching topic, with any {key} placeholder in
// its URL resolved. Exact names win over patterns.
func (f *Factory) Lookup(topic string) (TopicSpec, bool) {
	for _, s := range f.specs {
		if s.Name == topic {
			return s, true
		}
	}
	for _, s := range f.specs {
		prefix, ok := strings.CutSuffix(s.Name, "*")
		if !ok || !strings.HasPrefix(topic, prefix) || len(topic) == len(prefix) {
			continue
		}
		resolved := s
		resolved.URL = strings.ReplaceAll(s.URL, "{key}", topic[len(prefix):])
		return resolved, true
	}
	return TopicSpec{}, false
}

// Build returns a new, inactive bridge for topic, or false for a passive
// topic.
func (f *Factory) Build(topic string) (Bridge, bool) {
	spec, ok := f.Lookup(topic)
	if !ok {
		return nil, false
	}

	switch spec.Kind {
	case KindPoll:
		// Specs were validated in NewFactory.
		parser, _ := ParserFor(spec.Parser, spec.Limit)
		return NewPollBridge(PollConfig{
			Topic:    topic,
			Interval: spec.Interval,
			Fetcher:  NewHTTPFetcher(topic, spec.URL, parser, f.client),
			Limiter:  f.limiter,
			Logger:   f.logger,
		}), true
	default:
		return NewPushBridge(PushConfig{
			Topic:             topic,
			URL:               spec.URL,
			Token:             f.token,
			Backoff:           spec.Backoff,
			HeartbeatInterval: spec.HeartbeatInterval,
			HeartbeatTimeout:  spec.HeartbeatTimeout,
			Dialer:            f.dialer,
			Limiter:           f.limiter,
			Logger:            f.logger,
		}), true
	}
}
