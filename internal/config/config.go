// ABOUTME: Configuration loading and parsing for droid-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Reference defaults.
const (
	DefaultOrigin            = "local"
	DefaultRPCTimeout        = 5 * time.Second
	DefaultHistorySize       = 100
	DefaultStoreWorkers      = 3
	DefaultStoreTimeout      = 30 * time.Second
	DefaultPollInterval      = 3 * time.Second
	DefaultReconnectBackoff  = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Config represents the complete droid-gateway configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Context  ContextConfig  `yaml:"context" toml:"context"`
	RPC      RPCConfig      `yaml:"rpc" toml:"rpc"`
	EventBus EventBusConfig `yaml:"eventbus" toml:"eventbus"`
	Store    StoreConfig    `yaml:"store" toml:"store"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Topics   []TopicConfig  `yaml:"topics" toml:"topics"`
	Modules  ModulesConfig  `yaml:"modules" toml:"modules"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// GatewayConfig holds per-gateway settings
type GatewayConfig struct {
	// Origin keys the shared execution context.
	Origin string `yaml:"origin" toml:"origin"`
	// Strategy is the expected strategy, reported by probe. Detection always decides.
	Strategy string `yaml:"strategy" toml:"strategy"`
}

// ContextConfig holds shared-context daemon addresses
type ContextConfig struct {
	// Address of a daemon to attach to. Empty means in-process.
	Address string `yaml:"address" toml:"address"`
	// Listen is where `serve` accepts attach streams: host:port or a unix socket path.
	Listen string `yaml:"listen" toml:"listen"`
	// HealthListen optionally serves /health and /ready over HTTP.
	HealthListen string `yaml:"health_listen" toml:"health_listen"`
}

// RPCConfig holds request/response timing
type RPCConfig struct {
	DefaultTimeout    time.Duration `yaml:"-" toml:"-"`
	DefaultTimeoutRaw string        `yaml:"default_timeout" toml:"default_timeout"`
}

// EventBusConfig holds event bus settings
type EventBusConfig struct {
	HistorySize int `yaml:"history_size" toml:"history_size"`
}

// StoreConfig holds KV store configuration. An empty path keeps data in memory.
type StoreConfig struct {
	Path    string `yaml:"path" toml:"path"`
	// Workers caps concurrent store requests per execution context.
	Workers int    `yaml:"workers" toml:"workers"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables session tokens and daemon stream auth.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// Token is presented to a remote daemon and appended to push URLs.
	Token string `yaml:"token" toml:"token"`
}

// TopicConfig describes the upstream bridge of one topic or topic pattern
type TopicConfig struct {
	Name   string `yaml:"name" toml:"name"`
	Kind   string `yaml:"kind" toml:"kind"` // poll or push
	URL    string `yaml:"url" toml:"url"`
	Parser string `yaml:"parser" toml:"parser"` // prometheus or json, poll only
	Limit  int    `yaml:"limit" toml:"limit"`

	Interval          time.Duration `yaml:"-" toml:"-"`
	Backoff           time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IntervalRaw          string `yaml:"interval" toml:"interval"`
	BackoffRaw           string `yaml:"backoff" toml:"backoff"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// ModulesConfig holds module registry settings
type ModulesConfig struct {
	Preload []string `yaml:"preload" toml:"preload"`
	// AllowRemote lets module.load fetch http(s) manifests.
	AllowRemote bool `yaml:"allow_remote" toml:"allow_remote"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration populated with the reference constants.
func Default() *Config {
	return &Config{
		Gateway:  GatewayConfig{Origin: DefaultOrigin},
		RPC:      RPCConfig{DefaultTimeout: DefaultRPCTimeout},
		EventBus: EventBusConfig{HistorySize: DefaultHistorySize},
		Store:    StoreConfig{Workers: DefaultStoreWorkers, RequestTimeout: DefaultStoreTimeout},
		Logging:  LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML. Values
// not present in the file keep their Default. Environment variables in the
// format ${VAR_NAME} are expanded and duration strings are parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content. asTOML selects the TOML decoder.
func Parse(data []byte, asTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if asTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ResolvePath returns the config file location: $DROID_CONFIG, then
// $XDG_CONFIG_HOME/droid/gateway.yaml, then ~/.config/droid/gateway.yaml.
func ResolvePath() string {
	if p := os.Getenv("DROID_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "droid", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "droid", "gateway.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

var (
	validKinds      = map[string]bool{"poll": true, "push": true}
	validParsers    = map[string]bool{"": true, "prometheus": true, "json": true}
	validStrategies = map[string]bool{"": true, "shared": true, "private": true, "direct": true}
	validLevels     = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats    = map[string]bool{"text": true, "json": true}
)

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.Origin == "" {
		return fmt.Errorf("gateway.origin is required")
	}
	if !validStrategies[c.Gateway.Strategy] {
		return fmt.Errorf("gateway.strategy %q must be shared, private or direct", c.Gateway.Strategy)
	}
	if c.RPC.DefaultTimeout <= 0 {
		return fmt.Errorf("rpc.default_timeout must be positive")
	}
	if c.EventBus.HistorySize <= 0 {
		return fmt.Errorf("eventbus.history_size must be positive")
	}
	if c.Store.Workers <= 0 {
		return fmt.Errorf("store.workers must be positive")
	}

	seen := make(map[string]bool, len(c.Topics))
	for i, t := range c.Topics {
		if t.Name == "" {
			return fmt.Errorf("topics[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("topics[%d]: duplicate topic %q", i, t.Name)
		}
		seen[t.Name] = true
		if !validKinds[t.Kind] {
			return fmt.Errorf("topics[%d] (%s): kind %q must be poll or push", i, t.Name, t.Kind)
		}
		if t.URL == "" {
			return fmt.Errorf("topics[%d] (%s): url is required", i, t.Name)
		}
		if !validParsers[t.Parser] {
			return fmt.Errorf("topics[%d] (%s): parser %q must be prometheus or json", i, t.Name, t.Parser)
		}
		if t.Limit < 0 {
			return fmt.Errorf("topics[%d] (%s): limit must not be negative", i, t.Name)
		}
	}

	for i, url := range c.Modules.Preload {
		if !strings.Contains(url, "://") {
			return fmt.Errorf("modules.preload[%d]: %q is not a module URL", i, url)
		}
	}

	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

func parseDuration(name, raw string, out *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("parsing %s %q: must be positive", name, raw)
	}
	*out = d
	return nil
}

func applyTopicDefaults(t *TopicConfig) {
	if t.Interval == 0 {
		t.Interval = DefaultPollInterval
	}
	if t.Backoff == 0 {
		t.Backoff = DefaultReconnectBackoff
	}
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if t.HeartbeatTimeout == 0 {
		t.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if err := parseDuration("rpc.default_timeout", cfg.RPC.DefaultTimeoutRaw, &cfg.RPC.DefaultTimeout); err != nil {
		return err
	}
	if err := parseDuration("store.request_timeout", cfg.Store.RequestTimeoutRaw, &cfg.Store.RequestTimeout); err != nil {
		return err
	}

	for i := range cfg.Topics {
		t := &cfg.Topics[i]
		prefix := fmt.Sprintf("topics[%d].", i)
		if err := parseDuration(prefix+"interval", t.IntervalRaw, &t.Interval); err != nil {
			return err
		}
		if err := parseDuration(prefix+"backoff", t.BackoffRaw, &t.Backoff); err != nil {
			return err
		}
		if err := parseDuration(prefix+"heartbeat_interval", t.HeartbeatIntervalRaw, &t.HeartbeatInterval); err != nil {
			return err
		}
		if err := parseDuration(prefix+"heartbeat_timeout", t.HeartbeatTimeoutRaw, &t.HeartbeatTimeout); err != nil {
			return err
		}
		applyTopicDefaults(t)
	}

	return nil
}
