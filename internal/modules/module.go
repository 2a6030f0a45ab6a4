// ABOUTME: Module contract for code loaded into an execution context
// ABOUTME: Defines Meta normalisation, the optional Init hook and loaded Records

package modules

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kbve/droid-gateway/internal/store"
)

// Defaults applied to incomplete metadata.
const (
	DefaultName    = "unknown"
	DefaultVersion = "0.0.1"
)

// Meta describes a module.
type Meta struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
}

// ID returns the record identifier name@version.
func (m Meta) ID() string {
	return m.Name + "@" + m.Version
}

func normalize(m Meta) Meta {
	if m.Name == "" {
		m.Name = DefaultName
	}
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	return m
}

// Module is loaded code that answers method invocations.
type Module interface {
	Meta() Meta
	Invoke(ctx context.Context, method string, args json.RawMessage) (any, error)
}

// Context is what a module may reach inside its execution context.
type Context struct {
	Logger    *slog.Logger
	Broadcast func(topic string, payload any)
	Store     store.Store
}

// Initializer is implemented by modules that need setup after loading.
type Initializer interface {
	Init(ctx context.Context, mc Context) error
}

// Closer is implemented by modules holding resources.
type Closer interface {
	Close() error
}

// Record is one loaded module.
type Record struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Meta     Meta      `json:"meta"`
	LoadedAt time.Time `json:"loaded_at"`
	Module   Module    `json:"-"`
}

// Ready is the payload broadcast on the module-ready topic.
type Ready struct {
	Meta      Meta   `json:"meta"`
	ID        string `json:"id"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}
