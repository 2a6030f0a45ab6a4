// ABOUTME: Loaders that turn module URLs into Module values
// ABOUTME: StaticLoader serves builtin:// constructors; MultiLoader routes by URL scheme

package modules

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Loader imports the module at url.
type Loader interface {
	Load(ctx context.Context, url string) (Module, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, url string) (Module, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, url string) (Module, error) {
	return f(ctx, url)
}

// ErrModuleNotFound is returned when no constructor matches a URL.
var ErrModuleNotFound = errors.New("module not found")

// ErrUnsupportedScheme is returned by MultiLoader for unrouted schemes.
var ErrUnsupportedScheme = errors.New("unsupported module scheme")

// BuiltinScheme prefixes in-process module URLs.
const BuiltinScheme = "builtin"

// Constructor builds a fresh module instance.
type Constructor func() Module

// StaticLoader resolves builtin://name to registered constructors.
type StaticLoader struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewStaticLoader creates an empty StaticLoader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{ctors: make(map[string]Constructor)}
}

// Register adds a constructor under name.
func (s *StaticLoader) Register(name string, ctor Constructor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctors[name] = ctor
}

// Names returns the registered builtin names, sorted.
func (s *StaticLoader) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.ctors))
	for n := range s.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load implements Loader.
func (s *StaticLoader) Load(ctx context.Context, url string) (Module, error) {
	name, ok := strings.CutPrefix(url, BuiltinScheme+"://")
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, url)
	}
	s.mu.RLock()
	ctor, ok := s.ctors[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, url)
	}
	return ctor(), nil
}

// MultiLoader dispatches to a Loader per URL scheme.
type MultiLoader map[string]Loader

// Load implements Loader.
func (m MultiLoader) Load(ctx context.Context, url string) (Module, error) {
	scheme, _, ok := strings.Cut(url, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrUnsupportedScheme, url)
	}
	l, ok := m[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return l.Load(ctx, url)
}

// NewDefaultLoader serves the builtin modules and, when remote is set,
// http and https manifests fetched with client.
func NewDefaultLoader(remote bool, client *http.Client) (MultiLoader, error) {
	static := NewStaticLoader()
	RegisterBuiltins(static)
	loaders := MultiLoader{BuiltinScheme: static}
	if remote {
		hl, err := NewHTTPLoader(client)
		if err != nil {
			return nil, err
		}
		loaders["http"] = hl
		loaders["https"] = hl
	}
	return loaders, nil
}
