// ABOUTME: Tests for the module registry
// ABOUTME: Covers memoization, in-flight dedup, failure handling and module-ready notices

package modules

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbve/droid-gateway/internal/protocol"
	"github.com/kbve/droid-gateway/internal/store"
)

type stubModule struct {
	meta   Meta
	inits  atomic.Int32
	closed atomic.Bool
}

func (s *stubModule) Meta() Meta { return s.meta }

func (s *stubModule) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	if method == "fail" {
		return nil, errors.New("boom")
	}
	return method, nil
}

func (s *stubModule) Init(ctx context.Context, mc Context) error {
	s.inits.Add(1)
	return nil
}

func (s *stubModule) Close() error {
	s.closed.Store(true)
	return nil
}

func TestRegistry_ConcurrentLoadsShareOneImport(t *testing.T) {
	var imports atomic.Int32
	release := make(chan struct{})
	loader := LoaderFunc(func(ctx context.Context, url string) (Module, error) {
		imports.Add(1)
		<-release
		return &stubModule{meta: Meta{Name: "slow", Version: "2.0.0"}}, nil
	})
	reg := NewRegistry(loader)

	var wg sync.WaitGroup
	records := make([]*Record, 2)
	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := reg.Load(t.Context(), "builtin://slow")
			assert.NoError(t, err)
			records[i] = rec
		}(i)
	}
	// Let both callers reach the in-flight load before it finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), imports.Load())
	require.NotNil(t, records[0])
	assert.Same(t, records[0], records[1])
	assert.Equal(t, "slow@2.0.0", records[0].ID)
}

func TestRegistry_MemoizesAndNotifies(t *testing.T) {
	mod := &stubModule{meta: Meta{Name: "stub", Version: "1.2.3"}}
	var notices []Ready
	reg := NewRegistry(
		LoaderFunc(func(ctx context.Context, url string) (Module, error) { return mod, nil }),
		WithNotifier(func(topic string, payload any) {
			assert.Equal(t, protocol.TopicModuleReady, topic)
			notices = append(notices, payload.(Ready))
		}),
	)

	first, err := reg.Load(t.Context(), "builtin://stub")
	require.NoError(t, err)
	second, err := reg.Load(t.Context(), "builtin://stub")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), mod.inits.Load())
	require.Len(t, notices, 1)
	assert.Equal(t, "stub@1.2.3", notices[0].ID)
	assert.Equal(t, "builtin://stub", notices[0].URL)
	assert.NotZero(t, notices[0].Timestamp)
}

func TestRegistry_FailureIsModuleLoadAndNotCached(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry(LoaderFunc(func(ctx context.Context, url string) (Module, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("network down")
		}
		return &stubModule{}, nil
	}))

	_, err := reg.Load(t.Context(), "https://example.test/m.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrModuleLoad)
	_, ok := reg.Get("https://example.test/m.json")
	assert.False(t, ok)

	rec, err := reg.Load(t.Context(), "https://example.test/m.json")
	require.NoError(t, err)
	assert.Equal(t, "unknown@0.0.1", rec.ID)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRegistry_ListSortedAndClose(t *testing.T) {
	loader := NewStaticLoader()
	mods := map[string]*stubModule{
		"b": {meta: Meta{Name: "b", Version: "1.0.0"}},
		"a": {meta: Meta{Name: "a", Version: "1.0.0"}},
	}
	for name, m := range mods {
		loader.Register(name, func() Module { return m })
	}
	reg := NewRegistry(loader)
	for _, url := range []string{"builtin://b", "builtin://a"} {
		_, err := reg.Load(t.Context(), url)
		require.NoError(t, err)
	}

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a@1.0.0", list[0].ID)
	assert.Equal(t, "b@1.0.0", list[1].ID)

	require.NoError(t, reg.Close())
	assert.True(t, mods["a"].closed.Load())
	assert.Empty(t, reg.List())

	_, err := reg.Load(t.Context(), "builtin://a")
	assert.ErrorIs(t, err, protocol.ErrModuleLoad)
}

func TestRegistry_Invoke(t *testing.T) {
	loader := NewStaticLoader()
	loader.Register("stub", func() Module { return &stubModule{} })
	reg := NewRegistry(loader)

	out, err := reg.Invoke(t.Context(), "builtin://stub", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = reg.Invoke(t.Context(), "builtin://stub", "fail", nil)
	assert.ErrorIs(t, err, protocol.ErrHandler)

	_, err = reg.Invoke(t.Context(), "builtin://missing", "x", nil)
	assert.ErrorIs(t, err, protocol.ErrModuleLoad)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestMultiLoader_RoutesByScheme(t *testing.T) {
	static := NewStaticLoader()
	RegisterBuiltins(static)
	ml := MultiLoader{BuiltinScheme: static}

	m, err := ml.Load(t.Context(), "builtin://echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", m.Meta().Name)

	_, err = ml.Load(t.Context(), "ftp://x")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
	_, err = ml.Load(t.Context(), "no-scheme")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestDirectoryModule_SeedAndRender(t *testing.T) {
	s := store.NewMemoryStore()
	static := NewStaticLoader()
	RegisterBuiltins(static)
	reg := NewRegistry(static, WithContext(Context{Store: s}))

	out, err := reg.Invoke(t.Context(), "builtin://directory", "seed", json.RawMessage(`{"count":3}`))
	require.NoError(t, err)
	res := out.(*SeedResult)
	assert.Equal(t, 3, res.Count)

	servers, err := s.List(t.Context(), store.BucketJSONServers)
	require.NoError(t, err)
	assert.Len(t, servers, 3)

	raw, err := s.Get(t.Context(), store.BucketHTMLServers, "server-001")
	require.NoError(t, err)
	var html string
	require.NoError(t, json.Unmarshal(raw, &html))
	assert.Contains(t, html, "<h1>Server 01</h1>")
	assert.Contains(t, html, "<strong>")

	_, err = s.Get(t.Context(), store.BucketMeta, MetaSeededAt)
	require.NoError(t, err)

	out, err = reg.Invoke(t.Context(), "builtin://directory", "render", json.RawMessage(`{"id":"server-002"}`))
	require.NoError(t, err)
	assert.Contains(t, out.(map[string]string)["html"], "Server 02")

	out, err = reg.Invoke(t.Context(), "builtin://directory", "seed", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSeedCount, out.(*SeedResult).Count)
}

func TestDirectoryModule_RequiresStore(t *testing.T) {
	static := NewStaticLoader()
	RegisterBuiltins(static)
	reg := NewRegistry(static)

	_, err := reg.Load(t.Context(), "builtin://directory")
	assert.ErrorIs(t, err, protocol.ErrModuleLoad)
}
