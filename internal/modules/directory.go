// ABOUTME: Builtin module that seeds and renders the server directory
// ABOUTME: Stores servers as JSON and their markdown summaries rendered to HTML

package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yuin/goldmark"

	"github.com/kbve/droid-gateway/internal/store"
)

// DefaultSeedCount is used when seed is called without a count.
const DefaultSeedCount = 20

// MetaSeededAt is the meta bucket key recording the last seed.
const MetaSeededAt = "seeded_at"

var serverTags = []string{"gaming", "music", "art", "dev", "anime", "study"}

// Server is one directory entry.
type Server struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Summary string   `json:"summary"` // markdown
	Members int      `json:"members"`
	Tags    []string `json:"tags"`
}

// DirectoryModule seeds jsonservers and renders htmlservers.
type DirectoryModule struct {
	store store.Store
	md    goldmark.Markdown
	now   func() time.Time
}

// NewDirectoryModule returns an uninitialised DirectoryModule. It needs a
// store from Init before use.
func NewDirectoryModule() Module {
	return &DirectoryModule{md: goldmark.New(), now: time.Now}
}

func (d *DirectoryModule) Meta() Meta {
	return Meta{
		Name:        "directory",
		Version:     "1.0.0",
		Description: "seeds and renders the server directory",
	}
}

// Init implements Initializer.
func (d *DirectoryModule) Init(ctx context.Context, mc Context) error {
	if mc.Store == nil {
		return errors.New("directory module requires a store")
	}
	d.store = mc.Store
	return nil
}

type seedArgs struct {
	Count int `json:"count"`
}

type renderArgs struct {
	ID string `json:"id"`
}

// SeedResult reports what seed wrote.
type SeedResult struct {
	Count    int    `json:"count"`
	SeededAt string `json:"seeded_at"`
}

func (d *DirectoryModule) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	if d.store == nil {
		return nil, errors.New("directory module not initialised")
	}
	switch method {
	case "seed":
		var a seedArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return d.seed(ctx, a.Count)
	case "render":
		var a renderArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if a.ID == "" {
			return nil, errors.New("render requires an id")
		}
		html, err := d.render(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": a.ID, "html": html}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func decodeArgs(args json.RawMessage, out any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, out); err != nil {
		return fmt.Errorf("decoding args: %w", err)
	}
	return nil
}

func (d *DirectoryModule) seed(ctx context.Context, count int) (*SeedResult, error) {
	if count <= 0 {
		count = DefaultSeedCount
	}
	for i := 1; i <= count; i++ {
		srv := fakeServer(i)
		raw, err := json.Marshal(srv)
		if err != nil {
			return nil, fmt.Errorf("encoding server %s: %w", srv.ID, err)
		}
		if err := d.store.Set(ctx, store.BucketJSONServers, srv.ID, raw); err != nil {
			return nil, fmt.Errorf("storing server %s: %w", srv.ID, err)
		}
		if err := d.renderServer(ctx, srv); err != nil {
			return nil, err
		}
	}

	seededAt := d.now().UTC().Format(time.RFC3339)
	raw, _ := json.Marshal(seededAt)
	if err := d.store.Set(ctx, store.BucketMeta, MetaSeededAt, raw); err != nil {
		return nil, fmt.Errorf("recording seed: %w", err)
	}
	return &SeedResult{Count: count, SeededAt: seededAt}, nil
}

func (d *DirectoryModule) render(ctx context.Context, id string) (string, error) {
	raw, err := d.store.Get(ctx, store.BucketJSONServers, id)
	if err != nil {
		return "", fmt.Errorf("loading server %s: %w", id, err)
	}
	var srv Server
	if err := json.Unmarshal(raw, &srv); err != nil {
		return "", fmt.Errorf("decoding server %s: %w", id, err)
	}
	if err := d.renderServer(ctx, srv); err != nil {
		return "", err
	}
	html, err := d.store.Get(ctx, store.BucketHTMLServers, id)
	if err != nil {
		return "", err
	}
	var s string
	err = json.Unmarshal(html, &s)
	return s, err
}

func (d *DirectoryModule) renderServer(ctx context.Context, srv Server) error {
	var buf bytes.Buffer
	if err := d.md.Convert([]byte(srv.Summary), &buf); err != nil {
		return fmt.Errorf("rendering server %s: %w", srv.ID, err)
	}
	raw, err := json.Marshal(buf.String())
	if err != nil {
		return err
	}
	if err := d.store.Set(ctx, store.BucketHTMLServers, srv.ID, raw); err != nil {
		return fmt.Errorf("storing rendered server %s: %w", srv.ID, err)
	}
	return nil
}

// fakeServer builds a deterministic directory entry for index i.
func fakeServer(i int) Server {
	tag := serverTags[i%len(serverTags)]
	name := fmt.Sprintf("Server %02d", i)
	return Server{
		ID:      fmt.Sprintf("server-%03d", i),
		Name:    name,
		Summary: fmt.Sprintf("# %s\n\nA **%s** community.\n\n- members: %d\n", name, tag, i*137),
		Members: i * 137,
		Tags:    []string{tag},
	}
}

// RegisterBuiltins adds the builtin modules to s.
func RegisterBuiltins(s *StaticLoader) {
	s.Register("directory", NewDirectoryModule)
	s.Register("echo", NewEchoModule)
}
