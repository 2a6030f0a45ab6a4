// ABOUTME: Loader for remote modules described by a JSON manifest over HTTP
// ABOUTME: Validates manifests with JSON Schema and proxies Invoke as POST requests

package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidManifest is returned when a manifest fails validation.
var ErrInvalidManifest = errors.New("invalid module manifest")

// ErrUnknownMethod is returned when a proxied module does not list a method.
var ErrUnknownMethod = errors.New("unknown module method")

const manifestSchema = `{
  "type": "object",
  "required": ["name", "endpoint"],
  "properties": {
    "name":        {"type": "string", "minLength": 1},
    "version":     {"type": "string"},
    "description": {"type": "string"},
    "author":      {"type": "string"},
    "endpoint":    {"type": "string", "minLength": 1},
    "methods":     {"type": "array", "items": {"type": "string", "minLength": 1}}
  }
}`

// maxManifestBytes caps manifest and response bodies.
const maxManifestBytes = 1 << 20

// Manifest describes a remote module.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Author      string   `json:"author"`
	Endpoint    string   `json:"endpoint"`
	Methods     []string `json:"methods"`
}

// HTTPLoader fetches manifests from http(s) URLs.
type HTTPLoader struct {
	client *http.Client
	schema *jsonschema.Schema
}

// NewHTTPLoader creates an HTTPLoader. A nil client uses a 10s timeout client.
func NewHTTPLoader(client *http.Client) (*HTTPLoader, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	schema, err := jsonschema.CompileString("droid-module-manifest.json", manifestSchema)
	if err != nil {
		return nil, fmt.Errorf("compiling manifest schema: %w", err)
	}
	return &HTTPLoader{client: client, schema: schema}, nil
}

// Load implements Loader.
func (h *HTTPLoader) Load(ctx context.Context, rawURL string) (Module, error) {
	body, err := h.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := h.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	endpoint, err := resolveEndpoint(rawURL, m.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint: %v", ErrInvalidManifest, err)
	}
	return &remoteModule{manifest: m, endpoint: endpoint, client: h.client}, nil
}

func (h *HTTPLoader) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching manifest: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return body, nil
}

// resolveEndpoint makes a relative endpoint absolute against the manifest URL.
func resolveEndpoint(manifestURL, endpoint string) (string, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(base.ResolveReference(ref).String(), "/"), nil
}

type remoteModule struct {
	manifest Manifest
	endpoint string
	client   *http.Client
}

func (r *remoteModule) Meta() Meta {
	return Meta{
		Name:        r.manifest.Name,
		Version:     r.manifest.Version,
		Description: r.manifest.Description,
		Author:      r.manifest.Author,
	}
}

// Invoke POSTs args to <endpoint>/<method> and returns the decoded JSON body.
func (r *remoteModule) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	if len(r.manifest.Methods) > 0 && !slices.Contains(r.manifest.Methods, method) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if len(args) == 0 {
		args = json.RawMessage("null")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/"+url.PathEscape(method), bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoking %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("invoking %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("invoking %s: response is not JSON", method)
	}
	return json.RawMessage(body), nil
}
