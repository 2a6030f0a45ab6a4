// ABOUTME: Tests for the HTTP manifest loader
// ABOUTME: Serves manifests and method endpoints from httptest servers

package modules

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManifestServer(t *testing.T, manifest string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, manifest)
	})
	mux.HandleFunc("/rpc/greet", func(w http.ResponseWriter, r *http.Request) {
		var args struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&args)
		_ = json.NewEncoder(w).Encode(map[string]string{"greeting": "hi " + args.Name})
	})
	mux.HandleFunc("/rpc/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPLoader_LoadAndInvoke(t *testing.T) {
	srv := newManifestServer(t, `{"name":"greeter","version":"0.3.0","endpoint":"/rpc","methods":["greet","broken"]}`)
	loader, err := NewHTTPLoader(srv.Client())
	require.NoError(t, err)

	m, err := loader.Load(t.Context(), srv.URL+"/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, Meta{Name: "greeter", Version: "0.3.0"}, m.Meta())

	out, err := m.Invoke(t.Context(), "greet", json.RawMessage(`{"name":"ada"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hi ada"}`, string(out.(json.RawMessage)))

	_, err = m.Invoke(t.Context(), "broken", nil)
	assert.ErrorContains(t, err, "status 500")

	_, err = m.Invoke(t.Context(), "unlisted", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestHTTPLoader_RejectsInvalidManifest(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": `{"name":"x"}`,
		"empty name":       `{"name":"","endpoint":"/rpc"}`,
		"wrong type":       `{"name":"x","endpoint":"/rpc","methods":"greet"}`,
		"not json":         `{nope`,
	}
	for name, manifest := range cases {
		t.Run(name, func(t *testing.T) {
			srv := newManifestServer(t, manifest)
			loader, err := NewHTTPLoader(srv.Client())
			require.NoError(t, err)

			_, err = loader.Load(t.Context(), srv.URL+"/manifest.json")
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestHTTPLoader_NotFound(t *testing.T) {
	srv := newManifestServer(t, `{}`)
	loader, err := NewHTTPLoader(srv.Client())
	require.NoError(t, err)

	_, err = loader.Load(t.Context(), srv.URL+"/missing.json")
	assert.ErrorContains(t, err, "unexpected status 404")
}
