// ABOUTME: HTTP fetcher for poll bridges, guarded by a circuit breaker
// ABOUTME: Includes Prometheus text and JSON body parsers

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const maxFetchBody = 1 << 20

// DefaultMetricLimit is how many samples PrometheusParser keeps.
const DefaultMetricLimit = 6

// Parser turns a response body into a broadcast payload.
type Parser interface {
	Parse(body []byte) (any, error)
}

// Sample is one Prometheus exposition line.
type Sample struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// PrometheusParser keeps the first Limit samples of a text exposition,
// skipping comments, blank lines and values that are not numbers.
type PrometheusParser struct {
	Limit int
}

// Parse implements Parser.
func (p PrometheusParser) Parse(body []byte) (any, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultMetricLimit
	}

	samples := make([]Sample, 0, limit)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() && len(samples) < limit {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, rest := splitMetricLine(line)
		fields := strings.Fields(rest)
		if key == "" || len(fields) == 0 {
			continue
		}
		value, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		samples = append(samples, Sample{Key: key, Value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning metrics: %w", err)
	}
	return samples, nil
}

// splitMetricLine separates the series name (labels included) from the rest.
func splitMetricLine(line string) (key, rest string) {
	if i := strings.IndexByte(line, '{'); i >= 0 {
		if j := strings.IndexByte(line[i:], '}'); j >= 0 {
			return line[:i+j+1], line[i+j+1:]
		}
	}
	key, rest, _ = strings.Cut(line, " ")
	if key == line {
		key, rest, _ = strings.Cut(line, "\t")
	}
	return key, rest
}

// JSONParser passes a JSON body through as raw JSON.
type JSONParser struct{}

// Parse implements Parser.
func (JSONParser) Parse(body []byte) (any, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return json.RawMessage(bytes.Clone(body)), nil
}

// ParserFor returns the parser registered under name.
func ParserFor(name string, limit int) (Parser, error) {
	switch name {
	case "", "prometheus":
		return PrometheusParser{Limit: limit}, nil
	case "json":
		return JSONParser{}, nil
	}
	return nil, fmt.Errorf("unknown parser %q", name)
}

// HTTPFetcher GETs a URL and parses the body. Consecutive failures trip a
// circuit breaker so a dead upstream is not hammered on every tick.
type HTTPFetcher struct {
	url     string
	client  *http.Client
	parser  Parser
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPFetcher creates a fetcher for url. A nil client uses a client with
// a 10 second timeout.
func NewHTTPFetcher(name, url string, parser Parser, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{
		url:    url,
		client: client,
		parser: parser,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) (any, error) {
	return f.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", f.url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("fetching %s: status %d", f.url, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.url, err)
		}
		return f.parser.Parse(body)
	})
}

// BreakerState exposes the circuit breaker state for diagnostics.
func (f *HTTPFetcher) BreakerState() string {
	return f.breaker.State().String()
}
