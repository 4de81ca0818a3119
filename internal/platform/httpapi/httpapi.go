// Package httpapi is the generic REST poller platform. A probe GETs one URL
// and maps the outcome onto http.status, http.latencyMs, and http.up, plus
// optional JSON field extraction into http.json.<alias> via dotted paths.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/facts"
	"github.com/marcus-qen/watchtower/internal/platform"
	"github.com/marcus-qen/watchtower/internal/probe"
	"github.com/marcus-qen/watchtower/internal/resilience"
	"github.com/marcus-qen/watchtower/internal/store"
)

const (
	platformID = "http"
	version    = "1.0.0"

	typeEndpoint = "endpoint"

	maxBodyBytes = 1 << 20
)

// Platform shares one guarded client per hostname across its probes.
type Platform struct {
	upstreams *resilience.UpstreamSet
	clock     clock.Clock
	logger    *zap.Logger
}

// New creates the platform.
func New(clk clock.Clock, logger *zap.Logger) *Platform {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Platform{
		upstreams: resilience.NewUpstreamSet(resilience.DefaultUpstreamConfig(), clk, logger.Named("http")),
		clock:     clk,
		logger:    logger.Named("http"),
	}
}

// Describe implements platform.Platform.
func (p *Platform) Describe() platform.Descriptor {
	return platform.Descriptor{
		ID:          platformID,
		DisplayName: "HTTP Endpoint",
		Version:     version,
		ProbeTypes:  []string{typeEndpoint},
	}
}

// Initialize requires no platform-level configuration.
func (p *Platform) Initialize(context.Context, map[string]any) error { return nil }

// CreateProbe builds an endpoint probe from its descriptor config.
func (p *Platform) CreateProbe(typ string, desc probe.Descriptor) (probe.Probe, error) {
	if typ != typeEndpoint {
		return nil, fmt.Errorf("http: unsupported probe type %q", typ)
	}

	rawURL, _ := desc.Config["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("http probe %q: url is required", desc.ID)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("http probe %q: invalid url %q", desc.ID, rawURL)
	}

	headers := map[string]string{}
	if raw, ok := desc.Config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	extracts, err := parseExtracts(desc.Config["extract"])
	if err != nil {
		return nil, fmt.Errorf("http probe %q: %w", desc.ID, err)
	}

	return &endpointProbe{
		id:       desc.ID,
		url:      rawURL,
		headers:  headers,
		extracts: extracts,
		upstream: p.upstreams.For(parsed.Host),
		clock:    p.clock,
		logger:   p.logger.With(zap.String("probe_id", desc.ID)),
	}, nil
}

// Destroy has nothing to tear down.
func (p *Platform) Destroy(context.Context) error { return nil }

// HealthCheck reports healthy while no breaker is open.
func (p *Platform) HealthCheck(context.Context) bool {
	for _, m := range p.upstreams.Health() {
		if m.State == resilience.StateOpen {
			return false
		}
	}
	return true
}

// extractSpec maps one dotted JSON path to a fact alias.
type extractSpec struct {
	Alias string
	Path  []string
}

func parseExtracts(raw any) ([]extractSpec, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("extract must map alias to dotted path")
	}
	out := make([]extractSpec, 0, len(m))
	for alias, v := range m {
		path, ok := v.(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("extract %q: path must be a non-empty string", alias)
		}
		out = append(out, extractSpec{Alias: alias, Path: strings.Split(path, ".")})
	}
	return out, nil
}

type endpointProbe struct {
	id       string
	url      string
	headers  map[string]string
	extracts []extractSpec
	upstream *resilience.Upstream
	clock    clock.Clock
	logger   *zap.Logger
}

func (e *endpointProbe) ID() string { return e.id }

// Collect GETs the endpoint once. Network failures become soft facts with
// http.up=false; an open breaker is the only hard run error.
func (e *endpointProbe) Collect(ctx context.Context, _ *store.ProbeState) (facts.Facts, error) {
	out := facts.Facts{}

	var status int
	var latencyMs int64
	var body []byte

	err := e.upstream.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		for k, v := range e.headers {
			req.Header.Set(k, v)
		}

		start := e.clock.Now()
		resp, err := e.upstream.Client.Do(req)
		latencyMs = e.clock.Now().Sub(start).Milliseconds()
		if err != nil {
			return fmt.Errorf("get %s: %w", e.url, err)
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		if len(e.extracts) > 0 {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		}
		// Non-2xx is an observation, not a transport failure; it must not
		// feed the circuit breaker.
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, err
		}
		e.logger.Warn("request failed", zap.Error(err))
		out["http.up"] = facts.Bool(false)
		out["http.status"] = facts.String("error")
		out["http.error"] = facts.String(err.Error())
		return out, nil
	}

	out["http.status"] = facts.Int(int64(status))
	out["http.latencyMs"] = facts.Int(latencyMs)
	out["http.up"] = facts.Bool(status >= 200 && status < 300)

	if len(e.extracts) > 0 {
		var doc any
		if jsonErr := json.Unmarshal(body, &doc); jsonErr != nil {
			e.logger.Warn("response body is not JSON, skipping extraction", zap.Error(jsonErr))
		} else {
			for _, ex := range e.extracts {
				v, found := lookupPath(doc, ex.Path)
				if !found {
					e.logger.Debug("extract path not found",
						zap.String("alias", ex.Alias),
						zap.String("path", strings.Join(ex.Path, ".")),
					)
					continue
				}
				out["http.json."+ex.Alias] = facts.FromAny(v)
			}
		}
	}
	return out, nil
}

// lookupPath walks a decoded JSON document by dotted path. Numeric segments
// index arrays.
func lookupPath(doc any, path []string) (any, bool) {
	cur := doc
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
