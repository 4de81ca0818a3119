package resilience

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/clock"
)

// Upstream bundles the shared client and guards for one logical upstream.
// Sharing one triple per hostname or RPC URL is what makes the circuit
// state meaningful across all probes of a platform.
type Upstream struct {
	Key     string
	Client  *http.Client
	Limiter *Limiter
	Breaker *Breaker
}

// Do acquires a rate-limit slot (honoring ctx) and runs fn under the
// circuit breaker.
func (u *Upstream) Do(ctx context.Context, fn func() error) error {
	if err := u.Limiter.Wait(ctx); err != nil {
		return err
	}
	return u.Breaker.Execute(fn)
}

// UpstreamConfig sets the per-upstream guard parameters.
type UpstreamConfig struct {
	Breaker       BreakerConfig
	MaxRequests   int
	Window        time.Duration
	ClientTimeout time.Duration
}

// DefaultUpstreamConfig returns production defaults.
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		Breaker:       DefaultBreakerConfig(),
		MaxRequests:   10,
		Window:        time.Second,
		ClientTimeout: 10 * time.Second,
	}
}

// UpstreamSet lazily builds and caches one Upstream per key.
type UpstreamSet struct {
	cfg    UpstreamConfig
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	upstreams map[string]*Upstream
}

// NewUpstreamSet creates an empty set.
func NewUpstreamSet(cfg UpstreamConfig, clk clock.Clock, logger *zap.Logger) *UpstreamSet {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpstreamSet{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		upstreams: make(map[string]*Upstream),
	}
}

// For returns the upstream for key, creating it on first use.
func (s *UpstreamSet) For(key string) *Upstream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.upstreams[key]; ok {
		return u
	}
	u := &Upstream{
		Key:     key,
		Client:  &http.Client{Timeout: s.cfg.ClientTimeout},
		Limiter: NewLimiter(s.cfg.MaxRequests, s.cfg.Window, s.clock),
		Breaker: NewBreaker(key, s.cfg.Breaker, s.clock, s.logger),
	}
	s.upstreams[key] = u
	return u
}

// Health returns breaker snapshots for every known upstream.
func (s *UpstreamSet) Health() map[string]BreakerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BreakerMetrics, len(s.upstreams))
	for key, u := range s.upstreams {
		out[key] = u.Breaker.Metrics()
	}
	return out
}
