// Package platform defines the plugin model for source families and the
// registry that manages their lifecycle. A platform owns the shared upstream
// clients for its probes and mints probe instances for the types it
// supports.
package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/probe"
)

// Descriptor is the static identity of a platform plugin.
type Descriptor struct {
	ID          string
	DisplayName string
	Version     string
	ProbeTypes  []string
}

// SupportsType reports whether typ is in the platform's probe type set.
func (d Descriptor) SupportsType(typ string) bool {
	for _, t := range d.ProbeTypes {
		if t == typ {
			return true
		}
	}
	return false
}

// InitConfig is the per-platform slice of the configuration record.
type InitConfig struct {
	Enabled bool
	Config  map[string]any
}

// Platform is the capability set every source family implements. A platform
// must not leak goroutines or sockets past Destroy returning.
type Platform interface {
	Describe() Descriptor
	Initialize(ctx context.Context, config map[string]any) error
	CreateProbe(typ string, desc probe.Descriptor) (probe.Probe, error)
	Destroy(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
}

// Registry holds registered platforms and drives their lifecycle.
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	platforms map[string]Platform
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:    logger,
		platforms: make(map[string]Platform),
	}
}

// Register adds a platform. A duplicate id is an error.
func (r *Registry) Register(p Platform) error {
	id := p.Describe().ID
	if id == "" {
		return fmt.Errorf("platform id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.platforms[id]; exists {
		return fmt.Errorf("platform %q already registered", id)
	}
	r.platforms[id] = p
	r.order = append(r.order, id)
	return nil
}

// Get returns the platform by id.
func (r *Registry) Get(id string) (Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	return p, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// GetAll enumerates platforms in registration order.
func (r *Registry) GetAll() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Platform, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.platforms[id])
	}
	return out
}

// InitializeAll initializes every registered platform that is enabled in its
// per-platform config (enabled by default when no config entry exists). The
// first failure aborts startup and names the platform.
func (r *Registry) InitializeAll(ctx context.Context, configs map[string]InitConfig) error {
	for _, p := range r.GetAll() {
		id := p.Describe().ID
		cfg, has := configs[id]
		if has && !cfg.Enabled {
			r.logger.Info("platform disabled, skipping initialization", zap.String("platform", id))
			continue
		}
		if err := p.Initialize(ctx, cfg.Config); err != nil {
			return fmt.Errorf("initialize platform %q: %w", id, err)
		}
		r.logger.Info("platform initialized",
			zap.String("platform", id),
			zap.String("version", p.Describe().Version),
		)
	}
	return nil
}

// DestroyAll tears every platform down, tolerating per-platform errors.
func (r *Registry) DestroyAll(ctx context.Context) {
	for _, p := range r.GetAll() {
		if err := p.Destroy(ctx); err != nil {
			r.logger.Warn("platform destroy failed", zap.String("platform", p.Describe().ID), zap.Error(err))
		}
	}
}

// HealthStatus fans out HealthCheck concurrently.
func (r *Registry) HealthStatus(ctx context.Context) map[string]bool {
	platforms := r.GetAll()

	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		wg.Add(1)
		go func(p Platform) {
			defer wg.Done()
			healthy := p.HealthCheck(ctx)
			mu.Lock()
			out[p.Describe().ID] = healthy
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return out
}

// BuildProbe resolves a probe descriptor to a concrete probe through the
// registry, rejecting unregistered platforms and unsupported types.
func (r *Registry) BuildProbe(desc probe.Descriptor) (probe.Probe, error) {
	p, ok := r.Get(desc.Platform)
	if !ok {
		return nil, fmt.Errorf("probe %q references unregistered platform %q", desc.ID, desc.Platform)
	}

	pd := p.Describe()
	if !pd.SupportsType(desc.Type) {
		allowed := append([]string(nil), pd.ProbeTypes...)
		sort.Strings(allowed)
		return nil, fmt.Errorf("probe %q: platform %q does not support type %q (allowed: %s)",
			desc.ID, desc.Platform, desc.Type, strings.Join(allowed, ", "))
	}
	return p.CreateProbe(desc.Type, desc)
}
