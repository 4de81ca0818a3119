// Package engine composes the store, registry, scheduler, pipeline, and
// channel set, and exposes the read-only views and control operations the
// admin surface consumes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/config"
	"github.com/marcus-qen/watchtower/internal/notify"
	"github.com/marcus-qen/watchtower/internal/pipeline"
	"github.com/marcus-qen/watchtower/internal/platform"
	"github.com/marcus-qen/watchtower/internal/probe"
	"github.com/marcus-qen/watchtower/internal/rule"
	"github.com/marcus-qen/watchtower/internal/runner"
	"github.com/marcus-qen/watchtower/internal/store"
)

// ErrProbeNotFound is returned by control operations and views for a probe
// id the engine does not manage.
var ErrProbeNotFound = runner.ErrUnknownProbe

// runHistoryRetention bounds the run_history table; dedup records are kept
// for twice the dedup TTL (or forever when dedup is permanent).
const runHistoryRetention = 30 * 24 * time.Hour

// Engine is the monitoring daemon façade.
type Engine struct {
	cfg      config.Config
	registry *platform.Registry
	store    *store.Store
	channels *notify.Set
	pipe     *pipeline.Pipeline
	runner   *runner.Runner
	logger   *zap.Logger

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// Options configures engine construction. Registry must already contain the
// platform plugins the configuration references; Channels may be empty.
type Options struct {
	Config   config.Config
	Registry *platform.Registry
	Channels *notify.Set
	Clock    clock.Clock
	Logger   *zap.Logger

	// StorePath overrides the default <dataDir>/watchtower.db location.
	StorePath string
}

// New builds an engine: opens the state store and wires the pipeline and
// scheduler. Probes are built and armed by Start.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("platform registry is required")
	}
	channels := opts.Channels
	if channels == nil {
		channels = notify.NewSet(logger)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}

	dbPath := opts.StorePath
	if dbPath == "" {
		dbPath = filepath.Join(opts.Config.DataDir, "watchtower.db")
	}
	st, err := store.Open(dbPath, clk, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	pipe := pipeline.New(st, channels, pipeline.Config{
		Cooldown: opts.Config.Alerting.Cooldown.Std(),
		DedupTTL: opts.Config.Alerting.DedupTTL.Std(),
	}, clk, logger.Named("pipeline"))

	run := runner.New(st, pipe, clk, logger.Named("runner"))

	return &Engine{
		cfg:      opts.Config,
		registry: opts.Registry,
		store:    st,
		channels: channels,
		pipe:     pipe,
		runner:   run,
		logger:   logger,
	}, nil
}

// Start initializes platforms, builds every enabled probe with its rule
// set, and starts the scheduler. A platform initialization failure or an
// unresolvable probe descriptor is a fatal startup error.
func (e *Engine) Start(ctx context.Context) error {
	platformCfg := make(map[string]platform.InitConfig, len(e.cfg.Platforms))
	for _, pc := range e.cfg.Platforms {
		platformCfg[pc.Platform] = platform.InitConfig{
			Enabled: pc.IsEnabled(),
			Config:  pc.Config,
		}
	}
	if err := e.registry.InitializeAll(ctx, platformCfg); err != nil {
		return err
	}

	for _, desc := range e.cfg.Probes {
		if !desc.IsEnabled() {
			e.logger.Info("probe disabled in configuration", zap.String("probe_id", desc.ID))
			continue
		}
		p, err := e.registry.BuildProbe(desc)
		if err != nil {
			return err
		}
		rules, err := rule.BuildSet(desc.Rules)
		if err != nil {
			return fmt.Errorf("probe %q: %w", desc.ID, err)
		}
		if err := e.runner.Add(desc, p, rules); err != nil {
			return err
		}
	}

	e.runner.Start(ctx)

	janitorCtx, cancel := context.WithCancel(ctx)
	e.janitorCancel = cancel
	e.janitorDone = make(chan struct{})
	go e.janitor(janitorCtx)

	e.logger.Info("engine started",
		zap.Int("probes", len(e.runner.Descriptors())),
		zap.Strings("channels", e.channels.Names()),
	)
	return nil
}

// janitor prunes the bounded store tables hourly. Dedup records are pruned
// only under a finite TTL; permanent dedup is an operator promise.
func (e *Engine) janitor(ctx context.Context) {
	defer close(e.janitorDone)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.store.PruneRunHistory(runHistoryRetention); err != nil {
				e.logger.Warn("prune run history failed", zap.Error(err))
			} else if n > 0 {
				e.logger.Info("pruned run history", zap.Int64("rows", n))
			}
			if ttl := e.cfg.Alerting.DedupTTL.Std(); ttl > 0 {
				if n, err := e.store.PruneSentAlerts(2 * ttl); err != nil {
					e.logger.Warn("prune sent alerts failed", zap.Error(err))
				} else if n > 0 {
					e.logger.Info("pruned sent alerts", zap.Int64("rows", n))
				}
			}
		}
	}
}

// Stop shuts the scheduler down, destroys platforms, and closes the store.
func (e *Engine) Stop(ctx context.Context) {
	if e.janitorCancel != nil {
		e.janitorCancel()
		<-e.janitorDone
	}
	e.runner.Stop()
	e.registry.DestroyAll(ctx)
	if err := e.store.Close(); err != nil {
		e.logger.Warn("close state store failed", zap.Error(err))
	}
	e.logger.Info("engine stopped")
}

// --- Read-only views ---

// ListProbes returns the managed probe descriptors.
func (e *Engine) ListProbes() []probe.Descriptor {
	return e.runner.Descriptors()
}

// RunningProbes returns ids with a run currently in flight.
func (e *Engine) RunningProbes() []string {
	return e.runner.Running()
}

// LoadProbeState exposes the persisted state for inspection.
func (e *Engine) LoadProbeState(probeID string) (*store.ProbeState, error) {
	if !e.runner.Has(probeID) {
		return nil, fmt.Errorf("%w: %s", ErrProbeNotFound, probeID)
	}
	return e.store.LoadProbeState(probeID)
}

// RecentAlerts returns the last limit dedup records.
func (e *Engine) RecentAlerts(limit int) ([]store.SentAlert, error) {
	return e.store.RecentAlerts(limit)
}

// RecentRuns returns the last limit run records across all probes.
func (e *Engine) RecentRuns(limit int) ([]store.RunRecord, error) {
	return e.store.RecentRuns("", limit)
}

// PlatformHealth fan-outs platform health checks.
func (e *Engine) PlatformHealth(ctx context.Context) map[string]bool {
	return e.registry.HealthStatus(ctx)
}

// --- Control operations ---

// RunOnce triggers an immediate run, honoring the single-flight gate.
func (e *Engine) RunOnce(probeID string) error { return e.runner.RunOnce(probeID) }

// Enable re-arms the probe's timer.
func (e *Engine) Enable(probeID string) error { return e.runner.Enable(probeID) }

// Disable cancels the probe's timer.
func (e *Engine) Disable(probeID string) error { return e.runner.Disable(probeID) }

// Mute suppresses the probe's alerts for minutes > 0.
func (e *Engine) Mute(probeID string, minutes int) error { return e.runner.Mute(probeID, minutes) }

// Unmute lifts a mute.
func (e *Engine) Unmute(probeID string) error { return e.runner.Unmute(probeID) }

// IsNotFound reports whether err is the probe-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProbeNotFound)
}
