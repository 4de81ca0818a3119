// Package runner schedules probe execution. Each enabled probe gets its own
// timer loop plus one immediate run at startup; every tick flows through a
// single-flight gate keyed by probe id, so at most one Collect per probe is
// in flight at any instant. A watchdog force-releases locks held past twice
// the probe timeout and synthesizes a critical system alert.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/alert"
	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/facts"
	"github.com/marcus-qen/watchtower/internal/metrics"
	"github.com/marcus-qen/watchtower/internal/pipeline"
	"github.com/marcus-qen/watchtower/internal/probe"
	"github.com/marcus-qen/watchtower/internal/rule"
	"github.com/marcus-qen/watchtower/internal/store"
	"github.com/marcus-qen/watchtower/internal/telemetry"
)

// ErrUnknownProbe is returned by control operations for an id the runner
// does not manage. Distinct from any internal failure.
var ErrUnknownProbe = errors.New("unknown probe id")

// timeoutMessage is the run-history error recorded when Collect overruns
// its deadline.
const timeoutMessage = "Probe timeout"

type managedProbe struct {
	desc     probe.Descriptor
	probe    probe.Probe
	rules    []rule.Rule
	cronSpec cron.Schedule

	enabled bool
	cancel  context.CancelFunc // loop cancel; nil while disarmed
}

func (mp *managedProbe) nextDelay(now time.Time) time.Duration {
	if mp.cronSpec != nil {
		return mp.cronSpec.Next(now).Sub(now)
	}
	return mp.desc.Every()
}

// Runner owns the probe instances, their timers, and the single-flight lock
// table.
type Runner struct {
	store  *store.Store
	pipe   *pipeline.Pipeline
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	probes      map[string]*managedProbe
	order       []string
	activeLocks map[string]time.Time
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	started     bool

	wg sync.WaitGroup
}

// New creates a runner.
func New(st *store.Store, pipe *pipeline.Pipeline, clk clock.Clock, logger *zap.Logger) *Runner {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:       st,
		pipe:        pipe,
		clock:       clk,
		logger:      logger,
		probes:      make(map[string]*managedProbe),
		activeLocks: make(map[string]time.Time),
	}
}

// Add registers a probe with its rule set. Must be called before Start for
// probes present in the configuration; the descriptor is retained so
// Enable can re-arm without a configuration reload.
func (r *Runner) Add(desc probe.Descriptor, p probe.Probe, rules []rule.Rule) error {
	mp := &managedProbe{desc: desc, probe: p, rules: rules, enabled: desc.IsEnabled()}

	if desc.Schedule != "" {
		spec, err := cron.ParseStandard(desc.Schedule)
		if err != nil {
			return fmt.Errorf("probe %q: invalid cron schedule %q: %w", desc.ID, desc.Schedule, err)
		}
		mp.cronSpec = spec
	} else if desc.Every() <= 0 {
		return fmt.Errorf("probe %q: interval must be positive", desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.probes[desc.ID]; dup {
		return fmt.Errorf("probe %q already registered", desc.ID)
	}
	r.probes[desc.ID] = mp
	r.order = append(r.order, desc.ID)
	if r.started && mp.enabled {
		r.armLocked(mp)
	}
	return nil
}

// Start arms a timer for every enabled probe and kicks off one immediate
// run per probe without waiting for the first tick. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.rootCtx, r.rootCancel = context.WithCancel(ctx)
	r.started = true

	for _, id := range r.order {
		mp := r.probes[id]
		if mp.enabled {
			r.armLocked(mp)
		}
	}
	r.logger.Info("scheduler started", zap.Int("probes", len(r.order)))
}

// armLocked starts the per-probe loop. Caller holds r.mu.
func (r *Runner) armLocked(mp *managedProbe) {
	if mp.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(r.rootCtx)
	mp.cancel = cancel

	r.wg.Add(1)
	go r.loop(loopCtx, mp)
}

func (r *Runner) loop(ctx context.Context, mp *managedProbe) {
	defer r.wg.Done()

	r.dispatch(ctx, mp, "startup")
	for {
		delay := mp.nextDelay(r.clock.Now())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.dispatch(ctx, mp, "tick")
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, mp *managedProbe, trigger string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runProbe(ctx, mp, mp.desc.Timeout(), trigger)
	}()
}

// runProbe executes the per-tick pipeline: single-flight gate (with
// watchdog), state load, deadline-bounded Collect, rule evaluation in
// configured order, alert processing, state save, run record.
func (r *Runner) runProbe(ctx context.Context, mp *managedProbe, timeout time.Duration, trigger string) {
	id := mp.desc.ID

	stamp, ok := r.acquire(ctx, id, timeout)
	if !ok {
		return
	}
	release := func() {
		r.mu.Lock()
		if ts, held := r.activeLocks[id]; held && ts.Equal(stamp) {
			delete(r.activeLocks, id)
		}
		r.mu.Unlock()
	}

	ctx, span := telemetry.StartRunSpan(ctx, id, trigger)
	started := time.Now()

	st, err := r.store.LoadProbeState(id)
	if err != nil {
		r.logger.Error("load probe state failed", zap.String("probe_id", id), zap.Error(err))
		r.recordRun(id, store.RunError, time.Since(started), err.Error())
		telemetry.EndRunSpan(span, string(store.RunError), 0)
		release()
		return
	}

	collectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type collectResult struct {
		facts facts.Facts
		err   error
	}
	done := make(chan collectResult, 1)
	go func() {
		f, cerr := mp.probe.Collect(collectCtx, st)
		done <- collectResult{facts: f, err: cerr}
	}()

	var res collectResult
	select {
	case res = <-done:
	case <-collectCtx.Done():
		r.logger.Warn("probe run timed out",
			zap.String("probe_id", id),
			zap.Duration("timeout", timeout),
		)
		r.recordRun(id, store.RunError, time.Since(started), timeoutMessage)
		telemetry.EndRunSpan(span, string(store.RunError), 0)
		// The Collect is still in flight. Keep the lock until it actually
		// returns so the single-flight invariant holds; the watchdog
		// reclaims it if the probe never comes back.
		go func() {
			<-done
			release()
		}()
		return
	}

	if res.err != nil {
		r.recordRun(id, store.RunError, time.Since(started), res.err.Error())
		telemetry.EndRunSpan(span, string(store.RunError), 0)
		release()
		return
	}

	facts.ValidateKeys(res.facts, r.logger)

	ts := r.clock.Now()
	var emitted []alert.Alert
	for _, rl := range mp.rules {
		alerts, rerr := rl.Evaluate(res.facts, rule.Context{ProbeID: id, State: st, Timestamp: ts})
		if rerr != nil {
			// One failing rule must not starve the rest.
			r.logger.Warn("rule evaluation failed",
				zap.String("probe_id", id),
				zap.String("rule_id", rl.ID()),
				zap.Error(rerr),
			)
			continue
		}
		emitted = append(emitted, alerts...)
	}

	if r.ownsLock(id, stamp) {
		r.refreshMute(id, st)
		if len(emitted) > 0 {
			r.pipe.Process(ctx, st, emitted)
		}
		if err := r.store.SaveProbeState(id, st); err != nil {
			r.logger.Error("save probe state failed", zap.String("probe_id", id), zap.Error(err))
		}
		r.recordRun(id, store.RunSuccess, time.Since(started), "")
	} else {
		// The watchdog reclaimed this run's lock; a fresher run may have
		// progressed past us. Drop our state and alerts.
		r.logger.Warn("stale run completion, state save skipped", zap.String("probe_id", id))
	}
	telemetry.EndRunSpan(span, string(store.RunSuccess), len(emitted))
	release()
}

// acquire passes the single-flight gate, firing the watchdog when a lock is
// older than twice the probe timeout. Returns the lock stamp.
func (r *Runner) acquire(ctx context.Context, id string, timeout time.Duration) (time.Time, bool) {
	now := r.clock.Now()

	r.mu.Lock()
	if ts, held := r.activeLocks[id]; held {
		age := now.Sub(ts)
		if age <= 2*timeout {
			r.mu.Unlock()
			r.logger.Info("run skipped: previous run still in flight",
				zap.String("probe_id", id),
				zap.Duration("age", age),
			)
			return time.Time{}, false
		}
		delete(r.activeLocks, id)
		r.mu.Unlock()

		r.logger.Error("watchdog: run exceeded twice its timeout, lock force-released",
			zap.String("probe_id", id),
			zap.Duration("age", age),
		)
		metrics.WatchdogFiredTotal.WithLabelValues(id).Inc()

		stuck := alert.Alert{
			ID:        alert.StuckID(id),
			ProbeID:   id,
			RuleID:    "system",
			Severity:  alert.SeverityCritical,
			Title:     "Probe Stuck",
			Message:   fmt.Sprintf("Probe %s exceeded %s without completing; lock force-released", id, 2*timeout),
			Timestamp: now.UnixMilli(),
		}
		// Routed with an empty state record so a mute on the probe cannot
		// hide stuck-run detection.
		r.pipe.Process(ctx, store.NewProbeState(), []alert.Alert{stuck})

		r.mu.Lock()
		// Alert routing ran unlocked; a fresh tick may have claimed the
		// slot in the meantime. It owns the probe now, not us.
		if _, held := r.activeLocks[id]; held {
			r.mu.Unlock()
			r.logger.Info("run skipped: fresh run started during watchdog recovery",
				zap.String("probe_id", id),
			)
			return time.Time{}, false
		}
	}

	stamp := r.clock.Now()
	r.activeLocks[id] = stamp
	r.mu.Unlock()
	return stamp, true
}

// refreshMute folds the currently persisted mute stamp into st. The run
// loaded its state before Collect; a Mute or Unmute issued while the run was
// in flight would otherwise be clobbered by the end-of-run save, and the
// pipeline would judge the mute against the stale copy.
func (r *Runner) refreshMute(id string, st *store.ProbeState) {
	cur, err := r.store.LoadProbeState(id)
	if err != nil {
		r.logger.Warn("mute refresh failed", zap.String("probe_id", id), zap.Error(err))
		return
	}
	if v, ok := cur.Probe[pipeline.MutedUntilKey]; ok {
		st.Probe[pipeline.MutedUntilKey] = v
	} else {
		delete(st.Probe, pipeline.MutedUntilKey)
	}
}

func (r *Runner) ownsLock(id string, stamp time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, held := r.activeLocks[id]
	return held && ts.Equal(stamp)
}

func (r *Runner) recordRun(id string, status store.RunStatus, elapsed time.Duration, errMsg string) {
	if err := r.store.RecordRun(id, status, elapsed.Milliseconds(), errMsg); err != nil {
		r.logger.Error("record run failed", zap.String("probe_id", id), zap.Error(err))
	}
	metrics.RecordRun(id, string(status), elapsed)
}

// RunOnce executes the run pipeline immediately with the probe's configured
// timeout, honoring the single-flight gate. Blocks until the run settles or
// is skipped.
func (r *Runner) RunOnce(probeID string) error {
	r.mu.Lock()
	mp, ok := r.probes[probeID]
	ctx := r.rootCtx
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProbe, probeID)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.runProbe(ctx, mp, mp.desc.Timeout(), "manual")
	return nil
}

// Enable re-arms the probe's timer from its retained descriptor. Idempotent.
func (r *Runner) Enable(probeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mp, ok := r.probes[probeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProbe, probeID)
	}
	mp.enabled = true
	if r.started {
		r.armLocked(mp)
	}
	return nil
}

// Disable cancels the probe's timer. In-flight runs complete. Idempotent.
func (r *Runner) Disable(probeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mp, ok := r.probes[probeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProbe, probeID)
	}
	mp.enabled = false
	if mp.cancel != nil {
		mp.cancel()
		mp.cancel = nil
	}
	return nil
}

// Mute suppresses the probe's alerts for the given number of minutes by
// stamping muted_until into the probe state namespace.
func (r *Runner) Mute(probeID string, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("mute minutes must be positive")
	}
	r.mu.Lock()
	_, ok := r.probes[probeID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProbe, probeID)
	}

	st, err := r.store.LoadProbeState(probeID)
	if err != nil {
		return err
	}
	st.Probe[pipeline.MutedUntilKey] = r.clock.Now().UnixMilli() + int64(minutes)*60_000
	return r.store.SaveProbeState(probeID, st)
}

// Unmute removes the mute stamp.
func (r *Runner) Unmute(probeID string) error {
	r.mu.Lock()
	_, ok := r.probes[probeID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProbe, probeID)
	}

	st, err := r.store.LoadProbeState(probeID)
	if err != nil {
		return err
	}
	delete(st.Probe, pipeline.MutedUntilKey)
	return r.store.SaveProbeState(probeID, st)
}

// Stop cancels every timer, clears the lock table, and waits for in-flight
// runs to observe cancellation. No hard kill.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	if r.rootCancel != nil {
		r.rootCancel()
	}
	for _, mp := range r.probes {
		mp.cancel = nil
	}
	r.activeLocks = make(map[string]time.Time)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("scheduler stopped")
}

// Descriptors lists the managed probe descriptors in registration order.
func (r *Runner) Descriptors() []probe.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]probe.Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.probes[id].desc)
	}
	return out
}

// Running returns the ids of probes with a run currently in flight.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.activeLocks))
	for id := range r.activeLocks {
		out = append(out, id)
	}
	return out
}

// Has reports whether probeID is managed.
func (r *Runner) Has(probeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.probes[probeID]
	return ok
}
