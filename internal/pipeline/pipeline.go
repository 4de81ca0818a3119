// Package pipeline enforces the alert-processing stages: mute → dedup →
// cooldown → fan-out → record. Mute runs before dedup so a muted probe never
// records an alert and resumes cleanly after unmute; dedup precedes cooldown
// so a recurring identical event does not consume the cooldown slot.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/alert"
	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/metrics"
	"github.com/marcus-qen/watchtower/internal/notify"
	"github.com/marcus-qen/watchtower/internal/store"
)

// DefaultCooldown is the minimum spacing between two deliveries for the
// same (probe, rule) pair.
const DefaultCooldown = 15 * time.Minute

// MutedUntilKey is the probe-state key holding the mute deadline in
// milliseconds since the Unix epoch.
const MutedUntilKey = "muted_until"

// Config tunes the pipeline.
type Config struct {
	// Cooldown is the per-(probe,rule) delivery spacing. Zero means
	// DefaultCooldown.
	Cooldown time.Duration
	// DedupTTL bounds dedup lookups. Zero means permanent dedup.
	DedupTTL time.Duration
}

// Pipeline processes alerts emitted by one probe run.
type Pipeline struct {
	store    *store.Store
	channels *notify.Set
	clock    clock.Clock
	logger   *zap.Logger
	cooldown time.Duration
	dedupTTL time.Duration
}

// New creates a pipeline.
func New(st *store.Store, channels *notify.Set, cfg Config, clk clock.Clock, logger *zap.Logger) *Pipeline {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    st,
		channels: channels,
		clock:    clk,
		logger:   logger,
		cooldown: cfg.Cooldown,
		dedupTTL: cfg.DedupTTL,
	}
}

// Process runs every alert through the stages in order. Each alert is
// deduped independently, even when one rule returned several. Store lookup
// failures are logged and treated as "not suppressed": a transiently
// unreadable dedup table causes duplicate sends, not lost alerts.
func (p *Pipeline) Process(ctx context.Context, probeState *store.ProbeState, alerts []alert.Alert) {
	for _, a := range alerts {
		p.process(ctx, probeState, a)
	}
}

func (p *Pipeline) process(ctx context.Context, probeState *store.ProbeState, a alert.Alert) {
	if p.isMuted(probeState) {
		p.logger.Debug("alert suppressed: probe muted",
			zap.String("alert_id", a.ID),
			zap.String("probe_id", a.ProbeID),
		)
		metrics.RecordAlertOutcome(a.ProbeID, metrics.OutcomeSuppressedMute)
		return
	}

	sent, err := p.store.IsAlertSent(a.ID, p.dedupTTL)
	if err != nil {
		p.logger.Error("dedup lookup failed, delivering anyway", zap.String("alert_id", a.ID), zap.Error(err))
	}
	if sent {
		p.logger.Debug("alert suppressed: duplicate",
			zap.String("alert_id", a.ID),
		)
		metrics.RecordAlertOutcome(a.ProbeID, metrics.OutcomeSuppressedDedup)
		return
	}

	cooling, err := p.store.IsInCooldown(a.CooldownKey(), p.cooldown)
	if err != nil {
		p.logger.Error("cooldown lookup failed, delivering anyway", zap.String("alert_id", a.ID), zap.Error(err))
	}
	if cooling {
		p.logger.Debug("alert suppressed: cooldown",
			zap.String("alert_id", a.ID),
			zap.String("key", a.CooldownKey()),
		)
		metrics.RecordAlertOutcome(a.ProbeID, metrics.OutcomeSuppressedCooldown)
		return
	}

	// Channel failures are isolated inside Send and do not block the
	// record stage: a transiently failing transport still marks the alert
	// sent.
	p.channels.Send(ctx, a)

	if err := p.store.RecordAlert(a.ID, a.ProbeID, a.RuleID); err != nil {
		p.logger.Error("record alert failed", zap.String("alert_id", a.ID), zap.Error(err))
	}
	if err := p.store.RecordCooldown(a.CooldownKey()); err != nil {
		p.logger.Error("record cooldown failed", zap.String("key", a.CooldownKey()), zap.Error(err))
	}
	metrics.RecordAlertOutcome(a.ProbeID, metrics.OutcomeSent)
}

func (p *Pipeline) isMuted(probeState *store.ProbeState) bool {
	if probeState == nil || probeState.Probe == nil {
		return false
	}
	raw, ok := probeState.Probe[MutedUntilKey]
	if !ok {
		return false
	}
	return MutedUntilMs(raw) > p.clock.Now().UnixMilli()
}

// MutedUntilMs normalizes the persisted mute deadline, which arrives as
// int64 when freshly set or float64/json.Number after a JSON round trip.
func MutedUntilMs(raw any) int64 {
	switch v := raw.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
