// Package probe defines the collector contract and the configured shape of
// a probe. A probe is stateless between runs except through the probe
// namespace of the ProbeState handed to Collect, which it may read and
// mutate in place; the scheduler is the sole writer to storage.
package probe

import (
	"context"
	"time"

	"github.com/marcus-qen/watchtower/internal/facts"
	"github.com/marcus-qen/watchtower/internal/rule"
	"github.com/marcus-qen/watchtower/internal/store"
)

// DefaultTimeout bounds a single Collect when the descriptor leaves timeout
// unset.
const DefaultTimeout = 15 * time.Second

// Probe collects one bag of facts from its upstream. For recoverable
// upstream trouble a probe records soft facts (<platform>.status = "error",
// <platform>.error = message) instead of returning an error; it returns an
// error only for conditions the scheduler should record as a run failure,
// such as total unreachability behind an open circuit breaker.
type Probe interface {
	ID() string
	Collect(ctx context.Context, state *store.ProbeState) (facts.Facts, error)
}

// Descriptor is the validated configuration of one probe.
type Descriptor struct {
	ID       string `yaml:"id" json:"id"`
	Platform string `yaml:"platform" json:"platform"`
	Type     string `yaml:"type" json:"type"`
	Enabled  *bool  `yaml:"enabled" json:"enabled"`

	// Interval is the run period in seconds. Schedule, when set, is a
	// standard cron expression that takes precedence over Interval.
	Interval float64 `yaml:"interval" json:"interval"`
	Schedule string  `yaml:"schedule" json:"schedule"`

	// TimeoutMs bounds one Collect; defaults to 15000.
	TimeoutMs int64 `yaml:"timeout" json:"timeout"`

	Config map[string]any    `yaml:"config" json:"config"`
	Rules  []rule.Descriptor `yaml:"rules" json:"rules"`
}

// IsEnabled applies the enabled-by-default rule.
func (d Descriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Timeout returns the per-run deadline.
func (d Descriptor) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Every returns the fixed run period.
func (d Descriptor) Every() time.Duration {
	return time.Duration(d.Interval * float64(time.Second))
}
