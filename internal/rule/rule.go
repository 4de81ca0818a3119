// Package rule implements the evaluators that turn fact bags into alerts.
// The kind set is closed: threshold (hysteretic comparison against a fixed
// bound) and change (transition detection by string equality). Adding a kind
// is a first-class change to Build.
package rule

import (
	"fmt"
	"time"

	"github.com/marcus-qen/watchtower/internal/alert"
	"github.com/marcus-qen/watchtower/internal/facts"
	"github.com/marcus-qen/watchtower/internal/store"
)

// Kind is the rule family.
type Kind string

const (
	KindThreshold Kind = "threshold"
	KindChange    Kind = "change"
)

// Operator is a threshold comparison.
type Operator string

const (
	OpGT  Operator = ">"
	OpGTE Operator = ">="
	OpLT  Operator = "<"
	OpLTE Operator = "<="
)

// Valid reports whether op is a known comparison.
func (op Operator) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE:
		return true
	}
	return false
}

func (op Operator) compare(v, threshold float64) bool {
	switch op {
	case OpGT:
		return v > threshold
	case OpGTE:
		return v >= threshold
	case OpLT:
		return v < threshold
	case OpLTE:
		return v <= threshold
	default:
		return false
	}
}

// Descriptor is the configured shape of one rule.
type Descriptor struct {
	ID   string `yaml:"id" json:"id"`
	Kind Kind   `yaml:"kind" json:"kind"`
	Fact string `yaml:"fact" json:"fact"`

	// Threshold-only fields.
	Threshold float64  `yaml:"threshold" json:"threshold"`
	Operator  Operator `yaml:"operator" json:"operator"`

	Severity        alert.Severity `yaml:"severity" json:"severity"`
	Title           string         `yaml:"title" json:"title"`
	MessageTemplate string         `yaml:"messageTemplate" json:"messageTemplate"`
}

// Context is handed to Evaluate alongside the facts. State aliases the
// ProbeState loaded by the scheduler for this run; a rule must only touch
// its own slot under State.Rule[ruleID].
type Context struct {
	ProbeID   string
	State     *store.ProbeState
	Timestamp time.Time
}

// Rule evaluates one fact bag. Implementations are deterministic given the
// same facts and prior state.
type Rule interface {
	ID() string
	Evaluate(f facts.Facts, rc Context) ([]alert.Alert, error)
}

// Build resolves a descriptor to a concrete rule.
func Build(d Descriptor) (Rule, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if d.Fact == "" {
		return nil, fmt.Errorf("rule %q: fact is required", d.ID)
	}
	if d.Severity != "" && !d.Severity.Valid() {
		return nil, fmt.Errorf("rule %q: invalid severity %q", d.ID, d.Severity)
	}

	switch d.Kind {
	case KindThreshold:
		if !d.Operator.Valid() {
			return nil, fmt.Errorf("rule %q: invalid operator %q", d.ID, d.Operator)
		}
		return &thresholdRule{d: d}, nil
	case KindChange:
		return &changeRule{d: d}, nil
	default:
		return nil, fmt.Errorf("rule %q: unknown kind %q (allowed: %s, %s)", d.ID, d.Kind, KindThreshold, KindChange)
	}
}

// BuildSet resolves a descriptor list, preserving order.
func BuildSet(ds []Descriptor) ([]Rule, error) {
	out := make([]Rule, 0, len(ds))
	seen := make(map[string]struct{}, len(ds))
	for _, d := range ds {
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		r, err := Build(d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
