// Package alert defines the notification unit flowing from rules to delivery
// channels, stable alert-id derivation, and message template substitution.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the three known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Link is one labeled URL attached to an alert.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Alert is a structured notification. The ID is derived deterministically
// from the triggering event so two evaluations of the same logical event
// dedupe against each other, across restarts and across hosts.
type Alert struct {
	ID       string            `json:"id"`
	ProbeID  string            `json:"probe_id"`
	RuleID   string            `json:"rule_id"`
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	// Timestamp is milliseconds since the Unix epoch, captured at rule
	// evaluation time.
	Timestamp int64             `json:"timestamp"`
	Entities  map[string]string `json:"entities,omitempty"`
	Links     []Link            `json:"links,omitempty"`
}

// CooldownKey returns the rate-limit axis for this alert.
func (a Alert) CooldownKey() string {
	return a.ProbeID + ":" + a.RuleID
}

// Hash8 returns the first 8 hex characters of SHA-256(s).
func Hash8(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

// BreachID derives the stable id for a threshold breach.
func BreachID(probeID, ruleID string) string {
	return probeID + ":" + ruleID + ":breach"
}

// ChangeID derives the stable id for an observed value transition.
func ChangeID(probeID, ruleID, oldVal, newVal string) string {
	return probeID + ":" + ruleID + ":" + Hash8(oldVal+"->"+newVal)
}

// StuckID derives the id of the watchdog's synthesized system alert.
func StuckID(probeID string) string {
	return probeID + ":system:stuck"
}

// EventID derives the stable id for an arbitrary event identity string.
func EventID(probeID, ruleID, event string) string {
	return probeID + ":" + ruleID + ":" + event
}

// Render substitutes ${name} placeholders in a message template. Unknown
// placeholders are left untouched so typos stay visible in delivery.
func Render(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "${"+k+"}", v)
	}
	return out
}

// DefaultThresholdMessage is the message used when a threshold rule has no
// template configured.
func DefaultThresholdMessage(value, threshold string) string {
	return fmt.Sprintf("Value %s crossed threshold %s", value, threshold)
}

// DefaultChangeMessage is the message used when a change rule has no
// template configured.
func DefaultChangeMessage(fact, oldVal, newVal string) string {
	return fmt.Sprintf("%s changed from %s to %s", fact, oldVal, newVal)
}
