package rule

import (
	"strconv"

	"github.com/marcus-qen/watchtower/internal/alert"
	"github.com/marcus-qen/watchtower/internal/facts"
)

const (
	statusOK        = "ok"
	statusTriggered = "triggered"
)

// thresholdRule fires once on the ok→triggered edge and re-arms when the
// observed value falls back across the bound. The hysteresis flag lives in
// the rule's private state slot.
type thresholdRule struct {
	d Descriptor
}

func (r *thresholdRule) ID() string { return r.d.ID }

func (r *thresholdRule) Evaluate(f facts.Facts, rc Context) ([]alert.Alert, error) {
	v, ok := f.Get(r.d.Fact)
	if !ok {
		return nil, nil
	}
	num, ok := v.Coerce()
	if !ok {
		// Missing or non-numeric observation: no alert, no error.
		return nil, nil
	}

	triggered := r.d.Operator.compare(num, r.d.Threshold)

	prev, _ := rc.State.Rule[r.d.ID].(string)
	if prev == "" {
		prev = statusOK
	}

	if !triggered {
		rc.State.Rule[r.d.ID] = statusOK
		return nil, nil
	}
	if prev == statusTriggered {
		// Continuously above the bound: stay silent until it clears.
		return nil, nil
	}
	rc.State.Rule[r.d.ID] = statusTriggered

	valueStr := strconv.FormatFloat(num, 'f', -1, 64)
	thresholdStr := strconv.FormatFloat(r.d.Threshold, 'f', -1, 64)

	severity := r.d.Severity
	if severity == "" {
		severity = alert.SeverityWarning
	}
	title := r.d.Title
	if title == "" {
		title = "Threshold Breached"
	}
	message := alert.DefaultThresholdMessage(valueStr, thresholdStr)
	if r.d.MessageTemplate != "" {
		message = alert.Render(r.d.MessageTemplate, map[string]string{
			"value":     valueStr,
			"threshold": thresholdStr,
		})
	}

	return []alert.Alert{{
		ID:        alert.BreachID(rc.ProbeID, r.d.ID),
		ProbeID:   rc.ProbeID,
		RuleID:    r.d.ID,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: rc.Timestamp.UnixMilli(),
		Entities: map[string]string{
			"Value":     valueStr,
			"Threshold": thresholdStr,
		},
	}}, nil
}
