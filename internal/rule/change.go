package rule

import (
	"fmt"

	"github.com/marcus-qen/watchtower/internal/alert"
	"github.com/marcus-qen/watchtower/internal/facts"
)

// changeRule alerts on transitions of a fact's rendered value. The first
// observation is stored silently; every later transition between distinct
// values emits exactly one alert whose id hashes the "old->new" pair.
type changeRule struct {
	d Descriptor
}

func (r *changeRule) ID() string { return r.d.ID }

func (r *changeRule) Evaluate(f facts.Facts, rc Context) ([]alert.Alert, error) {
	v, ok := f.Get(r.d.Fact)
	if !ok {
		return nil, nil
	}
	current := v.Display()

	prev, seen := rc.State.Rule[r.d.ID]
	rc.State.Rule[r.d.ID] = current
	if !seen {
		// First touch: remember, never alert.
		return nil, nil
	}

	prevStr := fmt.Sprint(prev)
	if prevStr == current {
		return nil, nil
	}

	severity := r.d.Severity
	if severity == "" {
		severity = alert.SeverityInfo
	}
	title := r.d.Title
	if title == "" {
		title = "Value Changed"
	}
	message := alert.DefaultChangeMessage(r.d.Fact, prevStr, current)
	if r.d.MessageTemplate != "" {
		message = alert.Render(r.d.MessageTemplate, map[string]string{
			"old": prevStr,
			"new": current,
		})
	}

	return []alert.Alert{{
		ID:        alert.ChangeID(rc.ProbeID, r.d.ID, prevStr, current),
		ProbeID:   rc.ProbeID,
		RuleID:    r.d.ID,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: rc.Timestamp.UnixMilli(),
		Entities: map[string]string{
			"Old": prevStr,
			"New": current,
		},
	}}, nil
}
