package workflow

import (
	"strings"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

// Decision is an approver's verdict on a purchase order.
type Decision string

const (
	DecisionApproved       Decision = "APPROVED"
	DecisionRejected       Decision = "REJECTED"
	DecisionRequestChanges Decision = "REQUEST_CHANGES"
)

// ParseDecision accepts the canonical names and the verb forms used by the
// dashboard (approve, reject, request_changes), case-insensitively.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "APPROVED", "APPROVE":
		return DecisionApproved, nil
	case "REJECTED", "REJECT":
		return DecisionRejected, nil
	case "REQUEST_CHANGES", "CHANGES_REQUESTED", "REQUEST-CHANGES":
		return DecisionRequestChanges, nil
	}
	return "", errors.InvalidInput("decision", "decision must be one of APPROVED, REJECTED, REQUEST_CHANGES")
}

// Vetoes reports whether the decision sends the order back to draft on its own.
func (d Decision) Vetoes() bool {
	return d == DecisionRejected || d == DecisionRequestChanges
}

// Vote is one approver's current decision.
type Vote struct {
	ApproverID string
	Decision   Decision
}

// Quorum is the outcome of evaluating the votes on an order.
type Quorum struct {
	Vetoed   bool
	VetoedBy string
	Approved int
	Required int
	Pending  int
	Reached  bool
}

// Evaluate applies the asymmetric quorum rule: a single veto wins over any
// number of approvals, otherwise the order is approved once the number of
// distinct approvers reaches required. Later votes from the same approver
// replace earlier ones.
func Evaluate(votes []Vote, required int) Quorum {
	latest := make(map[string]Decision, len(votes))
	order := make([]string, 0, len(votes))
	for _, v := range votes {
		if _, seen := latest[v.ApproverID]; !seen {
			order = append(order, v.ApproverID)
		}
		latest[v.ApproverID] = v.Decision
	}

	q := Quorum{Required: required}
	for _, id := range order {
		d := latest[id]
		if d.Vetoes() && !q.Vetoed {
			q.Vetoed = true
			q.VetoedBy = id
		}
		if d == DecisionApproved {
			q.Approved++
		}
	}

	if q.Vetoed {
		return q
	}
	if q.Approved < required {
		q.Pending = required - q.Approved
	}
	q.Reached = q.Approved >= required
	return q
}
