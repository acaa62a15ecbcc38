// Package workflow holds the pure purchase order rules: the state machine,
// approval tier resolution, quorum evaluation and receipt completeness. Nothing
// here touches storage.
package workflow

import (
	"strings"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

// OrderState is the lifecycle state of a purchase order.
type OrderState string

const (
	StateDraft           OrderState = "DRAFT"
	StatePendingApproval OrderState = "PENDING_APPROVAL"
	StateApproved        OrderState = "APPROVED"
	StateSent            OrderState = "SENT"
	StateReceiving       OrderState = "RECEIVING"
	StatePartial         OrderState = "PARTIAL"
	StateReceived        OrderState = "RECEIVED"
)

// transitions lists the allowed target states per source state.
var transitions = map[OrderState][]OrderState{
	StateDraft:           {StatePendingApproval, StateApproved},
	StatePendingApproval: {StateApproved, StateDraft},
	StateApproved:        {StateSent},
	StateSent:            {StateReceiving, StatePartial, StateReceived},
	StateReceiving:       {StatePartial, StateReceived},
	StatePartial:         {StateReceiving, StateReceived},
}

// AllStates returns every state in lifecycle order.
func AllStates() []OrderState {
	return []OrderState{
		StateDraft, StatePendingApproval, StateApproved, StateSent,
		StateReceiving, StatePartial, StateReceived,
	}
}

// ParseOrderState parses a state name. The legacy name OPEN is read as DRAFT.
func ParseOrderState(s string) (OrderState, error) {
	st := OrderState(strings.ToUpper(strings.TrimSpace(s)))
	if st == "OPEN" {
		return StateDraft, nil
	}
	if !st.Valid() {
		return "", errors.InvalidInput("state", "unknown purchase order state "+s)
	}
	return st, nil
}

// Valid reports whether s is a known state.
func (s OrderState) Valid() bool {
	for _, st := range AllStates() {
		if s == st {
			return true
		}
	}
	return false
}

// Editable reports whether lines and notes may still be changed in place.
func (s OrderState) Editable() bool {
	return s == StateDraft
}

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return len(transitions[s]) == 0
}

// Receivable reports whether goods may be booked against an order in state s.
func (s OrderState) Receivable() bool {
	return s == StateSent || s == StateReceiving || s == StatePartial
}

func (s OrderState) String() string { return string(s) }

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an INVALID_STATE_TRANSITION error when from -> to is
// not allowed.
func CheckTransition(from, to OrderState) error {
	if !CanTransition(from, to) {
		return errors.InvalidTransition(string(from), string(to))
	}
	return nil
}

// RequireState returns a conflict error unless the order is in want.
func RequireState(current, want OrderState, action string) error {
	if current != want {
		return errors.New(errors.ErrCodeConflict,
			"cannot "+action+" purchase order in state "+string(current)+", must be "+string(want))
	}
	return nil
}
