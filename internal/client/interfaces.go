package client

import "context"

// SupplierNotifier tells the supplier about an order. It returns false when the
// supplier side refused the notification.
type SupplierNotifier interface {
	SendPONotification(ctx context.Context, poID, eventType string) (bool, error)
}

// EventPublisher publishes purchase order events after commit. Publishing is
// best effort and never fails the caller.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

// Event types published by the workflow.
const (
	EventOrderSubmitted        = "po_submitted"
	EventOrderApproved         = "po_approved"
	EventOrderRejected         = "po_rejected"
	EventOrderChangesRequested = "po_changes_requested"
	EventDecisionRecorded      = "po_decision_recorded"
	EventOrderSent             = "po_sent"
	EventReceivingStarted      = "po_receiving_started"
	EventOrderPartial          = "po_partially_received"
	EventOrderReceived         = "po_received"
	EventThresholdsChanged     = "thresholds_changed"
)

// Event is the JSON schema published for every workflow event.
type Event struct {
	EventType string         `json:"event_type"`
	OrderID   string         `json:"po_id,omitempty"`
	PONumber  string         `json:"po_number,omitempty"`
	OutletID  string         `json:"outlet_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	FromState string         `json:"from_state,omitempty"`
	ToState   string         `json:"to_state,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
