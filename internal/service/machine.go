package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/client"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/metrics"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// timeNow is the clock used for note timestamps.
var timeNow = time.Now

// machine applies state transitions. Every transition is written together with
// its audit entry in the caller's transaction; events and metrics are emitted
// only once that transaction commits.
type machine struct {
	events  client.EventPublisher
	metrics *metrics.Metrics
}

func newMachine(events client.EventPublisher, m *metrics.Metrics) *machine {
	return &machine{events: events, metrics: m}
}

// transition moves po to the target state, persists it and appends the audit entry.
func (m *machine) transition(
	ctx context.Context,
	r repository.Repositories,
	po *repository.PurchaseOrder,
	to workflow.OrderState,
	actor auth.Actor,
	reason string,
	metadata map[string]any,
) error {
	from := po.State
	if err := workflow.CheckTransition(from, to); err != nil {
		return err
	}

	po.State = to
	if err := r.Orders.UpdateState(ctx, po); err != nil {
		po.State = from
		return err
	}

	if err := r.Audit.Append(ctx, &repository.AuditEntry{
		OrderID:   po.ID,
		Action:    repository.AuditTransition,
		FromState: &from,
		ToState:   &to,
		ActorID:   actor.ID,
		Reason:    reason,
		Metadata:  metadata,
	}); err != nil {
		return err
	}

	repository.AfterCommit(ctx, func() { m.metrics.Transition(string(from), string(to)) })
	return nil
}

// publish emits event after the transaction bound to ctx commits.
func (m *machine) publish(ctx context.Context, event client.Event) {
	if m.events == nil {
		return
	}
	repository.AfterCommit(ctx, func() {
		m.events.Publish(context.WithoutCancel(ctx), event)
	})
}

// orderEvent builds an event describing po.
func orderEvent(eventType string, po *repository.PurchaseOrder, actor auth.Actor, from workflow.OrderState) client.Event {
	return client.Event{
		EventType: eventType,
		OrderID:   po.ID,
		PONumber:  po.Number,
		OutletID:  po.OutletID,
		ActorID:   actor.ID,
		FromState: string(from),
		ToState:   string(po.State),
	}
}
