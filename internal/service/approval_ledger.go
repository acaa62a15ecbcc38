package service

import (
	"context"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/client"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/metrics"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// DecisionRequest is one approver's decision on one order.
type DecisionRequest struct {
	OrderID  string
	Decision workflow.Decision
	Comments string
}

// DecisionResult reports the order position after a decision was recorded.
type DecisionResult struct {
	OrderID      string              `json:"po_id"`
	PONumber     string              `json:"po_number"`
	State        workflow.OrderState `json:"state"`
	Decision     workflow.Decision   `json:"decision"`
	AllApproved  bool                `json:"all_approved"`
	ApproverName string              `json:"approver_name"`
	PendingCount int                 `json:"pending_count"`
	Required     int                 `json:"required_approvers"`
	Approved     int                 `json:"approved_count"`
}

// ApprovalLedger records approver decisions and applies the quorum rule.
type ApprovalLedger struct {
	store      repository.Store
	thresholds *ThresholdService
	machine    *machine
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// NewApprovalLedger creates a new ApprovalLedger.
func NewApprovalLedger(
	store repository.Store,
	thresholds *ThresholdService,
	events client.EventPublisher,
	m *metrics.Metrics,
	log *logger.Logger,
) *ApprovalLedger {
	return &ApprovalLedger{
		store:      store,
		thresholds: thresholds,
		machine:    newMachine(events, m),
		metrics:    m,
		log:        log,
	}
}

// RecordDecision stores actor's decision on an order awaiting approval. A
// rejection or change request sends the order back to DRAFT at once; otherwise
// the order is approved when the tier's quorum is reached.
func (l *ApprovalLedger) RecordDecision(ctx context.Context, actor auth.Actor, req DecisionRequest) (*DecisionResult, error) {
	var result *DecisionResult
	err := l.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		po, err := r.Orders.GetForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		result, err = l.decide(ctx, r, po, actor, req.Decision, req.Comments)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("po_id", result.OrderID).
		Str("po_number", result.PONumber).
		Str("approver_id", actor.ID).
		Str("decision", string(result.Decision)).
		Str("state", string(result.State)).
		Int("pending_count", result.PendingCount).
		Msg("Approval decision recorded")

	return result, nil
}

// decide records one decision on a locked order inside the caller's transaction.
func (l *ApprovalLedger) decide(
	ctx context.Context,
	r repository.Repositories,
	po *repository.PurchaseOrder,
	actor auth.Actor,
	decision workflow.Decision,
	comments string,
) (*DecisionResult, error) {
	if err := workflow.RequireState(po.State, workflow.StatePendingApproval, "decide on"); err != nil {
		return nil, err
	}
	if actor.ID == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "approver identity is required")
	}

	tier, err := l.thresholds.resolveTier(ctx, r, po.OutletID, po.TotalCost)
	if err != nil {
		return nil, err
	}
	if !tier.AllowsRole(actor.Role) {
		return nil, errors.New(errors.ErrCodeNotEligible,
			"role "+actor.Role+" is not eligible to approve orders in this tier")
	}

	if err := r.Decisions.Upsert(ctx, &repository.ApprovalDecision{
		OrderID:      po.ID,
		ApproverID:   actor.ID,
		ApproverName: actor.DisplayName(),
		ApproverRole: actor.Role,
		Decision:     decision,
		Comments:     comments,
		DecidedAt:    timeNow().UTC(),
	}); err != nil {
		return nil, err
	}
	if err := r.Audit.Append(ctx, &repository.AuditEntry{
		OrderID: po.ID,
		Action:  repository.AuditDecision,
		ActorID: actor.ID,
		Reason:  comments,
		Metadata: map[string]any{
			"decision":      string(decision),
			"approver_role": actor.Role,
			"tier":          tier.Number,
		},
	}); err != nil {
		return nil, err
	}

	decisions, err := r.Decisions.ListByOrder(ctx, po.ID)
	if err != nil {
		return nil, err
	}
	quorum := workflow.Evaluate(repository.Votes(decisions), tier.RequiredApprovers)

	from := po.State
	switch {
	case quorum.Vetoed:
		note := vetoNote(decision, actor)
		if comments != "" {
			note += ": " + comments
		}
		po.AppendNote(timeNow(), note)
		if err := l.machine.transition(ctx, r, po, workflow.StateDraft, actor, note,
			map[string]any{"decision": string(decision)}); err != nil {
			return nil, err
		}
		eventType := client.EventOrderRejected
		if decision == workflow.DecisionRequestChanges {
			eventType = client.EventOrderChangesRequested
		}
		l.machine.publish(ctx, orderEvent(eventType, po, actor, from))

	case quorum.Reached:
		if err := l.machine.transition(ctx, r, po, workflow.StateApproved, actor, "approval quorum reached",
			map[string]any{"approved": quorum.Approved, "required": quorum.Required}); err != nil {
			return nil, err
		}
		l.machine.publish(ctx, orderEvent(client.EventOrderApproved, po, actor, from))

	default:
		evt := orderEvent(client.EventDecisionRecorded, po, actor, from)
		evt.Payload = map[string]any{"decision": string(decision), "pending_count": quorum.Pending}
		l.machine.publish(ctx, evt)
	}

	repository.AfterCommit(ctx, func() { l.metrics.Decision(string(decision)) })

	return &DecisionResult{
		OrderID:      po.ID,
		PONumber:     po.Number,
		State:        po.State,
		Decision:     decision,
		AllApproved:  quorum.Reached,
		ApproverName: actor.DisplayName(),
		PendingCount: quorum.Pending,
		Required:     quorum.Required,
		Approved:     quorum.Approved,
	}, nil
}

// Decisions returns the current decisions on an order.
func (l *ApprovalLedger) Decisions(ctx context.Context, orderID string) ([]*repository.ApprovalDecision, error) {
	var out []*repository.ApprovalDecision
	err := l.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		po, err := r.Orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		out, err = r.Decisions.ListByOrder(ctx, po.ID)
		return err
	})
	return out, err
}

func vetoNote(decision workflow.Decision, actor auth.Actor) string {
	if decision == workflow.DecisionRequestChanges {
		return "Changes requested by " + actor.DisplayName()
	}
	return "Rejected by " + actor.DisplayName()
}
