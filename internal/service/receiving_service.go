package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/client"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/metrics"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// ReceiveItemRequest books one product within an open session.
type ReceiveItemRequest struct {
	SessionID        string `json:"session_id"`
	ProductID        string `json:"product_id"`
	QuantityReceived int    `json:"quantity_received"`
	QuantityDamaged  int    `json:"quantity_damaged"`
	Notes            string `json:"notes"`
}

// ReceiptOutcome is a booked receipt and the line position after it.
type ReceiptOutcome struct {
	Event repository.ReceiptEvent `json:"event"`
	Line  repository.LineItem     `json:"line"`
}

// CompletionResult reports the order position after a session closed.
type CompletionResult struct {
	Order         *repository.PurchaseOrder    `json:"order"`
	Session       *repository.ReceivingSession `json:"session"`
	FullyReceived bool                         `json:"fully_received"`
}

// ReceiveLine is one product of a one-shot receipt.
type ReceiveLine struct {
	ProductID        string `json:"product_id"`
	QuantityReceived int    `json:"quantity_received"`
	QuantityDamaged  int    `json:"quantity_damaged"`
	Notes            string `json:"notes"`
}

// ReceiveRequest books several products in a single session.
type ReceiveRequest struct {
	OrderID string        `json:"id"`
	Items   []ReceiveLine `json:"items"`
	Notes   string        `json:"notes"`
}

// ReceiveResult lists the booked and the rejected products of a receipt.
type ReceiveResult struct {
	OrderID       string                    `json:"po_id"`
	SessionID     string                    `json:"session_id"`
	State         workflow.OrderState       `json:"state"`
	FullyReceived bool                      `json:"fully_received"`
	Received      []repository.ReceiptEvent `json:"received"`
	Errors        []errors.ItemError        `json:"errors,omitempty"`
}

// ReceivingService books deliveries against sent orders.
type ReceivingService struct {
	store   repository.Store
	machine *machine
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewReceivingService creates a new ReceivingService.
func NewReceivingService(store repository.Store, events client.EventPublisher, m *metrics.Metrics, log *logger.Logger) *ReceivingService {
	return &ReceivingService{
		store:   store,
		machine: newMachine(events, m),
		metrics: m,
		log:     log,
	}
}

// ── Sessions ──────────────────────────────────────────────────────────────────

// StartSession opens a receiving session. SENT and PARTIAL orders move to
// RECEIVING; an order already RECEIVING returns its open session.
func (s *ReceivingService) StartSession(ctx context.Context, actor auth.Actor, orderID, notes string) (*repository.ReceivingSession, error) {
	return s.openSession(ctx, actor, orderID, notes, true)
}

// openSession starts a session. With joinOpen false an order that already
// has an open session is a conflict.
func (s *ReceivingService) openSession(ctx context.Context, actor auth.Actor, orderID, notes string, joinOpen bool) (*repository.ReceivingSession, error) {
	if orderID == "" {
		return nil, errors.InvalidInput("id", "id is required")
	}

	var session *repository.ReceivingSession
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		po, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !po.State.Receivable() {
			return errors.InvalidTransition(string(po.State), string(workflow.StateReceiving))
		}

		open, err := r.Receiving.GetOpenSession(ctx, po.ID)
		if err != nil {
			return err
		}
		if open != nil {
			if !joinOpen {
				return errors.Conflict("purchase order " + po.Number + " has open receiving session " + open.ID)
			}
			session = open
			return nil
		}

		if po.State != workflow.StateReceiving {
			from := po.State
			if err := s.machine.transition(ctx, r, po, workflow.StateReceiving, actor, "receiving started", nil); err != nil {
				return err
			}
			s.machine.publish(ctx, orderEvent(client.EventReceivingStarted, po, actor, from))
		}

		session = &repository.ReceivingSession{
			ID:         uuid.NewString(),
			OrderID:    po.ID,
			ReceivedBy: actor.ID,
			Notes:      notes,
		}
		return r.Receiving.CreateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("po_id", session.OrderID).
		Str("session_id", session.ID).
		Str("actor_id", actor.ID).
		Msg("Receiving session started")

	return session, nil
}

// ReceiveItem books received and damaged units of one product. The order state
// does not change until the session is completed.
func (s *ReceivingService) ReceiveItem(ctx context.Context, actor auth.Actor, req ReceiveItemRequest) (*ReceiptOutcome, error) {
	if req.SessionID == "" {
		return nil, errors.InvalidInput("session_id", "session_id is required")
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return nil, errors.InvalidInput("product_id", "product_id is required")
	}

	var out *ReceiptOutcome
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		session, err := r.Receiving.GetSessionForUpdate(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if !session.Open() {
			return errors.Conflict("receiving session " + session.ID + " is already completed")
		}
		po, err := r.Orders.GetForUpdate(ctx, session.OrderID)
		if err != nil {
			return err
		}

		line := po.LineFor(req.ProductID)
		if line == nil {
			return errors.InvalidInput("product_id", "product "+req.ProductID+" is not on purchase order "+po.Number)
		}
		progress, err := line.Progress().Apply(req.QuantityReceived, req.QuantityDamaged)
		if err != nil {
			return err
		}
		line.QuantityReceived = progress.Received
		line.QuantityDamaged = progress.Damaged
		line.Status = progress.Status()
		if err := r.Orders.UpdateLineReceipt(ctx, po.ID, *line); err != nil {
			return err
		}

		event := &repository.ReceiptEvent{
			SessionID:        session.ID,
			ProductID:        req.ProductID,
			QuantityReceived: req.QuantityReceived,
			QuantityDamaged:  req.QuantityDamaged,
			Notes:            req.Notes,
		}
		if err := r.Receiving.AppendEvent(ctx, event); err != nil {
			return err
		}
		if err := r.Audit.Append(ctx, &repository.AuditEntry{
			OrderID: po.ID,
			Action:  repository.AuditReceipt,
			ActorID: actor.ID,
			Reason:  req.Notes,
			Metadata: map[string]any{
				"session_id":        session.ID,
				"product_id":        req.ProductID,
				"quantity_received": req.QuantityReceived,
				"quantity_damaged":  req.QuantityDamaged,
			},
		}); err != nil {
			return err
		}

		out = &ReceiptOutcome{Event: *event, Line: *line}
		return nil
	})
	if err != nil {
		s.metrics.ReceiptItem("rejected")
		return nil, err
	}
	s.metrics.ReceiptItem("booked")
	return out, nil
}

// CompleteSession closes a session. The order becomes RECEIVED when every line
// has received its ordered quantity, PARTIAL otherwise.
func (s *ReceivingService) CompleteSession(ctx context.Context, actor auth.Actor, sessionID string) (*CompletionResult, error) {
	if sessionID == "" {
		return nil, errors.InvalidInput("session_id", "session_id is required")
	}

	var result *CompletionResult
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		session, err := r.Receiving.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.Open() {
			return errors.Conflict("receiving session " + session.ID + " is already completed")
		}
		po, err := r.Orders.GetForUpdate(ctx, session.OrderID)
		if err != nil {
			return err
		}

		at := timeNow().UTC()
		if err := r.Receiving.CompleteSession(ctx, session.ID, at); err != nil {
			return err
		}
		session.CompletedAt = &at

		from := po.State
		target := workflow.CompletionState(po.Progress())
		if err := s.machine.transition(ctx, r, po, target, actor, "receiving session completed",
			map[string]any{"session_id": session.ID}); err != nil {
			return err
		}
		eventType := client.EventOrderPartial
		if target == workflow.StateReceived {
			eventType = client.EventOrderReceived
		}
		s.machine.publish(ctx, orderEvent(eventType, po, actor, from))

		result = &CompletionResult{Order: po, Session: session, FullyReceived: target == workflow.StateReceived}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("po_id", result.Order.ID).
		Str("session_id", sessionID).
		Str("state", string(result.Order.State)).
		Bool("fully_received", result.FullyReceived).
		Msg("Receiving session completed")

	return result, nil
}

// ── One-shot receipt ──────────────────────────────────────────────────────────

// Receive books a whole delivery: it opens a session, books each product in
// its own transaction and completes the session. It never books into a
// session someone else has open. Products that cannot be booked are reported
// next to the ones that were. When no product can be booked nothing is
// written and the result is nil.
func (s *ReceivingService) Receive(ctx context.Context, actor auth.Actor, req ReceiveRequest) (*ReceiveResult, error) {
	if req.OrderID == "" {
		return nil, errors.InvalidInput("id", "id is required")
	}
	if len(req.Items) == 0 {
		return nil, errors.InvalidInput("items", "at least one item is required")
	}

	po, err := s.loadOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !po.State.Receivable() {
		return nil, errors.InvalidTransition(string(po.State), string(workflow.StateReceiving))
	}

	accepted, rejected := precheck(po, req.Items)
	if len(accepted) == 0 {
		return nil, &errors.AppError{
			Code:    errors.ErrCodeInvalidInput,
			Message: "none of the items can be received",
			Field:   "items",
			Items:   rejected,
		}
	}

	session, err := s.openSession(ctx, actor, po.ID, req.Notes, false)
	if err != nil {
		return nil, err
	}

	result := &ReceiveResult{
		OrderID:   po.ID,
		SessionID: session.ID,
		State:     workflow.StateReceiving,
		Received:  []repository.ReceiptEvent{},
		Errors:    rejected,
	}
	for _, item := range accepted {
		out, err := s.ReceiveItem(ctx, actor, ReceiveItemRequest{
			SessionID:        session.ID,
			ProductID:        item.ProductID,
			QuantityReceived: item.QuantityReceived,
			QuantityDamaged:  item.QuantityDamaged,
			Notes:            item.Notes,
		})
		if err != nil {
			result.Errors = append(result.Errors, errors.ToItem(item.ProductID, err))
			continue
		}
		result.Received = append(result.Received, out.Event)
	}

	done, err := s.CompleteSession(ctx, actor, session.ID)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("po_id", po.ID).
			Str("session_id", session.ID).
			Msg("Failed to complete receiving session")
		return result, err
	}
	result.State = done.Order.State
	result.FullyReceived = done.FullyReceived

	return result, nil
}

// Session returns a receiving session with its events.
func (s *ReceivingService) Session(ctx context.Context, id string) (*repository.ReceivingSession, error) {
	var session *repository.ReceivingSession
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		session, err = r.Receiving.GetSession(ctx, id)
		return err
	})
	return session, err
}

func (s *ReceivingService) loadOrder(ctx context.Context, id string) (*repository.PurchaseOrder, error) {
	var po *repository.PurchaseOrder
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		po, err = r.Orders.GetByID(ctx, id)
		return err
	})
	return po, err
}

// precheck splits items into those that fit the order's outstanding quantities
// and those that do not. Repeated products accumulate.
func precheck(po *repository.PurchaseOrder, items []ReceiveLine) ([]ReceiveLine, []errors.ItemError) {
	progress := make(map[string]workflow.LineProgress, len(po.Lines))
	for _, l := range po.Lines {
		progress[l.ProductID] = l.Progress()
	}

	var accepted []ReceiveLine
	var rejected []errors.ItemError
	for _, item := range items {
		p, ok := progress[item.ProductID]
		if !ok {
			rejected = append(rejected, errors.ToItem(item.ProductID,
				errors.InvalidInput("product_id", "product "+item.ProductID+" is not on purchase order "+po.Number)))
			continue
		}
		next, err := p.Apply(item.QuantityReceived, item.QuantityDamaged)
		if err != nil {
			rejected = append(rejected, errors.ToItem(item.ProductID, err))
			continue
		}
		progress[item.ProductID] = next
		accepted = append(accepted, item)
	}
	return accepted, rejected
}
