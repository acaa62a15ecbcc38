package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/client"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/metrics"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// OrderService handles the draft, submission and dispatch part of the order lifecycle.
type OrderService struct {
	store      repository.Store
	thresholds *ThresholdService
	supplier   client.SupplierNotifier
	machine    *machine
	log        *logger.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store repository.Store,
	thresholds *ThresholdService,
	supplier client.SupplierNotifier,
	events client.EventPublisher,
	m *metrics.Metrics,
	log *logger.Logger,
) *OrderService {
	return &OrderService{
		store:      store,
		thresholds: thresholds,
		supplier:   supplier,
		machine:    newMachine(events, m),
		log:        log,
	}
}

// LineInput is one requested order line.
type LineInput struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

// CreateOrderRequest represents a create order request
type CreateOrderRequest struct {
	OutletID   string      `json:"outlet_id"`
	SupplierID string      `json:"supplier_id"`
	Lines      []LineInput `json:"lines"`
	Note       string      `json:"note"`
}

// UpdateOrderRequest represents an update of a draft. Nil fields are left
// unchanged; a non-empty Note is appended.
type UpdateOrderRequest struct {
	OrderID    string       `json:"id"`
	SupplierID *string      `json:"supplier_id"`
	Lines      *[]LineInput `json:"lines"`
	Note       string       `json:"note"`
}

// AutosaveRequest persists work in progress. Without OrderID a new draft is
// created. Nil Lines keeps the saved lines.
type AutosaveRequest struct {
	OrderID    string       `json:"id"`
	OutletID   string       `json:"outlet_id"`
	SupplierID string       `json:"supplier_id"`
	Lines      *[]LineInput `json:"lines"`
	Note       string       `json:"note"`
}

// AutosaveResult is the saved draft plus the lines that could not be kept.
type AutosaveResult struct {
	Order   *repository.PurchaseOrder `json:"order"`
	Dropped []errors.ItemError        `json:"dropped,omitempty"`
}

// SubmitResult reports how a submitted order was routed.
type SubmitResult struct {
	Order        *repository.PurchaseOrder `json:"order"`
	Tier         workflow.Tier             `json:"tier"`
	AutoApproved bool                      `json:"auto_approved"`
}

// ── Drafts ────────────────────────────────────────────────────────────────────

// Create creates a new draft order
func (s *OrderService) Create(ctx context.Context, actor auth.Actor, req CreateOrderRequest) (*repository.PurchaseOrder, error) {
	if strings.TrimSpace(req.OutletID) == "" {
		return nil, errors.InvalidInput("outlet_id", "outlet_id is required")
	}
	if strings.TrimSpace(req.SupplierID) == "" {
		return nil, errors.InvalidInput("supplier_id", "supplier_id is required")
	}
	lines, err := buildLines(req.Lines)
	if err != nil {
		return nil, err
	}

	po := &repository.PurchaseOrder{
		ID:         uuid.NewString(),
		State:      workflow.StateDraft,
		OutletID:   req.OutletID,
		SupplierID: req.SupplierID,
		CreatedBy:  actor.ID,
		Lines:      lines,
	}
	po.RecomputeTotal()
	if req.Note != "" {
		po.AppendNote(timeNow(), req.Note)
	}

	err = s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		return s.insertDraft(ctx, r, po, actor)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("po_id", po.ID).
		Str("po_number", po.Number).
		Str("outlet_id", po.OutletID).
		Str("supplier_id", po.SupplierID).
		Str("total_cost", po.TotalCost.StringFixed(2)).
		Int("line_count", len(po.Lines)).
		Msg("Purchase order created")

	return po, nil
}

func (s *OrderService) insertDraft(ctx context.Context, r repository.Repositories, po *repository.PurchaseOrder, actor auth.Actor) error {
	if err := r.Orders.Create(ctx, po); err != nil {
		return err
	}
	draft := workflow.StateDraft
	return r.Audit.Append(ctx, &repository.AuditEntry{
		OrderID: po.ID,
		Action:  repository.AuditTransition,
		ToState: &draft,
		ActorID: actor.ID,
		Reason:  "created",
	})
}

// Update changes supplier, lines or notes of a draft. Every field is validated
// and the edit is written to the audit log.
func (s *OrderService) Update(ctx context.Context, actor auth.Actor, req UpdateOrderRequest) (*repository.PurchaseOrder, error) {
	if req.OrderID == "" {
		return nil, errors.InvalidInput("id", "id is required")
	}
	var lines []repository.LineItem
	if req.Lines != nil {
		var err error
		if lines, err = buildLines(*req.Lines); err != nil {
			return nil, err
		}
	}
	if req.SupplierID != nil && strings.TrimSpace(*req.SupplierID) == "" {
		return nil, errors.InvalidInput("supplier_id", "supplier_id cannot be empty")
	}

	var po *repository.PurchaseOrder
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		po, err = r.Orders.GetForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if !po.State.Editable() {
			return errors.New(errors.ErrCodeConflict, "purchase order "+po.Number+" is not a draft")
		}

		changed := map[string]any{}
		if req.SupplierID != nil {
			po.SupplierID = *req.SupplierID
			changed["supplier_id"] = po.SupplierID
		}
		if req.Lines != nil {
			po.Lines = lines
			changed["lines"] = len(lines)
		}
		if req.Note != "" {
			po.AppendNote(timeNow(), req.Note)
			changed["note"] = true
		}
		po.RecomputeTotal()
		changed["total_cost"] = po.TotalCost.StringFixed(2)

		if err := r.Orders.ReplaceLines(ctx, po); err != nil {
			return err
		}
		return r.Audit.Append(ctx, &repository.AuditEntry{
			OrderID:  po.ID,
			Action:   repository.AuditEdit,
			ActorID:  actor.ID,
			Metadata: changed,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("po_id", po.ID).
		Str("po_number", po.Number).
		Str("actor_id", actor.ID).
		Msg("Purchase order updated")

	return po, nil
}

// Autosave persists a draft leniently: lines that fail validation are dropped
// and reported instead of failing the request, and duplicate products are
// merged. Autosaves are not written to the audit log.
func (s *OrderService) Autosave(ctx context.Context, actor auth.Actor, req AutosaveRequest) (*AutosaveResult, error) {
	var requested []LineInput
	if req.Lines != nil {
		requested = *req.Lines
	}
	lines, dropped := salvageLines(requested)
	result := &AutosaveResult{Dropped: dropped}

	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		if req.OrderID == "" {
			if req.OutletID == "" || req.SupplierID == "" {
				return errors.InvalidInput("outlet_id", "outlet_id and supplier_id are required to start a draft")
			}
			po := &repository.PurchaseOrder{
				ID:         uuid.NewString(),
				State:      workflow.StateDraft,
				OutletID:   req.OutletID,
				SupplierID: req.SupplierID,
				CreatedBy:  actor.ID,
				Lines:      lines,
			}
			po.RecomputeTotal()
			if req.Note != "" {
				po.AppendNote(timeNow(), req.Note)
			}
			result.Order = po
			return s.insertDraft(ctx, r, po, actor)
		}

		po, err := r.Orders.GetForUpdate(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if !po.State.Editable() {
			return errors.New(errors.ErrCodeConflict, "purchase order "+po.Number+" is not a draft")
		}
		if req.SupplierID != "" {
			po.SupplierID = req.SupplierID
		}
		if req.Lines != nil {
			po.Lines = lines
		}
		if req.Note != "" {
			po.AppendNote(timeNow(), req.Note)
		}
		po.RecomputeTotal()
		result.Order = po
		return r.Orders.ReplaceLines(ctx, po)
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("po_id", result.Order.ID).
		Int("line_count", len(result.Order.Lines)).
		Int("dropped", len(result.Dropped)).
		Msg("Purchase order autosaved")

	return result, nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// Get retrieves an order by id or PO number
func (s *OrderService) Get(ctx context.Context, id string) (*repository.PurchaseOrder, error) {
	if id == "" {
		return nil, errors.InvalidInput("id", "id is required")
	}
	var po *repository.PurchaseOrder
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		po, err = r.Orders.GetByID(ctx, id)
		return err
	})
	return po, err
}

// History returns the audit trail of an order, oldest first.
func (s *OrderService) History(ctx context.Context, id string) ([]*repository.AuditEntry, error) {
	if id == "" {
		return nil, errors.InvalidInput("id", "id is required")
	}
	var entries []*repository.AuditEntry
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		po, err := r.Orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		entries, err = r.Audit.ListByOrder(ctx, po.ID)
		return err
	})
	return entries, err
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Submit routes a draft for approval. The tier is resolved from the outlet's
// thresholds; a tier that needs no approvers approves the order immediately.
// Each submit opens a new approval round; decisions from an earlier round are
// cleared.
func (s *OrderService) Submit(ctx context.Context, actor auth.Actor, orderID string) (*SubmitResult, error) {
	if orderID == "" {
		return nil, errors.InvalidInput("id", "id is required")
	}

	var result *SubmitResult
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		po, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := workflow.RequireState(po.State, workflow.StateDraft, "submit"); err != nil {
			return err
		}
		if len(po.Lines) == 0 {
			return errors.InvalidInput("lines", "purchase order has no lines")
		}

		tier, err := s.thresholds.resolveTier(ctx, r, po.OutletID, po.TotalCost)
		if err != nil {
			return err
		}
		if err := r.Decisions.ClearForOrder(ctx, po.ID); err != nil {
			return err
		}

		from := po.State
		po.ApprovalTier = &tier.Number
		po.Round++
		meta := map[string]any{
			"round":              po.Round,
			"tier":               tier.Number,
			"required_approvers": tier.RequiredApprovers,
			"total_cost":         po.TotalCost.StringFixed(2),
		}

		if tier.AutoApproves() {
			reason := fmt.Sprintf("auto-approved: tier %d requires no approval", tier.Number)
			if err := s.machine.transition(ctx, r, po, workflow.StateApproved, actor, reason, meta); err != nil {
				return err
			}
			s.machine.publish(ctx, orderEvent(client.EventOrderApproved, po, actor, from))
		} else {
			if err := s.machine.transition(ctx, r, po, workflow.StatePendingApproval, actor, "submitted for approval", meta); err != nil {
				return err
			}
			evt := orderEvent(client.EventOrderSubmitted, po, actor, from)
			evt.Payload = map[string]any{
				"tier":               tier.Number,
				"required_approvers": tier.RequiredApprovers,
				"eligible_roles":     tier.EligibleRoles,
			}
			s.machine.publish(ctx, evt)
		}

		result = &SubmitResult{Order: po, Tier: tier, AutoApproved: tier.AutoApproves()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("po_id", result.Order.ID).
		Str("po_number", result.Order.Number).
		Int("tier", result.Tier.Number).
		Int("required_approvers", result.Tier.RequiredApprovers).
		Str("state", string(result.Order.State)).
		Msg("Purchase order submitted")

	return result, nil
}

// Send notifies the supplier of an approved order and marks it SENT. The order
// stays APPROVED when the supplier cannot be reached or refuses. When the
// supplier was notified but the order could not be marked SENT, the order is
// returned together with the error.
func (s *OrderService) Send(ctx context.Context, actor auth.Actor, orderID string) (*repository.PurchaseOrder, error) {
	if orderID == "" {
		return nil, errors.InvalidInput("id", "id is required")
	}

	var po *repository.PurchaseOrder
	notified := false
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		po, err = r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := workflow.CheckTransition(po.State, workflow.StateSent); err != nil {
			return err
		}

		sent, err := s.supplier.SendPONotification(ctx, po.ID, client.EventOrderSent)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeUnavailable, "supplier notification failed")
		}
		if !sent {
			return errors.New(errors.ErrCodeUnavailable, "supplier did not accept the notification")
		}
		notified = true

		from := po.State
		if err := s.machine.transition(ctx, r, po, workflow.StateSent, actor, "supplier notified", nil); err != nil {
			return err
		}
		s.machine.publish(ctx, orderEvent(client.EventOrderSent, po, actor, from))
		return nil
	})
	if err != nil {
		if notified {
			s.log.Error().
				Err(err).
				Str("po_id", po.ID).
				Str("po_number", po.Number).
				Msg("Supplier notified but purchase order not marked sent")
			return po, err
		}
		return nil, err
	}

	s.log.Info().
		Str("po_id", po.ID).
		Str("po_number", po.Number).
		Str("supplier_id", po.SupplierID).
		Msg("Purchase order sent to supplier")

	return po, nil
}

// ── Line validation ───────────────────────────────────────────────────────────

func validateLine(in LineInput) error {
	if strings.TrimSpace(in.ProductID) == "" {
		return errors.InvalidInput("product_id", "product_id is required")
	}
	if in.Quantity <= 0 {
		return errors.InvalidInput("quantity", "quantity must be positive")
	}
	if in.UnitCost.IsNegative() {
		return errors.InvalidInput("unit_cost", "unit cost cannot be negative")
	}
	return nil
}

// buildLines validates every line and rejects duplicate products.
func buildLines(in []LineInput) ([]repository.LineItem, error) {
	lines := make([]repository.LineItem, 0, len(in))
	seen := make(map[string]bool, len(in))
	for i, l := range in {
		if err := validateLine(l); err != nil {
			var appErr *errors.AppError
			if errors.As(err, &appErr) {
				appErr.Field = fmt.Sprintf("lines[%d].%s", i, appErr.Field)
			}
			return nil, err
		}
		if seen[l.ProductID] {
			return nil, errors.InvalidInput(fmt.Sprintf("lines[%d].product_id", i), "product "+l.ProductID+" appears more than once")
		}
		seen[l.ProductID] = true
		lines = append(lines, newLine(l))
	}
	return lines, nil
}

// salvageLines keeps what it can: invalid lines are reported and skipped, and
// repeated products are merged into the first occurrence.
func salvageLines(in []LineInput) ([]repository.LineItem, []errors.ItemError) {
	lines := make([]repository.LineItem, 0, len(in))
	index := make(map[string]int, len(in))
	var dropped []errors.ItemError
	for i, l := range in {
		if err := validateLine(l); err != nil {
			dropped = append(dropped, errors.ToItem(fmt.Sprintf("lines[%d]", i), err))
			continue
		}
		if at, ok := index[l.ProductID]; ok {
			lines[at].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(lines)
		lines = append(lines, newLine(l))
	}
	return lines, dropped
}

func newLine(l LineInput) repository.LineItem {
	return repository.LineItem{
		ProductID: l.ProductID,
		Quantity:  l.Quantity,
		UnitCost:  l.UnitCost,
		Status:    workflow.LinePending,
	}
}
