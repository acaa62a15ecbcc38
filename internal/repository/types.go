package repository

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// ── Purchase orders ───────────────────────────────────────────────────────────

// PurchaseOrder is the order header plus its ordered lines.
type PurchaseOrder struct {
	ID           string              `json:"id"`
	Number       string              `json:"po_number"`
	State        workflow.OrderState `json:"state"`
	OutletID     string              `json:"outlet_id"`
	SupplierID   string              `json:"supplier_id"`
	TotalCost    decimal.Decimal     `json:"total_cost"`
	ApprovalTier *int                `json:"approval_tier,omitempty"`
	Round        int                 `json:"submission_round"`
	Notes        string              `json:"notes"`
	CreatedBy    string              `json:"created_by"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Lines        []LineItem          `json:"lines"`
}

// SubmitRound is the approval round a submit addresses: the round it opens
// while the order is a draft, and the round it opened once it has left DRAFT.
func (po *PurchaseOrder) SubmitRound() int {
	if po.State == workflow.StateDraft {
		return po.Round + 1
	}
	return po.Round
}

// LineItem is one product line on an order.
type LineItem struct {
	LineNo           int             `json:"line_no"`
	ProductID        string          `json:"product_id"`
	Quantity         int             `json:"quantity"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	QuantityReceived int             `json:"quantity_received"`
	QuantityDamaged  int             `json:"quantity_damaged"`
	Status           string          `json:"status"`
}

// LineTotal is Quantity * UnitCost.
func (l LineItem) LineTotal() decimal.Decimal {
	return l.UnitCost.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Progress returns the line's cumulative receipt position.
func (l LineItem) Progress() workflow.LineProgress {
	return workflow.LineProgress{Ordered: l.Quantity, Received: l.QuantityReceived, Damaged: l.QuantityDamaged}
}

// RecomputeTotal sets TotalCost to the sum of the line totals rounded to cents.
func (po *PurchaseOrder) RecomputeTotal() {
	total := decimal.Zero
	for _, l := range po.Lines {
		total = total.Add(l.LineTotal())
	}
	po.TotalCost = total.Round(2)
}

// LineFor returns the line for productID, or nil.
func (po *PurchaseOrder) LineFor(productID string) *LineItem {
	for i := range po.Lines {
		if po.Lines[i].ProductID == productID {
			return &po.Lines[i]
		}
	}
	return nil
}

// Progress returns the receipt position of every line in order.
func (po *PurchaseOrder) Progress() []workflow.LineProgress {
	out := make([]workflow.LineProgress, len(po.Lines))
	for i, l := range po.Lines {
		out[i] = l.Progress()
	}
	return out
}

// AppendNote adds a timestamped annotation. Notes are never rewritten.
func (po *PurchaseOrder) AppendNote(at time.Time, note string) {
	entry := "[" + at.UTC().Format(time.RFC3339) + "] " + note
	if po.Notes == "" {
		po.Notes = entry
		return
	}
	po.Notes += "\n" + entry
}

// ── Approval thresholds ───────────────────────────────────────────────────────

// ThresholdTier is a stored tier. A nil OutletID is the default scope.
type ThresholdTier struct {
	ID       int64   `json:"id"`
	OutletID *string `json:"outlet_id,omitempty"`
	workflow.Tier
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tiers strips storage fields.
func Tiers(stored []*ThresholdTier) []workflow.Tier {
	out := make([]workflow.Tier, len(stored))
	for i, t := range stored {
		out[i] = t.Tier
	}
	return out
}

// ── Approval decisions ────────────────────────────────────────────────────────

// ApprovalDecision is the current decision of one approver on one order.
type ApprovalDecision struct {
	OrderID      string            `json:"po_id"`
	ApproverID   string            `json:"approver_id"`
	ApproverName string            `json:"approver_name"`
	ApproverRole string            `json:"approver_role"`
	Decision     workflow.Decision `json:"decision"`
	Comments     string            `json:"comments"`
	DecidedAt    time.Time         `json:"decided_at"`
}

// Votes converts decisions for quorum evaluation.
func Votes(decisions []*ApprovalDecision) []workflow.Vote {
	out := make([]workflow.Vote, len(decisions))
	for i, d := range decisions {
		out[i] = workflow.Vote{ApproverID: d.ApproverID, Decision: d.Decision}
	}
	return out
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// Audit actions.
const (
	AuditTransition = "transition"
	AuditDecision   = "decision"
	AuditEdit       = "edit"
	AuditReceipt    = "receipt"
)

// AuditEntry is one immutable audit log row.
type AuditEntry struct {
	ID        int64                `json:"id"`
	OrderID   string               `json:"po_id"`
	Action    string               `json:"action"`
	FromState *workflow.OrderState `json:"from_state,omitempty"`
	ToState   *workflow.OrderState `json:"to_state,omitempty"`
	ActorID   string               `json:"actor_id"`
	Reason    string               `json:"reason,omitempty"`
	Metadata  map[string]any       `json:"metadata,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// ── Idempotency ───────────────────────────────────────────────────────────────

// IdempotencyRecord marks a request fingerprint as seen. ResultSnapshot is
// written once when the guarded operation completes.
type IdempotencyRecord struct {
	Hash           string          `json:"hash"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Payload        string          `json:"payload"`
	FirstSeenAt    time.Time       `json:"first_seen_at"`
	ResultSnapshot json.RawMessage `json:"result_snapshot,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ── Receiving ─────────────────────────────────────────────────────────────────

// ReceivingSession groups the receipt events of one delivery.
type ReceivingSession struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"po_id"`
	ReceivedBy  string         `json:"received_by"`
	Notes       string         `json:"notes"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Events      []ReceiptEvent `json:"events"`
}

// Open reports whether the session still accepts items.
func (s *ReceivingSession) Open() bool { return s.CompletedAt == nil }

// ReceiptEvent is one per-line receipt inside a session.
type ReceiptEvent struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	ProductID        string    `json:"product_id"`
	QuantityReceived int       `json:"quantity_received"`
	QuantityDamaged  int       `json:"quantity_damaged"`
	Notes            string    `json:"notes,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}
