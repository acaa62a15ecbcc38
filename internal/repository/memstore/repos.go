package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// ── orders ────────────────────────────────────────────────────────────────────

type orderRepo struct {
	st  *state
	now func() time.Time
}

func (r *orderRepo) Create(_ context.Context, po *repository.PurchaseOrder) error {
	if po.Number == "" {
		r.st.orderSeq++
		po.Number = fmt.Sprintf("PO-%06d", r.st.orderSeq)
	}
	if _, exists := r.st.numbers[po.Number]; exists {
		return errors.Conflict("purchase order " + po.Number + " already exists")
	}
	if err := checkDuplicateProducts(po.Lines); err != nil {
		return err
	}
	for i := range po.Lines {
		po.Lines[i].LineNo = i + 1
		if po.Lines[i].Status == "" {
			po.Lines[i].Status = workflow.LinePending
		}
	}
	now := r.now()
	po.CreatedAt, po.UpdatedAt = now, now
	r.st.orders[po.ID] = copyOrder(po)
	r.st.numbers[po.Number] = po.ID
	return nil
}

func (r *orderRepo) GetByID(_ context.Context, id string) (*repository.PurchaseOrder, error) {
	po, ok := r.st.orders[id]
	if !ok {
		if byNumber, found := r.st.numbers[id]; found {
			po, ok = r.st.orders[byNumber]
		}
	}
	if !ok {
		return nil, errors.NotFound("purchase_order", id)
	}
	return copyOrder(po), nil
}

func (r *orderRepo) GetForUpdate(ctx context.Context, id string) (*repository.PurchaseOrder, error) {
	return r.GetByID(ctx, id)
}

func (r *orderRepo) ReplaceLines(_ context.Context, po *repository.PurchaseOrder) error {
	stored, ok := r.st.orders[po.ID]
	if !ok {
		return errors.NotFound("purchase_order", po.ID)
	}
	if err := checkDuplicateProducts(po.Lines); err != nil {
		return err
	}
	for i := range po.Lines {
		po.Lines[i].LineNo = i + 1
		if po.Lines[i].Status == "" {
			po.Lines[i].Status = workflow.LinePending
		}
	}
	po.UpdatedAt = r.now()
	stored.Lines = append([]repository.LineItem(nil), po.Lines...)
	stored.SupplierID = po.SupplierID
	stored.TotalCost = po.TotalCost
	stored.Notes = po.Notes
	stored.UpdatedAt = po.UpdatedAt
	return nil
}

func (r *orderRepo) UpdateState(_ context.Context, po *repository.PurchaseOrder) error {
	stored, ok := r.st.orders[po.ID]
	if !ok {
		return errors.NotFound("purchase_order", po.ID)
	}
	po.UpdatedAt = r.now()
	stored.State = po.State
	stored.Round = po.Round
	stored.Notes = po.Notes
	stored.UpdatedAt = po.UpdatedAt
	stored.ApprovalTier = nil
	if po.ApprovalTier != nil {
		tier := *po.ApprovalTier
		stored.ApprovalTier = &tier
	}
	return nil
}

func (r *orderRepo) UpdateLineReceipt(_ context.Context, orderID string, line repository.LineItem) error {
	stored, ok := r.st.orders[orderID]
	if !ok {
		return errors.NotFound("purchase_order", orderID)
	}
	for i := range stored.Lines {
		l := &stored.Lines[i]
		if l.ProductID != line.ProductID {
			continue
		}
		if line.QuantityReceived+line.QuantityDamaged > l.Quantity {
			return errors.Wrap(fmt.Errorf("receipt cap exceeded"), errors.ErrCodeInternal, "failed to update line receipt")
		}
		l.QuantityReceived = line.QuantityReceived
		l.QuantityDamaged = line.QuantityDamaged
		l.Status = line.Status
		return nil
	}
	return errors.NotFound("purchase_order_line", line.ProductID)
}

func checkDuplicateProducts(lines []repository.LineItem) error {
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if seen[l.ProductID] {
			return errors.InvalidInput("lines", "duplicate product "+l.ProductID)
		}
		seen[l.ProductID] = true
	}
	return nil
}

// ── thresholds ────────────────────────────────────────────────────────────────

type thresholdRepo struct {
	st  *state
	now func() time.Time
}

func (r *thresholdRepo) ListForScope(_ context.Context, outletID *string) ([]*repository.ThresholdTier, error) {
	stored := r.st.tiers[scopeKey(outletID)]
	out := make([]*repository.ThresholdTier, len(stored))
	for i, t := range stored {
		out[i] = copyTier(t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinAmount.LessThan(out[j].MinAmount) })
	return out, nil
}

func (r *thresholdRepo) ReplaceScope(_ context.Context, outletID *string, tiers []workflow.Tier) ([]*repository.ThresholdTier, error) {
	seen := map[int]bool{}
	now := r.now()
	stored := make([]*repository.ThresholdTier, 0, len(tiers))
	for _, t := range tiers {
		if seen[t.Number] {
			return nil, errors.InvalidInput("tiers", "duplicate tier number")
		}
		seen[t.Number] = true
		r.st.tierSeq++
		st := &repository.ThresholdTier{ID: r.st.tierSeq, OutletID: outletID, Tier: t, CreatedAt: now, UpdatedAt: now}
		stored = append(stored, copyTier(st))
	}
	r.st.tiers[scopeKey(outletID)] = stored

	out := make([]*repository.ThresholdTier, len(stored))
	for i, t := range stored {
		out[i] = copyTier(t)
	}
	return out, nil
}

func (r *thresholdRepo) DeleteScope(_ context.Context, outletID string) (int, error) {
	n := len(r.st.tiers[outletID])
	delete(r.st.tiers, outletID)
	return n, nil
}

// ── decisions ─────────────────────────────────────────────────────────────────

type decisionRepo struct {
	st  *state
	now func() time.Time
}

func (r *decisionRepo) Upsert(_ context.Context, d *repository.ApprovalDecision) error {
	d.DecidedAt = r.now()
	list := r.st.decisions[d.OrderID]
	for i, existing := range list {
		if existing.ApproverID == d.ApproverID {
			cp := *d
			list[i] = &cp
			return nil
		}
	}
	cp := *d
	r.st.decisions[d.OrderID] = append(list, &cp)
	return nil
}

func (r *decisionRepo) ListByOrder(_ context.Context, orderID string) ([]*repository.ApprovalDecision, error) {
	list := r.st.decisions[orderID]
	out := make([]*repository.ApprovalDecision, len(list))
	for i, d := range list {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

func (r *decisionRepo) ClearForOrder(_ context.Context, orderID string) error {
	delete(r.st.decisions, orderID)
	return nil
}

// ── audit ─────────────────────────────────────────────────────────────────────

type auditRepo struct {
	st  *state
	now func() time.Time
}

func (r *auditRepo) Append(_ context.Context, entry *repository.AuditEntry) error {
	entry.ID = int64(len(r.st.audit) + 1)
	entry.CreatedAt = r.now()
	cp := *entry
	r.st.audit = append(r.st.audit, &cp)
	return nil
}

func (r *auditRepo) ListByOrder(_ context.Context, orderID string) ([]*repository.AuditEntry, error) {
	out := []*repository.AuditEntry{}
	for _, e := range r.st.audit {
		if e.OrderID == orderID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── idempotency ───────────────────────────────────────────────────────────────

type idempotencyRepo struct {
	st  *state
	now func() time.Time
}

func (r *idempotencyRepo) Insert(_ context.Context, rec *repository.IdempotencyRecord) (bool, error) {
	if _, exists := r.st.idem[rec.Hash]; exists {
		return false, nil
	}
	rec.FirstSeenAt = r.now()
	cp := *rec
	r.st.idem[rec.Hash] = &cp
	return true, nil
}

func (r *idempotencyRepo) Get(_ context.Context, hash string) (*repository.IdempotencyRecord, error) {
	rec, ok := r.st.idem[hash]
	if !ok {
		return nil, errors.NotFound("idempotency_key", hash)
	}
	cp := *rec
	return &cp, nil
}

func (r *idempotencyRepo) Complete(_ context.Context, hash string, snapshot []byte) error {
	rec, ok := r.st.idem[hash]
	if !ok || rec.CompletedAt != nil {
		return errors.Conflict("idempotency key " + hash + " is already completed")
	}
	now := r.now()
	rec.ResultSnapshot = append([]byte(nil), snapshot...)
	rec.CompletedAt = &now
	return nil
}

func (r *idempotencyRepo) Delete(_ context.Context, hash string) error {
	if rec, ok := r.st.idem[hash]; ok && rec.CompletedAt == nil {
		delete(r.st.idem, hash)
	}
	return nil
}

func (r *idempotencyRepo) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for hash, rec := range r.st.idem {
		if rec.FirstSeenAt.Before(cutoff) {
			delete(r.st.idem, hash)
			n++
		}
	}
	return n, nil
}

// ── receiving ─────────────────────────────────────────────────────────────────

type receivingRepo struct {
	st  *state
	now func() time.Time
}

func (r *receivingRepo) CreateSession(_ context.Context, s *repository.ReceivingSession) error {
	for _, existing := range r.st.sessions {
		if existing.OrderID == s.OrderID && existing.Open() {
			return errors.Conflict("purchase order already has an open receiving session")
		}
	}
	s.StartedAt = r.now()
	s.Events = []repository.ReceiptEvent{}
	r.st.sessions[s.ID] = copySession(s)
	return nil
}

func (r *receivingRepo) GetSession(_ context.Context, id string) (*repository.ReceivingSession, error) {
	s, ok := r.st.sessions[id]
	if !ok {
		return nil, errors.NotFound("receiving_session", id)
	}
	return copySession(s), nil
}

func (r *receivingRepo) GetSessionForUpdate(ctx context.Context, id string) (*repository.ReceivingSession, error) {
	return r.GetSession(ctx, id)
}

func (r *receivingRepo) GetOpenSession(_ context.Context, orderID string) (*repository.ReceivingSession, error) {
	for _, s := range r.st.sessions {
		if s.OrderID == orderID && s.Open() {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (r *receivingRepo) AppendEvent(_ context.Context, e *repository.ReceiptEvent) error {
	s, ok := r.st.sessions[e.SessionID]
	if !ok {
		return errors.NotFound("receiving_session", e.SessionID)
	}
	r.st.eventSeq++
	e.ID = r.st.eventSeq
	e.RecordedAt = r.now()
	s.Events = append(s.Events, *e)
	return nil
}

func (r *receivingRepo) CompleteSession(_ context.Context, id string, at time.Time) error {
	s, ok := r.st.sessions[id]
	if !ok {
		return errors.NotFound("receiving_session", id)
	}
	if !s.Open() {
		return errors.Conflict("receiving session " + id + " is already completed")
	}
	s.CompletedAt = &at
	return nil
}
