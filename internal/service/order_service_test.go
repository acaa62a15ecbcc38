package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/client"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

func TestCreate_ComputesTotalAndNumbers(t *testing.T) {
	h := newHarness(t)
	po := h.draft(t, line("flour", 3, "12.50"), line("sugar", 2, "4.25"))

	assert.Equal(t, workflow.StateDraft, po.State)
	assert.Equal(t, "PO-000001", po.Number)
	assert.True(t, decimal.RequireFromString("46").Equal(po.TotalCost))
	assert.Len(t, po.Lines, 2)
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orders.Create(ctx, clerk, CreateOrderRequest{SupplierID: "sup-1"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = h.orders.Create(ctx, clerk, CreateOrderRequest{
		OutletID: "outlet-1", SupplierID: "sup-1",
		Lines: []LineInput{line("flour", 0, "1")},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = h.orders.Create(ctx, clerk, CreateOrderRequest{
		OutletID: "outlet-1", SupplierID: "sup-1",
		Lines: []LineInput{line("flour", 1, "1"), line("flour", 2, "1")},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestSubmit_AutoApprovesSmallOrder(t *testing.T) {
	h := newHarness(t)
	po := h.draft(t, line("coffee", 9, "50"))

	res, err := h.orders.Submit(context.Background(), clerk, po.ID)
	require.NoError(t, err)
	assert.True(t, res.AutoApproved)
	assert.Equal(t, 1, res.Tier.Number)
	assert.Equal(t, workflow.StateApproved, res.Order.State)

	decisions, err := h.ledger.Decisions(context.Background(), po.ID)
	require.NoError(t, err)
	assert.Empty(t, decisions)
	assert.Contains(t, h.events.types(), client.EventOrderApproved)

	history, err := h.orders.History(context.Background(), po.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].FromState)
	assert.Equal(t, workflow.StateDraft, *history[1].FromState)
	assert.Equal(t, workflow.StateApproved, *history[1].ToState)
}

func TestSubmit_RoutesLargeOrderForApproval(t *testing.T) {
	h := newHarness(t)
	po := h.draft(t, line("espresso-machine", 10, "500"))

	res, err := h.orders.Submit(context.Background(), clerk, po.ID)
	require.NoError(t, err)
	assert.False(t, res.AutoApproved)
	assert.Equal(t, 3, res.Tier.Number)
	assert.Equal(t, workflow.StatePendingApproval, res.Order.State)
	require.NotNil(t, h.get(t, po.ID).ApprovalTier)
	assert.Equal(t, 3, *h.get(t, po.ID).ApprovalTier)
}

func TestSubmit_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	empty := h.draft(t)
	_, err := h.orders.Submit(ctx, clerk, empty.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	po := h.submitted(t, line("coffee", 10, "500"))
	_, err = h.orders.Submit(ctx, clerk, po.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	_, err = h.orders.Submit(ctx, clerk, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestSubmit_ThresholdGapFailsClosed(t *testing.T) {
	h := newHarness(t)
	outlet := "outlet-gap"
	thousand := decimal.NewFromInt(1000)
	err := h.store.InTx(context.Background(), func(ctx context.Context, r repository.Repositories) error {
		_, err := r.Thresholds.ReplaceScope(ctx, &outlet, []workflow.Tier{
			{Number: 1, MinAmount: thousand, RequiredApprovers: 1, EligibleRoles: []string{"manager"}},
		})
		return err
	})
	require.NoError(t, err)

	po := h.draftAt(t, outlet, line("coffee", 9, "50"))
	before := len(h.events.types())

	_, err = h.orders.Submit(context.Background(), clerk, po.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeThresholdConfig))
	assert.Equal(t, workflow.StateDraft, h.get(t, po.ID).State)
	assert.Len(t, h.events.types(), before)
}

func TestUpdate_EditsDraftAndAudits(t *testing.T) {
	h := newHarness(t)
	po := h.draft(t, line("coffee", 1, "10"))
	supplier := "sup-2"
	lines := []LineInput{line("coffee", 4, "10"), line("milk", 2, "3")}

	updated, err := h.orders.Update(context.Background(), clerk, UpdateOrderRequest{
		OrderID:    po.ID,
		SupplierID: &supplier,
		Lines:      &lines,
		Note:       "deliver before friday",
	})
	require.NoError(t, err)
	assert.Equal(t, "sup-2", updated.SupplierID)
	assert.True(t, decimal.RequireFromString("46").Equal(updated.TotalCost))
	assert.Contains(t, updated.Notes, "deliver before friday")

	history, err := h.orders.History(context.Background(), po.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.AuditEdit, history[len(history)-1].Action)
}

func TestUpdate_RejectsNonDraft(t *testing.T) {
	h := newHarness(t)
	po := h.submitted(t, line("coffee", 10, "500"))
	supplier := "sup-9"

	_, err := h.orders.Update(context.Background(), clerk, UpdateOrderRequest{OrderID: po.ID, SupplierID: &supplier})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
}

func TestAutosave_IsLenient(t *testing.T) {
	h := newHarness(t)
	res, err := h.orders.Autosave(context.Background(), clerk, AutosaveRequest{
		OutletID:   "outlet-1",
		SupplierID: "sup-1",
		Lines: &[]LineInput{
			line("coffee", 2, "10"),
			line("", 1, "1"),
			line("coffee", 3, "10"),
			line("milk", -1, "1"),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Order.Lines, 1)
	assert.Equal(t, 5, res.Order.Lines[0].Quantity)
	assert.Len(t, res.Dropped, 2)

	res, err = h.orders.Autosave(context.Background(), clerk, AutosaveRequest{
		OrderID: res.Order.ID,
		Lines:   &[]LineInput{line("milk", 1, "2")},
	})
	require.NoError(t, err)
	assert.Equal(t, "milk", res.Order.Lines[0].ProductID)

	history, err := h.orders.History(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "autosave writes no audit entries beyond creation")
}

func TestAutosave_WithoutLinesKeepsSavedLines(t *testing.T) {
	h := newHarness(t)
	po := h.draft(t, line("coffee", 10, "10"))

	res, err := h.orders.Autosave(context.Background(), clerk, AutosaveRequest{OrderID: po.ID, Note: "typing"})
	require.NoError(t, err)
	assert.Len(t, res.Order.Lines, 1)

	stored := h.get(t, po.ID)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, 10, stored.Lines[0].Quantity)
	assert.True(t, decimal.RequireFromString("100").Equal(stored.TotalCost))
	assert.Contains(t, stored.Notes, "typing")

	res, err = h.orders.Autosave(context.Background(), clerk, AutosaveRequest{OrderID: po.ID, Lines: &[]LineInput{}})
	require.NoError(t, err)
	assert.Empty(t, res.Order.Lines, "an explicit empty list clears the draft")
}

func TestSend_NotifiesSupplier(t *testing.T) {
	h := newHarness(t)
	po := h.submitted(t, line("coffee", 1, "10"))

	sent, err := h.orders.Send(context.Background(), clerk, po.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateSent, sent.State)
	assert.Equal(t, []string{po.ID}, h.supplier.calls)
	assert.Contains(t, h.events.types(), client.EventOrderSent)
}

func TestSend_RefusedNotificationKeepsApproved(t *testing.T) {
	h := newHarness(t)
	po := h.submitted(t, line("coffee", 1, "10"))
	h.supplier.sent = false

	_, err := h.orders.Send(context.Background(), clerk, po.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnavailable))
	assert.Equal(t, workflow.StateApproved, h.get(t, po.ID).State)
}

func TestSend_ReportsOrderWhenNotifiedButNotMarked(t *testing.T) {
	h := newHarness(t)
	po := h.submitted(t, line("coffee", 1, "10"))
	h.store.failNextAudit(assert.AnError)

	out, err := h.orders.Send(context.Background(), clerk, po.ID)
	require.Error(t, err)
	require.NotNil(t, out, "the supplier was notified")
	assert.Equal(t, []string{po.ID}, h.supplier.calls)
	assert.Equal(t, workflow.StateApproved, h.get(t, po.ID).State)
}

func TestSend_RequiresApproved(t *testing.T) {
	h := newHarness(t)
	po := h.draft(t, line("coffee", 1, "10"))

	_, err := h.orders.Send(context.Background(), clerk, po.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition))
	assert.Empty(t, h.supplier.calls)
}
