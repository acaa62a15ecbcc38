package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

func TestBulk_OneInvalidOrderRollsBackAll(t *testing.T) {
	h := newHarness(t)
	first := h.submitted(t, line("grinder", 2, "500"))
	second := h.draft(t, line("grinder", 2, "500"))
	third := h.submitted(t, line("kettle", 2, "500"))
	published := len(h.events.types())

	_, err := h.bulk.Apply(context.Background(), managerA, BulkDecisionRequest{
		OrderIDs: []string{first.ID, second.ID, third.ID},
		Decision: workflow.DecisionApproved,
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePartialBatch))

	items := errors.ItemsOf(err)
	require.Len(t, items, 1)
	assert.Equal(t, second.ID, items[0].ID)
	assert.Equal(t, errors.ErrCodeConflict, items[0].Code)

	for _, id := range []string{first.ID, third.ID} {
		assert.Equal(t, workflow.StatePendingApproval, h.get(t, id).State)
		decisions, err := h.ledger.Decisions(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, decisions)
	}
	assert.Equal(t, workflow.StateDraft, h.get(t, second.ID).State)
	assert.Len(t, h.events.types(), published, "nothing is published for a rolled back batch")
}

func TestBulk_CommitsWhenEveryOrderSucceeds(t *testing.T) {
	h := newHarness(t)
	first := h.submitted(t, line("grinder", 2, "500"))
	second := h.submitted(t, line("kettle", 2, "500"))

	res, err := h.bulk.Apply(context.Background(), managerA, BulkDecisionRequest{
		OrderIDs: []string{first.ID, second.ID},
		Decision: workflow.DecisionApproved,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	require.Len(t, res.Results, 2)
	assert.Equal(t, first.ID, res.Results[0].OrderID)
	assert.Equal(t, workflow.StateApproved, h.get(t, first.ID).State)
	assert.Equal(t, workflow.StateApproved, h.get(t, second.ID).State)
}

func TestBulk_CollectsEveryFailure(t *testing.T) {
	h := newHarness(t)
	ok := h.submitted(t, line("grinder", 2, "500"))

	_, err := h.bulk.Apply(context.Background(), clerk, BulkDecisionRequest{
		OrderIDs: []string{ok.ID, "missing"},
		Decision: workflow.DecisionRejected,
	})
	items := errors.ItemsOf(err)
	require.Len(t, items, 2)
	assert.Equal(t, errors.ErrCodeNotEligible, items[0].Code)
	assert.Equal(t, errors.ErrCodeNotFound, items[1].Code)
	assert.Equal(t, workflow.StatePendingApproval, h.get(t, ok.ID).State)
}

func TestBulk_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.bulk.Apply(ctx, managerA, BulkDecisionRequest{Decision: workflow.DecisionApproved})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = h.bulk.Apply(ctx, managerA, BulkDecisionRequest{OrderIDs: []string{"a", "a"}, Decision: workflow.DecisionApproved})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	ids := make([]string, 11)
	for i := range ids {
		ids[i] = fmt.Sprintf("po-%d", i)
	}
	_, err = h.bulk.Apply(ctx, managerA, BulkDecisionRequest{OrderIDs: ids, Decision: workflow.DecisionApproved})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}
