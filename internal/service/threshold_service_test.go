package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

func TestThresholds_OverrideReplacesDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	set, err := h.thresholds.Replace(ctx, admin, "outlet-9", []workflow.Tier{
		{Number: 1, MinAmount: decimal.Zero, RequiredApprovers: 1, EligibleRoles: []string{" Buyer "}},
	})
	require.NoError(t, err)
	assert.Equal(t, ScopeOutlet, set.Scope)
	require.Len(t, set.Tiers, 1)
	assert.Equal(t, []string{"buyer"}, set.Tiers[0].EligibleRoles)

	po := h.draftAt(t, "outlet-9", line("coffee", 9, "50"))
	res, err := h.orders.Submit(ctx, clerk, po.ID)
	require.NoError(t, err)
	assert.False(t, res.AutoApproved, "the override has no auto-approve tier")

	_, err = h.decide(managerA, po.ID, workflow.DecisionApproved, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotEligible))

	buyer := managerA
	buyer.ID, buyer.Role = "u-buyer", "buyer"
	decided, err := h.decide(buyer, po.ID, workflow.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateApproved, decided.State)
}

func TestThresholds_GetFallsBackToDefault(t *testing.T) {
	h := newHarness(t)
	set, err := h.thresholds.Get(context.Background(), "outlet-without-override")
	require.NoError(t, err)
	assert.Equal(t, ScopeDefault, set.Scope)
	assert.Len(t, set.Tiers, 3)

	tier, err := h.thresholds.Resolve(context.Background(), "", decimal.NewFromInt(1999))
	require.NoError(t, err)
	assert.Equal(t, 2, tier.Number)
}

func TestThresholds_WritesAreAdminOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.thresholds.Replace(ctx, managerA, "", workflow.DefaultTiers())
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))

	_, err = h.thresholds.DeleteOverride(ctx, managerA, "outlet-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeForbidden))
}

func TestThresholds_ReplaceValidates(t *testing.T) {
	h := newHarness(t)
	hundred := decimal.NewFromInt(100)

	_, err := h.thresholds.Replace(context.Background(), admin, "", []workflow.Tier{
		{Number: 1, MinAmount: decimal.Zero, MaxAmount: &hundred},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	set, err := h.thresholds.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, set.Tiers, 3, "an invalid set leaves the stored one untouched")
}

func TestThresholds_DeleteOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.thresholds.Replace(ctx, admin, "outlet-9", []workflow.Tier{
		{Number: 1, MinAmount: decimal.Zero, RequiredApprovers: 0},
	})
	require.NoError(t, err)

	removed, err := h.thresholds.DeleteOverride(ctx, admin, "outlet-9")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	set, err := h.thresholds.Get(ctx, "outlet-9")
	require.NoError(t, err)
	assert.Equal(t, ScopeDefault, set.Scope)

	_, err = h.thresholds.DeleteOverride(ctx, admin, "outlet-9")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = h.thresholds.DeleteOverride(ctx, admin, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}
