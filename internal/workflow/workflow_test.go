package workflow

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func defaultTiers() []Tier {
	return []Tier{
		{Number: 1, MinAmount: dec("0"), MaxAmount: decPtr("500"), RequiredApprovers: 0},
		{Number: 2, MinAmount: dec("500"), MaxAmount: decPtr("2000"), RequiredApprovers: 1, EligibleRoles: []string{"manager"}},
		{Number: 3, MinAmount: dec("2000"), RequiredApprovers: 2, EligibleRoles: []string{"manager", "owner"}},
	}
}

// ── state machine ────────────────────────────────────────────────────────────

func TestCheckTransition(t *testing.T) {
	allowed := [][2]OrderState{
		{StateDraft, StatePendingApproval},
		{StateDraft, StateApproved},
		{StatePendingApproval, StateApproved},
		{StatePendingApproval, StateDraft},
		{StateApproved, StateSent},
		{StateSent, StateReceiving},
		{StateSent, StatePartial},
		{StateSent, StateReceived},
		{StateReceiving, StatePartial},
		{StateReceiving, StateReceived},
		{StatePartial, StateReceiving},
		{StatePartial, StateReceived},
	}
	for _, tr := range allowed {
		assert.NoError(t, CheckTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	rejected := [][2]OrderState{
		{StateDraft, StateSent},
		{StateApproved, StateDraft},
		{StateSent, StateApproved},
		{StateReceived, StatePartial},
		{StatePendingApproval, StateSent},
	}
	for _, tr := range rejected {
		err := CheckTransition(tr[0], tr[1])
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidTransition, errors.CodeOf(err))
	}
	assert.True(t, StateReceived.Terminal())
}

func TestParseOrderState(t *testing.T) {
	st, err := ParseOrderState("open")
	require.NoError(t, err)
	assert.Equal(t, StateDraft, st)

	st, err = ParseOrderState("pending_approval")
	require.NoError(t, err)
	assert.Equal(t, StatePendingApproval, st)

	_, err = ParseOrderState("CANCELLED")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

// ── thresholds ───────────────────────────────────────────────────────────────

func TestResolve_Bands(t *testing.T) {
	tiers := defaultTiers()

	cases := map[string]int{
		"0":       1,
		"450":     1,
		"499.99":  1,
		"500":     2,
		"1999.99": 2,
		"2000":    3,
		"5000":    3,
		"1000000": 3,
	}
	for total, want := range cases {
		tier, err := Resolve(tiers, dec(total))
		require.NoError(t, err, total)
		assert.Equal(t, want, tier.Number, total)
	}
}

func TestResolve_GapFailsClosed(t *testing.T) {
	tiers := []Tier{
		{Number: 1, MinAmount: dec("0"), MaxAmount: decPtr("500")},
		{Number: 2, MinAmount: dec("1000"), RequiredApprovers: 1, EligibleRoles: []string{"manager"}},
	}

	_, err := Resolve(tiers, dec("750"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeThresholdConfig, errors.CodeOf(err))

	_, err = Resolve(nil, dec("1"))
	assert.Equal(t, errors.ErrCodeThresholdConfig, errors.CodeOf(err))
}

func TestResolve_UnsortedInput(t *testing.T) {
	tiers := defaultTiers()
	tiers[0], tiers[2] = tiers[2], tiers[0]

	tier, err := Resolve(tiers, dec("600"))
	require.NoError(t, err)
	assert.Equal(t, 2, tier.Number)
}

func TestSelectTierSet_OverrideReplacesDefaults(t *testing.T) {
	override := []Tier{{Number: 1, MinAmount: dec("0"), RequiredApprovers: 1, EligibleRoles: []string{"owner"}}}

	set := SelectTierSet(defaultTiers(), override)
	require.Len(t, set, 1)

	tier, err := Resolve(set, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, 1, tier.RequiredApprovers)
	assert.Len(t, SelectTierSet(defaultTiers(), nil), 3)
}

func TestValidateTiers(t *testing.T) {
	require.NoError(t, ValidateTiers(defaultTiers()))

	gap := defaultTiers()
	gap[1].MinAmount = dec("600")
	assert.Error(t, ValidateTiers(gap))

	notZero := defaultTiers()
	notZero[0].MinAmount = dec("1")
	assert.Error(t, ValidateTiers(notZero))

	bounded := defaultTiers()
	bounded[2].MaxAmount = decPtr("10000")
	assert.Error(t, ValidateTiers(bounded))

	noRoles := defaultTiers()
	noRoles[2].EligibleRoles = nil
	assert.Error(t, ValidateTiers(noRoles))

	assert.Error(t, ValidateTiers(nil))
}

func TestTier_AllowsRoleIgnoresCase(t *testing.T) {
	tier := defaultTiers()[2]
	assert.True(t, tier.AllowsRole("Manager"))
	assert.False(t, tier.AllowsRole("staff"))
}

// ── quorum ───────────────────────────────────────────────────────────────────

func TestEvaluate_VetoWinsOverApprovals(t *testing.T) {
	votes := []Vote{
		{ApproverID: "a", Decision: DecisionApproved},
		{ApproverID: "b", Decision: DecisionApproved},
		{ApproverID: "c", Decision: DecisionRequestChanges},
	}

	q := Evaluate(votes, 2)
	assert.True(t, q.Vetoed)
	assert.Equal(t, "c", q.VetoedBy)
	assert.False(t, q.Reached)
}

func TestEvaluate_CountsDistinctApprovers(t *testing.T) {
	votes := []Vote{
		{ApproverID: "a", Decision: DecisionApproved},
		{ApproverID: "a", Decision: DecisionApproved},
	}

	q := Evaluate(votes, 2)
	assert.Equal(t, 1, q.Approved)
	assert.Equal(t, 1, q.Pending)
	assert.False(t, q.Reached)

	q = Evaluate(append(votes, Vote{ApproverID: "b", Decision: DecisionApproved}), 2)
	assert.True(t, q.Reached)
	assert.Equal(t, 0, q.Pending)
}

func TestEvaluate_LaterVoteReplacesEarlier(t *testing.T) {
	votes := []Vote{
		{ApproverID: "a", Decision: DecisionRejected},
		{ApproverID: "a", Decision: DecisionApproved},
	}

	q := Evaluate(votes, 1)
	assert.False(t, q.Vetoed)
	assert.True(t, q.Reached)
}

func TestEvaluate_MonotonicWithoutVeto(t *testing.T) {
	var votes []Vote
	for i, id := range []string{"a", "b", "c", "d"} {
		votes = append(votes, Vote{ApproverID: id, Decision: DecisionApproved})
		q := Evaluate(votes, 3)
		assert.Equal(t, i+1, q.Approved)
		assert.Equal(t, i+1 >= 3, q.Reached)
	}
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{
		"approve":         DecisionApproved,
		"APPROVED":        DecisionApproved,
		"reject":          DecisionRejected,
		"request_changes": DecisionRequestChanges,
	} {
		got, err := ParseDecision(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDecision("maybe")
	assert.Error(t, err)
}

// ── receiving ────────────────────────────────────────────────────────────────

func TestFullyReceived(t *testing.T) {
	assert.True(t, FullyReceived([]LineProgress{{Ordered: 10, Received: 10}, {Ordered: 5, Received: 5}}))
	assert.False(t, FullyReceived([]LineProgress{{Ordered: 10, Received: 10}, {Ordered: 5, Received: 3}}))
	assert.False(t, FullyReceived(nil))

	assert.Equal(t, StatePartial, CompletionState([]LineProgress{{Ordered: 5, Received: 3}}))
	assert.Equal(t, StateReceived, CompletionState([]LineProgress{{Ordered: 5, Received: 5}}))
}

func TestLineProgress_ApplyEnforcesCap(t *testing.T) {
	p := LineProgress{Ordered: 10}

	p, err := p.Apply(6, 2)
	require.NoError(t, err)
	assert.Equal(t, LinePartial, p.Status())
	assert.Equal(t, 2, p.Outstanding())

	_, err = p.Apply(3, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = p.Apply(0, 0)
	assert.Error(t, err)

	p, err = p.Apply(2, 0)
	require.NoError(t, err)
	assert.Equal(t, LinePartial, p.Status())
	assert.Equal(t, LinePending, LineProgress{Ordered: 1}.Status())
	assert.Equal(t, LineReceived, LineProgress{Ordered: 1, Received: 1}.Status())
}

func TestCompletionState_DamagedLineStaysPartial(t *testing.T) {
	p, err := LineProgress{Ordered: 10}.Apply(9, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Outstanding())

	_, err = p.Apply(1, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput), "the cap leaves no room for a replacement unit")
	assert.Equal(t, StatePartial, CompletionState([]LineProgress{p}))
}

func TestDefaultTiers_AreValid(t *testing.T) {
	tiers := DefaultTiers()
	require.NoError(t, ValidateTiers(tiers))

	tier, err := Resolve(tiers, decimal.RequireFromString("450"))
	require.NoError(t, err)
	assert.True(t, tier.AutoApproves())

	tier, err = Resolve(tiers, decimal.RequireFromString("5000"))
	require.NoError(t, err)
	assert.Equal(t, 2, tier.RequiredApprovers)
}
