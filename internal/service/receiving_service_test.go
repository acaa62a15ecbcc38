package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

func TestReceive_PartialThenComplete(t *testing.T) {
	h := newHarness(t)
	po := h.sent(t, line("beans", 10, "1"), line("cups", 5, "1"))
	ctx := context.Background()

	res, err := h.receiving.Receive(ctx, clerk, ReceiveRequest{
		OrderID: po.ID,
		Items: []ReceiveLine{
			{ProductID: "beans", QuantityReceived: 10},
			{ProductID: "cups", QuantityReceived: 3},
		},
	})
	require.NoError(t, err)
	assert.Len(t, res.Received, 2)
	assert.Empty(t, res.Errors)
	assert.False(t, res.FullyReceived)
	assert.Equal(t, workflow.StatePartial, res.State)

	reloaded := h.get(t, po.ID)
	assert.Equal(t, workflow.LineReceived, reloaded.LineFor("beans").Status)
	assert.Equal(t, workflow.LinePartial, reloaded.LineFor("cups").Status)

	res, err = h.receiving.Receive(ctx, clerk, ReceiveRequest{
		OrderID: po.ID,
		Items:   []ReceiveLine{{ProductID: "cups", QuantityReceived: 2}},
	})
	require.NoError(t, err)
	assert.True(t, res.FullyReceived)
	assert.Equal(t, workflow.StateReceived, h.get(t, po.ID).State)
}

func TestReceive_CollectsPerProductErrors(t *testing.T) {
	h := newHarness(t)
	po := h.sent(t, line("beans", 10, "1"))

	res, err := h.receiving.Receive(context.Background(), clerk, ReceiveRequest{
		OrderID: po.ID,
		Items: []ReceiveLine{
			{ProductID: "beans", QuantityReceived: 4},
			{ProductID: "tea", QuantityReceived: 1},
		},
	})
	require.NoError(t, err)
	assert.Len(t, res.Received, 1)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "tea", res.Errors[0].ID)
	assert.Equal(t, workflow.StatePartial, res.State)
}

func TestReceive_CapIsEnforcedBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	po := h.sent(t, line("beans", 10, "1"))

	res, err := h.receiving.Receive(context.Background(), clerk, ReceiveRequest{
		OrderID: po.ID,
		Items:   []ReceiveLine{{ProductID: "beans", QuantityReceived: 8, QuantityDamaged: 3}},
	})
	assert.Nil(t, res)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	assert.Len(t, errors.ItemsOf(err), 1)

	reloaded := h.get(t, po.ID)
	assert.Equal(t, workflow.StateSent, reloaded.State)
	assert.Equal(t, 0, reloaded.LineFor("beans").QuantityReceived)
}

func TestReceive_RequiresSentOrder(t *testing.T) {
	h := newHarness(t)
	po := h.draft(t, line("beans", 10, "1"))

	_, err := h.receiving.Receive(context.Background(), clerk, ReceiveRequest{
		OrderID: po.ID,
		Items:   []ReceiveLine{{ProductID: "beans", QuantityReceived: 1}},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition))
}

func TestReceivingSession_Lifecycle(t *testing.T) {
	h := newHarness(t)
	po := h.sent(t, line("beans", 10, "1"))
	ctx := context.Background()

	session, err := h.receiving.StartSession(ctx, clerk, po.ID, "morning delivery")
	require.NoError(t, err)
	assert.Equal(t, workflow.StateReceiving, h.get(t, po.ID).State)

	again, err := h.receiving.StartSession(ctx, clerk, po.ID, "")
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID, "an open session is reused")

	out, err := h.receiving.ReceiveItem(ctx, clerk, ReceiveItemRequest{
		SessionID:        session.ID,
		ProductID:        "beans",
		QuantityReceived: 6,
		QuantityDamaged:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, out.Line.QuantityReceived)
	assert.Equal(t, 1, out.Line.QuantityDamaged)
	assert.Equal(t, workflow.StateReceiving, h.get(t, po.ID).State)

	_, err = h.receiving.ReceiveItem(ctx, clerk, ReceiveItemRequest{
		SessionID:        session.ID,
		ProductID:        "beans",
		QuantityReceived: 4,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput), "6 received + 1 damaged leaves 3")

	done, err := h.receiving.CompleteSession(ctx, clerk, session.ID)
	require.NoError(t, err)
	assert.False(t, done.FullyReceived)
	assert.Equal(t, workflow.StatePartial, done.Order.State)

	_, err = h.receiving.CompleteSession(ctx, clerk, session.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	stored, err := h.receiving.Session(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Events, 1)
	assert.False(t, stored.Open())
}

func TestReceive_LeavesAnotherOperatorsSessionOpen(t *testing.T) {
	h := newHarness(t)
	po := h.sent(t, line("beans", 10, "1"))
	ctx := context.Background()

	session, err := h.receiving.StartSession(ctx, managerA, po.ID, "")
	require.NoError(t, err)
	_, err = h.receiving.ReceiveItem(ctx, managerA, ReceiveItemRequest{SessionID: session.ID, ProductID: "beans", QuantityReceived: 4})
	require.NoError(t, err)

	res, err := h.receiving.Receive(ctx, clerk, ReceiveRequest{
		OrderID: po.ID,
		Items:   []ReceiveLine{{ProductID: "beans", QuantityReceived: 2}},
	})
	assert.Nil(t, res)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	stored, err := h.receiving.Session(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, stored.Open())
	assert.Len(t, stored.Events, 1)

	out, err := h.receiving.ReceiveItem(ctx, managerA, ReceiveItemRequest{SessionID: session.ID, ProductID: "beans", QuantityReceived: 6})
	require.NoError(t, err)
	assert.Equal(t, 10, out.Line.QuantityReceived)
}
