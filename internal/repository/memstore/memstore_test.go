package memstore

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

func newOrder(id string) *repository.PurchaseOrder {
	return &repository.PurchaseOrder{
		ID:         id,
		State:      workflow.StateDraft,
		OutletID:   "outlet-1",
		SupplierID: "supplier-1",
		CreatedBy:  "u1",
		Lines: []repository.LineItem{
			{ProductID: "p1", Quantity: 2, UnitCost: decimal.NewFromInt(10)},
		},
	}
}

func TestInTx_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	store := New()
	boom := stderrors.New("boom")

	err := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		require.NoError(t, r.Orders.Create(ctx, newOrder("o1")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		_, err := r.Orders.GetByID(ctx, "o1")
		return err
	})
	assert.Error(t, err)
}

func TestInTx_NestedCallJoinsOuterTransaction(t *testing.T) {
	ctx := context.Background()
	store := New()
	var hookRan bool

	err := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		require.NoError(t, r.Orders.Create(ctx, newOrder("o1")))
		inner := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
			repository.AfterCommit(ctx, func() { hookRan = true })
			_, err := r.Orders.GetByID(ctx, "o1")
			return err
		})
		require.NoError(t, inner)
		assert.False(t, hookRan, "hook must wait for the outer commit")
		return stderrors.New("rollback outer")
	})
	require.Error(t, err)
	assert.False(t, hookRan)
}

func TestInTx_HooksRunAfterCommit(t *testing.T) {
	ctx := context.Background()
	store := New()
	var hookRan bool

	err := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		repository.AfterCommit(ctx, func() { hookRan = true })
		return r.Orders.Create(ctx, newOrder("o1"))
	})
	require.NoError(t, err)
	assert.True(t, hookRan)

	err = store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		po, err := r.Orders.GetByID(ctx, "PO-000001")
		require.NoError(t, err)
		assert.Equal(t, "o1", po.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestIdempotencyInsert_SecondInsertReportsFalse(t *testing.T) {
	ctx := context.Background()
	store := New()

	err := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		ok, err := r.Idempotency.Insert(ctx, &repository.IdempotencyRecord{Hash: "h"})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.Idempotency.Insert(ctx, &repository.IdempotencyRecord{Hash: "h"})
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestIdempotencyPurgeBefore_RemovesOnlyOldRecords(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := New(WithClock(func() time.Time { return clock }))

	insert := func(hash string) {
		err := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
			_, err := r.Idempotency.Insert(ctx, &repository.IdempotencyRecord{Hash: hash})
			return err
		})
		require.NoError(t, err)
	}
	insert("old")
	clock = clock.Add(48 * time.Hour)
	insert("fresh")

	var purged int64
	err := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		purged, err = r.Idempotency.PurgeBefore(ctx, clock.Add(-24*time.Hour))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	err = store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		_, err := r.Idempotency.Get(ctx, "fresh")
		require.NoError(t, err)
		_, err = r.Idempotency.Get(ctx, "old")
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestDecisionUpsert_ReplacesSameApprover(t *testing.T) {
	ctx := context.Background()
	store := New()

	err := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		require.NoError(t, r.Decisions.Upsert(ctx, &repository.ApprovalDecision{OrderID: "o1", ApproverID: "a", Decision: workflow.DecisionRejected}))
		require.NoError(t, r.Decisions.Upsert(ctx, &repository.ApprovalDecision{OrderID: "o1", ApproverID: "a", Decision: workflow.DecisionApproved}))

		list, err := r.Decisions.ListByOrder(ctx, "o1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, workflow.DecisionApproved, list[0].Decision)
		return nil
	})
	require.NoError(t, err)
}
