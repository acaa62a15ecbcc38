package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/metrics"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// BulkDecisionRequest applies one decision to many orders.
type BulkDecisionRequest struct {
	OrderIDs []string
	Decision workflow.Decision
	Comments string
}

// BulkResult lists the outcome of every order in a committed batch.
type BulkResult struct {
	Processed int               `json:"processed"`
	Results   []*DecisionResult `json:"results"`
}

// BulkCoordinator applies decisions to a batch of orders all-or-nothing.
type BulkCoordinator struct {
	store    repository.Store
	ledger   *ApprovalLedger
	maxBatch int
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewBulkCoordinator creates a new BulkCoordinator. maxBatch <= 0 disables the
// batch size limit.
func NewBulkCoordinator(store repository.Store, ledger *ApprovalLedger, maxBatch int, m *metrics.Metrics, log *logger.Logger) *BulkCoordinator {
	return &BulkCoordinator{
		store:    store,
		ledger:   ledger,
		maxBatch: maxBatch,
		metrics:  m,
		log:      log,
	}
}

// Apply records the decision on every order inside one transaction, in input
// order. If any order fails the whole batch is rolled back and the error lists
// every failing order.
func (b *BulkCoordinator) Apply(ctx context.Context, actor auth.Actor, req BulkDecisionRequest) (*BulkResult, error) {
	if err := b.validate(req); err != nil {
		return nil, err
	}

	var results []*DecisionResult
	err := b.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		results = make([]*DecisionResult, 0, len(req.OrderIDs))
		var failures []errors.ItemError

		for _, id := range req.OrderIDs {
			po, err := r.Orders.GetForUpdate(ctx, id)
			if err != nil {
				failures = append(failures, errors.ToItem(id, err))
				continue
			}
			res, err := b.ledger.decide(ctx, r, po, actor, req.Decision, req.Comments)
			if err != nil {
				failures = append(failures, errors.ToItem(id, err))
				continue
			}
			results = append(results, res)
		}

		if len(failures) > 0 {
			return errors.PartialBatch(failures)
		}
		return nil
	})
	if err != nil {
		b.metrics.Bulk("rolled_back")
		b.log.Warn().
			Err(err).
			Int("batch_size", len(req.OrderIDs)).
			Int("failures", len(errors.ItemsOf(err))).
			Str("actor_id", actor.ID).
			Msg("Bulk decision rolled back")
		return nil, err
	}

	b.metrics.Bulk("committed")
	b.log.Info().
		Int("processed", len(results)).
		Str("decision", string(req.Decision)).
		Str("actor_id", actor.ID).
		Msg("Bulk decision committed")

	return &BulkResult{Processed: len(results), Results: results}, nil
}

func (b *BulkCoordinator) validate(req BulkDecisionRequest) error {
	if len(req.OrderIDs) == 0 {
		return errors.InvalidInput("po_ids", "at least one purchase order id is required")
	}
	if b.maxBatch > 0 && len(req.OrderIDs) > b.maxBatch {
		return errors.InvalidInput("po_ids", fmt.Sprintf("batch of %d exceeds the limit of %d", len(req.OrderIDs), b.maxBatch))
	}
	seen := make(map[string]bool, len(req.OrderIDs))
	for i, id := range req.OrderIDs {
		if id == "" {
			return errors.InvalidInput(fmt.Sprintf("po_ids[%d]", i), "purchase order id cannot be empty")
		}
		if seen[id] {
			return errors.InvalidInput(fmt.Sprintf("po_ids[%d]", i), "purchase order "+id+" appears more than once")
		}
		seen[id] = true
	}
	return nil
}
