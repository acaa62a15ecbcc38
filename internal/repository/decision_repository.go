package repository

import (
	"context"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// PgDecisionRepository handles the per-approver decisions of the current
// approval round.
type PgDecisionRepository struct {
	db database.Querier
}

// NewDecisionRepository creates a new PgDecisionRepository.
func NewDecisionRepository(db database.Querier) *PgDecisionRepository {
	return &PgDecisionRepository{db: db}
}

// Upsert stores the approver's decision, replacing any earlier decision by the
// same approver on the same order.
func (r *PgDecisionRepository) Upsert(ctx context.Context, d *ApprovalDecision) error {
	query := `
		INSERT INTO purchase_order_approvals
		    (po_id, approver_id, approver_name, approver_role, decision, comments, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (po_id, approver_id) DO UPDATE
		SET approver_name = EXCLUDED.approver_name,
		    approver_role = EXCLUDED.approver_role,
		    decision      = EXCLUDED.decision,
		    comments      = EXCLUDED.comments,
		    decided_at    = EXCLUDED.decided_at
		RETURNING decided_at
	`

	err := r.db.QueryRow(ctx, query,
		d.OrderID,
		d.ApproverID,
		d.ApproverName,
		d.ApproverRole,
		string(d.Decision),
		d.Comments,
	).Scan(&d.DecidedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval decision")
	}
	return nil
}

// ListByOrder returns every decision on an order, oldest first.
func (r *PgDecisionRepository) ListByOrder(ctx context.Context, orderID string) ([]*ApprovalDecision, error) {
	query := `
		SELECT po_id::text, approver_id, approver_name, approver_role,
		       decision, comments, decided_at
		FROM purchase_order_approvals
		WHERE po_id = $1
		ORDER BY decided_at ASC, approver_id ASC
	`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval decisions")
	}
	defer rows.Close()

	decisions := []*ApprovalDecision{}
	for rows.Next() {
		d := &ApprovalDecision{}
		var decision string
		if err := rows.Scan(
			&d.OrderID,
			&d.ApproverID,
			&d.ApproverName,
			&d.ApproverRole,
			&decision,
			&d.Comments,
			&d.DecidedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval decision")
		}
		d.Decision = workflow.Decision(decision)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// ClearForOrder removes the decisions of a finished round. The audit log keeps
// the history.
func (r *PgDecisionRepository) ClearForOrder(ctx context.Context, orderID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM purchase_order_approvals WHERE po_id = $1`, orderID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear approval decisions")
	}
	return nil
}
