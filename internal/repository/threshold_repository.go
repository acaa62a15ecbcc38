package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// PgThresholdRepository handles CRUD for approval_threshold_tiers.
type PgThresholdRepository struct {
	db database.Querier
}

// NewThresholdRepository creates a new PgThresholdRepository.
func NewThresholdRepository(db database.Querier) *PgThresholdRepository {
	return &PgThresholdRepository{db: db}
}

// ListForScope returns the tiers of one scope ordered by min_amount. A nil
// outletID selects the default scope.
func (r *PgThresholdRepository) ListForScope(ctx context.Context, outletID *string) ([]*ThresholdTier, error) {
	query := `
		SELECT id, outlet_id, tier_number, min_amount::text, max_amount::text,
		       required_approvers, eligible_roles, created_at, updated_at
		FROM approval_threshold_tiers
		WHERE outlet_id IS NOT DISTINCT FROM $1
		ORDER BY min_amount ASC, tier_number ASC
	`

	rows, err := r.db.Query(ctx, query, outletID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval thresholds")
	}
	defer rows.Close()

	tiers := []*ThresholdTier{}
	for rows.Next() {
		tier, err := r.scanTier(rows)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

// ReplaceScope deletes the current tiers of a scope and inserts the new set.
// Callers validate the set and run this inside a transaction.
func (r *PgThresholdRepository) ReplaceScope(ctx context.Context, outletID *string, tiers []workflow.Tier) ([]*ThresholdTier, error) {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM approval_threshold_tiers WHERE outlet_id IS NOT DISTINCT FROM $1`, outletID,
	); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to clear approval thresholds")
	}

	query := `
		INSERT INTO approval_threshold_tiers
		    (outlet_id, tier_number, min_amount, max_amount, required_approvers, eligible_roles)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6)
		RETURNING id, created_at, updated_at
	`

	stored := make([]*ThresholdTier, 0, len(tiers))
	for _, t := range tiers {
		st := &ThresholdTier{OutletID: outletID, Tier: t}
		var maxAmount *string
		if t.MaxAmount != nil {
			s := t.MaxAmount.String()
			maxAmount = &s
		}
		roles := t.EligibleRoles
		if roles == nil {
			roles = []string{}
		}
		err := r.db.QueryRow(ctx, query,
			outletID,
			t.Number,
			t.MinAmount.String(),
			maxAmount,
			t.RequiredApprovers,
			roles,
		).Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return nil, errors.InvalidInput("tiers", "duplicate tier number")
			}
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert approval threshold")
		}
		stored = append(stored, st)
	}
	return stored, nil
}

// DeleteScope removes an outlet override so the outlet falls back to the
// default tiers. The default scope itself cannot be deleted.
func (r *PgThresholdRepository) DeleteScope(ctx context.Context, outletID string) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_threshold_tiers WHERE outlet_id = $1`, outletID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval thresholds")
	}
	return int(tag.RowsAffected()), nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *PgThresholdRepository) scanTier(sc rowScanner) (*ThresholdTier, error) {
	t := &ThresholdTier{}
	var minAmount string
	var maxAmount *string

	err := sc.Scan(
		&t.ID,
		&t.OutletID,
		&t.Number,
		&minAmount,
		&maxAmount,
		&t.RequiredApprovers,
		&t.EligibleRoles,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval threshold")
	}

	if t.MinAmount, err = decimal.NewFromString(minAmount); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid min_amount")
	}
	if maxAmount != nil {
		m, err := decimal.NewFromString(*maxAmount)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid max_amount")
		}
		t.MaxAmount = &m
	}
	return t, nil
}
