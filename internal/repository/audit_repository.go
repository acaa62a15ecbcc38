package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// PgAuditRepository appends and reads immutable purchase order audit entries.
type PgAuditRepository struct {
	db database.Querier
}

// NewAuditRepository creates a new PgAuditRepository.
func NewAuditRepository(db database.Querier) *PgAuditRepository {
	return &PgAuditRepository{db: db}
}

// Append inserts one audit entry. It is the only mutation this repository exposes.
func (r *PgAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO purchase_order_audit_log
		    (po_id, action, from_state, to_state, actor_id, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.OrderID,
		entry.Action,
		stateArg(entry.FromState),
		stateArg(entry.ToState),
		entry.ActorID,
		entry.Reason,
		metadataJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByOrder returns the full audit trail for an order ordered oldest-first.
func (r *PgAuditRepository) ListByOrder(ctx context.Context, orderID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, po_id::text, action, from_state, to_state,
		       actor_id, reason, metadata, created_at
		FROM purchase_order_audit_log
		WHERE po_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func stateArg(s *workflow.OrderState) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func (r *PgAuditRepository) scanEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var fromState, toState *string
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.OrderID,
		&entry.Action,
		&fromState,
		&toState,
		&entry.ActorID,
		&entry.Reason,
		&metadataJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if fromState != nil {
		st := workflow.OrderState(*fromState)
		entry.FromState = &st
	}
	if toState != nil {
		st := workflow.OrderState(*toState)
		entry.ToState = &st
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return entry, nil
}
