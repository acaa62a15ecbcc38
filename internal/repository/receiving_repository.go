package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

// PgReceivingRepository handles receiving sessions and their receipt events.
type PgReceivingRepository struct {
	db database.Querier
}

// NewReceivingRepository creates a new PgReceivingRepository.
func NewReceivingRepository(db database.Querier) *PgReceivingRepository {
	return &PgReceivingRepository{db: db}
}

const sessionColumns = `id::text, po_id::text, received_by, notes, started_at, completed_at`

// CreateSession inserts a new open session. Only one open session may exist
// per order.
func (r *PgReceivingRepository) CreateSession(ctx context.Context, s *ReceivingSession) error {
	query := `
		INSERT INTO receiving_sessions (id, po_id, received_by, notes)
		VALUES ($1, $2, $3, $4)
		RETURNING started_at
	`
	err := r.db.QueryRow(ctx, query, s.ID, s.OrderID, s.ReceivedBy, s.Notes).Scan(&s.StartedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.Conflict("purchase order already has an open receiving session")
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create receiving session")
	}
	s.Events = []ReceiptEvent{}
	return nil
}

// GetSession retrieves a session with its events.
func (r *PgReceivingRepository) GetSession(ctx context.Context, id string) (*ReceivingSession, error) {
	return r.getSession(ctx, `SELECT `+sessionColumns+` FROM receiving_sessions WHERE id::text = $1`, id)
}

// GetSessionForUpdate retrieves a session and locks it.
func (r *PgReceivingRepository) GetSessionForUpdate(ctx context.Context, id string) (*ReceivingSession, error) {
	return r.getSession(ctx, `SELECT `+sessionColumns+` FROM receiving_sessions WHERE id::text = $1 FOR UPDATE`, id)
}

// GetOpenSession returns the open session of an order, or nil when there is none.
func (r *PgReceivingRepository) GetOpenSession(ctx context.Context, orderID string) (*ReceivingSession, error) {
	s, err := r.getSession(ctx,
		`SELECT `+sessionColumns+` FROM receiving_sessions WHERE po_id = $1 AND completed_at IS NULL`, orderID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	return s, err
}

// AppendEvent records one receipt event.
func (r *PgReceivingRepository) AppendEvent(ctx context.Context, e *ReceiptEvent) error {
	query := `
		INSERT INTO receiving_events
		    (session_id, product_id, quantity_received, quantity_damaged, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, recorded_at
	`
	err := r.db.QueryRow(ctx, query,
		e.SessionID,
		e.ProductID,
		e.QuantityReceived,
		e.QuantityDamaged,
		e.Notes,
	).Scan(&e.ID, &e.RecordedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record receipt event")
	}
	return nil
}

// CompleteSession closes an open session.
func (r *PgReceivingRepository) CompleteSession(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE receiving_sessions SET completed_at = $2 WHERE id = $1 AND completed_at IS NULL`, id, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete receiving session")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("receiving session " + id + " is already completed")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *PgReceivingRepository) getSession(ctx context.Context, query, arg string) (*ReceivingSession, error) {
	s := &ReceivingSession{}
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&s.ID,
		&s.OrderID,
		&s.ReceivedBy,
		&s.Notes,
		&s.StartedAt,
		&s.CompletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("receiving_session", arg)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get receiving session")
	}

	events, err := r.getEvents(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.Events = events
	return s, nil
}

func (r *PgReceivingRepository) getEvents(ctx context.Context, sessionID string) ([]ReceiptEvent, error) {
	query := `
		SELECT id, session_id::text, product_id, quantity_received, quantity_damaged, notes, recorded_at
		FROM receiving_events
		WHERE session_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get receipt events")
	}
	defer rows.Close()

	events := []ReceiptEvent{}
	for rows.Next() {
		var e ReceiptEvent
		if err := rows.Scan(
			&e.ID,
			&e.SessionID,
			&e.ProductID,
			&e.QuantityReceived,
			&e.QuantityDamaged,
			&e.Notes,
			&e.RecordedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan receipt event")
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
