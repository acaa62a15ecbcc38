package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

// PgIdempotencyRepository stores request fingerprints in idempotency_keys.
type PgIdempotencyRepository struct {
	db database.Querier
}

// NewIdempotencyRepository creates a new PgIdempotencyRepository.
func NewIdempotencyRepository(db database.Querier) *PgIdempotencyRepository {
	return &PgIdempotencyRepository{db: db}
}

// Insert claims the hash. ON CONFLICT makes the check and the insert a single
// atomic step: a concurrent insert of the same hash waits on the unique index
// and then reports false.
func (r *PgIdempotencyRepository) Insert(ctx context.Context, rec *IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (hash, method, path, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO NOTHING
		RETURNING first_seen_at
	`

	err := r.db.QueryRow(ctx, query, rec.Hash, rec.Method, rec.Path, rec.Payload).Scan(&rec.FirstSeenAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to record idempotency key")
	}
	return true, nil
}

// Get returns the record for hash.
func (r *PgIdempotencyRepository) Get(ctx context.Context, hash string) (*IdempotencyRecord, error) {
	query := `
		SELECT hash, method, path, payload, first_seen_at, result_snapshot, completed_at
		FROM idempotency_keys
		WHERE hash = $1
	`

	rec := &IdempotencyRecord{}
	var snapshot []byte
	err := r.db.QueryRow(ctx, query, hash).Scan(
		&rec.Hash,
		&rec.Method,
		&rec.Path,
		&rec.Payload,
		&rec.FirstSeenAt,
		&snapshot,
		&rec.CompletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("idempotency_key", hash)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get idempotency key")
	}
	rec.ResultSnapshot = snapshot
	return rec, nil
}

// Complete writes the result snapshot. It only succeeds once per hash.
func (r *PgIdempotencyRepository) Complete(ctx context.Context, hash string, snapshot []byte) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET result_snapshot = $2, completed_at = now()
		WHERE hash = $1 AND completed_at IS NULL
	`, hash, snapshot)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to store idempotency snapshot")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("idempotency key " + hash + " is already completed")
	}
	return nil
}

// Delete releases a claim whose operation failed before any side effect.
func (r *PgIdempotencyRepository) Delete(ctx context.Context, hash string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE hash = $1 AND completed_at IS NULL`, hash); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to release idempotency key")
	}
	return nil
}

// PurgeBefore deletes records first seen before cutoff.
func (r *PgIdempotencyRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE first_seen_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge idempotency keys")
	}
	return tag.RowsAffected(), nil
}
