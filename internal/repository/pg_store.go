package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
)

// PgStore is the Postgres Store.
type PgStore struct {
	db *database.DB
}

// NewPgStore creates a Store backed by the pool.
func NewPgStore(db *database.DB) *PgStore {
	return &PgStore{db: db}
}

// Bind returns repositories running on q.
func Bind(q database.Querier) Repositories {
	return Repositories{
		Orders:      NewOrderRepository(q),
		Thresholds:  NewThresholdRepository(q),
		Decisions:   NewDecisionRepository(q),
		Audit:       NewAuditRepository(q),
		Idempotency: NewIdempotencyRepository(q),
		Receiving:   NewReceivingRepository(q),
	}
}

// InTx runs fn in a transaction, joining the one already bound to ctx if any.
// Post-commit hooks run only after the outermost transaction commits.
func (s *PgStore) InTx(ctx context.Context, fn TxFunc) error {
	if joined, err := Join(ctx, fn); joined {
		return err
	}

	var hooks []func()
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		hooks, err = Scoped(ctx, Bind(tx), fn)
		return err
	})
	if err != nil {
		return err
	}
	RunHooks(hooks)
	return nil
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}
