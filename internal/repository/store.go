package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// OrderRepository persists purchase orders and their lines.
type OrderRepository interface {
	Create(ctx context.Context, po *PurchaseOrder) error
	GetByID(ctx context.Context, id string) (*PurchaseOrder, error)
	// GetForUpdate loads the order and holds a row lock until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*PurchaseOrder, error)
	// ReplaceLines rewrites lines, total and notes of a draft order.
	ReplaceLines(ctx context.Context, po *PurchaseOrder) error
	// UpdateState stores the new state, approval tier, submission round and notes.
	UpdateState(ctx context.Context, po *PurchaseOrder) error
	// UpdateLineReceipt stores cumulative receipt quantities for one line.
	UpdateLineReceipt(ctx context.Context, orderID string, line LineItem) error
}

// ThresholdRepository persists approval tiers per scope.
type ThresholdRepository interface {
	// ListForScope returns the tiers of one scope; nil outletID is the default scope.
	ListForScope(ctx context.Context, outletID *string) ([]*ThresholdTier, error)
	// ReplaceScope swaps the full tier set of one scope.
	ReplaceScope(ctx context.Context, outletID *string, tiers []workflow.Tier) ([]*ThresholdTier, error)
	DeleteScope(ctx context.Context, outletID string) (int, error)
}

// DecisionRepository persists per-approver decisions.
type DecisionRepository interface {
	Upsert(ctx context.Context, d *ApprovalDecision) error
	ListByOrder(ctx context.Context, orderID string) ([]*ApprovalDecision, error)
	ClearForOrder(ctx context.Context, orderID string) error
}

// AuditRepository appends and reads the order audit log.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByOrder(ctx context.Context, orderID string) ([]*AuditEntry, error)
}

// IdempotencyRepository stores request fingerprints.
type IdempotencyRepository interface {
	// Insert records a new fingerprint. It reports false, without error, when
	// the hash already exists.
	Insert(ctx context.Context, rec *IdempotencyRecord) (bool, error)
	Get(ctx context.Context, hash string) (*IdempotencyRecord, error)
	Complete(ctx context.Context, hash string, snapshot []byte) error
	Delete(ctx context.Context, hash string) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ReceivingRepository persists receiving sessions and their events.
type ReceivingRepository interface {
	CreateSession(ctx context.Context, s *ReceivingSession) error
	GetSession(ctx context.Context, id string) (*ReceivingSession, error)
	GetSessionForUpdate(ctx context.Context, id string) (*ReceivingSession, error)
	GetOpenSession(ctx context.Context, orderID string) (*ReceivingSession, error)
	AppendEvent(ctx context.Context, e *ReceiptEvent) error
	CompleteSession(ctx context.Context, id string, at time.Time) error
}

// Repositories is the set of repositories bound to one transaction.
type Repositories struct {
	Orders      OrderRepository
	Thresholds  ThresholdRepository
	Decisions   DecisionRepository
	Audit       AuditRepository
	Idempotency IdempotencyRepository
	Receiving   ReceivingRepository
}

// TxFunc is the body of a transaction.
type TxFunc func(ctx context.Context, r Repositories) error

// Store runs work inside a transaction. A call made with a context that already
// carries a transaction joins it instead of opening a new one, so a guarded
// request and the operation it guards commit or roll back together.
type Store interface {
	InTx(ctx context.Context, fn TxFunc) error
	Ping(ctx context.Context) error
}

// ── transaction scope ────────────────────────────────────────────────────────

type scopeKey struct{}

type scope struct {
	repos       Repositories
	afterCommit []func()
}

// Join runs fn inside the transaction bound to ctx. It reports false and does
// nothing when ctx carries no transaction.
func Join(ctx context.Context, fn TxFunc) (bool, error) {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return false, nil
	}
	return true, fn(ctx, s.repos)
}

// Scoped binds repos to ctx for the duration of fn and returns the hooks
// registered with AfterCommit. Store implementations call it once per real
// transaction and run the hooks only after a successful commit.
func Scoped(ctx context.Context, repos Repositories, fn TxFunc) ([]func(), error) {
	s := &scope{repos: repos}
	err := fn(context.WithValue(ctx, scopeKey{}, s), repos)
	return s.afterCommit, err
}

// AfterCommit defers hook until the transaction bound to ctx commits. Hooks are
// dropped on rollback. Without a transaction the hook runs immediately.
func AfterCommit(ctx context.Context, hook func()) {
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok {
		s.afterCommit = append(s.afterCommit, hook)
		return
	}
	hook()
}

// RunHooks runs post-commit hooks in registration order.
func RunHooks(hooks []func()) {
	for _, h := range hooks {
		h()
	}
}
