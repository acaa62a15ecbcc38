// Package memstore is an in-memory repository.Store. Transactions are
// serialised behind one mutex and work on a copy of the data that replaces the
// committed copy only when the transaction body succeeds.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
)

// Store is an in-memory implementation of repository.Store.
type Store struct {
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{data: newState(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx runs fn against a working copy of the data. The copy is committed when
// fn returns nil and discarded otherwise.
func (s *Store) InTx(ctx context.Context, fn repository.TxFunc) error {
	if joined, err := repository.Join(ctx, fn); joined {
		return err
	}

	s.mu.Lock()
	work := s.data.clone()
	hooks, err := repository.Scoped(ctx, s.bind(work), fn)
	if err == nil {
		s.data = work
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	repository.RunHooks(hooks)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) bind(st *state) repository.Repositories {
	return repository.Repositories{
		Orders:      &orderRepo{st: st, now: s.now},
		Thresholds:  &thresholdRepo{st: st, now: s.now},
		Decisions:   &decisionRepo{st: st, now: s.now},
		Audit:       &auditRepo{st: st, now: s.now},
		Idempotency: &idempotencyRepo{st: st, now: s.now},
		Receiving:   &receivingRepo{st: st, now: s.now},
	}
}

// ── state ─────────────────────────────────────────────────────────────────────

const defaultScope = "\x00default"

type state struct {
	orders    map[string]*repository.PurchaseOrder
	numbers   map[string]string
	orderSeq  int64
	tiers     map[string][]*repository.ThresholdTier
	tierSeq   int64
	decisions map[string][]*repository.ApprovalDecision
	audit     []*repository.AuditEntry
	idem      map[string]*repository.IdempotencyRecord
	sessions  map[string]*repository.ReceivingSession
	eventSeq  int64
}

func newState() *state {
	return &state{
		orders:    map[string]*repository.PurchaseOrder{},
		numbers:   map[string]string{},
		tiers:     map[string][]*repository.ThresholdTier{},
		decisions: map[string][]*repository.ApprovalDecision{},
		idem:      map[string]*repository.IdempotencyRecord{},
		sessions:  map[string]*repository.ReceivingSession{},
	}
}

func (st *state) clone() *state {
	c := &state{
		orders:    make(map[string]*repository.PurchaseOrder, len(st.orders)),
		numbers:   make(map[string]string, len(st.numbers)),
		orderSeq:  st.orderSeq,
		tiers:     make(map[string][]*repository.ThresholdTier, len(st.tiers)),
		tierSeq:   st.tierSeq,
		decisions: make(map[string][]*repository.ApprovalDecision, len(st.decisions)),
		audit:     make([]*repository.AuditEntry, len(st.audit)),
		idem:      make(map[string]*repository.IdempotencyRecord, len(st.idem)),
		sessions:  make(map[string]*repository.ReceivingSession, len(st.sessions)),
		eventSeq:  st.eventSeq,
	}
	for k, v := range st.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range st.numbers {
		c.numbers[k] = v
	}
	for k, v := range st.tiers {
		tiers := make([]*repository.ThresholdTier, len(v))
		for i, t := range v {
			tiers[i] = copyTier(t)
		}
		c.tiers[k] = tiers
	}
	for k, v := range st.decisions {
		ds := make([]*repository.ApprovalDecision, len(v))
		for i, d := range v {
			cp := *d
			ds[i] = &cp
		}
		c.decisions[k] = ds
	}
	// audit entries are immutable once appended
	copy(c.audit, st.audit)
	for k, v := range st.idem {
		cp := *v
		c.idem[k] = &cp
	}
	for k, v := range st.sessions {
		c.sessions[k] = copySession(v)
	}
	return c
}

func copyOrder(po *repository.PurchaseOrder) *repository.PurchaseOrder {
	cp := *po
	cp.Lines = append([]repository.LineItem(nil), po.Lines...)
	if po.ApprovalTier != nil {
		tier := *po.ApprovalTier
		cp.ApprovalTier = &tier
	}
	return &cp
}

func copyTier(t *repository.ThresholdTier) *repository.ThresholdTier {
	cp := *t
	cp.EligibleRoles = append([]string(nil), t.EligibleRoles...)
	if t.MaxAmount != nil {
		m := *t.MaxAmount
		cp.MaxAmount = &m
	}
	if t.OutletID != nil {
		o := *t.OutletID
		cp.OutletID = &o
	}
	return &cp
}

func copySession(s *repository.ReceivingSession) *repository.ReceivingSession {
	cp := *s
	cp.Events = append([]repository.ReceiptEvent{}, s.Events...)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func scopeKey(outletID *string) string {
	if outletID == nil {
		return defaultScope
	}
	return *outletID
}
