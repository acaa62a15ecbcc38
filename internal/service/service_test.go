package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/client"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/metrics"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository/memstore"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

var (
	clerk    = auth.Actor{ID: "u-clerk", Name: "Casey", Role: "staff"}
	managerA = auth.Actor{ID: "u-mgr-a", Name: "Alex", Role: "manager"}
	managerB = auth.Actor{ID: "u-mgr-b", Name: "Blair", Role: "owner"}
	admin    = auth.Actor{ID: "u-admin", Name: "Ari", Role: "admin"}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []client.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e client.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

type stubSupplier struct {
	sent  bool
	err   error
	calls []string
}

func (s *stubSupplier) SendPONotification(_ context.Context, poID, _ string) (bool, error) {
	s.calls = append(s.calls, poID)
	return s.sent, s.err
}

// faultyStore is a memstore whose next transaction can be made to fail its
// audit append.
type faultyStore struct {
	*memstore.Store
	mu        sync.Mutex
	failAudit error
}

func (s *faultyStore) failNextAudit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAudit = err
}

func (s *faultyStore) InTx(ctx context.Context, fn repository.TxFunc) error {
	return s.Store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		s.mu.Lock()
		err := s.failAudit
		s.failAudit = nil
		s.mu.Unlock()
		if err != nil {
			r.Audit = failingAudit{AuditRepository: r.Audit, err: err}
		}
		return fn(ctx, r)
	})
}

type failingAudit struct {
	repository.AuditRepository
	err error
}

func (a failingAudit) Append(context.Context, *repository.AuditEntry) error { return a.err }

type harness struct {
	store      *faultyStore
	events     *recordingPublisher
	supplier   *stubSupplier
	thresholds *ThresholdService
	orders     *OrderService
	ledger     *ApprovalLedger
	bulk       *BulkCoordinator
	receiving  *ReceivingService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &faultyStore{Store: memstore.New()}
	events := &recordingPublisher{}
	supplier := &stubSupplier{sent: true}
	m := metrics.New("po_test")
	log := logger.Nop()

	thresholds := NewThresholdService(store, events, "admin", log)
	seeded, err := thresholds.SeedDefaults(context.Background())
	require.NoError(t, err)
	require.True(t, seeded)

	ledger := NewApprovalLedger(store, thresholds, events, m, log)
	return &harness{
		store:      store,
		events:     events,
		supplier:   supplier,
		thresholds: thresholds,
		orders:     NewOrderService(store, thresholds, supplier, events, m, log),
		ledger:     ledger,
		bulk:       NewBulkCoordinator(store, ledger, 10, m, log),
		receiving:  NewReceivingService(store, events, m, log),
	}
}

func line(product string, qty int, cost string) LineInput {
	return LineInput{ProductID: product, Quantity: qty, UnitCost: decimal.RequireFromString(cost)}
}

func (h *harness) draftAt(t *testing.T, outlet string, lines ...LineInput) *repository.PurchaseOrder {
	t.Helper()
	po, err := h.orders.Create(context.Background(), clerk, CreateOrderRequest{
		OutletID:   outlet,
		SupplierID: "sup-1",
		Lines:      lines,
	})
	require.NoError(t, err)
	return po
}

func (h *harness) draft(t *testing.T, lines ...LineInput) *repository.PurchaseOrder {
	t.Helper()
	return h.draftAt(t, "outlet-1", lines...)
}

func (h *harness) submitted(t *testing.T, lines ...LineInput) *repository.PurchaseOrder {
	t.Helper()
	po := h.draft(t, lines...)
	_, err := h.orders.Submit(context.Background(), clerk, po.ID)
	require.NoError(t, err)
	return h.get(t, po.ID)
}

// sent returns an auto-approved order that was sent to the supplier.
func (h *harness) sent(t *testing.T, lines ...LineInput) *repository.PurchaseOrder {
	t.Helper()
	po := h.submitted(t, lines...)
	require.Equal(t, workflow.StateApproved, po.State)
	_, err := h.orders.Send(context.Background(), clerk, po.ID)
	require.NoError(t, err)
	return h.get(t, po.ID)
}

func (h *harness) get(t *testing.T, id string) *repository.PurchaseOrder {
	t.Helper()
	po, err := h.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return po
}

func (h *harness) decide(actor auth.Actor, id string, d workflow.Decision, comments string) (*DecisionResult, error) {
	return h.ledger.RecordDecision(context.Background(), actor, DecisionRequest{OrderID: id, Decision: d, Comments: comments})
}
