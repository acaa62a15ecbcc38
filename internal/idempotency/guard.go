package idempotency

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/metrics"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
)

// SnapshotCache is an optional read-through cache of completed snapshots.
type SnapshotCache interface {
	GetSnapshot(ctx context.Context, hash string) ([]byte, bool, error)
	SetSnapshot(ctx context.Context, hash string, snapshot []byte) error
}

// Result is the outcome of a guarded call.
type Result struct {
	Snapshot json.RawMessage
	Replayed bool
}

// Guard runs operations at most once per request fingerprint.
type Guard struct {
	store   repository.Store
	cache   SnapshotCache
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewGuard creates a Guard. cache and m may be nil.
func NewGuard(store repository.Store, cache SnapshotCache, m *metrics.Metrics, log *logger.Logger) *Guard {
	return &Guard{store: store, cache: cache, metrics: m, log: log}
}

// Execute claims key, runs fn and stores its result in one transaction. fn
// receives a context bound to that transaction, so every store call it makes
// commits or rolls back together with the claim. A repeat of a completed
// request returns the stored snapshot without running fn. If fn fails the
// claim is rolled back and the request may be retried.
func (g *Guard) Execute(ctx context.Context, key Key, fn func(ctx context.Context) (any, error)) (Result, error) {
	if res, ok := g.cached(ctx, key); ok {
		return res, nil
	}

	var res Result
	err := g.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		rec := &repository.IdempotencyRecord{Hash: key.Hash, Method: key.Method, Path: key.Path, Payload: key.Payload}
		inserted, err := r.Idempotency.Insert(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			res, err = g.replay(ctx, r, key)
			return err
		}

		out, err := fn(ctx)
		if err != nil {
			return err
		}

		snapshot, err := json.Marshal(out)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode result snapshot")
		}
		if err := r.Idempotency.Complete(ctx, key.Hash, snapshot); err != nil {
			return err
		}
		res = Result{Snapshot: snapshot}
		repository.AfterCommit(ctx, func() { g.remember(ctx, key.Hash, snapshot) })
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	g.count(res)
	return res, nil
}

// Claim records key in its own committed transaction, for operations that span
// several transactions. It returns a replay result when the request already
// completed, and a REQUEST_IN_PROGRESS error when it was claimed but has not
// completed. claimed is true when the caller now owns the key and must call
// Complete or Release.
func (g *Guard) Claim(ctx context.Context, key Key) (res Result, claimed bool, err error) {
	if cached, ok := g.cached(ctx, key); ok {
		return cached, false, nil
	}

	err = g.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		rec := &repository.IdempotencyRecord{Hash: key.Hash, Method: key.Method, Path: key.Path, Payload: key.Payload}
		inserted, err := r.Idempotency.Insert(ctx, rec)
		if err != nil {
			return err
		}
		if inserted {
			claimed = true
			return nil
		}
		res, err = g.replay(ctx, r, key)
		return err
	})
	if err != nil {
		return Result{}, false, err
	}
	if !claimed {
		g.count(res)
	}
	return res, claimed, nil
}

// Complete stores the result of a claimed operation.
func (g *Guard) Complete(ctx context.Context, key Key, out any) (Result, error) {
	snapshot, err := json.Marshal(out)
	if err != nil {
		return Result{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode result snapshot")
	}

	err = g.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		if err := r.Idempotency.Complete(ctx, key.Hash, snapshot); err != nil {
			return err
		}
		repository.AfterCommit(ctx, func() { g.remember(ctx, key.Hash, snapshot) })
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	g.count(Result{})
	return Result{Snapshot: snapshot}, nil
}

// Release drops a claim whose operation failed before producing any side
// effect, so the request can be retried.
func (g *Guard) Release(ctx context.Context, key Key) error {
	return g.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		return r.Idempotency.Delete(ctx, key.Hash)
	})
}

func (g *Guard) replay(ctx context.Context, r repository.Repositories, key Key) (Result, error) {
	existing, err := r.Idempotency.Get(ctx, key.Hash)
	if err != nil {
		return Result{}, err
	}
	if existing.CompletedAt == nil {
		return Result{}, errors.New(errors.ErrCodeInProgress, "an identical request is still being processed")
	}
	return Result{Snapshot: existing.ResultSnapshot, Replayed: true}, nil
}

func (g *Guard) cached(ctx context.Context, key Key) (Result, bool) {
	if g.cache == nil {
		return Result{}, false
	}
	snapshot, ok, err := g.cache.GetSnapshot(ctx, key.Hash)
	if err != nil {
		g.log.Warn().Err(err).Str("hash", key.Hash).Msg("idempotency: cache lookup failed (non-fatal)")
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	res := Result{Snapshot: snapshot, Replayed: true}
	g.count(res)
	return res, true
}

func (g *Guard) remember(ctx context.Context, hash string, snapshot []byte) {
	if g.cache == nil {
		return
	}
	if err := g.cache.SetSnapshot(context.WithoutCancel(ctx), hash, snapshot); err != nil {
		g.log.Warn().Err(err).Str("hash", hash).Msg("idempotency: cache write failed (non-fatal)")
	}
}

func (g *Guard) count(res Result) {
	if res.Replayed {
		g.metrics.Idempotency("replayed")
		return
	}
	g.metrics.Idempotency("executed")
}
