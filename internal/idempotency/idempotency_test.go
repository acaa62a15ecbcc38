package idempotency

import (
	"context"
	stderrors "errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository/memstore"
)

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

func mustHash(t *testing.T, method, path, payload string) string {
	t.Helper()
	h, err := HashFor(method, path, []byte(payload))
	require.NoError(t, err)
	return h
}

// ── hashing ──────────────────────────────────────────────────────────────────

func TestHashFor_KeyOrderDoesNotMatter(t *testing.T) {
	a := mustHash(t, "post", "/api/v1/purchase-orders/approve", `{"po_id":"1","decision":"APPROVED","meta":{"b":2,"a":1}}`)
	b := mustHash(t, "POST", "/api/v1/purchase-orders/approve", `{"meta":{"a":1,"b":2},"decision":"APPROVED","po_id":"1"}`)

	assert.Equal(t, a, b)
	assert.Regexp(t, hexHash, a)
}

func TestHashFor_ArrayOrderMatters(t *testing.T) {
	a := mustHash(t, "POST", "/bulk", `{"ids":["1","2"]}`)
	b := mustHash(t, "POST", "/bulk", `{"ids":["2","1"]}`)
	assert.NotEqual(t, a, b)
}

func TestHashFor_MethodAndPathAreBound(t *testing.T) {
	body := `{"po_id":"1"}`
	base := mustHash(t, "POST", "/submit", body)

	assert.NotEqual(t, base, mustHash(t, "PUT", "/submit", body))
	assert.NotEqual(t, base, mustHash(t, "POST", "/approve", body))
}

func TestHashFor_WhitespaceInsensitive(t *testing.T) {
	a := mustHash(t, "POST", "/x", "{ \"a\" : 1 ,\n \"b\": [1, 2] }")
	b := mustHash(t, "POST", "/x", `{"b":[1,2],"a":1}`)
	assert.Equal(t, a, b)
}

func TestCanonicalize(t *testing.T) {
	out, err := Canonicalize([]byte(`{"z":"<tag>","a":{"d":1.50,"c":null}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":null,"d":1.50},"z":"<tag>"}`, out)

	out, err = Canonicalize(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", out)

	_, err = Canonicalize([]byte(`{"a":`))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestScoped_SeparatesActorsKeysAndRounds(t *testing.T) {
	body := []byte(`{"id":"1","decision":"APPROVED"}`)
	hash := func(scope Scope) string {
		t.Helper()
		scoped, err := Scoped(scope, body)
		require.NoError(t, err)
		k, err := NewKey("POST", "/approve", scoped)
		require.NoError(t, err)
		return k.Hash
	}

	base := hash(Scope{Actor: "alice", Rounds: map[string]int{"1": 1}})
	assert.Equal(t, base, hash(Scope{Actor: "alice", Rounds: map[string]int{"1": 1}}))
	assert.NotEqual(t, base, hash(Scope{Actor: "bob", Rounds: map[string]int{"1": 1}}))
	assert.NotEqual(t, base, hash(Scope{Actor: "alice", Rounds: map[string]int{"1": 2}}))
	assert.NotEqual(t, base, hash(Scope{Actor: "alice", ClientKey: "k-1", Rounds: map[string]int{"1": 1}}))
}

func TestScoped_RejectsInvalidBody(t *testing.T) {
	_, err := Scoped(Scope{Actor: "alice"}, []byte(`{"id":`))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	out, err := Scoped(Scope{Actor: "alice"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"actor":"alice","body":null}`, string(out))
}

// ── guard ────────────────────────────────────────────────────────────────────

func newGuard(t *testing.T) (*Guard, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return NewGuard(store, nil, nil, logger.Nop()), store
}

func mustKey(t *testing.T, payload string) Key {
	t.Helper()
	k, err := NewKey("POST", "/api/v1/purchase-orders/submit", []byte(payload))
	require.NoError(t, err)
	return k
}

func TestGuard_ExecuteRunsOnce(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	key := mustKey(t, `{"po_id":"1"}`)
	var calls int

	fn := func(ctx context.Context) (any, error) {
		calls++
		return map[string]any{"state": "APPROVED"}, nil
	}

	first, err := g.Execute(ctx, key, fn)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := g.Execute(ctx, key, fn)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, string(first.Snapshot), string(second.Snapshot))
	assert.Equal(t, 1, calls)
}

func TestGuard_FailedExecutionCanBeRetried(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	key := mustKey(t, `{"po_id":"1"}`)

	_, err := g.Execute(ctx, key, func(context.Context) (any, error) {
		return nil, stderrors.New("boom")
	})
	require.Error(t, err)

	res, err := g.Execute(ctx, key, func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestGuard_SideEffectsShareTheTransaction(t *testing.T) {
	g, store := newGuard(t)
	ctx := context.Background()
	key := mustKey(t, `{"po_id":"1"}`)

	_, err := g.Execute(ctx, key, func(ctx context.Context) (any, error) {
		err := store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
			_, err := r.Idempotency.Insert(ctx, &repository.IdempotencyRecord{Hash: "side-effect"})
			return err
		})
		if err != nil {
			return nil, err
		}
		return nil, stderrors.New("fail after side effect")
	})
	require.Error(t, err)

	err = store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		_, err := r.Idempotency.Get(ctx, "side-effect")
		return err
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound), "side effect must roll back with the claim")
}

func TestGuard_ConcurrentDuplicatesRunOnce(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	key := mustKey(t, `{"po_id":"42"}`)
	var calls int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Execute(ctx, key, func(context.Context) (any, error) {
				atomic.AddInt32(&calls, 1)
				return "done", nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls)
}

func TestGuard_ClaimCompleteRelease(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	key := mustKey(t, `{"po_id":"7","items":[{"product_id":"p1","quantity_received":1}]}`)

	_, claimed, err := g.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, claimed)

	_, _, err = g.Claim(ctx, key)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInProgress))

	_, err = g.Complete(ctx, key, map[string]int{"received": 1})
	require.NoError(t, err)

	res, claimed, err := g.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.True(t, res.Replayed)
	assert.JSONEq(t, `{"received":1}`, string(res.Snapshot))

	other := mustKey(t, `{"po_id":"8"}`)
	_, claimed, err = g.Claim(ctx, other)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, g.Release(ctx, other))
	_, claimed, err = g.Claim(ctx, other)
	require.NoError(t, err)
	assert.True(t, claimed)
}

type fakeCache struct {
	data map[string][]byte
}

func (f *fakeCache) GetSnapshot(_ context.Context, hash string) ([]byte, bool, error) {
	b, ok := f.data[hash]
	return b, ok, nil
}

func (f *fakeCache) SetSnapshot(_ context.Context, hash string, snapshot []byte) error {
	f.data[hash] = snapshot
	return nil
}

func TestGuard_CacheFilledAfterCommit(t *testing.T) {
	cache := &fakeCache{data: map[string][]byte{}}
	g := NewGuard(memstore.New(), cache, nil, logger.Nop())
	ctx := context.Background()
	key := mustKey(t, `{"po_id":"1"}`)

	_, err := g.Execute(ctx, key, func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(cache.data[key.Hash]))

	res, err := g.Execute(ctx, key, func(context.Context) (any, error) {
		t.Fatal("must not run")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}
