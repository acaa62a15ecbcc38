package handler

import (
	"context"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/idempotency"
)

// IdempotencyKeyHeader carries an optional client-chosen request key. Two
// requests with the same body but different keys both run.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxClientKeyLen = 255

// roundsFunc reports the approval round of every order a request addresses.
type roundsFunc func(ctx context.Context) map[string]int

// requestScope builds the fingerprint scope of a request.
func requestScope(ctx context.Context, actor auth.Actor, clientKey string, rounds roundsFunc) (idempotency.Scope, error) {
	if len(clientKey) > maxClientKeyLen {
		return idempotency.Scope{}, errors.InvalidInput("idempotency_key", "idempotency key is too long")
	}
	scope := idempotency.Scope{Actor: actor.ID, ClientKey: clientKey}
	if rounds != nil {
		scope.Rounds = rounds(ctx)
	}
	return scope, nil
}

// decisionRounds maps each order to its current approval round. Unknown ids
// are left out; the guarded call reports them.
func (s Services) decisionRounds(ctx context.Context, ids ...string) map[string]int {
	rounds := make(map[string]int, len(ids))
	for _, id := range ids {
		if po, err := s.Orders.Get(ctx, id); err == nil {
			rounds[id] = po.Round
		}
	}
	return rounds
}

// submitRounds maps the order to the round its submit opens.
func (s Services) submitRounds(ctx context.Context, id string) map[string]int {
	po, err := s.Orders.Get(ctx, id)
	if err != nil {
		return nil
	}
	return map[string]int{id: po.SubmitRound()}
}

// sideEffect adapts a service result for a claimed call. A nil result means
// the operation changed nothing and its claim can be released.
func sideEffect[T any](out *T, err error) (any, error) {
	if out == nil {
		return nil, err
	}
	return out, err
}
