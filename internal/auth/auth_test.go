package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := NewAuthenticator("secret", "po-service")
	token, err := a.GenerateToken(Actor{ID: "u1", Name: "Mia", Role: "manager"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	actor, err := a.ActorFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, Actor{ID: "u1", Name: "Mia", Role: "manager"}, actor)
	assert.True(t, actor.HasRole("MANAGER"))
}

func TestAuthenticator_Rejects(t *testing.T) {
	a := NewAuthenticator("secret", "")
	other := NewAuthenticator("other", "")

	token, err := other.GenerateToken(Actor{ID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = a.ValidateToken(token)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	expired, err := a.GenerateToken(Actor{ID: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = a.ValidateToken(expired)
	assert.Error(t, err)

	_, err = a.ActorFromRequest(httptest.NewRequest("GET", "/", nil))
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
}

func TestActorContext(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{ID: "u1"})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", actor.DisplayName())

	_, ok = ActorFromContext(context.Background())
	assert.False(t, ok)
}
