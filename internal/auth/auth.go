package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

// Actor is the authenticated user performing an operation. It is passed
// explicitly into every service call.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// HasRole reports whether the actor holds role, ignoring case.
func (a Actor) HasRole(role string) bool {
	return strings.EqualFold(a.Role, role)
}

// DisplayName falls back to the id when no name was supplied.
func (a Actor) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Claims is the token payload. The subject is the user id.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// GenerateToken creates a signed token for actor.
func (a *Authenticator) GenerateToken(actor Actor, ttl time.Duration) (string, error) {
	claims := &Claims{
		Name: actor.Name,
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken parses a token and returns the actor it names.
func (a *Authenticator) ValidateToken(tokenString string) (Actor, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Actor{}, errors.New(errors.ErrCodeUnauthorized, "invalid or expired token")
	}
	if claims.Subject == "" {
		return Actor{}, errors.New(errors.ErrCodeUnauthorized, "token has no subject")
	}
	return Actor{ID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}

// ActorFromRequest validates the Bearer token on r.
func (a *Authenticator) ActorFromRequest(r *http.Request) (Actor, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Actor{}, errors.New(errors.ErrCodeUnauthorized, "missing bearer token")
	}
	return a.ValidateToken(token)
}

type actorKey struct{}

// WithActor stores actor on ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
