package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/larder/pkg/inventory"
)

// DevUser is the actor every request runs as when no JWT secret is set.
const DevUser = "dev"

// ErrUnauthorized is returned for missing or invalid bearer tokens.
var ErrUnauthorized = errors.New("api: unauthorized")

// Claims are the bearer token claims. Subject is the user id.
type Claims struct {
	Role inventory.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator turns bearer tokens into actors.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator verifies HS256 tokens signed with secret. An empty
// secret disables verification: every request runs as an owner named
// [DevUser].
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		slog.Warn("api: no jwt secret configured, all requests run as the dev owner")
	}
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Actor extracts the caller from r's Authorization header.
func (a *Authenticator) Actor(r *http.Request) (inventory.Actor, error) {
	if len(a.secret) == 0 {
		return inventory.Actor{UserID: DevUser, Role: inventory.RoleOwner}, nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		// Browsers cannot set headers on websocket upgrades.
		raw = r.URL.Query().Get("access_token")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return inventory.Actor{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	var claims Claims
	if _, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return inventory.Actor{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return inventory.Actor{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	role := claims.Role
	if role == "" {
		role = inventory.RoleViewer
	}
	if !role.IsValid() {
		return inventory.Actor{}, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, role)
	}
	return inventory.Actor{UserID: claims.Subject, Role: role}, nil
}

// Middleware rejects unauthenticated requests and stores the actor in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Actor(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// IssueToken signs a token for subject with role, valid for ttl.
func IssueToken(secret, subject string, role inventory.Role, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("api: issue token: empty secret")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("api: issue token: %w", err)
	}
	return tok, nil
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor inventory.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by the auth middleware.
func ActorFrom(ctx context.Context) (inventory.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(inventory.Actor)
	return a, ok
}
