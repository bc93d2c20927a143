package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/safar/provenance-ledger/internal/ledger"
	"github.com/safar/provenance-ledger/internal/models"
)

var errUnauthenticated = errors.New("authentication required")

type claims struct {
	jwt.RegisteredClaims
	Role models.Role `json:"role"`
}

// Authenticator issues and checks HS256 bearer tokens that name an actor and
// its role.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// IssueToken signs a token for identity.
func (a *Authenticator) IssueToken(identity models.Identity) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Role: identity.Role,
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Actor validates a signed token and returns the actor it names.
func (a *Authenticator) Actor(token string) (ledger.Actor, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return ledger.Actor{}, fmt.Errorf("parse token: %w", err)
	}
	if c.Subject == "" || !c.Role.Valid() {
		return ledger.Actor{}, errors.New("token carries no valid actor")
	}
	return ledger.Actor{ID: c.Subject, Role: c.Role}, nil
}

type actorKey struct{}

func withActor(ctx context.Context, actor ledger.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) (ledger.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(ledger.Actor)
	return actor, ok
}

func (a *Authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, errUnauthenticated.Error())
			return
		}
		actor, err := a.Actor(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}
