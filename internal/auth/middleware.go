package auth

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/ILLUVRSE/timelock/internal/models"
)

type ctxKey string

const ctxKeyAuthInfo ctxKey = "timelock.authInfo"

// AuthInfo is the verified principal of a request.
type AuthInfo struct {
	Subject string
	Issuer  string
	Role    models.Role
}

// FromContext returns the AuthInfo stored in the request context, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	if ai, ok := ctx.Value(ctxKeyAuthInfo).(*AuthInfo); ok {
		return ai
	}
	return nil
}

func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

// Actor returns the subject of the request principal, or "unknown".
func Actor(ctx context.Context) string {
	if ai := FromContext(ctx); ai != nil && ai.Subject != "" {
		return ai.Subject
	}
	return "unknown"
}

// NewMiddleware verifies a Bearer token when one is present. A missing or invalid token
// leaves the request anonymous; the policy gate decides whether that is acceptable.
func NewMiddleware(issuer *TokenIssuer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			ai, err := issuer.Verify(token)
			if err != nil {
				log.Printf("[auth] rejected token path=%s: %v", r.URL.Path, err)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}
