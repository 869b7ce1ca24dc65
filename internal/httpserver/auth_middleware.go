package httpserver

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"omnirouter/internal/observability"
	"omnirouter/internal/security"
)

type contextKey string

const advisorContextKey contextKey = "currentAdvisor"

// WithAdvisor returns a new context carrying the caller's claims.
func WithAdvisor(ctx context.Context, claims *security.AdvisorClaims) context.Context {
	return context.WithValue(ctx, advisorContextKey, claims)
}

// CurrentAdvisor extracts the caller's claims from context, if any.
func CurrentAdvisor(r *http.Request) *security.AdvisorClaims {
	if v := r.Context().Value(advisorContextKey); v != nil {
		if c, ok := v.(*security.AdvisorClaims); ok {
			return c
		}
	}
	return nil
}

// AuthMiddleware validates the Bearer token and attaches the claims to the
// context. Advisors are managed by the platform, so the token subject is
// trusted as the advisor id.
func AuthMiddleware(tokens *security.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}
			tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])

			claims, err := tokens.Parse(tokenStr)
			if err != nil {
				observability.LoggerFromContext(r.Context()).Debug("token rejected", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAdvisor(r.Context(), claims)))
		})
	}
}

// RequireRole lets through callers holding one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := CurrentAdvisor(r)
			if claims == nil || !slices.Contains(roles, claims.Role) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestContext copies chi's request id into the logging context.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(observability.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
