package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"gatehouse/internal/session"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/platform/httputil"
	"gatehouse/pkg/requestcontext"
)

// RequireActor rejects staff requests that arrived without an identity from
// the proxy. The reserved system actor cannot be asserted by a caller.
func RequireActor(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if requestcontext.Actor(ctx) == domain.SystemActor {
				logger.WarnContext(ctx, "unauthorized access - missing actor",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "actor identity required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole admits only callers whose proxy-asserted role is in roles.
func RequireRole(logger *slog.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !slices.Contains(roles, requestcontext.Role(ctx)) {
				logger.WarnContext(ctx, "forbidden - role not allowed",
					"actor_id", requestcontext.Actor(ctx).String(),
					"role", requestcontext.Role(ctx),
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "role not allowed"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionVerifier verifies candidate session tokens.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (*session.Claims, error)
}

// RequireSession authenticates candidate requests by bearer session token.
func RequireSession(verifier SessionVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing session",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}
			claims, err := verifier.Verify(ctx, strings.TrimSpace(token))
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid session",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired session"))
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithClaims(ctx, claims)))
		})
	}
}
