package rbac

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"log/slog"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}

// PrincipalResolver loads the principal for an authenticated user.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, userID int64) (*Principal, error)
}

// Identifier extracts the authenticated user id from a request.
type Identifier interface {
	UserID(ctx context.Context, r *http.Request) (int64, bool, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Guard  *Guard
	Logger *slog.Logger
}

// LoadPrincipal resolves the request principal once and stores it in context.
// Requests without an identity continue anonymously.
func (m Middleware) LoadPrincipal(ident Identifier, resolver PrincipalResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok, err := ident.UserID(r.Context(), r)
			if err != nil {
				m.logError("rbac identify", err)
				httpx.RespondError(w, httpx.ErrUnavailable)
				return
			}
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			p, err := resolver.ResolvePrincipal(r.Context(), userID)
			switch {
			case errors.Is(err, shared.ErrNotFound):
				next.ServeHTTP(w, r)
				return
			case err != nil:
				m.logError("rbac resolve principal", err)
				httpx.RespondError(w, httpx.ErrUnavailable)
				return
			}
			ctx := shared.ContextWithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(ctx, p)))
		})
	}
}

// RequireAny ensures the current principal holds at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), false)
}

// RequireAll ensures the current principal holds every permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), true)
}

func (m Middleware) require(perms []string, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			p := PrincipalFromContext(r.Context())
			if p == nil {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			allowed, err := m.check(r.Context(), p, perms, all)
			if err != nil {
				m.logError("rbac require", err)
				httpx.RespondError(w, httpx.ErrUnavailable)
				return
			}
			if !allowed {
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) check(ctx context.Context, p *Principal, perms []string, all bool) (bool, error) {
	for _, perm := range perms {
		decision, err := m.Guard.Authorize(ctx, p, perm)
		if err != nil {
			return false, err
		}
		if decision.Allow && !all {
			return true, nil
		}
		if !decision.Allow && all {
			return false, nil
		}
	}
	return all, nil
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
