package middleware

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"timeclock/internal/domain/auth"
	"timeclock/internal/transport/http/api"
)

type Authorizer interface {
	Allowed(user auth.UserContext, action, target string) (bool, error)
}

// TargetFunc extracts the employee a request acts on. An empty result
// means the request spans all employees.
type TargetFunc func(r *http.Request) string

func URLParam(name string) TargetFunc {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}

func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetUser(r.Context()); !ok {
			api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", GetRequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAction(authz Authorizer, action string, target TargetFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			employeeID := ""
			if target != nil {
				employeeID = target(r)
			}
			if !Authorize(w, r, authz, action, employeeID) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authorize writes the 401/403 response and returns false when the caller
// may not perform action on target. Handlers use it when the target comes
// from the request body or query.
func Authorize(w http.ResponseWriter, r *http.Request, authz Authorizer, action, target string) bool {
	reqID := GetRequestID(r.Context())
	user, ok := GetUser(r.Context())
	if !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", reqID)
		return false
	}
	allowed, err := authz.Allowed(user, action, target)
	if err != nil {
		slog.Error("policy evaluation failed", "action", action, "err", err, "requestId", reqID)
		api.Fail(w, http.StatusInternalServerError, "permission_error", "permission check failed", reqID)
		return false
	}
	if !allowed {
		slog.Warn("access denied", "userId", user.UserID, "role", user.Role, "action", action, "target", target, "requestId", reqID)
		api.Fail(w, http.StatusForbidden, "forbidden", "insufficient permissions", reqID)
		return false
	}
	return true
}
