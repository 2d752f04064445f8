package authhandler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"timeclock/internal/domain/auth"
	"timeclock/internal/transport/http/api"
	"timeclock/internal/transport/http/middleware"
)

// Login lives with the identity provider; this service only reports what
// a verified token grants.
type Handler struct {
	Policy middleware.Authorizer
}

func NewHandler(policy middleware.Authorizer) *Handler {
	return &Handler{Policy: policy}
}

type meResponse struct {
	UserID     string   `json:"userId"`
	EmployeeID string   `json:"employeeId,omitempty"`
	Role       string   `json:"role"`
	Actions    []string `json:"actions"`
	SelfOnly   []string `json:"selfOnlyActions"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(middleware.RequireUser).Get("/auth/me", h.HandleMe)
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	user, _ := middleware.GetUser(r.Context())

	resp := meResponse{UserID: user.UserID, EmployeeID: user.EmployeeID, Role: user.Role, Actions: []string{}, SelfOnly: []string{}}
	for _, action := range auth.Actions {
		anyOK, err := h.Policy.Allowed(user, action, "")
		if err != nil {
			api.Fail(w, http.StatusInternalServerError, "permission_error", "permission check failed", reqID)
			return
		}
		if anyOK {
			resp.Actions = append(resp.Actions, action)
			continue
		}
		if user.EmployeeID == "" {
			continue
		}
		selfOK, err := h.Policy.Allowed(user, action, user.EmployeeID)
		if err != nil {
			api.Fail(w, http.StatusInternalServerError, "permission_error", "permission check failed", reqID)
			return
		}
		if selfOK {
			resp.SelfOnly = append(resp.SelfOnly, action)
		}
	}
	api.Success(w, resp, reqID)
}
