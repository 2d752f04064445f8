package timeclockhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"timeclock/internal/domain/audit"
	"timeclock/internal/domain/auth"
	"timeclock/internal/domain/timeclock"
	"timeclock/internal/transport/http/api"
	"timeclock/internal/transport/http/middleware"
	"timeclock/internal/transport/http/shared"
)

// IntegrityReports runs on-demand checks through the same path as scheduled
// ones, so violations found over HTTP are alerted and kept as the last report.
type IntegrityReports interface {
	VerifyNow(ctx context.Context) (timeclock.VerifyResult, error)
	LastIntegrityReport() (timeclock.VerifyResult, bool)
}

type Handler struct {
	Service *timeclock.Service
	Audit   audit.Recorder
	Policy  middleware.Authorizer
	Reports IntegrityReports
	Issuer  string
}

func NewHandler(service *timeclock.Service, recorder audit.Recorder, policy middleware.Authorizer, reports IntegrityReports, issuer string) *Handler {
	return &Handler{Service: service, Audit: recorder, Policy: policy, Reports: reports, Issuer: issuer}
}

type confirmRequest struct {
	Code string `json:"code" validate:"required,max=16"`
}

type clockRequest struct {
	EmployeeID string `json:"employeeId" validate:"required,max=128"`
	EventType  string `json:"eventType" validate:"required,oneof=entrada salida inicio_descanso fin_descanso"`
	Code       string `json:"code" validate:"required,max=16"`
}

type credentialResponse struct {
	EmployeeID string                    `json:"employeeId"`
	State      timeclock.CredentialState `json:"state"`
}

type headResponse struct {
	Sequence int64  `json:"sequence"`
	Hash     string `json:"hash"`
	Empty    bool   `json:"empty"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	employee := middleware.URLParam("employeeID")
	r.Route("/timeclock", func(r chi.Router) {
		r.Route("/credentials/{employeeID}", func(r chi.Router) {
			r.With(middleware.RequireAction(h.Policy, auth.ActCredentialsRead, employee)).Get("/", h.handleGetCredential)
			r.With(middleware.RequireAction(h.Policy, auth.ActCredentialsManage, employee)).Post("/enroll", h.handleBeginEnrollment)
			r.With(middleware.RequireAction(h.Policy, auth.ActCredentialsConfirm, employee)).Post("/confirm", h.handleConfirmEnrollment)
			r.With(middleware.RequireAction(h.Policy, auth.ActCredentialsManage, employee)).Post("/disable", h.handleDisable)
		})
		r.Post("/events", h.handleClockEvent)
		r.Get("/events", h.handleListEvents)
		r.With(middleware.RequireAction(h.Policy, auth.ActStatusRead, employee)).Get("/employees/{employeeID}/status", h.handleStatus)
		r.Route("/integrity", func(r chi.Router) {
			r.Use(middleware.RequireAction(h.Policy, auth.ActIntegrityVerify, nil))
			r.Get("/", h.handleVerify)
			r.Get("/last", h.handleLastReport)
			r.Get("/head", h.handleHead)
			r.Get("/report.pdf", h.handleAttestation)
		})
	})
}

func (h *Handler) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	cred, err := h.Service.Credential(r.Context(), chi.URLParam(r, "employeeID"))
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	api.Success(w, credentialResponse{EmployeeID: cred.EmployeeID, State: cred.State}, reqID)
}

func (h *Handler) handleBeginEnrollment(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	employeeID := chi.URLParam(r, "employeeID")
	enrollment, err := h.Service.BeginEnrollment(r.Context(), employeeID)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	h.record(r, audit.ActionEnrollBegin, audit.EntityCredential, enrollment.EmployeeID, nil)
	api.Created(w, enrollment, reqID)
}

func (h *Handler) handleConfirmEnrollment(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	var payload confirmRequest
	if !shared.DecodeJSON(w, r, &payload, reqID) {
		return
	}
	v := shared.NewValidator()
	v.Struct(payload)
	if v.Reject(w, reqID) {
		return
	}

	employeeID := chi.URLParam(r, "employeeID")
	if err := h.Service.ConfirmEnrollment(r.Context(), employeeID, payload.Code); err != nil {
		writeError(w, reqID, err)
		return
	}
	h.record(r, audit.ActionEnrollConfirm, audit.EntityCredential, employeeID, nil)
	api.Success(w, credentialResponse{EmployeeID: employeeID, State: timeclock.CredentialEnabled}, reqID)
}

func (h *Handler) handleDisable(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	employeeID := chi.URLParam(r, "employeeID")
	if err := h.Service.Disable(r.Context(), employeeID); err != nil {
		writeError(w, reqID, err)
		return
	}
	h.record(r, audit.ActionDisable, audit.EntityCredential, employeeID, nil)
	api.Success(w, credentialResponse{EmployeeID: employeeID, State: timeclock.CredentialUnenrolled}, reqID)
}

func (h *Handler) handleClockEvent(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	if _, ok := middleware.GetUser(r.Context()); !ok {
		api.Fail(w, http.StatusUnauthorized, "unauthorized", "authentication required", reqID)
		return
	}
	var payload clockRequest
	if !shared.DecodeJSON(w, r, &payload, reqID) {
		return
	}
	v := shared.NewValidator()
	v.Struct(payload)
	if v.Reject(w, reqID) {
		return
	}
	if !middleware.Authorize(w, r, h.Policy, auth.ActEventsAppend, payload.EmployeeID) {
		return
	}

	ev, err := h.Service.ClockEvent(r.Context(), timeclock.ClockRequest{
		EmployeeID:    payload.EmployeeID,
		EventType:     timeclock.EventType(payload.EventType),
		Code:          payload.Code,
		SourceAddress: middleware.ClientIP(r),
	})
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	api.Created(w, ev, reqID)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	q := r.URL.Query()
	employeeID := q.Get("employeeId")
	if !middleware.Authorize(w, r, h.Policy, auth.ActEventsRead, employeeID) {
		return
	}

	v := shared.NewValidator()
	from, _ := v.Date("from", q.Get("from"))
	to, _ := v.Date("to", q.Get("to"))
	v.DateOrder("from", from, "to", to)
	if v.Reject(w, reqID) {
		return
	}
	page := shared.ParsePagination(r, 100, 500)

	events, err := h.Service.ListEvents(r.Context(), timeclock.Filter{
		EmployeeID: employeeID,
		From:       from,
		To:         to,
		Limit:      page.Limit,
		Offset:     page.Offset,
	})
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	api.Success(w, events, reqID)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	status, err := h.Service.Status(r.Context(), chi.URLParam(r, "employeeID"))
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	api.Success(w, status, reqID)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	result, ok := h.verify(w, r)
	if !ok {
		return
	}
	api.Success(w, result, reqID)
}

func (h *Handler) handleLastReport(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	if h.Reports == nil {
		api.Fail(w, http.StatusNotFound, "no_report", "no integrity check has run yet", reqID)
		return
	}
	result, ok := h.Reports.LastIntegrityReport()
	if !ok {
		api.Fail(w, http.StatusNotFound, "no_report", "no integrity check has run yet", reqID)
		return
	}
	api.Success(w, result, reqID)
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	head, err := h.Service.Head(r.Context())
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	api.Success(w, headResponse{Sequence: head.Sequence, Hash: head.Hash, Empty: head.Empty()}, reqID)
}

func (h *Handler) handleAttestation(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	result, ok := h.verify(w, r)
	if !ok {
		return
	}
	pdf, err := timeclock.RenderAttestation(result, h.Issuer)
	if err != nil {
		slog.Error("render attestation failed", "err", err, "requestId", reqID)
		api.Fail(w, http.StatusInternalServerError, "report_failed", "failed to render attestation", reqID)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=ledger-attestation-%d.pdf", result.HeadSequence))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		slog.Warn("write attestation failed", "err", err)
	}
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) (timeclock.VerifyResult, bool) {
	reqID := middleware.GetRequestID(r.Context())
	var (
		result timeclock.VerifyResult
		err    error
	)
	if h.Reports != nil {
		result, err = h.Reports.VerifyNow(r.Context())
	} else {
		result, err = h.Service.VerifyChain(r.Context())
	}
	if err != nil {
		writeError(w, reqID, err)
		return timeclock.VerifyResult{}, false
	}
	details := map[string]any{"valid": result.Valid, "checked": result.Checked, "headSequence": result.HeadSequence}
	if result.Violation != nil {
		details["brokenSequence"] = result.Violation.Sequence
		details["reason"] = result.Violation.Reason
	}
	h.record(r, audit.ActionVerify, audit.EntityLedger, "", details)
	return result, true
}

func (h *Handler) record(r *http.Request, action, entityType, entityID string, details any) {
	if h.Audit == nil {
		return
	}
	user, _ := middleware.GetUser(r.Context())
	evt := audit.Event{
		ActorID:    user.UserID,
		ActorRole:  user.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		RequestID:  middleware.GetRequestID(r.Context()),
		IP:         middleware.ClientIP(r),
	}
	if err := h.Audit.Record(r.Context(), evt, details); err != nil {
		slog.Warn("audit record failed", "action", action, "err", err)
	}
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{timeclock.ErrEmployeeRequired, http.StatusBadRequest, "validation_error", "employee id is required"},
	{timeclock.ErrInvalidEventType, http.StatusBadRequest, "validation_error", "unknown event type"},
	{timeclock.ErrAuthentication, http.StatusUnauthorized, "authentication_failed", "invalid or expired code"},
	{timeclock.ErrReplayedCode, http.StatusUnauthorized, "replayed_code", "code already used"},
	{timeclock.ErrTooManyAttempts, http.StatusTooManyRequests, "too_many_attempts", "too many failed code attempts"},
	{timeclock.ErrNotEnrolled, http.StatusConflict, "not_enrolled", "no enabled credential for employee"},
	{timeclock.ErrNotPending, http.StatusConflict, "not_pending", "no pending enrollment for employee"},
	{timeclock.ErrAlreadyEnabled, http.StatusConflict, "already_enabled", "credential already enabled"},
	{timeclock.ErrInvalidTransition, http.StatusConflict, "invalid_transition", "event not allowed in current status"},
	{timeclock.ErrEncryptionUnavailable, http.StatusServiceUnavailable, "encryption_unavailable", "enrollment is not available"},
	{timeclock.ErrPersistence, http.StatusServiceUnavailable, "persistence_error", "ledger unavailable, nothing was recorded"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "timeout", "request timed out"},
	{context.Canceled, http.StatusServiceUnavailable, "canceled", "request canceled"},
}

func writeError(w http.ResponseWriter, reqID string, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			message := m.message
			var te *timeclock.TransitionError
			if errors.As(err, &te) {
				message = te.Error()
			}
			if m.status >= http.StatusInternalServerError {
				slog.Error("timeclock request failed", "code", m.code, "err", err, "requestId", reqID)
			}
			api.Fail(w, m.status, m.code, message, reqID)
			return
		}
	}
	slog.Error("unexpected timeclock error", "err", err, "requestId", reqID)
	api.Fail(w, http.StatusInternalServerError, "internal_error", "internal server error", reqID)
}
