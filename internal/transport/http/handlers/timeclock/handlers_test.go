package timeclockhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeclock/internal/domain/audit"
	"timeclock/internal/domain/auth"
	"timeclock/internal/domain/timeclock"
	"timeclock/internal/domain/totp"
	"timeclock/internal/platform/crypto"
	"timeclock/internal/platform/jobs"
	"timeclock/internal/platform/lockout"
	"timeclock/internal/transport/http/middleware"
)

const (
	jwtSecret = "handler-test-secret"
	dataKey   = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type fakeReports struct {
	result *timeclock.VerifyResult
}

func (f fakeReports) VerifyNow(context.Context) (timeclock.VerifyResult, error) {
	if f.result == nil {
		return timeclock.VerifyResult{Valid: true, HeadSequence: -1, HeadHash: timeclock.GenesisHash}, nil
	}
	return *f.result, nil
}

func (f fakeReports) LastIntegrityReport() (timeclock.VerifyResult, bool) {
	if f.result == nil {
		return timeclock.VerifyResult{}, false
	}
	return *f.result, true
}

func fixedReports(f fakeReports) func(*timeclock.Service) IntegrityReports {
	return func(*timeclock.Service) IntegrityReports { return f }
}

type brokenStore struct{}

func (brokenStore) Update(context.Context, func(timeclock.Tx) error) error {
	return errors.New("connection refused")
}

func (brokenStore) View(context.Context, func(timeclock.Reader) error) error {
	return errors.New("connection refused")
}

type harness struct {
	t        *testing.T
	router   http.Handler
	recorder *audit.MemoryRecorder
	now      time.Time
	secrets  map[string]string
}

// newHarness wires the handler over store. reports, when set, builds the
// integrity checker from the service under test.
func newHarness(t *testing.T, store timeclock.Store, reports func(*timeclock.Service) IntegrityReports) *harness {
	t.Helper()
	sealer, err := crypto.NewSealer(dataKey, crypto.PurposeTOTPSecret)
	require.NoError(t, err)
	policy, err := auth.NewPolicy()
	require.NoError(t, err)

	h := &harness{t: t, recorder: audit.NewMemoryRecorder(), secrets: map[string]string{}}
	h.at(1000)
	svc := timeclock.NewService(store, sealer,
		timeclock.WithClock(func() time.Time { return h.now }),
		timeclock.WithLimiter(lockout.NewMemoryLimiter(3, time.Minute)),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Auth(jwtSecret))
	var checker IntegrityReports
	if reports != nil {
		checker = reports(svc)
	}
	NewHandler(svc, h.recorder, policy, checker, "Fichaje").RegisterRoutes(r)
	h.router = r
	return h
}

func (h *harness) at(step int64) {
	h.now = totp.StepStart(step).Add(time.Second)
}

func (h *harness) code(employeeID string) string {
	h.t.Helper()
	code, err := totp.CodeAt(h.secrets[employeeID], h.now)
	require.NoError(h.t, err)
	return code
}

func token(t *testing.T, role, employeeID string) string {
	t.Helper()
	tok, err := auth.GenerateToken(jwtSecret, auth.Claims{UserID: role + "-" + employeeID, EmployeeID: employeeID, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(method, path, tok string, body any) (*httptest.ResponseRecorder, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.50:4000"
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (h *harness) enroll(employeeID string) {
	h.t.Helper()
	admin := token(h.t, auth.RoleAdmin, "")
	rec, env := h.do(http.MethodPost, "/timeclock/credentials/"+employeeID+"/enroll", admin, nil)
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	var enrollment timeclock.Enrollment
	require.NoError(h.t, json.Unmarshal(env.Data, &enrollment))
	require.NotEmpty(h.t, enrollment.Secret)
	require.NotEmpty(h.t, enrollment.QRCodePNG)
	h.secrets[employeeID] = enrollment.Secret

	self := token(h.t, auth.RoleEmployee, employeeID)
	rec, _ = h.do(http.MethodPost, "/timeclock/credentials/"+employeeID+"/confirm", self, map[string]string{"code": h.code(employeeID)})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEnrollAndClockFlow(t *testing.T) {
	h := newHarness(t, timeclock.NewMemoryStore(), nil)
	h.enroll("E1")
	self := token(t, auth.RoleEmployee, "E1")

	rec, env := h.do(http.MethodGet, "/timeclock/credentials/E1", self, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"employeeId":"E1","state":"enabled"}`, string(env.Data))

	h.at(1001)
	rec, env = h.do(http.MethodPost, "/timeclock/events", self, map[string]string{"employeeId": "E1", "eventType": "entrada", "code": h.code("E1")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ev timeclock.ClockEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, int64(0), ev.Sequence)
	assert.Equal(t, timeclock.GenesisHash, ev.PreviousHash)
	assert.Equal(t, "192.0.2.50", ev.SourceAddress)

	rec, env = h.do(http.MethodGet, "/timeclock/employees/E1/status", self, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status timeclock.EmployeeStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, timeclock.StatusIn, status.Status)

	rec, env = h.do(http.MethodGet, "/timeclock/events?employeeId=E1", self, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []timeclock.ClockEvent
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, ev.Hash, events[0].Hash)

	auditor := token(t, auth.RoleAuditor, "")
	rec, env = h.do(http.MethodGet, "/timeclock/integrity", auditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result timeclock.VerifyResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Valid)
	assert.Equal(t, int64(1), result.Checked)

	rec, env = h.do(http.MethodGet, "/timeclock/integrity/head", auditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sequence":0,"hash":"`+ev.Hash+`","empty":false}`, string(env.Data))

	actions, err := h.recorder.List(context.Background(), audit.Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, audit.ActionVerify, actions[0].Action)
	assert.Equal(t, audit.ActionEnrollConfirm, actions[1].Action)
	assert.Equal(t, audit.ActionEnrollBegin, actions[2].Action)
	assert.Equal(t, auth.RoleAdmin, actions[2].ActorRole)
}

func TestClockEventErrors(t *testing.T) {
	h := newHarness(t, timeclock.NewMemoryStore(), nil)
	h.enroll("E1")
	self := token(t, auth.RoleEmployee, "E1")
	kiosk := token(t, auth.RoleKiosk, "")

	h.at(1001)
	used := h.code("E1")
	rec, _ := h.do(http.MethodPost, "/timeclock/events", kiosk, map[string]string{"employeeId": "E1", "eventType": "entrada", "code": used})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	cases := []struct {
		name   string
		tok    string
		body   any
		status int
		code   string
	}{
		{"replayed", self, map[string]string{"employeeId": "E1", "eventType": "salida", "code": used}, http.StatusUnauthorized, "replayed_code"},
		{"wrong code", self, map[string]string{"employeeId": "E1", "eventType": "salida", "code": "000000"}, http.StatusUnauthorized, "authentication_failed"},
		{"not enrolled", kiosk, map[string]string{"employeeId": "E9", "eventType": "entrada", "code": "123456"}, http.StatusConflict, "not_enrolled"},
		{"bad event type", self, map[string]string{"employeeId": "E1", "eventType": "lunch", "code": "123456"}, http.StatusBadRequest, "validation_error"},
		{"missing code", self, map[string]string{"employeeId": "E1", "eventType": "salida"}, http.StatusBadRequest, "validation_error"},
		{"other employee", self, map[string]string{"employeeId": "E2", "eventType": "entrada", "code": "123456"}, http.StatusForbidden, "forbidden"},
		{"anonymous", "", map[string]string{"employeeId": "E1", "eventType": "salida", "code": "123456"}, http.StatusUnauthorized, "unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, env := h.do(http.MethodPost, "/timeclock/events", tc.tok, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.NotNil(t, env.Error)
			assert.Equal(t, tc.code, env.Error.Code)
		})
	}
}

func TestInvalidTransitionKeepsCode(t *testing.T) {
	h := newHarness(t, timeclock.NewMemoryStore(), nil)
	h.enroll("E1")
	self := token(t, auth.RoleEmployee, "E1")

	h.at(1001)
	code := h.code("E1")
	rec, env := h.do(http.MethodPost, "/timeclock/events", self, map[string]string{"employeeId": "E1", "eventType": "salida", "code": code})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", env.Error.Code)

	rec, _ = h.do(http.MethodPost, "/timeclock/events", self, map[string]string{"employeeId": "E1", "eventType": "entrada", "code": code})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, timeclock.NewMemoryStore(), nil)
	h.enroll("E1")
	self := token(t, auth.RoleEmployee, "E1")
	h.at(1001)

	for i := 0; i < 3; i++ {
		rec, _ := h.do(http.MethodPost, "/timeclock/events", self, map[string]string{"employeeId": "E1", "eventType": "entrada", "code": "000000"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec, env := h.do(http.MethodPost, "/timeclock/events", self, map[string]string{"employeeId": "E1", "eventType": "entrada", "code": h.code("E1")})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "too_many_attempts", env.Error.Code)
}

func TestCredentialLifecycleErrors(t *testing.T) {
	h := newHarness(t, timeclock.NewMemoryStore(), nil)
	admin := token(t, auth.RoleAdmin, "")
	self := token(t, auth.RoleEmployee, "E1")

	rec, env := h.do(http.MethodPost, "/timeclock/credentials/E1/confirm", self, map[string]string{"code": "123456"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_pending", env.Error.Code)

	rec, env = h.do(http.MethodPost, "/timeclock/credentials/E1/disable", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_enrolled", env.Error.Code)

	rec, _ = h.do(http.MethodPost, "/timeclock/credentials/E1/enroll", self, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h.enroll("E1")
	rec, env = h.do(http.MethodPost, "/timeclock/credentials/E1/enroll", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_enabled", env.Error.Code)

	rec, env = h.do(http.MethodPost, "/timeclock/credentials/E1/disable", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"employeeId":"E1","state":"unenrolled"}`, string(env.Data))
}

func TestListEventsScope(t *testing.T) {
	h := newHarness(t, timeclock.NewMemoryStore(), nil)
	self := token(t, auth.RoleEmployee, "E1")
	auditor := token(t, auth.RoleAuditor, "")

	rec, _ := h.do(http.MethodGet, "/timeclock/events", self, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = h.do(http.MethodGet, "/timeclock/events?employeeId=E2", self, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env := h.do(http.MethodGet, "/timeclock/events", auditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(env.Data))

	rec, env = h.do(http.MethodGet, "/timeclock/events?from=2026-03-02&to=2026-03-01", auditor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestIntegrityReportsAndAttestation(t *testing.T) {
	auditor := token(t, auth.RoleAuditor, "")
	self := token(t, auth.RoleEmployee, "E1")

	h := newHarness(t, timeclock.NewMemoryStore(), fixedReports(fakeReports{}))
	rec, env := h.do(http.MethodGet, "/timeclock/integrity/last", auditor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_report", env.Error.Code)

	rec, _ = h.do(http.MethodGet, "/timeclock/integrity", self, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	seq := int64(4)
	last := timeclock.VerifyResult{Valid: false, FirstBrokenSequence: &seq, Violation: &timeclock.IntegrityViolation{Sequence: 4, Reason: timeclock.ReasonHashMismatch}}
	h = newHarness(t, timeclock.NewMemoryStore(), fixedReports(fakeReports{result: &last}))
	rec, env = h.do(http.MethodGet, "/timeclock/integrity/last", auditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got timeclock.VerifyResult
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.NotNil(t, got.FirstBrokenSequence)
	assert.Equal(t, int64(4), *got.FirstBrokenSequence)

	rec, _ = h.do(http.MethodGet, "/timeclock/integrity/report.pdf", auditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))
}

func TestOnDemandVerifyBecomesLastReport(t *testing.T) {
	auditor := token(t, auth.RoleAuditor, "")
	var checks *jobs.Service
	h := newHarness(t, timeclock.NewMemoryStore(), func(svc *timeclock.Service) IntegrityReports {
		checks = jobs.New(jobs.Deps{Verifier: svc})
		return checks
	})

	rec, env := h.do(http.MethodGet, "/timeclock/integrity/last", auditor, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_report", env.Error.Code)

	rec, _ = h.do(http.MethodGet, "/timeclock/integrity", auditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = h.do(http.MethodGet, "/timeclock/integrity/last", auditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got timeclock.VerifyResult
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.True(t, got.Valid)
	assert.Equal(t, int64(-1), got.HeadSequence)

	_, ok := checks.LastIntegrityReport()
	assert.True(t, ok)
}

func TestPersistenceFailureMapsTo503(t *testing.T) {
	h := newHarness(t, brokenStore{}, nil)
	kiosk := token(t, auth.RoleKiosk, "")

	rec, env := h.do(http.MethodPost, "/timeclock/events", kiosk, map[string]string{"employeeId": "E1", "eventType": "entrada", "code": "123456"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "persistence_error", env.Error.Code)

	rec, env = h.do(http.MethodGet, "/timeclock/employees/E1/status", kiosk, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "persistence_error", env.Error.Code)
}
