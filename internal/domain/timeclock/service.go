package timeclock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"timeclock/internal/domain/totp"
	"timeclock/internal/platform/outbox"
)

const (
	DefaultIssuer = "Fichaje"
	DefaultTopic  = "timeclock.events.v1"

	DefaultVerifyTimeout = 5 * time.Minute

	OutboxEventAppended = "clock_event.appended"

	maxListLimit = 500
)

// Counter names reported through WithCounter.
const (
	MetricAppended          = "clock_events_appended"
	MetricAuthRejected      = "clock_auth_rejected"
	MetricReplayRejected    = "clock_replay_rejected"
	MetricTransitionRefused = "clock_transition_rejected"
	MetricPersistenceFailed = "clock_persistence_failed"
	MetricIntegrityChecks   = "integrity_checks"
	MetricIntegrityBroken   = "integrity_violations"
)

type SecretSealer interface {
	Configured() bool
	Seal(plain []byte, owner string) ([]byte, error)
	Open(sealed []byte, owner string) ([]byte, error)
}

type CodeVerifier interface {
	Validate(secret, code string, lastUsedStep int64, now time.Time) (int64, error)
}

// AttemptLimiter throttles repeated code failures per employee.
type AttemptLimiter interface {
	Blocked(ctx context.Context, key string) (bool, error)
	Fail(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

type Counter interface {
	Inc(name string)
}

type Service struct {
	store    Store
	sealer   SecretSealer
	verifier CodeVerifier
	limiter  AttemptLimiter
	counter  Counter
	issuer   string
	topic    string
	now      func() time.Time

	verifies      singleflight.Group
	verifyTimeout time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

func WithTopic(topic string) Option {
	return func(s *Service) {
		if topic != "" {
			s.topic = topic
		}
	}
}

func WithLimiter(l AttemptLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithCounter(c Counter) Option {
	return func(s *Service) { s.counter = c }
}

// WithVerifyTimeout bounds one shared chain scan.
func WithVerifyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.verifyTimeout = d
		}
	}
}

func WithVerifier(v CodeVerifier) Option {
	return func(s *Service) { s.verifier = v }
}

func NewService(store Store, sealer SecretSealer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		sealer:   sealer,
		verifier: totp.Verifier{},
		issuer:   DefaultIssuer,
		topic:    DefaultTopic,
		now:      time.Now,

		verifyTimeout: DefaultVerifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginEnrollment issues a fresh secret and parks the credential as Pending.
// Calling it again while Pending replaces the secret.
func (s *Service) BeginEnrollment(ctx context.Context, employeeID string) (Enrollment, error) {
	employeeID, err := normalizeEmployee(employeeID)
	if err != nil {
		return Enrollment{}, err
	}
	if s.sealer == nil || !s.sealer.Configured() {
		return Enrollment{}, ErrEncryptionUnavailable
	}

	key, err := totp.NewKey(s.issuer, employeeID)
	if err != nil {
		return Enrollment{}, err
	}
	sealed, err := s.sealer.Seal([]byte(key.Secret), employeeID)
	if err != nil {
		return Enrollment{}, err
	}

	err = s.store.Update(ctx, func(tx Tx) error {
		cred, err := tx.LockCredential(ctx, employeeID)
		if err != nil {
			return persistence("lock credential", err)
		}
		if cred.State == CredentialEnabled {
			return ErrAlreadyEnabled
		}
		cred.State = CredentialPending
		cred.SecretEnc = sealed
		return persistence("save credential", tx.SaveCredential(ctx, cred))
	})
	if err != nil {
		return Enrollment{}, s.classify(err)
	}

	slog.Info("totp enrollment started", "employeeId", employeeID)
	return Enrollment{
		EmployeeID:      employeeID,
		Secret:          key.Secret,
		ProvisioningURI: key.ProvisioningURI,
		QRCodePNG:       key.QRCodePNG,
	}, nil
}

// ConfirmEnrollment enables a Pending credential once the employee proves
// possession of the secret. The confirming step is consumed.
func (s *Service) ConfirmEnrollment(ctx context.Context, employeeID, code string) error {
	employeeID, err := normalizeEmployee(employeeID)
	if err != nil {
		return err
	}
	if err := s.checkLimiter(ctx, employeeID); err != nil {
		return err
	}

	err = s.store.Update(ctx, func(tx Tx) error {
		cred, err := tx.LockCredential(ctx, employeeID)
		if err != nil {
			return persistence("lock credential", err)
		}
		if cred.State != CredentialPending {
			return ErrNotPending
		}
		step, err := s.verifyCode(cred, code)
		if err != nil {
			return err
		}
		cred.State = CredentialEnabled
		cred.LastUsedStep = step
		return persistence("save credential", tx.SaveCredential(ctx, cred))
	})
	s.afterCodeCheck(ctx, employeeID, err)
	if err != nil {
		return s.classify(err)
	}
	slog.Info("totp enrollment confirmed", "employeeId", employeeID)
	return nil
}

// Disable returns an Enabled credential to Unenrolled and discards its
// secret. lastUsedStep is kept so codes consumed before a re-enrollment can
// never be accepted again.
func (s *Service) Disable(ctx context.Context, employeeID string) error {
	employeeID, err := normalizeEmployee(employeeID)
	if err != nil {
		return err
	}
	err = s.store.Update(ctx, func(tx Tx) error {
		cred, err := tx.LockCredential(ctx, employeeID)
		if err != nil {
			return persistence("lock credential", err)
		}
		if cred.State != CredentialEnabled {
			return ErrNotEnrolled
		}
		cred.State = CredentialUnenrolled
		cred.SecretEnc = nil
		return persistence("save credential", tx.SaveCredential(ctx, cred))
	})
	if err != nil {
		return s.classify(err)
	}
	if s.limiter != nil {
		_ = s.limiter.Reset(ctx, limiterKey(employeeID))
	}
	slog.Info("totp credential disabled", "employeeId", employeeID)
	return nil
}

func (s *Service) Credential(ctx context.Context, employeeID string) (Credential, error) {
	employeeID, err := normalizeEmployee(employeeID)
	if err != nil {
		return Credential{}, err
	}
	var cred Credential
	err = s.store.View(ctx, func(r Reader) error {
		var err error
		cred, err = r.Credential(ctx, employeeID)
		return err
	})
	if err != nil {
		return Credential{}, s.classify(err)
	}
	return cred, nil
}

// ClockEvent authenticates the code, validates the transition and appends
// the event to the chain. Either all of that commits or none of it does.
func (s *Service) ClockEvent(ctx context.Context, req ClockRequest) (ClockEvent, error) {
	employeeID, err := normalizeEmployee(req.EmployeeID)
	if err != nil {
		return ClockEvent{}, err
	}
	req.EmployeeID = employeeID
	if !req.EventType.Valid() {
		return ClockEvent{}, ErrInvalidEventType
	}
	if err := s.checkLimiter(ctx, employeeID); err != nil {
		return ClockEvent{}, err
	}

	var appended ClockEvent
	err = s.store.Update(ctx, func(tx Tx) error {
		cred, err := tx.LockCredential(ctx, employeeID)
		if err != nil {
			return persistence("lock credential", err)
		}
		if cred.State != CredentialEnabled {
			return ErrNotEnrolled
		}
		step, err := s.verifyCode(cred, req.Code)
		if err != nil {
			return err
		}

		head, err := tx.LockTail(ctx)
		if err != nil {
			return persistence("lock tail", err)
		}
		latest, found, err := tx.LatestEvent(ctx, employeeID)
		if err != nil {
			return persistence("latest event", err)
		}
		if _, err := Transition(StatusAfter(latest, found), req.EventType); err != nil {
			return err
		}

		ev := nextEvent(head, req, s.now())
		cred.LastUsedStep = step
		if err := tx.SaveCredential(ctx, cred); err != nil {
			return persistence("save credential", err)
		}
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return persistence("insert event", err)
		}
		msg, err := s.outboxMessage(ev)
		if err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, msg); err != nil {
			return persistence("enqueue outbox", err)
		}
		appended = ev
		return nil
	})
	s.afterCodeCheck(ctx, employeeID, err)
	if err != nil {
		err = s.classify(err)
		s.countRejection(err)
		return ClockEvent{}, err
	}

	s.inc(MetricAppended)
	slog.Info("clock event appended",
		"employeeId", appended.EmployeeID,
		"eventType", appended.EventType,
		"sequence", appended.Sequence,
	)
	return appended, nil
}

// Status reports the employee's position in the state machine.
func (s *Service) Status(ctx context.Context, employeeID string) (EmployeeStatus, error) {
	employeeID, err := normalizeEmployee(employeeID)
	if err != nil {
		return EmployeeStatus{}, err
	}
	out := EmployeeStatus{EmployeeID: employeeID, Status: StatusOut}
	err = s.store.View(ctx, func(r Reader) error {
		latest, found, err := r.LatestEvent(ctx, employeeID)
		if err != nil {
			return err
		}
		out.Status = StatusAfter(latest, found)
		if found {
			out.LastEvent = &latest
		}
		return nil
	})
	if err != nil {
		return EmployeeStatus{}, s.classify(err)
	}
	return out, nil
}

func (s *Service) ListEvents(ctx context.Context, filter Filter) ([]ClockEvent, error) {
	filter.EmployeeID = strings.TrimSpace(filter.EmployeeID)
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	var events []ClockEvent
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		events, err = r.ListEvents(ctx, filter)
		return err
	})
	if err != nil {
		return nil, s.classify(err)
	}
	return events, nil
}

func (s *Service) Head(ctx context.Context) (Head, error) {
	var head Head
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		head, err = r.Head(ctx)
		return err
	})
	if err != nil {
		return Head{}, s.classify(err)
	}
	return head, nil
}

// VerifyChain scans the whole ledger. Concurrent callers share one scan; the
// scan is detached from any single caller and bounded by verifyTimeout, and
// each caller stops waiting when its own ctx is done.
func (s *Service) VerifyChain(ctx context.Context) (VerifyResult, error) {
	if err := ctx.Err(); err != nil {
		return VerifyResult{}, err
	}
	ch := s.verifies.DoChan("verify", func() (any, error) {
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.verifyTimeout)
		defer cancel()

		started := s.now().UTC()
		var result VerifyResult
		err := s.store.View(scanCtx, func(r Reader) error {
			var err error
			result, err = verifyChain(scanCtx, r)
			return err
		})
		if err != nil {
			return VerifyResult{}, err
		}
		result.StartedAt = started
		result.FinishedAt = s.now().UTC()
		return result, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return VerifyResult{}, ctx.Err()
	case res = <-ch:
	}
	v, err := res.Val, res.Err
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return VerifyResult{}, err
		}
		return VerifyResult{}, s.classify(err)
	}

	result := v.(VerifyResult)
	s.inc(MetricIntegrityChecks)
	if !result.Valid {
		s.inc(MetricIntegrityBroken)
	}
	return result, nil
}

func (s *Service) verifyCode(cred Credential, code string) (int64, error) {
	secret, err := s.openSecret(cred)
	if err != nil {
		return 0, err
	}
	step, err := s.verifier.Validate(secret, code, cred.LastUsedStep, s.now())
	switch {
	case err == nil:
		return step, nil
	case errors.Is(err, totp.ErrReplayedCode):
		return 0, ErrReplayedCode
	default:
		return 0, ErrAuthentication
	}
}

func (s *Service) openSecret(cred Credential) (string, error) {
	if s.sealer == nil || !s.sealer.Configured() {
		return "", ErrEncryptionUnavailable
	}
	plain, err := s.sealer.Open(cred.SecretEnc, cred.EmployeeID)
	if err != nil {
		slog.Error("totp secret unseal failed", "employeeId", cred.EmployeeID, "err", err)
		return "", ErrAuthentication
	}
	return string(plain), nil
}

func (s *Service) outboxMessage(ev ClockEvent) (outbox.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return outbox.Message{}, err
	}
	return outbox.Message{
		ID:          uuid.NewString(),
		AggregateID: ev.EmployeeID,
		EventType:   OutboxEventAppended,
		Topic:       s.topic,
		Payload:     payload,
		Status:      outbox.StatusPending,
	}, nil
}

func (s *Service) checkLimiter(ctx context.Context, employeeID string) error {
	if s.limiter == nil {
		return nil
	}
	blocked, err := s.limiter.Blocked(ctx, limiterKey(employeeID))
	if err != nil {
		slog.Warn("attempt limiter unavailable", "employeeId", employeeID, "err", err)
		return nil
	}
	if blocked {
		return ErrTooManyAttempts
	}
	return nil
}

func (s *Service) afterCodeCheck(ctx context.Context, employeeID string, err error) {
	if s.limiter == nil {
		return
	}
	key := limiterKey(employeeID)
	switch {
	case err == nil:
		if resetErr := s.limiter.Reset(ctx, key); resetErr != nil {
			slog.Warn("attempt limiter reset failed", "employeeId", employeeID, "err", resetErr)
		}
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrReplayedCode):
		if failErr := s.limiter.Fail(ctx, key); failErr != nil {
			slog.Warn("attempt limiter update failed", "employeeId", employeeID, "err", failErr)
		}
	}
}

// classify keeps domain errors as they are and reports everything else as
// a persistence failure.
func (s *Service) classify(err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return persistence("aborted", err)
	}
	pe := persistence("store", err)
	slog.Error("ledger store failure", "err", pe)
	return pe
}

func (s *Service) countRejection(err error) {
	switch {
	case errors.Is(err, ErrAuthentication):
		s.inc(MetricAuthRejected)
	case errors.Is(err, ErrReplayedCode):
		s.inc(MetricReplayRejected)
	case errors.Is(err, ErrInvalidTransition):
		s.inc(MetricTransitionRefused)
	case errors.Is(err, ErrPersistence):
		s.inc(MetricPersistenceFailed)
	}
}

func (s *Service) inc(name string) {
	if s.counter != nil {
		s.counter.Inc(name)
	}
}

func normalizeEmployee(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmployeeRequired
	}
	return id, nil
}

func limiterKey(employeeID string) string {
	return "totp:" + employeeID
}
