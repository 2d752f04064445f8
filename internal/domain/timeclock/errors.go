package timeclock

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication        = errors.New("invalid or expired one-time code")
	ErrReplayedCode          = errors.New("one-time code already used")
	ErrTooManyAttempts       = errors.New("too many failed code attempts")
	ErrNotEnrolled           = errors.New("employee has no enabled totp credential")
	ErrNotPending            = errors.New("employee has no pending totp enrollment")
	ErrAlreadyEnabled        = errors.New("employee totp credential already enabled")
	ErrInvalidTransition     = errors.New("clock event not allowed in current status")
	ErrInvalidEventType      = errors.New("unknown clock event type")
	ErrEmployeeRequired      = errors.New("employee id is required")
	ErrEncryptionUnavailable = errors.New("totp enrollment requires a data encryption key")
	ErrPersistence           = errors.New("ledger persistence failed")
)

// PersistenceError reports a storage failure. The operation it interrupted
// was rolled back as a unit and is not retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// TransitionError carries the rejected status/event pair.
type TransitionError struct {
	From  Status
	Event EventType
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s from %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IntegrityViolation is reported by the verifier; it is never raised while
// appending.
type IntegrityViolation struct {
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}

func (v *IntegrityViolation) Error() string {
	return fmt.Sprintf("ledger integrity violation at sequence %d: %s", v.Sequence, v.Reason)
}

var domainErrors = []error{
	ErrAuthentication,
	ErrReplayedCode,
	ErrTooManyAttempts,
	ErrNotEnrolled,
	ErrNotPending,
	ErrAlreadyEnabled,
	ErrInvalidTransition,
	ErrInvalidEventType,
	ErrEmployeeRequired,
	ErrEncryptionUnavailable,
}

func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
