package timeclock

import (
	"context"

	"timeclock/internal/platform/outbox"
)

// Store is the durable home of credentials and the ledger.
type Store interface {
	// Update runs fn in a read-write transaction. Nothing fn wrote is
	// visible to anyone unless fn returns nil and the commit succeeds.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against one consistent snapshot. Appends that commit
	// while fn runs are not observed.
	View(ctx context.Context, fn func(r Reader) error) error
}

type Reader interface {
	Credential(ctx context.Context, employeeID string) (Credential, error)
	Head(ctx context.Context) (Head, error)
	// ScanEvents returns up to limit events with from <= sequence <= to in
	// ascending order.
	ScanEvents(ctx context.Context, from, to int64, limit int) ([]ClockEvent, error)
	ListEvents(ctx context.Context, filter Filter) ([]ClockEvent, error)
	LatestEvent(ctx context.Context, employeeID string) (ClockEvent, bool, error)
}

type Tx interface {
	// LockCredential returns the credential and holds it exclusively until
	// the transaction ends. A missing credential is returned as Unenrolled.
	LockCredential(ctx context.Context, employeeID string) (Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error
	// LockTail serializes appenders and returns the current head.
	LockTail(ctx context.Context) (Head, error)
	LatestEvent(ctx context.Context, employeeID string) (ClockEvent, bool, error)
	InsertEvent(ctx context.Context, ev ClockEvent) error
	Enqueue(ctx context.Context, msg outbox.Message) error
}
