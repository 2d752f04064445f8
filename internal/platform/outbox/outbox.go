// Package outbox carries ledger events to Kafka. Messages are written in the
// same transaction as the ledger append and relayed asynchronously.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"

	maxReasonLength = 500
)

type Message struct {
	ID          string
	AggregateID string
	EventType   string
	Topic       string
	Payload     []byte
	Status      string
	RetryCount  int
	NextRetryAt time.Time
	CreatedAt   time.Time
}

// Repository is the relay side of the outbox.
type Repository interface {
	ListPending(ctx context.Context, limit int) ([]Message, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

func Validate(msg Message) error {
	if msg.ID == "" {
		return errors.New("outbox id is required")
	}
	if msg.Topic == "" {
		return errors.New("outbox topic is required")
	}
	if len(msg.Payload) == 0 {
		return errors.New("outbox payload is required")
	}
	switch msg.Status {
	case StatusPending, StatusSent, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid outbox status: %s", msg.Status)
	}
}

// RetryDelay is the backoff applied after the given number of failures.
func RetryDelay(retries int) time.Duration {
	if retries > 10 {
		retries = 10
	}
	if retries < 1 {
		retries = 1
	}
	return time.Duration(retries) * 15 * time.Second
}

func truncateReason(reason string) string {
	if len(reason) > maxReasonLength {
		return reason[:maxReasonLength]
	}
	return reason
}

// Execer is satisfied by pgx.Tx and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Insert writes msg through exec, normally the caller's open transaction.
func Insert(ctx context.Context, exec Execer, msg Message) error {
	if err := Validate(msg); err != nil {
		return err
	}
	_, err := exec.Exec(ctx, `
		INSERT INTO outbox_events (id, aggregate_id, event_type, topic, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.AggregateID, msg.EventType, msg.Topic, msg.Payload, msg.Status)
	return err
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) ListPending(ctx context.Context, limit int) ([]Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, aggregate_id, event_type, topic, payload, status, retry_count,
		       COALESCE(next_retry_at, created_at), created_at
		FROM outbox_events
		WHERE status IN ($1, $2)
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created_at ASC
		LIMIT $3
	`, StatusPending, StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AggregateID, &m.EventType, &m.Topic, &m.Payload, &m.Status,
			&m.RetryCount, &m.NextRetryAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PGRepository) MarkSent(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, processed_at = now(), error_message = NULL, updated_at = now()
		WHERE id = $1
	`, id, StatusSent)
	return err
}

func (r *PGRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2,
		    retry_count = retry_count + 1,
		    error_message = $3,
		    next_retry_at = now() + (LEAST(retry_count + 1, 10) * INTERVAL '15 seconds'),
		    updated_at = now()
		WHERE id = $1
	`, id, StatusFailed, truncateReason(reason))
	return err
}
