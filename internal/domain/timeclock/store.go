package timeclock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"timeclock/internal/platform/outbox"
)

// ledgerLockKey names the transaction-scoped advisory lock that guards the
// chain tail.
const ledgerLockKey int64 = 0x74636c6b6c6467

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct {
	DB *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{DB: db}
}

func (s *PGStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return persistence("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence("commit", err)
	}
	return nil
}

func (s *PGStore) View(ctx context.Context, fn func(r Reader) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return persistence("begin snapshot", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgReader{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) LockCredential(ctx context.Context, employeeID string) (Credential, error) {
	// The placeholder row gives FOR UPDATE something to lock on first use.
	if _, err := t.q.Exec(ctx, `
		INSERT INTO totp_credentials (employee_id, state)
		VALUES ($1, $2)
		ON CONFLICT (employee_id) DO NOTHING
	`, employeeID, CredentialUnenrolled); err != nil {
		return Credential{}, err
	}
	return scanCredential(t.q.QueryRow(ctx, `
		SELECT employee_id, state, secret_enc, last_used_step
		FROM totp_credentials
		WHERE employee_id = $1
		FOR UPDATE
	`, employeeID))
}

func (t *pgTx) SaveCredential(ctx context.Context, cred Credential) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE totp_credentials
		SET state = $2, secret_enc = $3, last_used_step = $4, updated_at = now()
		WHERE employee_id = $1
	`, cred.EmployeeID, cred.State, cred.SecretEnc, cred.LastUsedStep)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("credential %s not locked", cred.EmployeeID)
	}
	return nil
}

func (t *pgTx) LockTail(ctx context.Context) (Head, error) {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return Head{}, err
	}
	return readHead(ctx, t.q)
}

func (t *pgTx) LatestEvent(ctx context.Context, employeeID string) (ClockEvent, bool, error) {
	return latestEvent(ctx, t.q, employeeID)
}

func (t *pgTx) InsertEvent(ctx context.Context, ev ClockEvent) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO clock_events (seq, employee_id, event_type, occurred_at, source_address, previous_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.Sequence, ev.EmployeeID, ev.EventType, ev.Timestamp, ev.SourceAddress, ev.PreviousHash, ev.Hash)
	return err
}

func (t *pgTx) Enqueue(ctx context.Context, msg outbox.Message) error {
	return outbox.Insert(ctx, t.q, msg)
}

type pgReader struct {
	q pgx.Tx
}

func (r *pgReader) Credential(ctx context.Context, employeeID string) (Credential, error) {
	cred, err := scanCredential(r.q.QueryRow(ctx, `
		SELECT employee_id, state, secret_enc, last_used_step
		FROM totp_credentials
		WHERE employee_id = $1
	`, employeeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{EmployeeID: employeeID, State: CredentialUnenrolled}, nil
	}
	return cred, err
}

func (r *pgReader) Head(ctx context.Context) (Head, error) {
	return readHead(ctx, r.q)
}

func (r *pgReader) ScanEvents(ctx context.Context, from, to int64, limit int) ([]ClockEvent, error) {
	return queryEvents(ctx, r.q, `
		SELECT `+eventColumns+`
		FROM clock_events
		WHERE seq >= $1 AND seq <= $2
		ORDER BY seq ASC
		LIMIT $3
	`, from, to, limit)
}

func (r *pgReader) ListEvents(ctx context.Context, filter Filter) ([]ClockEvent, error) {
	query, args := buildListQuery(filter)
	return queryEvents(ctx, r.q, query, args...)
}

func (r *pgReader) LatestEvent(ctx context.Context, employeeID string) (ClockEvent, bool, error) {
	return latestEvent(ctx, r.q, employeeID)
}

const eventColumns = `seq, employee_id, event_type, occurred_at, source_address, previous_hash, hash`

func buildListQuery(filter Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.EmployeeID != "" {
		add("employee_id = $%d", filter.EmployeeID)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at < $%d", filter.To)
	}

	var b strings.Builder
	b.WriteString("SELECT " + eventColumns + " FROM clock_events")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY seq ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

func scanCredential(row pgx.Row) (Credential, error) {
	var c Credential
	if err := row.Scan(&c.EmployeeID, &c.State, &c.SecretEnc, &c.LastUsedStep); err != nil {
		return Credential{}, err
	}
	return c, nil
}

func readHead(ctx context.Context, q querier) (Head, error) {
	var h Head
	err := q.QueryRow(ctx, `
		SELECT seq, hash, occurred_at FROM clock_events ORDER BY seq DESC LIMIT 1
	`).Scan(&h.Sequence, &h.Hash, &h.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyHead(), nil
	}
	if err != nil {
		return Head{}, err
	}
	h.Timestamp = h.Timestamp.UTC()
	return h, nil
}

func latestEvent(ctx context.Context, q querier, employeeID string) (ClockEvent, bool, error) {
	events, err := queryEvents(ctx, q, `
		SELECT `+eventColumns+`
		FROM clock_events
		WHERE employee_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, employeeID)
	if err != nil || len(events) == 0 {
		return ClockEvent{}, false, err
	}
	return events[0], true, nil
}

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]ClockEvent, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ClockEvent{}
	for rows.Next() {
		var ev ClockEvent
		if err := rows.Scan(&ev.Sequence, &ev.EmployeeID, &ev.EventType, &ev.Timestamp,
			&ev.SourceAddress, &ev.PreviousHash, &ev.Hash); err != nil {
			return nil, err
		}
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
