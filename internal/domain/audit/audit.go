package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ActionEnrollBegin        = "timeclock.credential.enroll"
	ActionEnrollConfirm      = "timeclock.credential.confirm"
	ActionDisable            = "timeclock.credential.disable"
	ActionVerify             = "timeclock.integrity.verify"
	ActionIntegrityViolation = "timeclock.integrity.violation"

	EntityCredential = "totp_credential"
	EntityLedger     = "clock_ledger"
)

type Event struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actorId"`
	ActorRole  string          `json:"actorRole"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	RequestID  string          `json:"requestId"`
	IP         string          `json:"ip"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type Filter struct {
	Action     string
	EntityType string
	EntityID   string
	ActorID    string
}

func (f Filter) matches(evt Event) bool {
	return (f.Action == "" || evt.Action == f.Action) &&
		(f.EntityType == "" || evt.EntityType == f.EntityType) &&
		(f.EntityID == "" || evt.EntityID == f.EntityID) &&
		(f.ActorID == "" || evt.ActorID == f.ActorID)
}

// Recorder stores audit events. Record marshals details to JSON.
type Recorder interface {
	Record(ctx context.Context, evt Event, details any) error
	Count(ctx context.Context, filter Filter) (int, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]Event, error)
}

func marshalDetails(details any) (json.RawMessage, error) {
	if details == nil {
		return nil, nil
	}
	return json.Marshal(details)
}

type Service struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Service {
	return &Service{DB: db}
}

func (s *Service) Record(ctx context.Context, evt Event, details any) error {
	payload, err := marshalDetails(details)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO audit_events (actor_id, actor_role, action, entity_type, entity_id, request_id, ip, details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, evt.ActorID, evt.ActorRole, evt.Action, evt.EntityType, evt.EntityID, evt.RequestID, evt.IP, payload)
	return err
}

func (s *Service) Count(ctx context.Context, filter Filter) (int, error) {
	query, args := buildBaseQuery("SELECT COUNT(1)", filter)
	var total int
	if err := s.DB.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Service) List(ctx context.Context, filter Filter, limit, offset int) ([]Event, error) {
	query, args := buildBaseQuery(
		"SELECT id::text, actor_id, actor_role, action, entity_type, entity_id, request_id, ip, COALESCE(details, '{}'::jsonb), created_at", filter)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.ID, &evt.ActorID, &evt.ActorRole, &evt.Action, &evt.EntityType, &evt.EntityID,
			&evt.RequestID, &evt.IP, &evt.Details, &evt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func buildBaseQuery(prefix string, filter Filter) (string, []any) {
	query := prefix + " FROM audit_events WHERE 1=1"
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}
	add("action", filter.Action)
	add("entity_type", filter.EntityType)
	add("entity_id", filter.EntityID)
	add("actor_id", filter.ActorID)
	return query, args
}

// MemoryRecorder keeps events in process and mirrors each one to the log.
type MemoryRecorder struct {
	mu     sync.RWMutex
	events []Event
	seq    int
	now    func() time.Time
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{now: time.Now}
}

func (m *MemoryRecorder) Record(_ context.Context, evt Event, details any) error {
	payload, err := marshalDetails(details)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.seq++
	evt.ID = fmt.Sprintf("mem-%d", m.seq)
	evt.Details = payload
	evt.CreatedAt = m.now().UTC()
	m.events = append(m.events, evt)
	m.mu.Unlock()

	slog.Info("audit", "action", evt.Action, "entityType", evt.EntityType, "entityId", evt.EntityID,
		"actorId", evt.ActorID, "requestId", evt.RequestID)
	return nil
}

func (m *MemoryRecorder) Count(_ context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, evt := range m.events {
		if filter.matches(evt) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRecorder) List(_ context.Context, filter Filter, limit, offset int) ([]Event, error) {
	m.mu.RLock()
	matched := []Event{}
	for _, evt := range m.events {
		if filter.matches(evt) {
			matched = append(matched, evt)
		}
	}
	m.mu.RUnlock()

	// Newest first, matching the PostgreSQL ordering.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if offset >= len(matched) {
		return []Event{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
