package timeclock

import (
	"context"
	"maps"
	"sync"
	"time"

	"timeclock/internal/platform/outbox"
)

// MemoryStore keeps everything in process. Writers are serialized and stage
// their changes until commit; readers work on a captured prefix of the log.
type MemoryStore struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	creds     map[string]Credential
	events    []ClockEvent
	latestIdx map[string]int
	messages  []outbox.Message
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:     map[string]Credential{},
		latestIdx: map[string]int{},
		now:       time.Now,
	}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx := &memTx{s: s, creds: map[string]Credential{}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.creds, tx.creds)
	for _, ev := range tx.events {
		s.events = append(s.events, ev)
		s.latestIdx[ev.EmployeeID] = len(s.events) - 1
	}
	s.messages = append(s.messages, tx.messages...)
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snap := &memSnapshot{
		events: s.events[:len(s.events):len(s.events)],
		creds:  maps.Clone(s.creds),
	}
	s.mu.RUnlock()
	return fn(snap)
}

// memTx reads committed state without s.mu: writeMu is held, so no other
// writer can change it.
type memTx struct {
	s        *MemoryStore
	creds    map[string]Credential
	events   []ClockEvent
	messages []outbox.Message
}

func (tx *memTx) LockCredential(_ context.Context, employeeID string) (Credential, error) {
	if c, ok := tx.creds[employeeID]; ok {
		return c, nil
	}
	if c, ok := tx.s.creds[employeeID]; ok {
		return c, nil
	}
	return Credential{EmployeeID: employeeID, State: CredentialUnenrolled}, nil
}

func (tx *memTx) SaveCredential(_ context.Context, cred Credential) error {
	tx.creds[cred.EmployeeID] = cred
	return nil
}

func (tx *memTx) LockTail(_ context.Context) (Head, error) {
	if n := len(tx.events); n > 0 {
		return headOf(tx.events[n-1]), nil
	}
	if n := len(tx.s.events); n > 0 {
		return headOf(tx.s.events[n-1]), nil
	}
	return emptyHead(), nil
}

func (tx *memTx) LatestEvent(_ context.Context, employeeID string) (ClockEvent, bool, error) {
	for i := len(tx.events) - 1; i >= 0; i-- {
		if tx.events[i].EmployeeID == employeeID {
			return tx.events[i], true, nil
		}
	}
	if i, ok := tx.s.latestIdx[employeeID]; ok {
		return tx.s.events[i], true, nil
	}
	return ClockEvent{}, false, nil
}

func (tx *memTx) InsertEvent(_ context.Context, ev ClockEvent) error {
	tx.events = append(tx.events, ev)
	return nil
}

func (tx *memTx) Enqueue(_ context.Context, msg outbox.Message) error {
	if err := outbox.Validate(msg); err != nil {
		return err
	}
	msg.CreatedAt = tx.s.now()
	tx.messages = append(tx.messages, msg)
	return nil
}

type memSnapshot struct {
	events []ClockEvent
	creds  map[string]Credential
}

func (r *memSnapshot) Credential(_ context.Context, employeeID string) (Credential, error) {
	if c, ok := r.creds[employeeID]; ok {
		return c, nil
	}
	return Credential{EmployeeID: employeeID, State: CredentialUnenrolled}, nil
}

func (r *memSnapshot) Head(_ context.Context) (Head, error) {
	if n := len(r.events); n > 0 {
		return headOf(r.events[n-1]), nil
	}
	return emptyHead(), nil
}

// Sequence numbers are dense positions in the slice.
func (r *memSnapshot) ScanEvents(ctx context.Context, from, to int64, limit int) ([]ClockEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int64(len(r.events))
	if from < 0 {
		from = 0
	}
	if to >= n {
		to = n - 1
	}
	if from > to {
		return nil, nil
	}
	end := to + 1
	if limit > 0 && end-from > int64(limit) {
		end = from + int64(limit)
	}
	return append([]ClockEvent(nil), r.events[from:end]...), nil
}

func (r *memSnapshot) ListEvents(_ context.Context, filter Filter) ([]ClockEvent, error) {
	out := []ClockEvent{}
	skipped := 0
	for _, ev := range r.events {
		if !filter.matches(ev) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memSnapshot) LatestEvent(_ context.Context, employeeID string) (ClockEvent, bool, error) {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EmployeeID == employeeID {
			return r.events[i], true, nil
		}
	}
	return ClockEvent{}, false, nil
}

// ListPending, MarkSent and MarkFailed let the outbox relay drain a memory store.
func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]outbox.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []outbox.Message
	for _, m := range s.messages {
		if m.Status == outbox.StatusSent || m.NextRetryAt.After(now) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = outbox.StatusSent
		}
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = outbox.StatusFailed
			s.messages[i].RetryCount++
			s.messages[i].NextRetryAt = s.now().Add(outbox.RetryDelay(s.messages[i].RetryCount))
		}
	}
	return nil
}

func headOf(ev ClockEvent) Head {
	return Head{Sequence: ev.Sequence, Hash: ev.Hash, Timestamp: ev.Timestamp}
}
