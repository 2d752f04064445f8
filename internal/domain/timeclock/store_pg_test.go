package timeclock

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeclock/internal/platform/db"
	"timeclock/migrations"
)

func newPGFixture(t *testing.T) (*fixture, *PGStore) {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if strings.TrimSpace(dbURL) == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool, migrations.FS))

	store := NewPGStore(pool)
	return newFixtureWithStore(t, nil, store), store
}

func TestPGStoreAppendAndVerify(t *testing.T) {
	ctx := context.Background()
	f, store := newPGFixture(t)
	emp := "pg-" + uuid.NewString()
	f.enroll(t, emp)

	before, err := f.svc.Head(ctx)
	require.NoError(t, err)

	f.at(101)
	first, err := f.clockIn(t, emp, EventEntrada, 101)
	require.NoError(t, err)
	assert.Equal(t, before.Sequence+1, first.Sequence)
	assert.Equal(t, before.Hash, first.PreviousHash)

	_, err = f.clockIn(t, emp, EventSalida, 101)
	assert.ErrorIs(t, err, ErrReplayedCode)

	f.at(102)
	second, err := f.clockIn(t, emp, EventSalida, 102)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PreviousHash)

	status, err := f.svc.Status(ctx, emp)
	require.NoError(t, err)
	assert.Equal(t, StatusOut, status.Status)

	events, err := f.svc.ListEvents(ctx, Filter{EmployeeID: emp})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.Hash, events[0].Hash)
	assert.True(t, first.Timestamp.Equal(events[0].Timestamp))

	result, err := f.svc.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid, "violation: %+v", result.Violation)

	_, err = store.DB.Exec(ctx, `UPDATE clock_events SET employee_id = 'x' WHERE seq = $1`, first.Sequence)
	assert.ErrorContains(t, err, "append-only")
}

func TestPGStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	f, _ := newPGFixture(t)

	employees := make([]string, 6)
	for i := range employees {
		employees[i] = "pg-" + uuid.NewString()
		f.enroll(t, employees[i])
	}
	f.at(101)

	codes := map[string]string{}
	for _, emp := range employees {
		codes[emp] = f.code(t, emp, 101)
	}

	var wg sync.WaitGroup
	results := make(chan ClockEvent, len(employees))
	for _, emp := range employees {
		wg.Add(1)
		go func(emp string) {
			defer wg.Done()
			ev, err := f.svc.ClockEvent(ctx, ClockRequest{EmployeeID: emp, EventType: EventEntrada, Code: codes[emp]})
			if assert.NoError(t, err) {
				results <- ev
			}
		}(emp)
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for ev := range results {
		assert.False(t, seen[ev.Sequence], "duplicate sequence %d", ev.Sequence)
		seen[ev.Sequence] = true
	}
	assert.Len(t, seen, len(employees))

	result, err := f.svc.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}
