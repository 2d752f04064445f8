package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeclock/internal/domain/audit"
	"timeclock/internal/domain/timeclock"
)

type fakeVerifier struct {
	result timeclock.VerifyResult
	err    error
	calls  int
}

func (f *fakeVerifier) VerifyChain(context.Context) (timeclock.VerifyResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeAlerter) Alert(_ context.Context, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

type fakeRuns struct {
	mu       sync.Mutex
	started  []string
	finished map[string]string
}

func (f *fakeRuns) Start(_ context.Context, jobType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, jobType)
	return "run-" + jobType, nil
}

func (f *fakeRuns) Finish(_ context.Context, runID, status string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished == nil {
		f.finished = map[string]string{}
	}
	f.finished[runID] = status
	return nil
}

func brokenResult() timeclock.VerifyResult {
	seq := int64(3)
	return timeclock.VerifyResult{
		Valid:               false,
		FirstBrokenSequence: &seq,
		Violation:           &timeclock.IntegrityViolation{Sequence: 3, Reason: timeclock.ReasonHashMismatch},
		Checked:             3,
		HeadSequence:        7,
	}
}

func TestCheckIntegrityValidChainIsQuiet(t *testing.T) {
	ctx := context.Background()
	rec := audit.NewMemoryRecorder()
	alerts := &fakeAlerter{}
	svc := New(Deps{
		Verifier: &fakeVerifier{result: timeclock.VerifyResult{Valid: true, Checked: 5, HeadSequence: 4}},
		Audit:    rec,
		Alerter:  alerts,
	})

	_, ok := svc.LastIntegrityReport()
	assert.False(t, ok)

	result, err := svc.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	last, ok := svc.LastIntegrityReport()
	require.True(t, ok)
	assert.Equal(t, int64(4), last.HeadSequence)

	n, err := rec.Count(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, alerts.subjects)
}

func TestCheckIntegrityViolationAuditsAndAlerts(t *testing.T) {
	ctx := context.Background()
	rec := audit.NewMemoryRecorder()
	alerts := &fakeAlerter{}
	svc := New(Deps{Verifier: &fakeVerifier{result: brokenResult()}, Audit: rec, Alerter: alerts})

	result, err := svc.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)

	events, err := rec.List(ctx, audit.Filter{Action: audit.ActionIntegrityViolation}, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "3", events[0].EntityID)
	assert.Equal(t, audit.EntityLedger, events[0].EntityType)

	require.Len(t, alerts.subjects, 1)
	assert.Contains(t, alerts.subjects[0], "sequence 3")
}

func TestCheckIntegrityErrorKeepsPreviousReport(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{result: timeclock.VerifyResult{Valid: true, HeadSequence: 9}}
	svc := New(Deps{Verifier: verifier})

	_, err := svc.CheckIntegrity(ctx)
	require.NoError(t, err)

	verifier.err = errors.New("db down")
	_, err = svc.CheckIntegrity(ctx)
	assert.Error(t, err)

	last, ok := svc.LastIntegrityReport()
	require.True(t, ok)
	assert.Equal(t, int64(9), last.HeadSequence)
}

func TestRunNowRecordsRunStatus(t *testing.T) {
	runs := &fakeRuns{}
	svc := New(Deps{Runs: runs})

	out, err := svc.RunNow(context.Background(), "ok", func(context.Context) (any, error) {
		return map[string]int{"n": 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"n": 1}, out)

	_, err = svc.RunNow(context.Background(), "bad", func(context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	assert.EqualError(t, err, "boom")

	assert.Equal(t, []string{"ok", "bad"}, runs.started)
	assert.Equal(t, "completed", runs.finished["run-ok"])
	assert.Equal(t, "failed", runs.finished["run-bad"])
}

func TestScheduledIntegrityCheckRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerts := &fakeAlerter{}
	svc := New(Deps{
		Verifier:          &fakeVerifier{result: brokenResult()},
		Alerter:           alerts,
		IntegrityInterval: 10 * time.Millisecond,
	})
	svc.Start(ctx)

	require.Eventually(t, func() bool {
		_, ok := svc.LastIntegrityReport()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	assert.NotEmpty(t, alerts.subjects)
}

func TestVerifyNowRecordsRunAndReport(t *testing.T) {
	ctx := context.Background()
	rec := audit.NewMemoryRecorder()
	alerts := &fakeAlerter{}
	runs := &fakeRuns{}
	svc := New(Deps{Verifier: &fakeVerifier{result: brokenResult()}, Audit: rec, Alerter: alerts, Runs: runs})

	result, err := svc.VerifyNow(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)

	last, ok := svc.LastIntegrityReport()
	require.True(t, ok)
	assert.Equal(t, result.Violation.Sequence, last.Violation.Sequence)
	assert.Equal(t, []string{JobIntegrityCheck}, runs.started)
	assert.Equal(t, "completed", runs.finished["run-"+JobIntegrityCheck])
	assert.Len(t, alerts.subjects, 1)

	total, err := rec.Count(ctx, audit.Filter{Action: audit.ActionIntegrityViolation})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestVerifyNowPropagatesError(t *testing.T) {
	runs := &fakeRuns{}
	svc := New(Deps{Verifier: &fakeVerifier{err: errors.New("store down")}, Runs: runs})

	_, err := svc.VerifyNow(context.Background())
	assert.EqualError(t, err, "store down")
	assert.Equal(t, "failed", runs.finished["run-"+JobIntegrityCheck])
	_, ok := svc.LastIntegrityReport()
	assert.False(t, ok)
}
