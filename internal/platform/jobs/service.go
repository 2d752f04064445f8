package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"timeclock/internal/domain/audit"
	"timeclock/internal/domain/timeclock"
	"timeclock/internal/platform/outbox"
)

const (
	JobIntegrityCheck = "integrity_check"
)

type ChainVerifier interface {
	VerifyChain(ctx context.Context) (timeclock.VerifyResult, error)
}

type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// RunStore persists job run history. A nil RunStore only logs.
type RunStore interface {
	Start(ctx context.Context, jobType string) (string, error)
	Finish(ctx context.Context, runID, status string, details []byte) error
}

type Deps struct {
	Verifier          ChainVerifier
	Audit             audit.Recorder
	Alerter           Alerter
	Relay             *outbox.Relay
	Runs              RunStore
	IntegrityInterval time.Duration
}

type Service struct {
	deps  Deps
	queue chan job

	mu   sync.RWMutex
	last *timeclock.VerifyResult
}

type job struct {
	Type string
	Run  func(context.Context) (any, error)
}

func New(deps Deps) *Service {
	return &Service{
		deps:  deps,
		queue: make(chan job, 128),
	}
}

func (s *Service) Start(ctx context.Context) {
	go s.worker(ctx)
	if s.deps.IntegrityInterval > 0 && s.deps.Verifier != nil {
		go s.scheduleIntegrity(ctx, s.deps.IntegrityInterval)
	}
	if s.deps.Relay != nil {
		go s.deps.Relay.Run(ctx)
	}
}

func (s *Service) Enqueue(jobType string, run func(context.Context) (any, error)) {
	select {
	case s.queue <- job{Type: jobType, Run: run}:
	default:
		slog.Warn("job queue full", "jobType", jobType)
	}
}

func (s *Service) RunNow(ctx context.Context, jobType string, run func(context.Context) (any, error)) (any, error) {
	return s.runJob(ctx, job{Type: jobType, Run: run})
}

// VerifyNow runs an integrity check on the caller's goroutine. It is recorded,
// audited and alerted exactly like a scheduled run.
func (s *Service) VerifyNow(ctx context.Context) (timeclock.VerifyResult, error) {
	v, err := s.RunNow(ctx, JobIntegrityCheck, func(ctx context.Context) (any, error) {
		return s.CheckIntegrity(ctx)
	})
	if err != nil {
		return timeclock.VerifyResult{}, err
	}
	return v.(timeclock.VerifyResult), nil
}

// LastIntegrityReport returns the result of the most recent completed check,
// scheduled or run through VerifyNow.
func (s *Service) LastIntegrityReport() (timeclock.VerifyResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return timeclock.VerifyResult{}, false
	}
	return *s.last, true
}

// CheckIntegrity verifies the chain and raises the alarm on a violation.
func (s *Service) CheckIntegrity(ctx context.Context) (timeclock.VerifyResult, error) {
	result, err := s.deps.Verifier.VerifyChain(ctx)
	if err != nil {
		return timeclock.VerifyResult{}, err
	}

	s.mu.Lock()
	s.last = &result
	s.mu.Unlock()

	if result.Valid {
		slog.Info("ledger integrity verified", "checked", result.Checked, "headSequence", result.HeadSequence)
		return result, nil
	}

	slog.Error("ledger integrity violation",
		"sequence", result.Violation.Sequence,
		"reason", result.Violation.Reason,
		"headSequence", result.HeadSequence,
	)
	if s.deps.Audit != nil {
		evt := audit.Event{
			ActorID:    "system",
			Action:     audit.ActionIntegrityViolation,
			EntityType: audit.EntityLedger,
			EntityID:   fmt.Sprintf("%d", result.Violation.Sequence),
		}
		if err := s.deps.Audit.Record(ctx, evt, result); err != nil {
			slog.Warn("audit record failed", "action", evt.Action, "err", err)
		}
	}
	if s.deps.Alerter != nil {
		subject := fmt.Sprintf("Time clock ledger integrity violation at sequence %d", result.Violation.Sequence)
		body := fmt.Sprintf("Verification started %s found the chain broken at sequence %d (%s).\nRecords checked before the break: %d.\nHead sequence: %d.\n",
			result.StartedAt.Format(time.RFC3339), result.Violation.Sequence, result.Violation.Reason, result.Checked, result.HeadSequence)
		if err := s.deps.Alerter.Alert(ctx, subject, body); err != nil {
			slog.Warn("integrity alert delivery failed", "err", err)
		}
	}
	return result, nil
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			if _, err := s.runJob(ctx, j); err != nil {
				slog.Warn("job run failed", "jobType", j.Type, "err", err)
			}
		}
	}
}

func (s *Service) runJob(ctx context.Context, j job) (any, error) {
	runID := ""
	if s.deps.Runs != nil {
		id, err := s.deps.Runs.Start(ctx, j.Type)
		if err != nil {
			slog.Warn("job run insert failed", "jobType", j.Type, "err", err)
		}
		runID = id
	}

	started := time.Now()
	details, err := j.Run(ctx)
	status := "completed"
	if err != nil {
		status = "failed"
	}
	slog.Debug("job finished", "jobType", j.Type, "status", status, "durationMs", time.Since(started).Milliseconds())

	if runID != "" {
		detailsJSON, marshalErr := json.Marshal(details)
		if marshalErr != nil {
			slog.Warn("job details marshal failed", "err", marshalErr)
			detailsJSON = []byte("{}")
		}
		if updErr := s.deps.Runs.Finish(context.WithoutCancel(ctx), runID, status, detailsJSON); updErr != nil {
			slog.Warn("job run update failed", "err", updErr)
		}
	}
	return details, err
}

func (s *Service) scheduleIntegrity(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Enqueue(JobIntegrityCheck, func(ctx context.Context) (any, error) {
				return s.CheckIntegrity(ctx)
			})
		}
	}
}

type PGRunStore struct {
	DB *pgxpool.Pool
}

func NewPGRunStore(db *pgxpool.Pool) *PGRunStore {
	return &PGRunStore{DB: db}
}

func (p *PGRunStore) Start(ctx context.Context, jobType string) (string, error) {
	var runID string
	err := p.DB.QueryRow(ctx, `
		INSERT INTO job_runs (job_type, status)
		VALUES ($1, $2)
		RETURNING id::text
	`, jobType, "running").Scan(&runID)
	return runID, err
}

func (p *PGRunStore) Finish(ctx context.Context, runID, status string, details []byte) error {
	_, err := p.DB.Exec(ctx, `
		UPDATE job_runs
		SET status = $1, details_json = $2, completed_at = now()
		WHERE id = $3
	`, status, details, runID)
	return err
}
