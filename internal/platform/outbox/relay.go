package outbox

import (
	"context"
	"log/slog"
	"time"
)

const defaultBatchSize = 50

type Relay struct {
	repo      Repository
	publisher Publisher
	interval  time.Duration
	batchSize int
	log       *slog.Logger
}

func NewRelay(repo Repository, publisher Publisher, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Relay{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		batchSize: defaultBatchSize,
		log:       slog.Default().With("component", "outbox.relay"),
	}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started", "pollInterval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.ProcessPending(ctx); err != nil {
				r.log.Error("process outbox failed", "err", err)
			}
		}
	}
}

// ProcessPending publishes one batch and returns how many were sent.
func (r *Relay) ProcessPending(ctx context.Context) (int, error) {
	msgs, err := r.repo.ListPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range msgs {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			r.log.Warn("publish outbox message failed",
				"outboxId", msg.ID, "eventType", msg.EventType, "topic", msg.Topic, "err", err)
			if markErr := r.repo.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
				r.log.Error("mark outbox failed", "outboxId", msg.ID, "err", markErr)
			}
			continue
		}
		if err := r.repo.MarkSent(ctx, msg.ID); err != nil {
			r.log.Error("mark outbox sent failed", "outboxId", msg.ID, "err", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		r.log.Debug("outbox messages sent", "count", sent)
	}
	return sent, nil
}
