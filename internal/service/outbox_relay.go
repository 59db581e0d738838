package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Publisher delivers one event to the bus. msgID is stable across retries.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) error
}

// OutboxRelay moves committed events from the outbox to a Publisher.
// Delivery is at-least-once. Each batch is published inside one store
// transaction; on Postgres the rows are claimed with SKIP LOCKED, on
// memstore the whole store is blocked until the batch finishes.
type OutboxRelay struct {
	store     repository.Store
	publisher Publisher
	batchSize int
	interval  time.Duration
	log       *logger.Logger
	opts      options
}

// NewOutboxRelay creates an OutboxRelay.
func NewOutboxRelay(store repository.Store, publisher Publisher, batchSize int, interval time.Duration, log *logger.Logger, opts ...Option) *OutboxRelay {
	if batchSize < 1 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &OutboxRelay{
		store:     store,
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
		log:       log,
		opts:      applyOptions(opts),
	}
}

// RelayOnce publishes one batch. Failed events stay queued with the error recorded.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (published, failed int, err error) {
	err = r.store.InTx(ctx, func(q repository.Queries) error {
		published, failed = 0, 0
		events, err := q.FetchUnpublished(ctx, r.batchSize)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if perr := r.publisher.Publish(ctx, ev.Subject, ev.ID, ev.Payload); perr != nil {
				failed++
				r.log.Warn().Err(perr).Str("event_id", ev.ID).Str("subject", ev.Subject).Msg("Failed to publish event")
				if err := q.MarkFailed(ctx, ev.ID, perr.Error()); err != nil {
					return err
				}
				continue
			}
			if err := q.MarkPublished(ctx, ev.ID, r.opts.now()); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	r.opts.metrics.outbox("published", published)
	r.opts.metrics.outbox("failed", failed)
	return published, failed, nil
}

// Run relays until ctx is cancelled. A full batch is followed immediately
// by the next one.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Int("batch_size", r.batchSize).Msg("Outbox relay started")
	for {
		published, failed, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("Outbox relay batch failed")
		}
		if err == nil && failed == 0 && published == r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}
