package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/database"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
)

// OutboxRepository manages approval_outbox.
type OutboxRepository struct {
	q database.Querier
}

// NewOutboxRepository creates an OutboxRepository over a pool or transaction.
func NewOutboxRepository(q database.Querier) *OutboxRepository {
	return &OutboxRepository{q: q}
}

// EnqueueEvent stores an event for later relay.
func (r *OutboxRepository) EnqueueEvent(ctx context.Context, event *OutboxEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	query := `
		INSERT INTO approval_outbox (id, subject, payload, attempts, created_at)
		VALUES ($1, $2, $3, 0, $4)
	`
	if _, err := r.q.Exec(ctx, query, event.ID, event.Subject, event.Payload, event.CreatedAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue event")
	}
	return nil
}

// FetchUnpublished claims a batch with SKIP LOCKED so concurrent relays do
// not pick the same rows.
func (r *OutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `
		SELECT id, subject, payload, attempts, last_error, created_at, published_at
		FROM approval_outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to fetch outbox events")
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		e := &OutboxEvent{}
		if err := rows.Scan(&e.ID, &e.Subject, &e.Payload, &e.Attempts, &e.LastError, &e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan outbox event")
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkPublished stamps an event as delivered.
func (r *OutboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.Exec(ctx,
		`UPDATE approval_outbox SET published_at = $2, attempts = attempts + 1, last_error = NULL WHERE id = $1`,
		id, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark outbox event published")
	}
	return nil
}

// MarkFailed records a failed delivery attempt; the event stays queued.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := r.q.Exec(ctx,
		`UPDATE approval_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id, reason)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark outbox event failed")
	}
	return nil
}
