package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/database"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
)

// ActionRepository appends to and reads approval_actions.
type ActionRepository struct {
	q database.Querier
}

// NewActionRepository creates an ActionRepository over a pool or transaction.
func NewActionRepository(q database.Querier) *ActionRepository {
	return &ActionRepository{q: q}
}

// AppendAction records one ledger row.
func (r *ActionRepository) AppendAction(ctx context.Context, action *ApprovalAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}

	var metadata []byte
	if len(action.Metadata) > 0 {
		b, err := json.Marshal(action.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal action metadata")
		}
		metadata = b
	}

	query := `
		INSERT INTO approval_actions
		    (id, instance_id, step_order, action_type, actor_id,
		     comment, delegate_to_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.q.Exec(ctx, query,
		action.ID,
		action.InstanceID,
		action.StepOrder,
		string(action.ActionType),
		action.ActorID,
		action.Comment,
		action.DelegateToID,
		metadata,
		action.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval action")
	}
	return nil
}

// ListActions returns the ledger for an instance in insertion order.
func (r *ActionRepository) ListActions(ctx context.Context, instanceID string) ([]*ApprovalAction, error) {
	if _, err := uuid.Parse(instanceID); err != nil {
		return nil, nil
	}
	query := `
		SELECT id, instance_id, step_order, action_type, actor_id,
		       comment, delegate_to_id, metadata, created_at
		FROM approval_actions
		WHERE instance_id = $1
		ORDER BY created_at ASC, seq ASC
	`
	rows, err := r.q.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval actions")
	}
	defer rows.Close()

	var actions []*ApprovalAction
	for rows.Next() {
		a := &ApprovalAction{}
		var actionType string
		var metadata []byte
		err := rows.Scan(
			&a.ID,
			&a.InstanceID,
			&a.StepOrder,
			&actionType,
			&a.ActorID,
			&a.Comment,
			&a.DelegateToID,
			&metadata,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		a.ActionType = ActionType(actionType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode action metadata")
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// HasAction reports whether an action of the given type exists at a step.
func (r *ActionRepository) HasAction(ctx context.Context, instanceID string, actionType ActionType, stepOrder int) (bool, error) {
	query := `
		SELECT EXISTS (
		    SELECT 1 FROM approval_actions
		    WHERE instance_id = $1 AND action_type = $2 AND step_order = $3
		)
	`
	var exists bool
	if err := r.q.QueryRow(ctx, query, instanceID, string(actionType), stepOrder).Scan(&exists); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check approval action")
	}
	return exists, nil
}

// CountActionsByDay aggregates actions in [from, to) by UTC day and type.
func (r *ActionRepository) CountActionsByDay(ctx context.Context, from, to time.Time) ([]ActionDayCount, error) {
	query := `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
		       action_type,
		       COUNT(*)
		FROM approval_actions
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY day, action_type
		ORDER BY day ASC, action_type ASC
	`
	rows, err := r.q.Query(ctx, query, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval actions")
	}
	defer rows.Close()

	var out []ActionDayCount
	for rows.Next() {
		var c ActionDayCount
		var actionType string
		if err := rows.Scan(&c.Day, &actionType, &c.Count); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan action count")
		}
		c.Day = time.Date(c.Day.Year(), c.Day.Month(), c.Day.Day(), 0, 0, 0, 0, time.UTC)
		c.ActionType = ActionType(actionType)
		out = append(out, c)
	}
	return out, rows.Err()
}
