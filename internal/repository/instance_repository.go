package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/database"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
)

// InstanceRepository manages approval_instances.
type InstanceRepository struct {
	q database.Querier
}

// NewInstanceRepository creates an InstanceRepository over a pool or transaction.
func NewInstanceRepository(q database.Querier) *InstanceRepository {
	return &InstanceRepository{q: q}
}

const instanceColumns = `
	id, COALESCE(flow_id::text, ''), flow_code, target_type, target_id, requester_id,
	status, current_step_order, current_approver_role, current_approver_id,
	is_urgent, steps, resolved_by, resolved_at, final_comment,
	version, created_at, updated_at`

// CreateInstance inserts a new instance with its step snapshot.
func (r *InstanceRepository) CreateInstance(ctx context.Context, inst *ApprovalInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	stepsJSON, err := json.Marshal(inst.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal step snapshot")
	}
	if inst.Version == 0 {
		inst.Version = 1
	}

	query := `
		INSERT INTO approval_instances
		    (id, flow_id, flow_code, target_type, target_id, requester_id,
		     status, current_step_order, current_approver_role, current_approver_id,
		     is_urgent, steps, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10,
		        $11, $12, $13, $14, $15)
	`
	_, err = r.q.Exec(ctx, query,
		inst.ID,
		inst.FlowID,
		inst.FlowCode,
		inst.TargetType,
		inst.TargetID,
		inst.RequesterID,
		string(inst.Status),
		inst.CurrentStepOrder,
		inst.CurrentApproverRole,
		inst.CurrentApproverID,
		inst.IsUrgent,
		stepsJSON,
		inst.Version,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeConflict,
				"%s %s already has an open approval", inst.TargetType, inst.TargetID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
	}
	return nil
}

// GetInstance retrieves an instance by primary key.
func (r *InstanceRepository) GetInstance(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := `SELECT` + instanceColumns + ` FROM approval_instances WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// LockInstance retrieves an instance with FOR UPDATE. Concurrent transitions
// on the same instance queue behind this lock; other instances are unaffected.
func (r *InstanceRepository) LockInstance(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := `SELECT` + instanceColumns + ` FROM approval_instances WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *InstanceRepository) getOne(ctx context.Context, query, id string) (*ApprovalInstance, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_instance", id)
	}
	inst, err := scanInstance(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval instance")
	}
	return inst, nil
}

// UpdateInstance persists the mutable state of an instance.
func (r *InstanceRepository) UpdateInstance(ctx context.Context, inst *ApprovalInstance) error {
	query := `
		UPDATE approval_instances
		SET status                = $2,
		    current_step_order    = $3,
		    current_approver_role = $4,
		    current_approver_id   = $5,
		    resolved_by           = $6,
		    resolved_at           = $7,
		    final_comment         = $8,
		    version               = version + 1,
		    updated_at            = $9
		WHERE id = $1
		RETURNING version
	`
	err := r.q.QueryRow(ctx, query,
		inst.ID,
		string(inst.Status),
		inst.CurrentStepOrder,
		inst.CurrentApproverRole,
		inst.CurrentApproverID,
		inst.ResolvedBy,
		inst.ResolvedAt,
		inst.FinalComment,
		inst.UpdatedAt,
	).Scan(&inst.Version)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_instance", inst.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval instance")
	}
	return nil
}

// GetInstanceByTarget returns the latest instance for a target request.
func (r *InstanceRepository) GetInstanceByTarget(ctx context.Context, targetType, targetID string) (*ApprovalInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM approval_instances
		WHERE target_type = $1 AND target_id = $2
		ORDER BY created_at DESC
		LIMIT 1`
	inst, err := scanInstance(r.q.QueryRow(ctx, query, targetType, targetID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", targetType+"/"+targetID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval instance")
	}
	return inst, nil
}

// ListInstances returns instances matching filter, urgent first then oldest first.
func (r *InstanceRepository) ListInstances(ctx context.Context, filter InstanceFilter) ([]*ApprovalInstance, error) {
	where, args := buildInstanceWhere(filter)
	query := `SELECT` + instanceColumns + ` FROM approval_instances` + where +
		` ORDER BY is_urgent DESC, created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval instances")
	}
	defer rows.Close()

	var out []*ApprovalInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval instance")
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CountInstances counts instances matching filter.
func (r *InstanceRepository) CountInstances(ctx context.Context, filter InstanceFilter) (int, error) {
	where, args := buildInstanceWhere(filter)
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM approval_instances`+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval instances")
	}
	return n, nil
}

// ResolutionStats returns the pending count, outcomes resolved since the
// given time and the average resolution time over all resolved instances.
func (r *InstanceRepository) ResolutionStats(ctx context.Context, since time.Time) (*ResolutionStats, error) {
	query := `
		SELECT
		    COUNT(*) FILTER (WHERE status = 'pending'),
		    COUNT(*) FILTER (WHERE status = 'approved' AND resolved_at >= $1),
		    COUNT(*) FILTER (WHERE status = 'rejected' AND resolved_at >= $1),
		    COALESCE(AVG(EXTRACT(EPOCH FROM (resolved_at - created_at)) / 3600.0)
		        FILTER (WHERE status IN ('approved', 'rejected') AND resolved_at IS NOT NULL), 0)
		FROM approval_instances
	`
	stats := &ResolutionStats{}
	err := r.q.QueryRow(ctx, query, since).Scan(
		&stats.Pending,
		&stats.ApprovedSince,
		&stats.RejectedSince,
		&stats.AvgResolutionHours,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute approval stats")
	}
	return stats, nil
}

// buildInstanceWhere renders filter as a WHERE clause with positional args.
func buildInstanceWhere(filter InstanceFilter) (string, []any) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		clauses = append(clauses, "status = ANY("+arg(statuses)+")")
	}
	if filter.FlowID != "" {
		clauses = append(clauses, "flow_id = "+arg(filter.FlowID))
	}
	if filter.RequesterID != "" {
		clauses = append(clauses, "requester_id = "+arg(filter.RequesterID))
	}
	if filter.TargetType != "" {
		clauses = append(clauses, "target_type = "+arg(filter.TargetType))
	}

	var approver []string
	if len(filter.ApproverRoles) > 0 {
		approver = append(approver, "current_approver_role = ANY("+arg(filter.ApproverRoles)+")")
	}
	if filter.ApproverID != "" {
		approver = append(approver, "current_approver_id = "+arg(filter.ApproverID))
	}
	if len(approver) > 0 {
		clauses = append(clauses, "("+strings.Join(approver, " OR ")+")")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ── scan helper ───────────────────────────────────────────────────────────────

func scanInstance(row rowScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	var status string
	var stepsJSON []byte

	err := row.Scan(
		&inst.ID,
		&inst.FlowID,
		&inst.FlowCode,
		&inst.TargetType,
		&inst.TargetID,
		&inst.RequesterID,
		&status,
		&inst.CurrentStepOrder,
		&inst.CurrentApproverRole,
		&inst.CurrentApproverID,
		&inst.IsUrgent,
		&stepsJSON,
		&inst.ResolvedBy,
		&inst.ResolvedAt,
		&inst.FinalComment,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = InstanceStatus(status)
	if err := json.Unmarshal(stepsJSON, &inst.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal step snapshot: %w", err)
	}
	return inst, nil
}
