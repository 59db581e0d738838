package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/database"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
)

// FlowRepository handles approval_flows and approval_flow_steps.
// A flow and its steps are always written together.
type FlowRepository struct {
	q database.Querier
}

// NewFlowRepository creates a FlowRepository over a pool or transaction.
func NewFlowRepository(q database.Querier) *FlowRepository {
	return &FlowRepository{q: q}
}

const flowColumns = `
	id, code, name, description, target_type,
	branch_id, region_id, department_id, position_id,
	priority, is_active, created_at, updated_at`

// CreateFlow inserts a flow and its steps. Callers run it inside a transaction.
func (r *FlowRepository) CreateFlow(ctx context.Context, flow *ApprovalFlow) error {
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_flows
		    (id, code, name, description, target_type,
		     branch_id, region_id, department_id, position_id,
		     priority, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13)
	`
	_, err := r.q.Exec(ctx, query,
		flow.ID,
		flow.Code,
		flow.Name,
		flow.Description,
		flow.TargetType,
		flow.Branch,
		flow.Region,
		flow.Department,
		flow.Position,
		flow.Priority,
		flow.IsActive,
		flow.CreatedAt,
		flow.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeConflict, "flow code %q already exists", flow.Code)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval flow")
	}

	return r.insertSteps(ctx, flow)
}

// UpdateFlow rewrites a flow's attributes and replaces its steps.
func (r *FlowRepository) UpdateFlow(ctx context.Context, flow *ApprovalFlow) error {
	query := `
		UPDATE approval_flows
		SET code          = $2,
		    name          = $3,
		    description   = $4,
		    target_type   = $5,
		    branch_id     = $6,
		    region_id     = $7,
		    department_id = $8,
		    position_id   = $9,
		    priority      = $10,
		    is_active     = $11,
		    updated_at    = $12
		WHERE id = $1
	`
	tag, err := r.q.Exec(ctx, query,
		flow.ID,
		flow.Code,
		flow.Name,
		flow.Description,
		flow.TargetType,
		flow.Branch,
		flow.Region,
		flow.Department,
		flow.Position,
		flow.Priority,
		flow.IsActive,
		flow.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeConflict, "flow code %q already exists", flow.Code)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval flow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_flow", flow.ID)
	}

	if _, err := r.q.Exec(ctx, `DELETE FROM approval_flow_steps WHERE flow_id = $1`, flow.ID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear approval flow steps")
	}
	return r.insertSteps(ctx, flow)
}

func (r *FlowRepository) insertSteps(ctx context.Context, flow *ApprovalFlow) error {
	query := `
		INSERT INTO approval_flow_steps
		    (id, flow_id, step_order, name, approver_type,
		     approver_role_code, specific_approver_id, is_final,
		     auto_approve_hours, escalation_hours, escalation_role_code)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8,
		        $9, $10, $11)
	`
	for i := range flow.Steps {
		step := &flow.Steps[i]
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		_, err := r.q.Exec(ctx, query,
			step.ID,
			flow.ID,
			step.StepOrder,
			step.Name,
			string(step.ApproverType),
			step.ApproverRoleCode,
			step.SpecificApproverID,
			step.IsFinal,
			step.AutoApproveHours,
			step.EscalationHours,
			step.EscalationRoleCode,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval flow step")
		}
	}
	return nil
}

// GetFlow retrieves a flow with its steps.
func (r *FlowRepository) GetFlow(ctx context.Context, id string) (*ApprovalFlow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_flow", id)
	}
	query := `SELECT` + flowColumns + ` FROM approval_flows WHERE id = $1`
	flow, err := scanFlow(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_flow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval flow")
	}
	return flow, r.loadSteps(ctx, flow)
}

// GetFlowByCode retrieves a flow by its unique code.
func (r *FlowRepository) GetFlowByCode(ctx context.Context, code string) (*ApprovalFlow, error) {
	query := `SELECT` + flowColumns + ` FROM approval_flows WHERE code = $1`
	flow, err := scanFlow(r.q.QueryRow(ctx, query, code))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_flow", code)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval flow")
	}
	return flow, r.loadSteps(ctx, flow)
}

// ListFlows returns flows ordered by priority, highest first.
func (r *FlowRepository) ListFlows(ctx context.Context, targetType string, activeOnly bool) ([]*ApprovalFlow, error) {
	query := `SELECT` + flowColumns + ` FROM approval_flows WHERE ($1 = '' OR target_type = $1)`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY priority DESC, code ASC"

	rows, err := r.q.Query(ctx, query, targetType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval flows")
	}

	var flows []*ApprovalFlow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval flow")
		}
		flows = append(flows, flow)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval flows")
	}

	for _, flow := range flows {
		if err := r.loadSteps(ctx, flow); err != nil {
			return nil, err
		}
	}
	return flows, nil
}

// SetFlowActive toggles is_active.
func (r *FlowRepository) SetFlowActive(ctx context.Context, id string, active bool, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound("approval_flow", id)
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE approval_flows SET is_active = $2, updated_at = $3 WHERE id = $1`,
		id, active, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval flow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_flow", id)
	}
	return nil
}

// DeleteFlow removes a flow; steps cascade and resolved instances keep their snapshot.
func (r *FlowRepository) DeleteFlow(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound("approval_flow", id)
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM approval_flows WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval flow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_flow", id)
	}
	return nil
}

func (r *FlowRepository) loadSteps(ctx context.Context, flow *ApprovalFlow) error {
	query := `
		SELECT id, step_order, name, approver_type,
		       approver_role_code, specific_approver_id, is_final,
		       auto_approve_hours, escalation_hours, escalation_role_code
		FROM approval_flow_steps
		WHERE flow_id = $1
		ORDER BY step_order ASC
	`
	rows, err := r.q.Query(ctx, query, flow.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval flow steps")
	}
	defer rows.Close()

	flow.Steps = flow.Steps[:0]
	for rows.Next() {
		var s ApprovalFlowStep
		var approverType string
		err := rows.Scan(
			&s.ID,
			&s.StepOrder,
			&s.Name,
			&approverType,
			&s.ApproverRoleCode,
			&s.SpecificApproverID,
			&s.IsFinal,
			&s.AutoApproveHours,
			&s.EscalationHours,
			&s.EscalationRoleCode,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval flow step")
		}
		s.ApproverType = ApproverType(approverType)
		flow.Steps = append(flow.Steps, s)
	}
	return rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*ApprovalFlow, error) {
	f := &ApprovalFlow{}
	err := row.Scan(
		&f.ID,
		&f.Code,
		&f.Name,
		&f.Description,
		&f.TargetType,
		&f.Branch,
		&f.Region,
		&f.Department,
		&f.Position,
		&f.Priority,
		&f.IsActive,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}
