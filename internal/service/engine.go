package service

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Engine runs the instance state machine. Every transition locks the
// instance row and commits the instance update, the ledger row and the
// outbox events in one transaction.
type Engine struct {
	store  repository.Store
	staff  repository.StaffReader
	log    *logger.Logger
	opts   options
	events eventWriter
}

// NewEngine creates an Engine.
func NewEngine(store repository.Store, staff repository.StaffReader, log *logger.Logger, opts ...Option) *Engine {
	o := applyOptions(opts)
	return &Engine{
		store:  store,
		staff:  staff,
		log:    log,
		opts:   o,
		events: eventWriter{prefix: o.subjectPrefix},
	}
}

// ── Requests ─────────────────────────────────────────────────────────────────

// InitiateRequest starts an approval for a target request.
type InitiateRequest struct {
	TargetType  string  `json:"target_type"`
	TargetID    string  `json:"target_id"`
	FlowCode    string  `json:"flow_code,omitempty"`
	RequesterID *string `json:"requester_id,omitempty"`
	IsUrgent    bool    `json:"is_urgent,omitempty"`
}

// DecisionRequest is an approve, reject or return by an approver.
// ExpectedStepOrder, when set, must match the instance's current step.
type DecisionRequest struct {
	InstanceID        string  `json:"instance_id"`
	ActorID           string  `json:"actor_id"`
	Comment           *string `json:"comment,omitempty"`
	ExpectedStepOrder *int    `json:"expected_step_order,omitempty"`
}

// DelegateRequest reassigns the current approver.
type DelegateRequest struct {
	InstanceID   string  `json:"instance_id"`
	DelegatorID  string  `json:"delegator_id"`
	DelegateToID string  `json:"delegate_to_id"`
	Reason       *string `json:"reason,omitempty"`
}

// ResubmitRequest moves a returned instance back to pending.
type ResubmitRequest struct {
	InstanceID string  `json:"instance_id"`
	ActorID    *string `json:"actor_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`
}

// CancelRequest withdraws an open instance.
type CancelRequest struct {
	InstanceID string  `json:"instance_id"`
	ActorID    *string `json:"actor_id,omitempty"`
	Reason     *string `json:"reason,omitempty"`
}

// ── Initiation ───────────────────────────────────────────────────────────────

// Initiate resolves a flow and creates an instance positioned at its first step.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*repository.ApprovalInstance, error) {
	if strings.TrimSpace(req.TargetType) == "" {
		return nil, errors.InvalidInput("target_type", "target_type is required")
	}
	if strings.TrimSpace(req.TargetID) == "" {
		return nil, errors.InvalidInput("target_id", "target_id is required")
	}

	if req.RequesterID != nil && *req.RequesterID == "" {
		req.RequesterID = nil
	}
	var requester *repository.Staff
	if req.RequesterID != nil {
		var err error
		requester, err = e.staff.GetStaff(ctx, *req.RequesterID)
		if err != nil {
			e.opts.metrics.initiation("error")
			return nil, err
		}
	}

	var inst *repository.ApprovalInstance
	err := e.store.InTx(ctx, func(q repository.Queries) error {
		flow, err := resolveForInitiation(ctx, q, req.FlowCode, req.TargetType, requester)
		if err != nil {
			return err
		}
		if flow == nil {
			return errors.Newf(errors.ErrCodeNoMatchingFlow, "no active approval flow for target type %q", req.TargetType)
		}
		if len(flow.Steps) == 0 {
			return errors.Newf(errors.ErrCodeEmptyFlow, "approval flow %q has no steps", flow.Code)
		}

		steps := append([]repository.ApprovalFlowStep(nil), flow.Steps...)
		repository.SortSteps(steps)
		first := &steps[0]
		role, approverID := approverFor(first, requester)
		now := e.opts.now()

		inst = &repository.ApprovalInstance{
			FlowID:              flow.ID,
			FlowCode:            flow.Code,
			TargetType:          req.TargetType,
			TargetID:            req.TargetID,
			RequesterID:         req.RequesterID,
			Status:              repository.StatusPending,
			CurrentStepOrder:    first.StepOrder,
			CurrentApproverRole: role,
			CurrentApproverID:   approverID,
			IsUrgent:            req.IsUrgent,
			Steps:               steps,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := q.CreateInstance(ctx, inst); err != nil {
			return err
		}
		return e.events.stepPending(ctx, q, inst, first, now)
	})
	if err != nil {
		e.opts.metrics.initiation(strings.ToLower(string(errors.CodeOf(err))))
		return nil, err
	}
	e.opts.metrics.initiation("created")

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("flow_code", inst.FlowCode).
		Str("target_type", inst.TargetType).
		Str("target_id", inst.TargetID).
		Int("step_order", inst.CurrentStepOrder).
		Msg("Approval instance initiated")
	return inst, nil
}

// ── Approver decisions ───────────────────────────────────────────────────────

// Approve records an approval at the current step and advances or finalizes.
func (e *Engine) Approve(ctx context.Context, req DecisionRequest) (*repository.ApprovalInstance, error) {
	return e.decide(ctx, repository.ActionApprove, req, func(q repository.Queries, inst *repository.ApprovalInstance, step *repository.ApprovalFlowStep, actor *repository.Staff, now time.Time) error {
		return e.advance(ctx, q, inst, step, &actor.ID, req.Comment, now)
	})
}

// Reject finalizes the instance as rejected at whatever step it is on.
func (e *Engine) Reject(ctx context.Context, req DecisionRequest) (*repository.ApprovalInstance, error) {
	if !hasText(req.Comment) {
		return nil, errors.InvalidInput("comment", "a comment is required to reject")
	}
	return e.decide(ctx, repository.ActionReject, req, func(q repository.Queries, inst *repository.ApprovalInstance, _ *repository.ApprovalFlowStep, actor *repository.Staff, now time.Time) error {
		return e.finalize(ctx, q, inst, repository.StatusRejected, &actor.ID, req.Comment, now)
	})
}

// Return sends the instance back to the requester for more information.
// The instance stays at its step in status returned until resubmitted.
func (e *Engine) Return(ctx context.Context, req DecisionRequest) (*repository.ApprovalInstance, error) {
	if !hasText(req.Comment) {
		return nil, errors.InvalidInput("comment", "a comment is required to return")
	}
	return e.decide(ctx, repository.ActionReturn, req, func(q repository.Queries, inst *repository.ApprovalInstance, _ *repository.ApprovalFlowStep, actor *repository.Staff, now time.Time) error {
		inst.Status = repository.StatusReturned
		inst.UpdatedAt = now
		if err := q.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		return e.events.enqueue(ctx, q, EventReturned, Returned{
			InstanceID:   inst.ID,
			TargetType:   inst.TargetType,
			TargetID:     inst.TargetID,
			Comment:      *req.Comment,
			ReturnedByID: &actor.ID,
		}, now)
	})
}

type decision func(q repository.Queries, inst *repository.ApprovalInstance, step *repository.ApprovalFlowStep, actor *repository.Staff, now time.Time) error

// decide is the shared path of approve, reject and return: lock, check
// status and step, authorize, append the action, apply.
func (e *Engine) decide(ctx context.Context, action repository.ActionType, req DecisionRequest, apply decision) (*repository.ApprovalInstance, error) {
	if req.InstanceID == "" {
		return nil, errors.InvalidInput("instance_id", "instance_id is required")
	}
	if req.ActorID == "" {
		return nil, errors.InvalidInput("actor_id", "actor_id is required")
	}
	actor, err := e.staff.GetStaff(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}

	var inst *repository.ApprovalInstance
	err = e.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		inst, err = q.LockInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		switch {
		case inst.Status == repository.StatusReturned:
			return errors.Newf(errors.ErrCodeAwaitingResubmission, "instance %s is waiting for resubmission", inst.ID)
		case inst.Status != repository.StatusPending:
			return errors.Newf(errors.ErrCodeAlreadyProcessed, "instance %s is already %s", inst.ID, inst.Status)
		case req.ExpectedStepOrder != nil && *req.ExpectedStepOrder != inst.CurrentStepOrder:
			return errors.Newf(errors.ErrCodeAlreadyProcessed,
				"instance %s has moved to step %d", inst.ID, inst.CurrentStepOrder)
		}

		step, ok := inst.StepAt(inst.CurrentStepOrder)
		if !ok {
			return errors.Newf(errors.ErrCodeInvalidStep, "instance %s points at missing step %d", inst.ID, inst.CurrentStepOrder)
		}
		if err := e.authorize(ctx, q, inst, step, actor); err != nil {
			return err
		}

		now := e.opts.now()
		if err := q.AppendAction(ctx, &repository.ApprovalAction{
			InstanceID: inst.ID,
			StepOrder:  step.StepOrder,
			ActionType: action,
			ActorID:    &actor.ID,
			Comment:    req.Comment,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		return apply(q, inst, step, actor, now)
	})
	if err != nil {
		return nil, err
	}

	e.opts.metrics.transition(string(action))
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("action", string(action)).
		Str("actor_id", actor.ID).
		Str("status", string(inst.Status)).
		Int("step_order", inst.CurrentStepOrder).
		Msg("Approval action applied")
	return inst, nil
}

// authorize accepts the cached current approver, the escalation role once a
// step has escalated, or whoever the step's approver strategy accepts.
func (e *Engine) authorize(ctx context.Context, q repository.Queries, inst *repository.ApprovalInstance, step *repository.ApprovalFlowStep, actor *repository.Staff) error {
	if inst.CurrentApproverID != nil && *inst.CurrentApproverID == actor.ID {
		return nil
	}

	escalated, err := q.HasAction(ctx, inst.ID, repository.ActionEscalate, step.StepOrder)
	if err != nil {
		return err
	}
	if escalated {
		if actor.HasRole(inst.CurrentApproverRole) {
			return nil
		}
	} else {
		requester, err := e.requesterOf(ctx, inst)
		if err != nil {
			return err
		}
		if e.opts.approvers.Authorize(ApproverCheck{Step: step, Actor: actor, Requester: requester}) {
			return nil
		}
	}
	return errors.Newf(errors.ErrCodeNotAuthorized,
		"staff %s may not act on step %d of instance %s", actor.ID, step.StepOrder, inst.ID)
}

func (e *Engine) requesterOf(ctx context.Context, inst *repository.ApprovalInstance) (*repository.Staff, error) {
	if inst.RequesterID == nil {
		return nil, nil
	}
	s, err := e.staff.GetStaff(ctx, *inst.RequesterID)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	return s, err
}

// advance moves to the next step, or finalizes as approved when step is
// final or the last one. actorID is nil for system approvals.
func (e *Engine) advance(ctx context.Context, q repository.Queries, inst *repository.ApprovalInstance, step *repository.ApprovalFlowStep, actorID, comment *string, now time.Time) error {
	next, ok := inst.NextStep(step.StepOrder)
	if step.IsFinal || !ok {
		return e.finalize(ctx, q, inst, repository.StatusApproved, actorID, comment, now)
	}

	requester, err := e.requesterOf(ctx, inst)
	if err != nil {
		return err
	}
	inst.CurrentStepOrder = next.StepOrder
	inst.CurrentApproverRole, inst.CurrentApproverID = approverFor(next, requester)
	inst.UpdatedAt = now
	if err := q.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	return e.events.stepPending(ctx, q, inst, next, now)
}

func (e *Engine) finalize(ctx context.Context, q repository.Queries, inst *repository.ApprovalInstance, status repository.InstanceStatus, actorID, comment *string, now time.Time) error {
	resolvedAt := now
	inst.Status = status
	inst.ResolvedBy = actorID
	inst.ResolvedAt = &resolvedAt
	inst.FinalComment = comment
	inst.UpdatedAt = now
	if err := q.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	return e.events.enqueue(ctx, q, EventCompleted, Completed{
		InstanceID: inst.ID,
		TargetType: inst.TargetType,
		TargetID:   inst.TargetID,
		Status:     status,
		ApproverID: actorID,
		Comment:    comment,
	}, now)
}

// ── Routing corrections ──────────────────────────────────────────────────────

// Delegate points the current step at another staff member. The delegator
// need not be the authorized approver.
func (e *Engine) Delegate(ctx context.Context, req DelegateRequest) (*repository.ApprovalInstance, error) {
	switch {
	case req.InstanceID == "":
		return nil, errors.InvalidInput("instance_id", "instance_id is required")
	case req.DelegatorID == "":
		return nil, errors.InvalidInput("delegator_id", "delegator_id is required")
	case req.DelegateToID == "":
		return nil, errors.InvalidInput("delegate_to_id", "delegate_to_id is required")
	case req.DelegateToID == req.DelegatorID:
		return nil, errors.InvalidInput("delegate_to_id", "cannot delegate to yourself")
	}
	if _, err := e.staff.GetStaff(ctx, req.DelegatorID); err != nil {
		return nil, err
	}
	if _, err := e.staff.GetStaff(ctx, req.DelegateToID); err != nil {
		return nil, err
	}

	var inst *repository.ApprovalInstance
	err := e.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		inst, err = q.LockInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		switch {
		case inst.Status == repository.StatusReturned:
			return errors.Newf(errors.ErrCodeAwaitingResubmission, "instance %s is waiting for resubmission", inst.ID)
		case inst.Status != repository.StatusPending:
			return errors.Newf(errors.ErrCodeAlreadyProcessed, "instance %s is already %s", inst.ID, inst.Status)
		}
		step, ok := inst.StepAt(inst.CurrentStepOrder)
		if !ok {
			return errors.Newf(errors.ErrCodeInvalidStep, "instance %s points at missing step %d", inst.ID, inst.CurrentStepOrder)
		}

		now := e.opts.now()
		delegateTo := req.DelegateToID
		if err := q.AppendAction(ctx, &repository.ApprovalAction{
			InstanceID:   inst.ID,
			StepOrder:    inst.CurrentStepOrder,
			ActionType:   repository.ActionDelegate,
			ActorID:      &req.DelegatorID,
			Comment:      req.Reason,
			DelegateToID: &delegateTo,
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		inst.CurrentApproverID = &delegateTo
		inst.UpdatedAt = now
		if err := q.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		return e.events.stepPending(ctx, q, inst, step, now)
	})
	if err != nil {
		return nil, err
	}

	e.opts.metrics.transition(string(repository.ActionDelegate))
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("delegator_id", req.DelegatorID).
		Str("delegate_to_id", req.DelegateToID).
		Msg("Approval delegated")
	return inst, nil
}

// Resubmit returns a returned instance to pending at the same step. When both
// the actor and the requester are known, only the requester may resubmit.
func (e *Engine) Resubmit(ctx context.Context, req ResubmitRequest) (*repository.ApprovalInstance, error) {
	if req.InstanceID == "" {
		return nil, errors.InvalidInput("instance_id", "instance_id is required")
	}
	if err := e.checkActor(ctx, req.ActorID); err != nil {
		return nil, err
	}

	var inst *repository.ApprovalInstance
	err := e.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		inst, err = q.LockInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.StatusReturned {
			return errors.Newf(errors.ErrCodeAlreadyProcessed, "instance %s is %s, not returned", inst.ID, inst.Status)
		}
		if req.ActorID != nil && inst.RequesterID != nil && *req.ActorID != *inst.RequesterID {
			return errors.Newf(errors.ErrCodeNotAuthorized, "only the requester may resubmit instance %s", inst.ID)
		}
		step, ok := inst.StepAt(inst.CurrentStepOrder)
		if !ok {
			return errors.Newf(errors.ErrCodeInvalidStep, "instance %s points at missing step %d", inst.ID, inst.CurrentStepOrder)
		}

		now := e.opts.now()
		if err := q.AppendAction(ctx, &repository.ApprovalAction{
			InstanceID: inst.ID,
			StepOrder:  inst.CurrentStepOrder,
			ActionType: repository.ActionResubmit,
			ActorID:    req.ActorID,
			Comment:    req.Comment,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		inst.Status = repository.StatusPending
		inst.UpdatedAt = now
		if err := q.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		return e.events.stepPending(ctx, q, inst, step, now)
	})
	if err != nil {
		return nil, err
	}

	e.opts.metrics.transition(string(repository.ActionResubmit))
	e.log.Info().Str("instance_id", inst.ID).Msg("Approval resubmitted")
	return inst, nil
}

// Cancel withdraws an open instance regardless of step. Cancelling a
// resolved instance fails with ALREADY_PROCESSED.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (*repository.ApprovalInstance, error) {
	if req.InstanceID == "" {
		return nil, errors.InvalidInput("instance_id", "instance_id is required")
	}
	if err := e.checkActor(ctx, req.ActorID); err != nil {
		return nil, err
	}

	var inst *repository.ApprovalInstance
	err := e.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		inst, err = q.LockInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return errors.Newf(errors.ErrCodeAlreadyProcessed, "instance %s is already %s", inst.ID, inst.Status)
		}

		now := e.opts.now()
		if err := q.AppendAction(ctx, &repository.ApprovalAction{
			InstanceID: inst.ID,
			StepOrder:  inst.CurrentStepOrder,
			ActionType: repository.ActionCancel,
			ActorID:    req.ActorID,
			Comment:    req.Reason,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		resolvedAt := now
		inst.Status = repository.StatusCancelled
		inst.ResolvedBy = req.ActorID
		inst.ResolvedAt = &resolvedAt
		inst.FinalComment = req.Reason
		inst.UpdatedAt = now
		if err := q.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		return e.events.enqueue(ctx, q, EventCancelled, Cancelled{
			InstanceID:    inst.ID,
			TargetType:    inst.TargetType,
			TargetID:      inst.TargetID,
			Reason:        req.Reason,
			CancelledByID: req.ActorID,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	e.opts.metrics.transition(string(repository.ActionCancel))
	e.log.Info().Str("instance_id", inst.ID).Msg("Approval cancelled")
	return inst, nil
}

func hasText(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// checkActor rejects an optional actor that is not in the staff directory.
func (e *Engine) checkActor(ctx context.Context, actorID *string) error {
	if actorID == nil {
		return nil
	}
	if *actorID == "" {
		return errors.InvalidInput("actor_id", "actor_id must not be empty")
	}
	_, err := e.staff.GetStaff(ctx, *actorID)
	return err
}
