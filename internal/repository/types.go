package repository

import (
	"sort"
	"time"
)

// ── Flow templates ───────────────────────────────────────────────────────────

// ApproverType selects how the approver of a step is determined.
type ApproverType string

const (
	ApproverRole            ApproverType = "role"
	ApproverDirectManager   ApproverType = "direct_manager"
	ApproverSkipManager     ApproverType = "skip_manager"
	ApproverBranchManager   ApproverType = "branch_manager"
	ApproverRegionalManager ApproverType = "regional_manager"
	ApproverDepartmentHead  ApproverType = "department_head"
	ApproverSpecificUser    ApproverType = "specific_user"
)

// ApproverTypes lists every declared approver type.
var ApproverTypes = []ApproverType{
	ApproverRole,
	ApproverDirectManager,
	ApproverSkipManager,
	ApproverBranchManager,
	ApproverRegionalManager,
	ApproverDepartmentHead,
	ApproverSpecificUser,
}

// ApprovalFlow is a reusable template routing one kind of request.
// Nil scoping attributes apply to every requester.
type ApprovalFlow struct {
	ID          string             `json:"id" yaml:"-"`
	Code        string             `json:"code" yaml:"code"`
	Name        string             `json:"name" yaml:"name"`
	Description *string            `json:"description,omitempty" yaml:"description,omitempty"`
	TargetType  string             `json:"target_type" yaml:"target_type"`
	Branch      *string            `json:"branch,omitempty" yaml:"branch,omitempty"`
	Region      *string            `json:"region,omitempty" yaml:"region,omitempty"`
	Department  *string            `json:"department,omitempty" yaml:"department,omitempty"`
	Position    *string            `json:"position,omitempty" yaml:"position,omitempty"`
	Priority    int                `json:"priority" yaml:"priority"`
	IsActive    bool               `json:"is_active" yaml:"is_active"`
	Steps       []ApprovalFlowStep `json:"steps" yaml:"steps"`
	CreatedAt   time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time          `json:"updated_at" yaml:"-"`
}

// ApprovalFlowStep is one position in a flow.
type ApprovalFlowStep struct {
	ID                 string       `json:"id,omitempty" yaml:"-"`
	StepOrder          int          `json:"step_order" yaml:"step_order"`
	Name               string       `json:"name" yaml:"name"`
	ApproverType       ApproverType `json:"approver_type" yaml:"approver_type"`
	ApproverRoleCode   string       `json:"approver_role_code,omitempty" yaml:"approver_role_code,omitempty"`
	SpecificApproverID *string      `json:"specific_approver_id,omitempty" yaml:"specific_approver_id,omitempty"`
	IsFinal            bool         `json:"is_final" yaml:"is_final"`
	AutoApproveHours   int          `json:"auto_approve_hours" yaml:"auto_approve_hours"`
	EscalationHours    int          `json:"escalation_hours" yaml:"escalation_hours"`
	EscalationRoleCode string       `json:"escalation_role_code,omitempty" yaml:"escalation_role_code,omitempty"`
}

// SortSteps orders steps by ascending step_order.
func SortSteps(steps []ApprovalFlowStep) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
}

// ── Instances ────────────────────────────────────────────────────────────────

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "pending"
	StatusReturned  InstanceStatus = "returned"
	StatusApproved  InstanceStatus = "approved"
	StatusRejected  InstanceStatus = "rejected"
	StatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// ApprovalInstance is one running approval bound to a target request. Steps
// holds the flow's step list as it was at initiation.
type ApprovalInstance struct {
	ID                  string             `json:"id"`
	FlowID              string             `json:"flow_id"`
	FlowCode            string             `json:"flow_code"`
	TargetType          string             `json:"target_type"`
	TargetID            string             `json:"target_id"`
	RequesterID         *string            `json:"requester_id,omitempty"`
	Status              InstanceStatus     `json:"status"`
	CurrentStepOrder    int                `json:"current_step_order"`
	CurrentApproverRole string             `json:"current_approver_role,omitempty"`
	CurrentApproverID   *string            `json:"current_approver_id,omitempty"`
	IsUrgent            bool               `json:"is_urgent"`
	Steps               []ApprovalFlowStep `json:"steps"`
	ResolvedBy          *string            `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time         `json:"resolved_at,omitempty"`
	FinalComment        *string            `json:"final_comment,omitempty"`
	Version             int                `json:"version"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// StepAt returns the snapshot step with the given order.
func (i *ApprovalInstance) StepAt(order int) (*ApprovalFlowStep, bool) {
	for idx := range i.Steps {
		if i.Steps[idx].StepOrder == order {
			return &i.Steps[idx], true
		}
	}
	return nil, false
}

// NextStep returns the step following order, if any.
func (i *ApprovalInstance) NextStep(order int) (*ApprovalFlowStep, bool) {
	var next *ApprovalFlowStep
	for idx := range i.Steps {
		s := &i.Steps[idx]
		if s.StepOrder > order && (next == nil || s.StepOrder < next.StepOrder) {
			next = s
		}
	}
	return next, next != nil
}

// PreviousStep returns the step preceding order, if any.
func (i *ApprovalInstance) PreviousStep(order int) (*ApprovalFlowStep, bool) {
	var prev *ApprovalFlowStep
	for idx := range i.Steps {
		s := &i.Steps[idx]
		if s.StepOrder < order && (prev == nil || s.StepOrder > prev.StepOrder) {
			prev = s
		}
	}
	return prev, prev != nil
}

// ── Action ledger ────────────────────────────────────────────────────────────

// ActionType names a recorded transition.
type ActionType string

const (
	ActionApprove     ActionType = "approve"
	ActionReject      ActionType = "reject"
	ActionReturn      ActionType = "return"
	ActionDelegate    ActionType = "delegate"
	ActionAutoApprove ActionType = "auto_approve"
	ActionEscalate    ActionType = "escalate"
	ActionResubmit    ActionType = "resubmit"
	ActionCancel      ActionType = "cancel"
)

// ApprovalAction is one immutable ledger row. ActorID is nil for system actions.
type ApprovalAction struct {
	ID           string         `json:"id"`
	InstanceID   string         `json:"instance_id"`
	StepOrder    int            `json:"step_order"`
	ActionType   ActionType     `json:"action_type"`
	ActorID      *string        `json:"actor_id,omitempty"`
	Comment      *string        `json:"comment,omitempty"`
	DelegateToID *string        `json:"delegate_to_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ActionDayCount is one (day, action type) aggregate.
type ActionDayCount struct {
	Day        time.Time  `json:"day"`
	ActionType ActionType `json:"action_type"`
	Count      int        `json:"count"`
}

// ResolutionStats aggregates instance outcomes.
type ResolutionStats struct {
	Pending            int     `json:"pending"`
	ApprovedSince      int     `json:"approved_since"`
	RejectedSince      int     `json:"rejected_since"`
	AvgResolutionHours float64 `json:"avg_resolution_hours"`
}

// ── Staff directory ──────────────────────────────────────────────────────────

// Staff is the read-only view of an employee owned by the HR module.
type Staff struct {
	ID         string   `json:"id"`
	FullName   string   `json:"full_name"`
	Branch     *string  `json:"branch,omitempty"`
	Region     *string  `json:"region,omitempty"`
	Department *string  `json:"department,omitempty"`
	Position   *string  `json:"position,omitempty"`
	ManagerID  *string  `json:"manager_id,omitempty"`
	RoleCodes  []string `json:"role_codes"`
}

// HasRole reports whether the staff member holds the role code.
func (s *Staff) HasRole(code string) bool {
	if code == "" {
		return false
	}
	for _, r := range s.RoleCodes {
		if r == code {
			return true
		}
	}
	return false
}

// ── Outbox ───────────────────────────────────────────────────────────────────

// OutboxEvent is an event persisted with the transition that produced it.
type OutboxEvent struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Payload     []byte     `json:"payload"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// ── Query filters ────────────────────────────────────────────────────────────

// InstanceFilter narrows instance listings. Empty fields do not filter.
// ApproverRoles and ApproverID are OR-ed together.
type InstanceFilter struct {
	Statuses      []InstanceStatus
	FlowID        string
	RequesterID   string
	TargetType    string
	ApproverRoles []string
	ApproverID    string
	Limit         int
}
