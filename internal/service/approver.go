package service

import (
	"sync"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ApproverCheck is the input to an approver strategy.
type ApproverCheck struct {
	Step      *repository.ApprovalFlowStep
	Actor     *repository.Staff
	Requester *repository.Staff // nil when the instance has no known requester
}

// ApproverStrategy decides whether Actor may act on Step.
type ApproverStrategy func(c ApproverCheck) bool

// ApproverRegistry maps approver types to strategies. Unknown types are denied.
type ApproverRegistry struct {
	mu         sync.RWMutex
	strategies map[repository.ApproverType]ApproverStrategy
}

// NewApproverRegistry returns an empty registry.
func NewApproverRegistry() *ApproverRegistry {
	return &ApproverRegistry{strategies: make(map[repository.ApproverType]ApproverStrategy)}
}

// DefaultApproverRegistry registers a strategy for every declared approver type.
func DefaultApproverRegistry() *ApproverRegistry {
	r := NewApproverRegistry()
	r.Register(repository.ApproverRole, holdsStepRole)
	r.Register(repository.ApproverDirectManager, isDirectManager)
	r.Register(repository.ApproverSpecificUser, isSpecificApprover)
	for _, t := range []repository.ApproverType{
		repository.ApproverSkipManager,
		repository.ApproverBranchManager,
		repository.ApproverRegionalManager,
		repository.ApproverDepartmentHead,
	} {
		r.Register(t, holdsStepRole)
	}
	return r
}

// Register sets the strategy for an approver type.
func (r *ApproverRegistry) Register(t repository.ApproverType, s ApproverStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[t] = s
}

// Supports reports whether a strategy exists for t.
func (r *ApproverRegistry) Supports(t repository.ApproverType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[t]
	return ok
}

// Authorize runs the strategy for the step's approver type.
func (r *ApproverRegistry) Authorize(c ApproverCheck) bool {
	if c.Step == nil || c.Actor == nil {
		return false
	}
	r.mu.RLock()
	s, ok := r.strategies[c.Step.ApproverType]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return s(c)
}

// holdsStepRole requires membership of approver_role_code; an empty code denies.
func holdsStepRole(c ApproverCheck) bool {
	return c.Actor.HasRole(c.Step.ApproverRoleCode)
}

func isDirectManager(c ApproverCheck) bool {
	if c.Requester == nil || c.Requester.ManagerID == nil {
		return false
	}
	return *c.Requester.ManagerID == c.Actor.ID
}

func isSpecificApprover(c ApproverCheck) bool {
	return c.Step.SpecificApproverID != nil && *c.Step.SpecificApproverID == c.Actor.ID
}

// approverFor returns the cached approver role and user for a step.
func approverFor(step *repository.ApprovalFlowStep, requester *repository.Staff) (string, *string) {
	switch step.ApproverType {
	case repository.ApproverSpecificUser:
		return step.ApproverRoleCode, copyString(step.SpecificApproverID)
	case repository.ApproverDirectManager:
		if requester != nil {
			return step.ApproverRoleCode, copyString(requester.ManagerID)
		}
	}
	return step.ApproverRoleCode, nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
