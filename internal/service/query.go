package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// QueryService is the read side: queues, lookups, history and stats.
type QueryService struct {
	store repository.Store
	staff repository.StaffReader
	loc   *time.Location
	opts  options
}

// NewQueryService creates a QueryService. loc defines "today" for Stats.
func NewQueryService(store repository.Store, staff repository.StaffReader, loc *time.Location, opts ...Option) *QueryService {
	if loc == nil {
		loc = time.UTC
	}
	return &QueryService{store: store, staff: staff, loc: loc, opts: applyOptions(opts)}
}

// Stats is the dashboard aggregate.
type Stats struct {
	Pending            int     `json:"pending"`
	ApprovedToday      int     `json:"approved_today"`
	RejectedToday      int     `json:"rejected_today"`
	AvgResolutionHours float64 `json:"avg_resolution_hours"`
}

// PendingForStaff lists pending instances waiting on any of the staff
// member's roles or addressed to them directly.
func (s *QueryService) PendingForStaff(ctx context.Context, staffID string, limit int) ([]*repository.ApprovalInstance, error) {
	staff, err := s.staff.GetStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, repository.InstanceFilter{
		Statuses:      []repository.InstanceStatus{repository.StatusPending},
		ApproverRoles: staff.RoleCodes,
		ApproverID:    staff.ID,
		Limit:         limit,
	})
}

// PendingForRole lists pending instances waiting on a role.
func (s *QueryService) PendingForRole(ctx context.Context, roleCode string, limit int) ([]*repository.ApprovalInstance, error) {
	if roleCode == "" {
		return nil, errors.InvalidInput("role", "role is required")
	}
	return s.list(ctx, repository.InstanceFilter{
		Statuses:      []repository.InstanceStatus{repository.StatusPending},
		ApproverRoles: []string{roleCode},
		Limit:         limit,
	})
}

// SubmittedBy lists a requester's instances, optionally narrowed by status.
func (s *QueryService) SubmittedBy(ctx context.Context, requesterID string, statuses []repository.InstanceStatus, limit int) ([]*repository.ApprovalInstance, error) {
	if requesterID == "" {
		return nil, errors.InvalidInput("requester_id", "requester_id is required")
	}
	return s.list(ctx, repository.InstanceFilter{
		Statuses:    statuses,
		RequesterID: requesterID,
		Limit:       limit,
	})
}

func (s *QueryService) list(ctx context.Context, filter repository.InstanceFilter) ([]*repository.ApprovalInstance, error) {
	var out []*repository.ApprovalInstance
	err := s.store.Read(ctx, func(q repository.Queries) error {
		var err error
		out, err = q.ListInstances(ctx, filter)
		return err
	})
	return out, err
}

// Instance returns an instance by id.
func (s *QueryService) Instance(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	var inst *repository.ApprovalInstance
	err := s.store.Read(ctx, func(q repository.Queries) error {
		var err error
		inst, err = q.GetInstance(ctx, id)
		return err
	})
	return inst, err
}

// InstanceByTarget returns the latest instance for a target request.
func (s *QueryService) InstanceByTarget(ctx context.Context, targetType, targetID string) (*repository.ApprovalInstance, error) {
	var inst *repository.ApprovalInstance
	err := s.store.Read(ctx, func(q repository.Queries) error {
		var err error
		inst, err = q.GetInstanceByTarget(ctx, targetType, targetID)
		return err
	})
	return inst, err
}

// History returns an instance's ledger oldest first.
func (s *QueryService) History(ctx context.Context, instanceID string) ([]*repository.ApprovalAction, error) {
	var actions []*repository.ApprovalAction
	err := s.store.Read(ctx, func(q repository.Queries) error {
		if _, err := q.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		var err error
		actions, err = q.ListActions(ctx, instanceID)
		return err
	})
	return actions, err
}

// Stats reports the pending count, today's outcomes and the mean resolution time.
func (s *QueryService) Stats(ctx context.Context) (*Stats, error) {
	now := s.opts.now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

	var rs *repository.ResolutionStats
	err := s.store.Read(ctx, func(q repository.Queries) error {
		var err error
		rs, err = q.ResolutionStats(ctx, midnight)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Stats{
		Pending:            rs.Pending,
		ApprovedToday:      rs.ApprovedSince,
		RejectedToday:      rs.RejectedSince,
		AvgResolutionHours: rs.AvgResolutionHours,
	}, nil
}

// ActionCountsByDay aggregates ledger rows in [from, to) by day and type.
func (s *QueryService) ActionCountsByDay(ctx context.Context, from, to time.Time) ([]repository.ActionDayCount, error) {
	if !from.Before(to) {
		return nil, errors.InvalidInput("from", "from must be before to")
	}
	var out []repository.ActionDayCount
	err := s.store.Read(ctx, func(q repository.Queries) error {
		var err error
		out, err = q.CountActionsByDay(ctx, from, to)
		return err
	})
	return out, err
}
