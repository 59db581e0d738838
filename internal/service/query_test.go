package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func TestPendingQueues(t *testing.T) {
	f := newFixture(t)
	f.createFlow(t, leaveDefault())

	first := f.initiate(t, "LR-1")
	f.clock.Advance(time.Minute)
	second := f.initiate(t, "LR-2")
	f.clock.Advance(time.Minute)
	urgent, err := f.engine.Initiate(f.ctx, InitiateRequest{TargetType: "leave", TargetID: "LR-3", RequesterID: strPtr("emp-2"), IsUrgent: true})
	require.NoError(t, err)

	_, err = f.engine.Approve(f.ctx, DecisionRequest{InstanceID: second.ID, ActorID: "mgr-1"})
	require.NoError(t, err)
	_, err = f.engine.Delegate(f.ctx, DelegateRequest{InstanceID: first.ID, DelegatorID: "mgr-1", DelegateToID: "clerk-1"})
	require.NoError(t, err)

	mine, err := f.queries.PendingForStaff(f.ctx, "mgr-1", 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, urgent.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)

	delegated, err := f.queries.PendingForStaff(f.ctx, "clerk-1", 0)
	require.NoError(t, err)
	require.Len(t, delegated, 1)
	assert.Equal(t, first.ID, delegated[0].ID)

	hr, err := f.queries.PendingForRole(f.ctx, "HR_MANAGER", 10)
	require.NoError(t, err)
	require.Len(t, hr, 1)
	assert.Equal(t, second.ID, hr[0].ID)

	limited, err := f.queries.PendingForRole(f.ctx, "BRANCH_MANAGER", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = f.queries.PendingForRole(f.ctx, "", 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	_, err = f.queries.PendingForStaff(f.ctx, "ghost", 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestSubmittedByAndLookups(t *testing.T) {
	f := newFixture(t)
	f.createFlow(t, leaveDefault())
	a := f.initiate(t, "LR-1")
	b := f.initiate(t, "LR-2")
	_, err := f.engine.Cancel(f.ctx, CancelRequest{InstanceID: b.ID})
	require.NoError(t, err)

	all, err := f.queries.SubmittedBy(f.ctx, "emp-1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := f.queries.SubmittedBy(f.ctx, "emp-1", []repository.InstanceStatus{repository.StatusPending}, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)

	byTarget, err := f.queries.InstanceByTarget(f.ctx, "leave", "LR-2")
	require.NoError(t, err)
	assert.Equal(t, b.ID, byTarget.ID)

	_, err = f.queries.InstanceByTarget(f.ctx, "leave", "LR-404")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	_, err = f.queries.History(f.ctx, "missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestStatsAndActionCounts(t *testing.T) {
	f := newFixture(t)
	flow := leaveDefault()
	flow.Steps = flow.Steps[:1]
	f.createFlow(t, flow)

	// Resolved yesterday.
	old := f.initiate(t, "LR-0")
	f.clock.Advance(4 * time.Hour)
	_, err := f.engine.Approve(f.ctx, DecisionRequest{InstanceID: old.ID, ActorID: "mgr-1"})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	approved := f.initiate(t, "LR-1")
	rejected := f.initiate(t, "LR-2")
	f.initiate(t, "LR-3")

	f.clock.Advance(2 * time.Hour)
	_, err = f.engine.Approve(f.ctx, DecisionRequest{InstanceID: approved.ID, ActorID: "mgr-1"})
	require.NoError(t, err)
	_, err = f.engine.Reject(f.ctx, DecisionRequest{InstanceID: rejected.ID, ActorID: "mgr-1", Comment: strPtr("no")})
	require.NoError(t, err)

	stats, err := f.queries.Stats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.ApprovedToday)
	assert.Equal(t, 1, stats.RejectedToday)
	assert.InDelta(t, (4.0+2.0+2.0)/3.0, stats.AvgResolutionHours, 0.0001)

	counts, err := f.queries.ActionCountsByDay(f.ctx, t0.Add(-24*time.Hour), t0.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, counts, 3)
	assert.Equal(t, repository.ActionDayCount{Day: t0.Truncate(24 * time.Hour), ActionType: repository.ActionApprove, Count: 1}, counts[0])
	assert.Equal(t, repository.ActionApprove, counts[1].ActionType)
	assert.Equal(t, repository.ActionReject, counts[2].ActionType)

	_, err = f.queries.ActionCountsByDay(f.ctx, t0, t0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}
