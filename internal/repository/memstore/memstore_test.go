package memstore

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newInstance(targetID string, created time.Time) *repository.ApprovalInstance {
	return &repository.ApprovalInstance{
		FlowCode:         "LEAVE_DEFAULT",
		TargetType:       "leave",
		TargetID:         targetID,
		Status:           repository.StatusPending,
		CurrentStepOrder: 1,
		Steps:            []repository.ApprovalFlowStep{{StepOrder: 1, Name: "manager"}},
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	boom := stderrors.New("boom")
	err := s.InTx(ctx, func(q repository.Queries) error {
		require.NoError(t, q.CreateInstance(ctx, newInstance("L-1", t0)))
		require.NoError(t, q.AppendAction(ctx, &repository.ApprovalAction{InstanceID: "x", CreatedAt: t0}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.ActionCount())

	err = s.Read(ctx, func(q repository.Queries) error {
		_, err := q.GetInstanceByTarget(ctx, "leave", "L-1")
		return err
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestInTxHoldsWholeStore(t *testing.T) {
	ctx := context.Background()
	s := New()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.InTx(ctx, func(q repository.Queries) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var done atomic.Bool
	go func() {
		_ = s.InTx(ctx, func(q repository.Queries) error {
			return q.CreateInstance(ctx, newInstance("L-1", t0))
		})
		done.Store(true)
	}()

	assert.Never(t, done.Load, 50*time.Millisecond, 5*time.Millisecond)
	close(release)
	assert.Eventually(t, done.Load, time.Second, 5*time.Millisecond)
}

func TestReturnedInstancesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := newInstance("L-1", t0)
	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error { return q.CreateInstance(ctx, inst) }))

	require.NoError(t, s.Read(ctx, func(q repository.Queries) error {
		got, err := q.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		got.Status = repository.StatusApproved
		return nil
	}))

	require.NoError(t, s.Read(ctx, func(q repository.Queries) error {
		got, err := q.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.StatusPending, got.Status)
		return nil
	}))
}

func TestOpenInstanceUniquePerTarget(t *testing.T) {
	ctx := context.Background()
	s := New()
	first := newInstance("L-1", t0)
	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error { return q.CreateInstance(ctx, first) }))

	err := s.InTx(ctx, func(q repository.Queries) error { return q.CreateInstance(ctx, newInstance("L-1", t0)) })
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error {
		first.Status = repository.StatusRejected
		return q.UpdateInstance(ctx, first)
	}))
	assert.Equal(t, 2, first.Version)

	second := newInstance("L-1", t0.Add(time.Hour))
	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error { return q.CreateInstance(ctx, second) }))

	require.NoError(t, s.Read(ctx, func(q repository.Queries) error {
		latest, err := q.GetInstanceByTarget(ctx, "leave", "L-1")
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
		return nil
	}))
}

func TestListInstancesOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := New()
	mgr := "mgr-1"

	a := newInstance("A", t0)
	a.CurrentApproverRole = "HR_MANAGER"
	b := newInstance("B", t0.Add(-time.Hour))
	b.CurrentApproverRole = "HR_MANAGER"
	c := newInstance("C", t0.Add(time.Hour))
	c.IsUrgent = true
	c.CurrentApproverRole = "HR_MANAGER"
	d := newInstance("D", t0)
	d.CurrentApproverID = &mgr

	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error {
		for _, inst := range []*repository.ApprovalInstance{a, b, c, d} {
			if err := q.CreateInstance(ctx, inst); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.Read(ctx, func(q repository.Queries) error {
		got, err := q.ListInstances(ctx, repository.InstanceFilter{
			Statuses:      []repository.InstanceStatus{repository.StatusPending},
			ApproverRoles: []string{"HR_MANAGER"},
			ApproverID:    mgr,
		})
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, "C", got[0].TargetID)
		assert.Equal(t, "B", got[1].TargetID)
		assert.Equal(t, "A", got[2].TargetID)
		assert.Equal(t, "D", got[3].TargetID)

		n, err := q.CountInstances(ctx, repository.InstanceFilter{ApproverID: mgr})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func TestFailOn(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := stderrors.New("disk full")
	s.FailOn("AppendAction", boom)

	err := s.InTx(ctx, func(q repository.Queries) error {
		return q.AppendAction(ctx, &repository.ApprovalAction{InstanceID: "x", CreatedAt: t0})
	})
	assert.ErrorIs(t, err, boom)

	s.FailOn("AppendAction", nil)
	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error {
		return q.AppendAction(ctx, &repository.ApprovalAction{InstanceID: "x", CreatedAt: t0})
	}))
	assert.Equal(t, 1, s.ActionCount())
}

func TestCountActionsByDay(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error {
		for _, a := range []*repository.ApprovalAction{
			{InstanceID: "i1", ActionType: repository.ActionApprove, CreatedAt: t0},
			{InstanceID: "i2", ActionType: repository.ActionApprove, CreatedAt: t0.Add(2 * time.Hour)},
			{InstanceID: "i3", ActionType: repository.ActionReject, CreatedAt: t0.Add(24 * time.Hour)},
			{InstanceID: "i4", ActionType: repository.ActionReject, CreatedAt: t0.Add(72 * time.Hour)},
		} {
			if err := q.AppendAction(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.Read(ctx, func(q repository.Queries) error {
		got, err := q.CountActionsByDay(ctx, t0.Add(-time.Hour), t0.Add(48*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, repository.ActionApprove, got[0].ActionType)
		assert.Equal(t, 2, got[0].Count)
		assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), got[1].Day)
		assert.Equal(t, repository.ActionReject, got[1].ActionType)
		return nil
	}))
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error {
		if err := q.EnqueueEvent(ctx, &repository.OutboxEvent{Subject: "approvals.completed", Payload: []byte(`{}`), CreatedAt: t0}); err != nil {
			return err
		}
		return q.EnqueueEvent(ctx, &repository.OutboxEvent{Subject: "approvals.step_pending", Payload: []byte(`{}`), CreatedAt: t0})
	}))

	var first string
	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error {
		events, err := q.FetchUnpublished(ctx, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)
		first = events[0].ID
		return q.MarkPublished(ctx, first, t0)
	}))

	require.NoError(t, s.InTx(ctx, func(q repository.Queries) error {
		events, err := q.FetchUnpublished(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		return q.MarkFailed(ctx, events[0].ID, "nats down")
	}))

	events := s.Events()
	require.Len(t, events, 2)
	assert.NotNil(t, events[0].PublishedAt)
	assert.Nil(t, events[1].PublishedAt)
	require.NotNil(t, events[1].LastError)
	assert.Equal(t, "nats down", *events[1].LastError)
	assert.Equal(t, 1, events[1].Attempts)
}

func TestStaffDirectory(t *testing.T) {
	s := New()
	s.AddStaff(&repository.Staff{ID: "s1", FullName: "Ana", RoleCodes: []string{"HR_MANAGER"}})

	st, err := s.GetStaff(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, st.HasRole("HR_MANAGER"))

	_, err = s.GetStaff(context.Background(), "missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}
