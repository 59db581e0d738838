package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceStepNavigation(t *testing.T) {
	inst := &ApprovalInstance{Steps: []ApprovalFlowStep{
		{StepOrder: 1, Name: "manager"},
		{StepOrder: 2, Name: "hr"},
		{StepOrder: 5, Name: "director"},
	}}

	step, ok := inst.StepAt(2)
	require.True(t, ok)
	assert.Equal(t, "hr", step.Name)

	_, ok = inst.StepAt(3)
	assert.False(t, ok)

	next, ok := inst.NextStep(2)
	require.True(t, ok)
	assert.Equal(t, 5, next.StepOrder)

	_, ok = inst.NextStep(5)
	assert.False(t, ok)

	prev, ok := inst.PreviousStep(5)
	require.True(t, ok)
	assert.Equal(t, 2, prev.StepOrder)

	_, ok = inst.PreviousStep(1)
	assert.False(t, ok)
}

func TestSortSteps(t *testing.T) {
	steps := []ApprovalFlowStep{{StepOrder: 3}, {StepOrder: 1}, {StepOrder: 2}}
	SortSteps(steps)
	assert.Equal(t, 1, steps[0].StepOrder)
	assert.Equal(t, 2, steps[1].StepOrder)
	assert.Equal(t, 3, steps[2].StepOrder)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusReturned.IsTerminal())
	assert.True(t, StatusApproved.IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestStaffHasRole(t *testing.T) {
	s := &Staff{RoleCodes: []string{"HR_MANAGER", "LINE_MANAGER"}}
	assert.True(t, s.HasRole("HR_MANAGER"))
	assert.False(t, s.HasRole("CFO"))
	assert.False(t, s.HasRole(""))
}
