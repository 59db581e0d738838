package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func TestValidateFlow(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*repository.ApprovalFlow)
		field  string
	}{
		{"missing code", func(fl *repository.ApprovalFlow) { fl.Code = "" }, "code"},
		{"missing target type", func(fl *repository.ApprovalFlow) { fl.TargetType = " " }, "target_type"},
		{"no steps", func(fl *repository.ApprovalFlow) { fl.Steps = nil }, "steps"},
		{"zero step order", func(fl *repository.ApprovalFlow) { fl.Steps[0].StepOrder = 0 }, "steps[0].step_order"},
		{"duplicate step order", func(fl *repository.ApprovalFlow) { fl.Steps[1].StepOrder = 1 }, "steps[1].step_order"},
		{"unknown approver type", func(fl *repository.ApprovalFlow) { fl.Steps[0].ApproverType = "committee" }, "steps[0].approver_type"},
		{"role without code", func(fl *repository.ApprovalFlow) { fl.Steps[0].ApproverRoleCode = "" }, "steps[0].approver_role_code"},
		{"specific user without id", func(fl *repository.ApprovalFlow) {
			fl.Steps[0].ApproverType = repository.ApproverSpecificUser
		}, "steps[0].specific_approver_id"},
		{"negative auto approve", func(fl *repository.ApprovalFlow) { fl.Steps[0].AutoApproveHours = -1 }, "steps[0].auto_approve_hours"},
		{"escalation without role", func(fl *repository.ApprovalFlow) { fl.Steps[0].EscalationHours = 4 }, "steps[0].escalation_role_code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := leaveDefault()
			tt.mutate(flow)
			err := f.catalog.ValidateFlow(flow)
			require.Error(t, err)
			var e *errors.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, errors.ErrCodeInvalidInput, e.Code)
			assert.Equal(t, tt.field, e.Field)
		})
	}

	assert.NoError(t, f.catalog.ValidateFlow(leaveDefault()))
}

func TestCreateFlowSortsStepsAndRejectsDuplicateCode(t *testing.T) {
	f := newFixture(t)
	flow := leaveDefault()
	flow.Steps[0], flow.Steps[1] = flow.Steps[1], flow.Steps[0]
	created := f.createFlow(t, flow)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Steps[0].StepOrder)
	assert.Equal(t, t0, created.CreatedAt)

	_, err := f.catalog.CreateFlow(f.ctx, leaveDefault())
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func scopedFlow(code string, priority int, branch *string) *repository.ApprovalFlow {
	flow := leaveDefault()
	flow.Code = code
	flow.Priority = priority
	flow.Branch = branch
	return flow
}

func TestResolveScoping(t *testing.T) {
	f := newFixture(t)
	f.createFlow(t, scopedFlow("LEAVE_ANY", 0, nil))
	f.createFlow(t, scopedFlow("LEAVE_HCM", 10, strPtr("HCM")))
	f.createFlow(t, scopedFlow("LEAVE_HN", 20, strPtr("HN")))

	hcmSouth := scopedFlow("LEAVE_HCM_SOUTH", 30, strPtr("HCM"))
	hcmSouth.Region = strPtr("SOUTH")
	hcmSouth.Department = strPtr("OPS")
	f.createFlow(t, hcmSouth)

	staff := func(id string) *repository.Staff {
		s, err := f.store.GetStaff(f.ctx, id)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		requester string
		want      string
	}{
		{"emp-1", "LEAVE_HCM"}, // department SALES does not match LEAVE_HCM_SOUTH
		{"emp-2", "LEAVE_HN"},
		{"emp-3", "LEAVE_ANY"},
	}
	for _, tt := range tests {
		t.Run(tt.requester, func(t *testing.T) {
			flow, err := f.catalog.Resolve(f.ctx, "leave", staff(tt.requester))
			require.NoError(t, err)
			require.NotNil(t, flow)
			assert.Equal(t, tt.want, flow.Code)
		})
	}

	flow, err := f.catalog.Resolve(f.ctx, "claim", staff("emp-1"))
	require.NoError(t, err)
	assert.Nil(t, flow)
}

func TestResolveForInitiationOrder(t *testing.T) {
	f := newFixture(t)
	f.createFlow(t, scopedFlow("LEAVE_ANY", 0, nil))
	f.createFlow(t, scopedFlow("LEAVE_HN", 20, strPtr("HN")))
	claim := scopedFlow("CLAIM_DEFAULT", 0, nil)
	claim.TargetType = "claim"
	f.createFlow(t, claim)
	inactive := scopedFlow("LEAVE_OLD", 99, nil)
	inactive.IsActive = false
	f.createFlow(t, inactive)

	emp1, err := f.store.GetStaff(f.ctx, "emp-1")
	require.NoError(t, err)

	tests := []struct {
		name      string
		code      string
		requester *repository.Staff
		want      string
	}{
		{"explicit code beats scoping", "LEAVE_HN", emp1, "LEAVE_HN"},
		{"code of other target type falls through", "CLAIM_DEFAULT", emp1, "LEAVE_ANY"},
		{"inactive code falls through", "LEAVE_OLD", emp1, "LEAVE_ANY"},
		{"unknown code falls through", "NOPE", emp1, "LEAVE_ANY"},
		{"no requester takes highest priority", "", nil, "LEAVE_HN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow, err := f.catalog.ResolveForInitiation(f.ctx, tt.code, "leave", tt.requester)
			require.NoError(t, err)
			require.NotNil(t, flow)
			assert.Equal(t, tt.want, flow.Code)
		})
	}
}

func TestResolveFallsBackWhenNoScopeMatches(t *testing.T) {
	f := newFixture(t)
	f.createFlow(t, scopedFlow("LEAVE_HN", 20, strPtr("HN")))

	emp1, err := f.store.GetStaff(f.ctx, "emp-1")
	require.NoError(t, err)

	scoped, err := f.catalog.Resolve(f.ctx, "leave", emp1)
	require.NoError(t, err)
	assert.Nil(t, scoped)

	flow, err := f.catalog.ResolveForInitiation(f.ctx, "", "leave", emp1)
	require.NoError(t, err)
	require.NotNil(t, flow)
	assert.Equal(t, "LEAVE_HN", flow.Code)
}

func TestDeactivateBlocksInitiation(t *testing.T) {
	f := newFixture(t)
	flow := f.createFlow(t, leaveDefault())
	require.NoError(t, f.catalog.DeactivateFlow(f.ctx, flow.ID))

	_, err := f.engine.Initiate(f.ctx, InitiateRequest{TargetType: "leave", TargetID: "LR-1"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoMatchingFlow))

	require.NoError(t, f.catalog.ActivateFlow(f.ctx, flow.ID))
	f.initiate(t, "LR-1")

	assert.True(t, errors.IsCode(f.catalog.ActivateFlow(f.ctx, "missing"), errors.ErrCodeNotFound))
}

func TestDeleteFlowGuardsOpenInstances(t *testing.T) {
	f := newFixture(t)
	flow := f.createFlow(t, leaveDefault())
	inst := f.initiate(t, "LR-1")

	err := f.catalog.DeleteFlow(f.ctx, flow.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	_, err = f.engine.Cancel(f.ctx, CancelRequest{InstanceID: inst.ID})
	require.NoError(t, err)
	require.NoError(t, f.catalog.DeleteFlow(f.ctx, flow.ID))

	_, err = f.catalog.GetFlow(f.ctx, flow.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	// The resolved instance keeps its snapshot.
	got := f.instance(t, inst.ID)
	assert.Empty(t, got.FlowID)
	assert.Len(t, got.Steps, 2)
}

const seedYAML = `
flows:
  - code: LEAVE_DEFAULT
    name: Default leave approval
    target_type: leave
    priority: 0
    is_active: true
    steps:
      - step_order: 1
        name: Branch manager
        approver_type: branch_manager
        approver_role_code: BRANCH_MANAGER
        escalation_hours: 24
        escalation_role_code: REGIONAL_DIRECTOR
      - step_order: 2
        name: HR
        approver_type: role
        approver_role_code: HR_MANAGER
        is_final: true
  - code: CLAIM_HCM
    name: HCM expense claims
    target_type: claim
    branch: HCM
    priority: 10
    is_active: true
    steps:
      - step_order: 1
        name: Manager
        approver_type: direct_manager
        auto_approve_hours: 48
`

func TestImportYAMLUpsertsByCode(t *testing.T) {
	f := newFixture(t)

	n, err := f.catalog.ImportYAML(f.ctx, strings.NewReader(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	leave, err := f.catalog.GetFlowByCode(f.ctx, "LEAVE_DEFAULT")
	require.NoError(t, err)
	require.Len(t, leave.Steps, 2)
	assert.Equal(t, repository.ApproverBranchManager, leave.Steps[0].ApproverType)
	assert.Equal(t, "REGIONAL_DIRECTOR", leave.Steps[0].EscalationRoleCode)

	claim, err := f.catalog.GetFlowByCode(f.ctx, "CLAIM_HCM")
	require.NoError(t, err)
	require.NotNil(t, claim.Branch)
	assert.Equal(t, "HCM", *claim.Branch)

	updated := strings.Replace(seedYAML, "name: Default leave approval", "name: Leave approval v2", 1)
	n, err = f.catalog.ImportYAML(f.ctx, strings.NewReader(updated))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	again, err := f.catalog.GetFlowByCode(f.ctx, "LEAVE_DEFAULT")
	require.NoError(t, err)
	assert.Equal(t, leave.ID, again.ID)
	assert.Equal(t, "Leave approval v2", again.Name)

	flows, err := f.catalog.ListFlows(f.ctx, "", false)
	require.NoError(t, err)
	assert.Len(t, flows, 2)
}

func TestImportYAMLRejectsInvalidFlow(t *testing.T) {
	f := newFixture(t)
	_, err := f.catalog.ImportYAML(f.ctx, strings.NewReader("flows:\n  - code: BROKEN\n    name: x\n    target_type: leave\n"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}
