package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/flows", leaveFlow())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	flow := decode[repository.ApprovalFlow](t, rec)
	assert.NotEmpty(t, flow.ID)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/initiate", map[string]interface{}{
		"target_type":  "leave",
		"target_id":    "LR-1",
		"requester_id": "emp-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inst := decode[repository.ApprovalInstance](t, rec)
	assert.Equal(t, repository.StatusPending, inst.Status)
	assert.Equal(t, "BRANCH_MANAGER", inst.CurrentApproverRole)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/pending?staff_id=mgr-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[struct {
		Instances []repository.ApprovalInstance `json:"instances"`
		Count     int                           `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, queue.Count)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/approve", service.DecisionRequest{InstanceID: inst.ID, ActorID: "mgr-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[repository.ApprovalInstance](t, rec).CurrentStepOrder)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/approve", service.DecisionRequest{InstanceID: inst.ID, ActorID: "hr-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, repository.StatusApproved, decode[repository.ApprovalInstance](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/history?instance_id="+inst.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Actions []repository.ApprovalAction `json:"actions"`
	}](t, rec)
	require.Len(t, history.Actions, 2)
	assert.Equal(t, repository.ActionApprove, history.Actions[1].ActionType)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/by-target?target_type=leave&target_id=LR-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, inst.ID, decode[repository.ApprovalInstance](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[service.Stats](t, rec).Pending)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/v1/flows", leaveFlow())
	inst, err := f.engine.Initiate(context.Background(), service.InitiateRequest{TargetType: "leave", TargetID: "LR-1", RequesterID: strPtr("emp-1")})
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   errors.ErrorCode
	}{
		{"unknown instance", http.MethodGet, "/api/v1/approvals/get?id=missing", nil, http.StatusNotFound, errors.ErrCodeNotFound},
		{"wrong approver", http.MethodPost, "/api/v1/approvals/approve",
			service.DecisionRequest{InstanceID: inst.ID, ActorID: "clerk-1"}, http.StatusForbidden, errors.ErrCodeNotAuthorized},
		{"reject without comment", http.MethodPost, "/api/v1/approvals/reject",
			service.DecisionRequest{InstanceID: inst.ID, ActorID: "mgr-1"}, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"no matching flow", http.MethodPost, "/api/v1/approvals/initiate",
			service.InitiateRequest{TargetType: "claim", TargetID: "C-1"}, http.StatusUnprocessableEntity, errors.ErrCodeNoMatchingFlow},
		{"second open instance", http.MethodPost, "/api/v1/approvals/initiate",
			service.InitiateRequest{TargetType: "leave", TargetID: "LR-1"}, http.StatusConflict, errors.ErrCodeConflict},
		{"pending without subject", http.MethodGet, "/api/v1/approvals/pending", nil, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"bad limit", http.MethodGet, "/api/v1/approvals/pending?role=HR_MANAGER&limit=x", nil, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"bad date", http.MethodGet, "/api/v1/approvals/action-counts?from=yesterday&to=2026-01-02", nil, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"sweep disabled", http.MethodPost, "/api/v1/scheduler/sweep", nil, http.StatusServiceUnavailable, errors.ErrCodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.RequestID)
		})
	}
}

func TestMalformedBodyAndMethod(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/approvals/approve", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/approve", "not an object")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "body", decode[errorBody](t, rec).Error.Field)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailOn("ListFlows", errors.Wrap(context.DeadlineExceeded, errors.ErrCodeInternal, "db timeout on host 10.0.0.7"))

	rec := f.do(t, http.MethodGet, "/api/v1/flows", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "internal error", body.Error.Message)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestFlowEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/flows", leaveFlow())
	require.Equal(t, http.StatusCreated, rec.Code)
	flow := decode[repository.ApprovalFlow](t, rec)

	rec = f.do(t, http.MethodGet, "/api/v1/flows/get?code=LEAVE_DEFAULT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, flow.ID, decode[repository.ApprovalFlow](t, rec).ID)

	flow.Name = "Leave approval v2"
	flow.Steps = flow.Steps[:1]
	rec = f.do(t, http.MethodPost, "/api/v1/flows/update", flow)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/flows/deactivate", flowRef{ID: flow.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/flows?target_type=leave&active_only=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Flows []repository.ApprovalFlow `json:"flows"`
	}](t, rec)
	assert.Empty(t, list.Flows)

	rec = f.do(t, http.MethodGet, "/api/v1/flows/get?id="+flow.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[repository.ApprovalFlow](t, rec)
	assert.Equal(t, "Leave approval v2", got.Name)
	assert.False(t, got.IsActive)
	assert.Len(t, got.Steps, 1)

	rec = f.do(t, http.MethodDelete, "/api/v1/flows/delete?id="+flow.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/flows/get?id="+flow.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReturnAndResubmitOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/v1/flows", leaveFlow())
	rec := f.do(t, http.MethodPost, "/api/v1/approvals/initiate", service.InitiateRequest{TargetType: "leave", TargetID: "LR-1", RequesterID: strPtr("emp-1")})
	inst := decode[repository.ApprovalInstance](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/return", service.DecisionRequest{InstanceID: inst.ID, ActorID: "mgr-1", Comment: strPtr("attach the certificate")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, repository.StatusReturned, decode[repository.ApprovalInstance](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/approve", service.DecisionRequest{InstanceID: inst.ID, ActorID: "mgr-1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errors.ErrCodeAwaitingResubmission, decode[errorBody](t, rec).Error.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/submitted?requester_id=emp-1&status=returned", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), inst.ID)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/resubmit", service.ResubmitRequest{InstanceID: inst.ID, ActorID: strPtr("emp-1")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, repository.StatusPending, decode[repository.ApprovalInstance](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/delegate", service.DelegateRequest{InstanceID: inst.ID, DelegatorID: "mgr-1", DelegateToID: "clerk-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/cancel", service.CancelRequest{InstanceID: inst.ID, Reason: strPtr("withdrawn")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, repository.StatusCancelled, decode[repository.ApprovalInstance](t, rec).Status)
}

type fakeSweeper struct {
	result service.SweepResult
	err    error
}

func (s fakeSweeper) Sweep(context.Context) (service.SweepResult, error) {
	return s.result, s.err
}

func TestSweepEndpoint(t *testing.T) {
	f := newFixture(t, fakeSweeper{result: service.SweepResult{Scanned: 3, AutoApproved: 1}})
	rec := f.do(t, http.MethodPost, "/api/v1/scheduler/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.SweepResult{Scanned: 3, AutoApproved: 1}, decode[service.SweepResult](t, rec))

	busy := newFixture(t, fakeSweeper{err: service.ErrSweepRunning})
	rec = busy.do(t, http.MethodPost, "/api/v1/scheduler/sweep", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
