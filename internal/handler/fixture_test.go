package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memstore"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

func strPtr(s string) *string { return &s }

type fixture struct {
	store   *memstore.Store
	engine  *service.Engine
	catalog *service.Catalog
	queries *service.QueryService
	server  http.Handler
}

func newFixture(t *testing.T, sweeper Sweeper) *fixture {
	t.Helper()
	store := memstore.New()
	store.AddStaff(
		&repository.Staff{ID: "emp-1", FullName: "Linh Tran", Branch: strPtr("HCM"), ManagerID: strPtr("mgr-1")},
		&repository.Staff{ID: "mgr-1", FullName: "Hoa Le", Branch: strPtr("HCM"), RoleCodes: []string{"BRANCH_MANAGER"}},
		&repository.Staff{ID: "hr-1", FullName: "Thu Nguyen", RoleCodes: []string{"HR_MANAGER"}},
		&repository.Staff{ID: "clerk-1", FullName: "Nam Ho"},
	)

	log := logger.Nop()
	f := &fixture{
		store:   store,
		engine:  service.NewEngine(store, store, log),
		catalog: service.NewCatalog(store, log),
		queries: service.NewQueryService(store, store, time.UTC),
	}

	mux := http.NewServeMux()
	NewHTTPHandler(f.engine, f.catalog, f.queries, sweeper, log).Register(mux)
	f.server = middleware.RequestID(mux)
	return f
}

func leaveFlow() *repository.ApprovalFlow {
	return &repository.ApprovalFlow{
		Code:       "LEAVE_DEFAULT",
		Name:       "Default leave approval",
		TargetType: "leave",
		IsActive:   true,
		Steps: []repository.ApprovalFlowStep{
			{StepOrder: 1, Name: "Branch manager", ApproverType: repository.ApproverRole, ApproverRoleCode: "BRANCH_MANAGER"},
			{StepOrder: 2, Name: "HR", ApproverType: repository.ApproverRole, ApproverRoleCode: "HR_MANAGER", IsFinal: true},
		},
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}
