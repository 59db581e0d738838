package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memstore"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	ctx     context.Context
	store   *memstore.Store
	clock   *fakeClock
	catalog *Catalog
	engine  *Engine
	queries *QueryService
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	clock := &fakeClock{t: t0}
	log := logger.Nop()
	opts := []Option{WithClock(clock.Now)}

	store.AddStaff(
		&repository.Staff{ID: "emp-1", FullName: "Linh Tran", Branch: strPtr("HCM"), Region: strPtr("SOUTH"),
			Department: strPtr("SALES"), ManagerID: strPtr("mgr-1")},
		&repository.Staff{ID: "emp-2", FullName: "Minh Pham", Branch: strPtr("HN"), Region: strPtr("NORTH")},
		&repository.Staff{ID: "emp-3", FullName: "An Vo"},
		&repository.Staff{ID: "mgr-1", FullName: "Hoa Le", Branch: strPtr("HCM"), RoleCodes: []string{"BRANCH_MANAGER"}},
		&repository.Staff{ID: "mgr-2", FullName: "Quang Do", Branch: strPtr("HCM"), RoleCodes: []string{"BRANCH_MANAGER"}},
		&repository.Staff{ID: "hr-1", FullName: "Thu Nguyen", RoleCodes: []string{"HR_MANAGER"}},
		&repository.Staff{ID: "dir-1", FullName: "Bao Dang", RoleCodes: []string{"REGIONAL_DIRECTOR"}},
		&repository.Staff{ID: "clerk-1", FullName: "Nam Ho"},
	)

	return &fixture{
		ctx:     context.Background(),
		store:   store,
		clock:   clock,
		catalog: NewCatalog(store, log, opts...),
		engine:  NewEngine(store, store, log, opts...),
		queries: NewQueryService(store, store, time.UTC, opts...),
	}
}

func leaveDefault() *repository.ApprovalFlow {
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

func (f *fixture) createFlow(t *testing.T, flow *repository.ApprovalFlow) *repository.ApprovalFlow {
	t.Helper()
	created, err := f.catalog.CreateFlow(f.ctx, flow)
	require.NoError(t, err)
	return created
}

func (f *fixture) initiate(t *testing.T, targetID string) *repository.ApprovalInstance {
	t.Helper()
	inst, err := f.engine.Initiate(f.ctx, InitiateRequest{
		TargetType:  "leave",
		TargetID:    targetID,
		RequesterID: strPtr("emp-1"),
	})
	require.NoError(t, err)
	return inst
}

func (f *fixture) instance(t *testing.T, id string) *repository.ApprovalInstance {
	t.Helper()
	inst, err := f.queries.Instance(f.ctx, id)
	require.NoError(t, err)
	return inst
}

func (f *fixture) history(t *testing.T, id string) []*repository.ApprovalAction {
	t.Helper()
	actions, err := f.queries.History(f.ctx, id)
	require.NoError(t, err)
	return actions
}

// eventsOf decodes outbox rows of one type, oldest first.
func (f *fixture) eventsOf(t *testing.T, typ EventType) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for _, ev := range f.store.Events() {
		env, err := DecodeEnvelope(ev.Payload)
		require.NoError(t, err)
		if env.Type == typ {
			require.Equal(t, Subject(DefaultSubjectPrefix, typ), ev.Subject)
			out = append(out, env.Payload)
		}
	}
	return out
}
