// Package memstore is an in-memory repository.Store. Transactions are
// serialized by a single mutex and applied copy-on-success, so a failing
// transaction leaves no trace. It backs the service tests and
// STORE_DRIVER=memory.
//
// The mutex is store-wide and held for the whole transaction. The outbox
// relay publishes inside its transaction, so while a batch is on the wire
// every engine transition waits for it. Use it for tests and
// single-process development only.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

type state struct {
	flows     map[string]*repository.ApprovalFlow
	instances map[string]*repository.ApprovalInstance
	instSeq   map[string]int
	actions   []*repository.ApprovalAction
	outbox    []*repository.OutboxEvent
	seq       int
}

func newState() *state {
	return &state{
		flows:     make(map[string]*repository.ApprovalFlow),
		instances: make(map[string]*repository.ApprovalInstance),
		instSeq:   make(map[string]int),
	}
}

func (s *state) clone() *state {
	c := &state{
		flows:     make(map[string]*repository.ApprovalFlow, len(s.flows)),
		instances: make(map[string]*repository.ApprovalInstance, len(s.instances)),
		instSeq:   make(map[string]int, len(s.instSeq)),
		actions:   append([]*repository.ApprovalAction(nil), s.actions...),
		outbox:    make([]*repository.OutboxEvent, len(s.outbox)),
		seq:       s.seq,
	}
	for id, f := range s.flows {
		c.flows[id] = copyFlow(f)
	}
	for id, inst := range s.instances {
		c.instances[id] = copyInstance(inst)
	}
	for id, n := range s.instSeq {
		c.instSeq[id] = n
	}
	for i, e := range s.outbox {
		cp := *e
		c.outbox[i] = &cp
	}
	return c
}

var (
	_ repository.Store       = (*Store)(nil)
	_ repository.StaffReader = (*Store)(nil)
)

// Store is the in-memory Store and StaffReader.
type Store struct {
	mu     sync.Mutex
	st     *state
	failOn map[string]error

	staffMu sync.RWMutex
	staff   map[string]*repository.Staff
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		st:     newState(),
		failOn: make(map[string]error),
		staff:  make(map[string]*repository.Staff),
	}
}

// InTx runs fn on a private copy of the state and publishes it only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(q repository.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&queries{st: work, failOn: s.failOn}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Read runs fn directly against the committed state.
func (s *Store) Read(ctx context.Context, fn func(q repository.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&queries{st: s.st, failOn: s.failOn})
}

// FailOn makes the named query method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, method)
		return
	}
	s.failOn[method] = err
}

// Events returns a copy of every outbox row, oldest first.
func (s *Store) Events() []repository.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.OutboxEvent, len(s.st.outbox))
	for i, e := range s.st.outbox {
		out[i] = *e
	}
	return out
}

// ActionCount returns the total number of ledger rows.
func (s *Store) ActionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.actions)
}

// AddStaff registers staff members in the directory.
func (s *Store) AddStaff(staff ...*repository.Staff) {
	s.staffMu.Lock()
	defer s.staffMu.Unlock()
	for _, st := range staff {
		cp := *st
		cp.RoleCodes = append([]string(nil), st.RoleCodes...)
		s.staff[st.ID] = &cp
	}
}

// GetStaff returns a staff member.
func (s *Store) GetStaff(_ context.Context, id string) (*repository.Staff, error) {
	s.staffMu.RLock()
	defer s.staffMu.RUnlock()
	st, ok := s.staff[id]
	if !ok {
		return nil, errors.NotFound("staff", id)
	}
	cp := *st
	cp.RoleCodes = append([]string(nil), st.RoleCodes...)
	return &cp, nil
}

// ── Queries ─────────────────────────────────────────────────────────────────

type queries struct {
	st     *state
	failOn map[string]error
}

func (q *queries) fail(method string) error {
	return q.failOn[method]
}

// ── Flows ───────────────────────────────────────────────────────────────────

func (q *queries) CreateFlow(_ context.Context, flow *repository.ApprovalFlow) error {
	if err := q.fail("CreateFlow"); err != nil {
		return err
	}
	for _, f := range q.st.flows {
		if f.Code == flow.Code {
			return errors.Newf(errors.ErrCodeConflict, "flow code %q already exists", flow.Code)
		}
	}
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	for i := range flow.Steps {
		if flow.Steps[i].ID == "" {
			flow.Steps[i].ID = uuid.NewString()
		}
	}
	q.st.flows[flow.ID] = copyFlow(flow)
	return nil
}

func (q *queries) UpdateFlow(_ context.Context, flow *repository.ApprovalFlow) error {
	if err := q.fail("UpdateFlow"); err != nil {
		return err
	}
	if _, ok := q.st.flows[flow.ID]; !ok {
		return errors.NotFound("approval_flow", flow.ID)
	}
	for _, f := range q.st.flows {
		if f.Code == flow.Code && f.ID != flow.ID {
			return errors.Newf(errors.ErrCodeConflict, "flow code %q already exists", flow.Code)
		}
	}
	for i := range flow.Steps {
		if flow.Steps[i].ID == "" {
			flow.Steps[i].ID = uuid.NewString()
		}
	}
	q.st.flows[flow.ID] = copyFlow(flow)
	return nil
}

func (q *queries) GetFlow(_ context.Context, id string) (*repository.ApprovalFlow, error) {
	if err := q.fail("GetFlow"); err != nil {
		return nil, err
	}
	f, ok := q.st.flows[id]
	if !ok {
		return nil, errors.NotFound("approval_flow", id)
	}
	return copyFlow(f), nil
}

func (q *queries) GetFlowByCode(_ context.Context, code string) (*repository.ApprovalFlow, error) {
	if err := q.fail("GetFlowByCode"); err != nil {
		return nil, err
	}
	for _, f := range q.st.flows {
		if f.Code == code {
			return copyFlow(f), nil
		}
	}
	return nil, errors.NotFound("approval_flow", code)
}

func (q *queries) ListFlows(_ context.Context, targetType string, activeOnly bool) ([]*repository.ApprovalFlow, error) {
	if err := q.fail("ListFlows"); err != nil {
		return nil, err
	}
	var out []*repository.ApprovalFlow
	for _, f := range q.st.flows {
		if targetType != "" && f.TargetType != targetType {
			continue
		}
		if activeOnly && !f.IsActive {
			continue
		}
		out = append(out, copyFlow(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (q *queries) SetFlowActive(_ context.Context, id string, active bool, at time.Time) error {
	if err := q.fail("SetFlowActive"); err != nil {
		return err
	}
	f, ok := q.st.flows[id]
	if !ok {
		return errors.NotFound("approval_flow", id)
	}
	f.IsActive = active
	f.UpdatedAt = at
	return nil
}

func (q *queries) DeleteFlow(_ context.Context, id string) error {
	if err := q.fail("DeleteFlow"); err != nil {
		return err
	}
	if _, ok := q.st.flows[id]; !ok {
		return errors.NotFound("approval_flow", id)
	}
	delete(q.st.flows, id)
	for _, inst := range q.st.instances {
		if inst.FlowID == id {
			inst.FlowID = ""
		}
	}
	return nil
}

// ── Instances ───────────────────────────────────────────────────────────────

func (q *queries) CreateInstance(_ context.Context, inst *repository.ApprovalInstance) error {
	if err := q.fail("CreateInstance"); err != nil {
		return err
	}
	if isOpen(inst.Status) {
		for _, other := range q.st.instances {
			if isOpen(other.Status) && other.TargetType == inst.TargetType && other.TargetID == inst.TargetID {
				return errors.Newf(errors.ErrCodeConflict,
					"%s %s already has an open approval", inst.TargetType, inst.TargetID)
			}
		}
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	q.st.seq++
	q.st.instSeq[inst.ID] = q.st.seq
	q.st.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (q *queries) GetInstance(_ context.Context, id string) (*repository.ApprovalInstance, error) {
	if err := q.fail("GetInstance"); err != nil {
		return nil, err
	}
	inst, ok := q.st.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	return copyInstance(inst), nil
}

// LockInstance is GetInstance: the store mutex already serializes transactions.
func (q *queries) LockInstance(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	if err := q.fail("LockInstance"); err != nil {
		return nil, err
	}
	return q.GetInstance(ctx, id)
}

func (q *queries) UpdateInstance(_ context.Context, inst *repository.ApprovalInstance) error {
	if err := q.fail("UpdateInstance"); err != nil {
		return err
	}
	cur, ok := q.st.instances[inst.ID]
	if !ok {
		return errors.NotFound("approval_instance", inst.ID)
	}
	cur.Status = inst.Status
	cur.CurrentStepOrder = inst.CurrentStepOrder
	cur.CurrentApproverRole = inst.CurrentApproverRole
	cur.CurrentApproverID = inst.CurrentApproverID
	cur.ResolvedBy = inst.ResolvedBy
	cur.ResolvedAt = inst.ResolvedAt
	cur.FinalComment = inst.FinalComment
	cur.UpdatedAt = inst.UpdatedAt
	cur.Version++
	inst.Version = cur.Version
	return nil
}

func (q *queries) GetInstanceByTarget(_ context.Context, targetType, targetID string) (*repository.ApprovalInstance, error) {
	if err := q.fail("GetInstanceByTarget"); err != nil {
		return nil, err
	}
	var latest *repository.ApprovalInstance
	for _, inst := range q.st.instances {
		if inst.TargetType != targetType || inst.TargetID != targetID {
			continue
		}
		if latest == nil || inst.CreatedAt.After(latest.CreatedAt) ||
			(inst.CreatedAt.Equal(latest.CreatedAt) && q.st.instSeq[inst.ID] > q.st.instSeq[latest.ID]) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, errors.NotFound("approval_instance", targetType+"/"+targetID)
	}
	return copyInstance(latest), nil
}

func (q *queries) ListInstances(_ context.Context, filter repository.InstanceFilter) ([]*repository.ApprovalInstance, error) {
	if err := q.fail("ListInstances"); err != nil {
		return nil, err
	}
	out := q.filter(filter)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (q *queries) CountInstances(_ context.Context, filter repository.InstanceFilter) (int, error) {
	if err := q.fail("CountInstances"); err != nil {
		return 0, err
	}
	return len(q.filter(filter)), nil
}

func (q *queries) filter(filter repository.InstanceFilter) []*repository.ApprovalInstance {
	var out []*repository.ApprovalInstance
	for _, inst := range q.st.instances {
		if matches(inst, filter) {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsUrgent != b.IsUrgent {
			return a.IsUrgent
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return q.st.instSeq[a.ID] < q.st.instSeq[b.ID]
	})
	return out
}

func matches(inst *repository.ApprovalInstance, f repository.InstanceFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if inst.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.FlowID != "" && inst.FlowID != f.FlowID {
		return false
	}
	if f.RequesterID != "" && (inst.RequesterID == nil || *inst.RequesterID != f.RequesterID) {
		return false
	}
	if f.TargetType != "" && inst.TargetType != f.TargetType {
		return false
	}
	if len(f.ApproverRoles) > 0 || f.ApproverID != "" {
		hit := false
		for _, r := range f.ApproverRoles {
			if inst.CurrentApproverRole == r {
				hit = true
				break
			}
		}
		if !hit && f.ApproverID != "" && inst.CurrentApproverID != nil && *inst.CurrentApproverID == f.ApproverID {
			hit = true
		}
		if !hit {
			return false
		}
	}
	return true
}

func (q *queries) ResolutionStats(_ context.Context, since time.Time) (*repository.ResolutionStats, error) {
	if err := q.fail("ResolutionStats"); err != nil {
		return nil, err
	}
	stats := &repository.ResolutionStats{}
	var totalHours float64
	var resolved int
	for _, inst := range q.st.instances {
		switch inst.Status {
		case repository.StatusPending:
			stats.Pending++
		case repository.StatusApproved, repository.StatusRejected:
			if inst.ResolvedAt == nil {
				continue
			}
			if !inst.ResolvedAt.Before(since) {
				if inst.Status == repository.StatusApproved {
					stats.ApprovedSince++
				} else {
					stats.RejectedSince++
				}
			}
			totalHours += inst.ResolvedAt.Sub(inst.CreatedAt).Hours()
			resolved++
		}
	}
	if resolved > 0 {
		stats.AvgResolutionHours = totalHours / float64(resolved)
	}
	return stats, nil
}

// ── Actions ─────────────────────────────────────────────────────────────────

func (q *queries) AppendAction(_ context.Context, action *repository.ApprovalAction) error {
	if err := q.fail("AppendAction"); err != nil {
		return err
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	cp := *action
	q.st.actions = append(q.st.actions, &cp)
	return nil
}

func (q *queries) ListActions(_ context.Context, instanceID string) ([]*repository.ApprovalAction, error) {
	if err := q.fail("ListActions"); err != nil {
		return nil, err
	}
	var out []*repository.ApprovalAction
	for _, a := range q.st.actions {
		if a.InstanceID == instanceID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *queries) HasAction(_ context.Context, instanceID string, actionType repository.ActionType, stepOrder int) (bool, error) {
	if err := q.fail("HasAction"); err != nil {
		return false, err
	}
	for _, a := range q.st.actions {
		if a.InstanceID == instanceID && a.ActionType == actionType && a.StepOrder == stepOrder {
			return true, nil
		}
	}
	return false, nil
}

func (q *queries) CountActionsByDay(_ context.Context, from, to time.Time) ([]repository.ActionDayCount, error) {
	if err := q.fail("CountActionsByDay"); err != nil {
		return nil, err
	}
	type key struct {
		day time.Time
		at  repository.ActionType
	}
	counts := make(map[key]int)
	for _, a := range q.st.actions {
		if a.CreatedAt.Before(from) || !a.CreatedAt.Before(to) {
			continue
		}
		u := a.CreatedAt.UTC()
		day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		counts[key{day, a.ActionType}]++
	}
	out := make([]repository.ActionDayCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, repository.ActionDayCount{Day: k.day, ActionType: k.at, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].ActionType < out[j].ActionType
	})
	return out, nil
}

// ── Outbox ──────────────────────────────────────────────────────────────────

func (q *queries) EnqueueEvent(_ context.Context, event *repository.OutboxEvent) error {
	if err := q.fail("EnqueueEvent"); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	cp := *event
	cp.Payload = append([]byte(nil), event.Payload...)
	q.st.outbox = append(q.st.outbox, &cp)
	return nil
}

func (q *queries) FetchUnpublished(_ context.Context, limit int) ([]*repository.OutboxEvent, error) {
	if err := q.fail("FetchUnpublished"); err != nil {
		return nil, err
	}
	var out []*repository.OutboxEvent
	for _, e := range q.st.outbox {
		if e.PublishedAt != nil {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *queries) MarkPublished(_ context.Context, id string, at time.Time) error {
	if err := q.fail("MarkPublished"); err != nil {
		return err
	}
	for _, e := range q.st.outbox {
		if e.ID == id {
			t := at
			e.PublishedAt = &t
			e.Attempts++
			e.LastError = nil
			return nil
		}
	}
	return errors.NotFound("outbox_event", id)
}

func (q *queries) MarkFailed(_ context.Context, id string, reason string) error {
	if err := q.fail("MarkFailed"); err != nil {
		return err
	}
	for _, e := range q.st.outbox {
		if e.ID == id {
			r := reason
			e.Attempts++
			e.LastError = &r
			return nil
		}
	}
	return errors.NotFound("outbox_event", id)
}

// ── copy helpers ────────────────────────────────────────────────────────────

func isOpen(s repository.InstanceStatus) bool {
	return s == repository.StatusPending || s == repository.StatusReturned
}

func copyFlow(f *repository.ApprovalFlow) *repository.ApprovalFlow {
	cp := *f
	cp.Steps = append([]repository.ApprovalFlowStep(nil), f.Steps...)
	return &cp
}

func copyInstance(inst *repository.ApprovalInstance) *repository.ApprovalInstance {
	cp := *inst
	cp.Steps = append([]repository.ApprovalFlowStep(nil), inst.Steps...)
	return &cp
}
