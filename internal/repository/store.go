package repository

import (
	"context"
	"time"
)

// FlowQueries persists flow templates. Steps are written with their flow.
type FlowQueries interface {
	CreateFlow(ctx context.Context, flow *ApprovalFlow) error
	UpdateFlow(ctx context.Context, flow *ApprovalFlow) error
	GetFlow(ctx context.Context, id string) (*ApprovalFlow, error)
	GetFlowByCode(ctx context.Context, code string) (*ApprovalFlow, error)
	// ListFlows returns flows ordered by priority descending, then code.
	// An empty targetType lists every target type.
	ListFlows(ctx context.Context, targetType string, activeOnly bool) ([]*ApprovalFlow, error)
	SetFlowActive(ctx context.Context, id string, active bool, at time.Time) error
	DeleteFlow(ctx context.Context, id string) error
}

// InstanceQueries persists approval instances.
type InstanceQueries interface {
	CreateInstance(ctx context.Context, inst *ApprovalInstance) error
	GetInstance(ctx context.Context, id string) (*ApprovalInstance, error)
	// LockInstance loads the instance and holds a row lock until the
	// surrounding transaction ends.
	LockInstance(ctx context.Context, id string) (*ApprovalInstance, error)
	// UpdateInstance writes the mutable columns and increments Version.
	UpdateInstance(ctx context.Context, inst *ApprovalInstance) error
	// GetInstanceByTarget returns the most recent instance for a target.
	GetInstanceByTarget(ctx context.Context, targetType, targetID string) (*ApprovalInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*ApprovalInstance, error)
	CountInstances(ctx context.Context, filter InstanceFilter) (int, error)
	ResolutionStats(ctx context.Context, since time.Time) (*ResolutionStats, error)
}

// ActionQueries is the append-only ledger. There is deliberately no update
// or delete.
type ActionQueries interface {
	AppendAction(ctx context.Context, action *ApprovalAction) error
	// ListActions returns an instance's actions oldest first.
	ListActions(ctx context.Context, instanceID string) ([]*ApprovalAction, error)
	HasAction(ctx context.Context, instanceID string, actionType ActionType, stepOrder int) (bool, error)
	CountActionsByDay(ctx context.Context, from, to time.Time) ([]ActionDayCount, error)
}

// OutboxQueries stores events until they are relayed to the bus.
type OutboxQueries interface {
	EnqueueEvent(ctx context.Context, event *OutboxEvent) error
	// FetchUnpublished claims up to limit unpublished events oldest first.
	FetchUnpublished(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// Queries is every statement the engine issues.
type Queries interface {
	FlowQueries
	InstanceQueries
	ActionQueries
	OutboxQueries
}

// Store runs Queries either inside one transaction or as independent statements.
type Store interface {
	// InTx runs fn atomically: every write made through q commits together
	// or not at all.
	InTx(ctx context.Context, fn func(q Queries) error) error
	// Read runs fn without transactional grouping.
	Read(ctx context.Context, fn func(q Queries) error) error
}

// StaffReader resolves staff members from the HR directory.
type StaffReader interface {
	GetStaff(ctx context.Context, id string) (*Staff, error)
}
