package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// DefaultSubjectPrefix is prepended to every event type to form the bus subject.
const DefaultSubjectPrefix = "approvals"

// EventType names an outbound event.
type EventType string

const (
	EventStepPending EventType = "step_pending"
	EventCompleted   EventType = "completed"
	EventEscalated   EventType = "escalated"
	EventReturned    EventType = "returned"
	EventCancelled   EventType = "cancelled"
)

// Subject returns the bus subject for an event type.
func Subject(prefix string, t EventType) string {
	return prefix + "." + string(t)
}

// Envelope wraps every published event. ID doubles as the de-duplication key.
type Envelope struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses a published message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed event envelope")
	}
	return &env, nil
}

// StepPending is sent on initiation, on every step advance, after a
// resubmission and after a delegation.
type StepPending struct {
	InstanceID       string  `json:"instance_id"`
	TargetType       string  `json:"target_type"`
	TargetID         string  `json:"target_id"`
	StepOrder        int     `json:"step_order"`
	StepName         string  `json:"step_name"`
	ApproverRoleCode string  `json:"approver_role_code"`
	ApproverUserID   *string `json:"approver_user_id,omitempty"`
	IsUrgent         bool    `json:"is_urgent"`
}

// Completed is sent exactly once per instance when it resolves to approved or rejected.
type Completed struct {
	InstanceID string                    `json:"instance_id"`
	TargetType string                    `json:"target_type"`
	TargetID   string                    `json:"target_id"`
	Status     repository.InstanceStatus `json:"status"`
	ApproverID *string                   `json:"approver_id,omitempty"`
	Comment    *string                   `json:"comment,omitempty"`
}

// Escalated is sent when the scheduler hands a step to the escalation role.
type Escalated struct {
	InstanceID      string  `json:"instance_id"`
	TargetType      string  `json:"target_type"`
	TargetID        string  `json:"target_id"`
	StepOrder       int     `json:"step_order"`
	EscalatedToRole string  `json:"escalated_to_role"`
	HoursPending    float64 `json:"hours_pending"`
}

// Returned asks the domain module to update the target and resubmit.
type Returned struct {
	InstanceID   string  `json:"instance_id"`
	TargetType   string  `json:"target_type"`
	TargetID     string  `json:"target_id"`
	Comment      string  `json:"comment"`
	ReturnedByID *string `json:"returned_by_id,omitempty"`
}

// Cancelled is sent when an open instance is withdrawn.
type Cancelled struct {
	InstanceID    string  `json:"instance_id"`
	TargetType    string  `json:"target_type"`
	TargetID      string  `json:"target_id"`
	Reason        *string `json:"reason,omitempty"`
	CancelledByID *string `json:"cancelled_by_id,omitempty"`
}

// eventWriter stages events in the outbox of the current transaction.
type eventWriter struct {
	prefix string
}

func (w eventWriter) enqueue(ctx context.Context, q repository.OutboxQueries, t EventType, payload any, at time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event payload")
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: at,
		Payload:    body,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event envelope")
	}
	return q.EnqueueEvent(ctx, &repository.OutboxEvent{
		ID:        env.ID,
		Subject:   Subject(w.prefix, t),
		Payload:   data,
		CreatedAt: at,
	})
}

func (w eventWriter) stepPending(ctx context.Context, q repository.OutboxQueries, inst *repository.ApprovalInstance, step *repository.ApprovalFlowStep, at time.Time) error {
	return w.enqueue(ctx, q, EventStepPending, StepPending{
		InstanceID:       inst.ID,
		TargetType:       inst.TargetType,
		TargetID:         inst.TargetID,
		StepOrder:        step.StepOrder,
		StepName:         step.Name,
		ApproverRoleCode: inst.CurrentApproverRole,
		ApproverUserID:   inst.CurrentApproverID,
		IsUrgent:         inst.IsUrgent,
	}, at)
}
