package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Catalog stores flow templates and resolves the template for a request.
type Catalog struct {
	store repository.Store
	log   *logger.Logger
	opts  options
}

// NewCatalog creates a Catalog.
func NewCatalog(store repository.Store, log *logger.Logger, opts ...Option) *Catalog {
	return &Catalog{store: store, log: log, opts: applyOptions(opts)}
}

// ── Administration ───────────────────────────────────────────────────────────

// ValidateFlow checks a template before it is stored.
func (c *Catalog) ValidateFlow(flow *repository.ApprovalFlow) error {
	if strings.TrimSpace(flow.Code) == "" {
		return errors.InvalidInput("code", "code is required")
	}
	if strings.TrimSpace(flow.Name) == "" {
		return errors.InvalidInput("name", "name is required")
	}
	if strings.TrimSpace(flow.TargetType) == "" {
		return errors.InvalidInput("target_type", "target_type is required")
	}
	if len(flow.Steps) == 0 {
		return errors.InvalidInput("steps", "at least one step is required")
	}

	seen := make(map[int]bool, len(flow.Steps))
	for i, s := range flow.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if s.StepOrder < 1 {
			return errors.InvalidInput(field+".step_order", "step_order must be at least 1")
		}
		if seen[s.StepOrder] {
			return errors.InvalidInput(field+".step_order", fmt.Sprintf("duplicate step_order %d", s.StepOrder))
		}
		seen[s.StepOrder] = true

		if strings.TrimSpace(s.Name) == "" {
			return errors.InvalidInput(field+".name", "name is required")
		}
		if !c.opts.approvers.Supports(s.ApproverType) {
			return errors.InvalidInput(field+".approver_type", fmt.Sprintf("unknown approver type %q", s.ApproverType))
		}
		switch s.ApproverType {
		case repository.ApproverSpecificUser:
			if s.SpecificApproverID == nil || *s.SpecificApproverID == "" {
				return errors.InvalidInput(field+".specific_approver_id", "required for specific_user steps")
			}
		case repository.ApproverRole:
			if s.ApproverRoleCode == "" {
				return errors.InvalidInput(field+".approver_role_code", "required for role steps")
			}
		}
		if s.AutoApproveHours < 0 {
			return errors.InvalidInput(field+".auto_approve_hours", "must not be negative")
		}
		if s.EscalationHours < 0 {
			return errors.InvalidInput(field+".escalation_hours", "must not be negative")
		}
		if s.EscalationHours > 0 && s.EscalationRoleCode == "" {
			return errors.InvalidInput(field+".escalation_role_code", "required when escalation_hours is set")
		}
	}
	return nil
}

// CreateFlow validates and stores a new template.
func (c *Catalog) CreateFlow(ctx context.Context, flow *repository.ApprovalFlow) (*repository.ApprovalFlow, error) {
	if err := c.ValidateFlow(flow); err != nil {
		return nil, err
	}
	repository.SortSteps(flow.Steps)
	now := c.opts.now()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	if err := c.store.InTx(ctx, func(q repository.Queries) error {
		return q.CreateFlow(ctx, flow)
	}); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("flow_id", flow.ID).
		Str("flow_code", flow.Code).
		Int("steps", len(flow.Steps)).
		Msg("Approval flow created")
	return flow, nil
}

// UpdateFlow replaces a template's attributes and steps. Running instances
// keep the steps they were started with.
func (c *Catalog) UpdateFlow(ctx context.Context, flow *repository.ApprovalFlow) (*repository.ApprovalFlow, error) {
	if flow.ID == "" {
		return nil, errors.InvalidInput("id", "id is required")
	}
	if err := c.ValidateFlow(flow); err != nil {
		return nil, err
	}
	repository.SortSteps(flow.Steps)

	err := c.store.InTx(ctx, func(q repository.Queries) error {
		existing, err := q.GetFlow(ctx, flow.ID)
		if err != nil {
			return err
		}
		flow.CreatedAt = existing.CreatedAt
		flow.UpdatedAt = c.opts.now()
		return q.UpdateFlow(ctx, flow)
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("flow_id", flow.ID).Str("flow_code", flow.Code).Msg("Approval flow updated")
	return flow, nil
}

// GetFlow returns a template by id.
func (c *Catalog) GetFlow(ctx context.Context, id string) (*repository.ApprovalFlow, error) {
	var flow *repository.ApprovalFlow
	err := c.store.Read(ctx, func(q repository.Queries) error {
		var err error
		flow, err = q.GetFlow(ctx, id)
		return err
	})
	return flow, err
}

// GetFlowByCode returns a template by code.
func (c *Catalog) GetFlowByCode(ctx context.Context, code string) (*repository.ApprovalFlow, error) {
	var flow *repository.ApprovalFlow
	err := c.store.Read(ctx, func(q repository.Queries) error {
		var err error
		flow, err = q.GetFlowByCode(ctx, code)
		return err
	})
	return flow, err
}

// ListFlows lists templates, optionally for one target type and active only.
func (c *Catalog) ListFlows(ctx context.Context, targetType string, activeOnly bool) ([]*repository.ApprovalFlow, error) {
	var flows []*repository.ApprovalFlow
	err := c.store.Read(ctx, func(q repository.Queries) error {
		var err error
		flows, err = q.ListFlows(ctx, targetType, activeOnly)
		return err
	})
	return flows, err
}

// ActivateFlow re-enables a template for new instances.
func (c *Catalog) ActivateFlow(ctx context.Context, id string) error {
	return c.setActive(ctx, id, true)
}

// DeactivateFlow blocks new instances; open instances continue.
func (c *Catalog) DeactivateFlow(ctx context.Context, id string) error {
	return c.setActive(ctx, id, false)
}

func (c *Catalog) setActive(ctx context.Context, id string, active bool) error {
	err := c.store.InTx(ctx, func(q repository.Queries) error {
		return q.SetFlowActive(ctx, id, active, c.opts.now())
	})
	if err != nil {
		return err
	}
	c.log.Info().Str("flow_id", id).Bool("active", active).Msg("Approval flow activation changed")
	return nil
}

// DeleteFlow removes a template that has no open instances.
func (c *Catalog) DeleteFlow(ctx context.Context, id string) error {
	err := c.store.InTx(ctx, func(q repository.Queries) error {
		if _, err := q.GetFlow(ctx, id); err != nil {
			return err
		}
		open, err := q.CountInstances(ctx, repository.InstanceFilter{
			FlowID:   id,
			Statuses: []repository.InstanceStatus{repository.StatusPending, repository.StatusReturned},
		})
		if err != nil {
			return err
		}
		if open > 0 {
			return errors.Newf(errors.ErrCodeConflict, "flow has %d open instances", open)
		}
		return q.DeleteFlow(ctx, id)
	})
	if err != nil {
		return err
	}
	c.log.Info().Str("flow_id", id).Msg("Approval flow deleted")
	return nil
}

// ── Resolution ───────────────────────────────────────────────────────────────

// Resolve returns the highest-priority active flow for targetType whose
// scoping attributes all match the requester, or nil.
func (c *Catalog) Resolve(ctx context.Context, targetType string, requester *repository.Staff) (*repository.ApprovalFlow, error) {
	var flow *repository.ApprovalFlow
	err := c.store.Read(ctx, func(q repository.Queries) error {
		flows, err := q.ListFlows(ctx, targetType, true)
		if err != nil {
			return err
		}
		flow = matchScoped(flows, requester)
		return nil
	})
	return flow, err
}

// ResolveForInitiation applies the initiation order: explicit code, then
// scoped match, then any active flow for the target type. It returns nil
// when no active flow exists for targetType.
func (c *Catalog) ResolveForInitiation(ctx context.Context, code, targetType string, requester *repository.Staff) (*repository.ApprovalFlow, error) {
	var flow *repository.ApprovalFlow
	err := c.store.Read(ctx, func(q repository.Queries) error {
		var err error
		flow, err = resolveForInitiation(ctx, q, code, targetType, requester)
		return err
	})
	return flow, err
}

func resolveForInitiation(ctx context.Context, q repository.FlowQueries, code, targetType string, requester *repository.Staff) (*repository.ApprovalFlow, error) {
	if code != "" {
		flow, err := q.GetFlowByCode(ctx, code)
		switch {
		case err == nil:
			if flow.IsActive && flow.TargetType == targetType {
				return flow, nil
			}
		case !errors.IsCode(err, errors.ErrCodeNotFound):
			return nil, err
		}
	}

	flows, err := q.ListFlows(ctx, targetType, true)
	if err != nil {
		return nil, err
	}
	if requester != nil {
		if flow := matchScoped(flows, requester); flow != nil {
			return flow, nil
		}
	}
	if len(flows) > 0 {
		return flows[0], nil
	}
	return nil, nil
}

// matchScoped expects flows ordered by priority descending.
func matchScoped(flows []*repository.ApprovalFlow, requester *repository.Staff) *repository.ApprovalFlow {
	for _, f := range flows {
		if scopeMatches(f, requester) {
			return f
		}
	}
	return nil
}

func scopeMatches(f *repository.ApprovalFlow, requester *repository.Staff) bool {
	var branch, region, department, position *string
	if requester != nil {
		branch, region, department, position = requester.Branch, requester.Region, requester.Department, requester.Position
	}
	return attrMatches(f.Branch, branch) &&
		attrMatches(f.Region, region) &&
		attrMatches(f.Department, department) &&
		attrMatches(f.Position, position)
}

// attrMatches treats a nil flow attribute as a wildcard.
func attrMatches(flowAttr, requesterAttr *string) bool {
	if flowAttr == nil {
		return true
	}
	return requesterAttr != nil && *requesterAttr == *flowAttr
}

// ── Seeding ──────────────────────────────────────────────────────────────────

type flowDocument struct {
	Flows []*repository.ApprovalFlow `yaml:"flows"`
}

// ImportYAML upserts the templates in a YAML document keyed by code and
// returns how many were written.
func (c *Catalog) ImportYAML(ctx context.Context, r io.Reader) (int, error) {
	var doc flowDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse flow document")
	}

	for i, flow := range doc.Flows {
		existing, err := c.GetFlowByCode(ctx, flow.Code)
		switch {
		case err == nil:
			flow.ID = existing.ID
			_, err = c.UpdateFlow(ctx, flow)
		case errors.IsCode(err, errors.ErrCodeNotFound):
			_, err = c.CreateFlow(ctx, flow)
		}
		if err != nil {
			return i, fmt.Errorf("import flow %q: %w", flow.Code, err)
		}
	}
	return len(doc.Flows), nil
}
