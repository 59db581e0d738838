package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ErrSweepRunning is returned when a sweep is already in progress in this
// process or, with a Locker, anywhere in the deployment.
var ErrSweepRunning = errors.New(errors.ErrCodeConflict, "reconciliation sweep already running")

// Locker is a deployment-wide mutual exclusion for the sweep.
type Locker interface {
	// TryLock returns ok=false without blocking when the lock is held elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// SchedulerConfig tunes the reconciliation sweep.
type SchedulerConfig struct {
	Spec    string        // cron spec, e.g. "@every 30m"
	Workers int           // instances reconciled in parallel
	LockKey string        // Locker key
	LockTTL time.Duration // Locker lease
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned      int `json:"scanned"`
	AutoApproved int `json:"auto_approved"`
	Escalated    int `json:"escalated"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeAutoApproved
	outcomeEscalated
)

// Scheduler auto-approves and escalates pending instances that have been
// idle past their step's thresholds.
type Scheduler struct {
	engine  *Engine
	cfg     SchedulerConfig
	locker  Locker
	log     *logger.Logger
	running atomic.Bool
	cron    *cron.Cron
}

// NewScheduler creates a Scheduler. locker may be nil.
func NewScheduler(engine *Engine, cfg SchedulerConfig, locker Locker, log *logger.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "approvals:sweep"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 25 * time.Minute
	}
	return &Scheduler{engine: engine, cfg: cfg, locker: locker, log: log}
}

// Start runs Sweep on the configured schedule until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		if _, err := s.Sweep(ctx); err != nil && err != ErrSweepRunning {
			s.log.Error().Err(err).Msg("Reconciliation sweep failed")
		}
	}); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid scheduler spec")
	}
	s.cron = c
	c.Start()
	s.log.Info().Str("spec", s.cfg.Spec).Int("workers", s.cfg.Workers).Msg("Reconciliation scheduler started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep reconciles every pending instance once. Failures on single
// instances are logged and counted, never returned.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	if !s.running.CompareAndSwap(false, true) {
		return result, ErrSweepRunning
	}
	defer s.running.Store(false)

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			return result, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to acquire sweep lock")
		}
		if !ok {
			return result, ErrSweepRunning
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn().Err(err).Msg("Failed to release sweep lock")
			}
		}()
	}

	started := time.Now()
	now := s.engine.opts.now()

	var pending []*repository.ApprovalInstance
	err := s.engine.store.Read(ctx, func(q repository.Queries) error {
		var err error
		pending, err = q.ListInstances(ctx, repository.InstanceFilter{
			Statuses: []repository.InstanceStatus{repository.StatusPending},
		})
		return err
	})
	if err != nil {
		return result, err
	}
	result.Scanned = len(pending)

	var autoApproved, escalated, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, inst := range pending {
		id := inst.ID
		g.Go(func() error {
			outcome, err := s.reconcile(ctx, id, now)
			if err != nil {
				failed.Add(1)
				s.log.Error().Err(err).Str("instance_id", id).Msg("Failed to reconcile approval instance")
				return nil
			}
			switch outcome {
			case outcomeAutoApproved:
				autoApproved.Add(1)
			case outcomeEscalated:
				escalated.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.AutoApproved = int(autoApproved.Load())
	result.Escalated = int(escalated.Load())
	result.Skipped = int(skipped.Load())
	result.Failed = int(failed.Load())
	s.engine.opts.metrics.sweep(time.Since(started), result)

	s.log.Info().
		Int("scanned", result.Scanned).
		Int("auto_approved", result.AutoApproved).
		Int("escalated", result.Escalated).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Dur("duration", time.Since(started)).
		Msg("Reconciliation sweep finished")
	return result, nil
}

// reconcile re-locks the instance and re-checks it before acting, so it
// races with human decisions on the same terms.
func (s *Scheduler) reconcile(ctx context.Context, instanceID string, now time.Time) (sweepOutcome, error) {
	e := s.engine
	outcome := outcomeSkipped

	err := e.store.InTx(ctx, func(q repository.Queries) error {
		inst, err := q.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.StatusPending {
			return nil
		}
		step, ok := inst.StepAt(inst.CurrentStepOrder)
		if !ok {
			return errors.Newf(errors.ErrCodeInvalidStep, "instance %s points at missing step %d", inst.ID, inst.CurrentStepOrder)
		}

		actions, err := q.ListActions(ctx, inst.ID)
		if err != nil {
			return err
		}
		hours := now.Sub(pendingSince(inst, actions)).Hours()

		if step.AutoApproveHours > 0 && hours >= float64(step.AutoApproveHours) {
			if err := q.AppendAction(ctx, &repository.ApprovalAction{
				InstanceID: inst.ID,
				StepOrder:  step.StepOrder,
				ActionType: repository.ActionAutoApprove,
				Metadata:   map[string]any{"hours_pending": hours},
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			if err := e.advance(ctx, q, inst, step, nil, nil, now); err != nil {
				return err
			}
			outcome = outcomeAutoApproved
			return nil
		}

		if step.EscalationHours > 0 && step.EscalationRoleCode != "" && hours >= float64(step.EscalationHours) {
			done, err := q.HasAction(ctx, inst.ID, repository.ActionEscalate, step.StepOrder)
			if err != nil || done {
				return err
			}
			if err := q.AppendAction(ctx, &repository.ApprovalAction{
				InstanceID: inst.ID,
				StepOrder:  step.StepOrder,
				ActionType: repository.ActionEscalate,
				Metadata: map[string]any{
					"hours_pending":     hours,
					"escalated_to_role": step.EscalationRoleCode,
				},
				CreatedAt: now,
			}); err != nil {
				return err
			}
			inst.CurrentApproverRole = step.EscalationRoleCode
			inst.CurrentApproverID = nil
			inst.UpdatedAt = now
			if err := q.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			if err := e.events.enqueue(ctx, q, EventEscalated, Escalated{
				InstanceID:      inst.ID,
				TargetType:      inst.TargetType,
				TargetID:        inst.TargetID,
				StepOrder:       step.StepOrder,
				EscalatedToRole: step.EscalationRoleCode,
				HoursPending:    hours,
			}, now); err != nil {
				return err
			}
			outcome = outcomeEscalated
		}
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}

	switch outcome {
	case outcomeAutoApproved:
		e.opts.metrics.transition(string(repository.ActionAutoApprove))
		s.log.Info().Str("instance_id", instanceID).Msg("Approval step auto-approved")
	case outcomeEscalated:
		e.opts.metrics.transition(string(repository.ActionEscalate))
		s.log.Info().Str("instance_id", instanceID).Msg("Approval step escalated")
	}
	return outcome, nil
}

// pendingSince is when the current step became actionable: the last action
// at the previous step, or creation for the first step, moved forward by a
// later resubmission at the current step.
func pendingSince(inst *repository.ApprovalInstance, actions []*repository.ApprovalAction) time.Time {
	anchor := inst.CreatedAt
	if prev, ok := inst.PreviousStep(inst.CurrentStepOrder); ok {
		for _, a := range actions {
			if a.StepOrder == prev.StepOrder && a.CreatedAt.After(anchor) {
				anchor = a.CreatedAt
			}
		}
	}
	for _, a := range actions {
		if a.StepOrder == inst.CurrentStepOrder && a.ActionType == repository.ActionResubmit && a.CreatedAt.After(anchor) {
			anchor = a.CreatedAt
		}
	}
	return anchor
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
