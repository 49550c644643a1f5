package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"compliancekit/internal/domain"
	"compliancekit/internal/materializer"
	"compliancekit/internal/queue"
	"compliancekit/internal/sla"
	"compliancekit/internal/store"
	"compliancekit/internal/trigger"
	logx "compliancekit/pkg/logx"
)

// Deps are the services the processors drive.
type Deps struct {
	Materializer *materializer.Service
	Triggers     *trigger.Service
	SLA          *sla.Tracker
	Jobs         store.JobStore
	Retention    time.Duration
	Now          func() time.Time
	Log          logx.Logger
}

// Register binds every job type to its processor and default queue.
func Register(reg *queue.Registry, d Deps) error {
	if d.Materializer == nil || d.Triggers == nil || d.SLA == nil || d.Jobs == nil {
		return errors.New("jobs: materializer, triggers, sla and job store are required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Retention <= 0 {
		d.Retention = DefaultRetention
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	p := &processors{d: d, log: d.Log.With(logx.String("comp", "jobs"))}

	regs := []struct {
		typ   domain.JobType
		queue string
		fn    queue.ProcessorFunc
	}{
		{DeadlineOverdueSweep, QueueDeadlines, p.overdueSweep},
		{SLABreachTracking, QueueSLA, p.slaTracking},
		{DeadlineRecalculation, QueueDeadlines, p.recalculate},
		{TriggerEvaluation, QueueTriggers, p.evaluateTriggers},
		{ConditionalTrigger, QueueTriggers, p.conditionalTrigger},
		{JobHistoryCleanup, QueueMaintenance, p.cleanup},
	}
	for _, r := range regs {
		if err := reg.Register(r.typ, r.queue, r.fn); err != nil {
			return err
		}
	}
	return nil
}

type processors struct {
	d   Deps
	log logx.Logger
}

func (p *processors) overdueSweep(ctx context.Context, job *queue.Job) (any, error) {
	return p.d.SLA.FlagOverdue(ctx)
}

func (p *processors) slaTracking(ctx context.Context, job *queue.Job) (any, error) {
	return p.d.SLA.Run(ctx)
}

func (p *processors) recalculate(ctx context.Context, job *queue.Job) (any, error) {
	var in RecalculationPayload
	if err := job.Decode(&in); err != nil {
		return nil, err
	}
	return p.d.Materializer.Run(ctx, in.Filter(), in.Force)
}

func (p *processors) evaluateTriggers(ctx context.Context, job *queue.Job) (any, error) {
	var in Scope
	if err := job.Decode(&in); err != nil {
		return nil, err
	}
	return p.d.Triggers.RunDue(ctx, in.Filter())
}

func (p *processors) conditionalTrigger(ctx context.Context, job *queue.Job) (any, error) {
	var ev trigger.Event
	if err := job.Decode(&ev); err != nil {
		return nil, err
	}
	rep, err := p.d.Triggers.HandleEvent(ctx, ev)
	if errors.Is(err, trigger.ErrInvalidEvent) {
		return nil, queue.NoRetry(err)
	}
	return rep, err
}

func (p *processors) cleanup(ctx context.Context, job *queue.Job) (any, error) {
	var in CleanupPayload
	if err := job.Decode(&in); err != nil {
		return nil, err
	}
	retention := p.d.Retention
	if in.OlderThan != "" {
		d, err := time.ParseDuration(in.OlderThan)
		if err != nil || d <= 0 {
			return nil, queue.NoRetry(fmt.Errorf("older_than %q: must be a positive duration", in.OlderThan))
		}
		retention = d
	}
	before := p.d.Now().UTC().Add(-retention)
	n, err := p.d.Jobs.PruneJobs(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("prune jobs: %w", err)
	}
	p.log.Info("job history pruned", logx.Int64("deleted", n), logx.Time("before", before))
	return CleanupResult{Deleted: n, Before: before}, nil
}
