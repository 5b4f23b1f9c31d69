// Package scheduler drives the tick loop of the scheduling daemon. Each
// tick asks the registry which workflows are due, fans their
// materialization out over the worker pool and releases capacity gates
// that have cleared since the last pass.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/orbitsched/orbit/internal/observability"
	"github.com/orbitsched/orbit/pkg/service"
)

type Scheduler struct {
	workflows *service.SchedulerService
	runs      *service.RunService
	pool      *service.WorkerPool
	logger    service.Logger
	interval  time.Duration

	// Now is the tick clock. Tests pin it; nil means wall clock in UTC.
	Now func() time.Time
}

func New(workflows *service.SchedulerService, runs *service.RunService, pool *service.WorkerPool, logger service.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		workflows: workflows,
		runs:      runs,
		pool:      pool,
		logger:    logger,
		interval:  interval,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Run ticks until the context is cancelled. Stale records are reconciled
// once on startup so workflows dropped from the registry stop scheduling.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.workflows.SyncStaleRecords(); err != nil {
		return errors.Wrap(err, "failed to sync stale workflow records")
	}
	s.logger.Infof("Scheduler started, ticking every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Errorf("Tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Infof("Scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass at the current clock and reports the
// outcome of every materialization job it dispatched.
func (s *Scheduler) Tick(ctx context.Context) ([]service.JobResult, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.tick")
	defer span.End()

	now := s.now()
	eligible, triggeredAt, err := s.workflows.WorkflowsNeedingRuns(now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	jobs := make([]service.MaterializeJob, 0, len(eligible))
	for _, wf := range eligible {
		_, fromAssets := triggeredAt[wf.ID]
		jobs = append(jobs, service.MaterializeJob{WorkflowID: wf.ID, Asset: fromAssets, Now: now})
	}
	results := s.pool.Dispatch(ctx, jobs)

	created, failed := 0, 0
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
		case res.Run != nil:
			created++
		}
	}
	if len(jobs) > 0 {
		s.logger.Infof("Tick at %s: %d workflow(s) due, %d run(s) created, %d failed",
			now.Format(time.RFC3339), len(jobs), created, failed)
	}
	span.SetAttributes(
		attribute.Int("orbit.workflows_due", len(jobs)),
		attribute.Int("orbit.runs_created", created),
		attribute.Int("orbit.jobs_failed", failed),
	)

	for _, wf := range s.workflows.ListWorkflows() {
		if err := s.runs.ReleaseIfUnblocked(wf.ID); err != nil {
			s.logger.Errorf("Failed to release workflow '%s': %v", wf.ID, err)
		}
	}
	return results, nil
}
