// Package scheduler fires ScheduledJobs on a cron expression, ported from
// aristath-sentinel's internal/scheduler.Scheduler (robfig/cron wrapper)
// from zerolog to zap and generalized from a fixed Job interface to firing
// arbitrary Strategies.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/pkg/types"
)

// JobStore persists ScheduledJobs; satisfied by postgres.ScheduledJobStore.
type JobStore interface {
	ListEnabled(ctx context.Context) ([]types.ScheduledJob, error)
	MarkFired(ctx context.Context, id types.ID) error
}

// Fire is called once per cron tick for a job's strategy; it is the
// scheduler's only integration point with the Strategy Runner, kept as a
// function rather than an interface so callers can close over whatever
// intent-producing logic a given StrategyType needs.
type Fire func(ctx context.Context, job types.ScheduledJob) error

// Scheduler manages cron-triggered Strategy firings.
type Scheduler struct {
	cron  *cron.Cron
	log   *zap.Logger
	jobs  JobStore
	fire  Fire
	ids   map[cron.EntryID]types.ID
}

// New builds a Scheduler. fire is invoked (with a background context) every
// time a registered job's cron expression ticks.
func New(log *zap.Logger, jobs JobStore, fire Fire) *Scheduler {
	return &Scheduler{
		// Default parser: 5 fields (minute granularity), per spec §4.8.
		cron: cron.New(),
		log:  log.Named("scheduler"),
		jobs: jobs,
		fire: fire,
		ids:  make(map[cron.EntryID]types.ID),
	}
}

// LoadAndStart loads every enabled job from the store, registers it with
// cron, and starts the scheduler loop.
func (s *Scheduler) LoadAndStart(ctx context.Context) error {
	jobs, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load enabled jobs: %w", err)
	}
	for _, j := range jobs {
		if err := s.Register(j); err != nil {
			s.log.Error("register scheduled job", zap.String("jobId", j.ID.String()), zap.Error(err))
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Register adds one job to the running cron instance.
func (s *Scheduler) Register(job types.ScheduledJob) error {
	entryID, err := s.cron.AddFunc(job.CronExpr, func() {
		s.log.Debug("firing scheduled job", zap.String("jobId", job.ID.String()))
		ctx := context.Background()
		if err := s.fire(ctx, job); err != nil {
			s.log.Error("scheduled job failed", zap.String("jobId", job.ID.String()), zap.Error(err))
			return
		}
		if err := s.jobs.MarkFired(ctx, job.ID); err != nil {
			s.log.Error("mark job fired", zap.String("jobId", job.ID.String()), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: register job %s: %w", job.ID, err)
	}
	s.ids[entryID] = job.ID
	return nil
}

// Stop drains in-flight job runs before returning.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info("scheduler stopped")
}
