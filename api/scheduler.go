/*
scheduler.go - Periodic maintenance jobs

PURPOSE:
  Runs the engine's background jobs on cron schedules:
  - fee sweep:        push fees still owed to the commission sink
  - pending audit:    log operations stuck in pending (or whose
                      compensation failed) for manual reconciliation
  - status snapshot:  refresh the campaigns-per-status gauge

DESIGN:
  - robfig/cron drives the schedules; an empty spec disables a job
  - SkipIfStillRunning keeps a slow sweep from overlapping the next one
  - Recover turns a panicking job into a log line
  - Each run gets its own timeout-bound context

USAGE:
  scheduler, err := NewScheduler(svc, cfg.Scheduler, logger)
  scheduler.Start()
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - settlement/fees.go: SweepFees, AuditPending, SnapshotStatuses
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/escrow-engine/config"
	"github.com/warp/escrow-engine/settlement"
)

const jobTimeout = time.Minute

// Scheduler owns the cron runner and the engine jobs it triggers.
type Scheduler struct {
	Service          *settlement.Service
	PendingThreshold time.Duration

	cron   *cron.Cron
	logger logrus.FieldLogger
}

// NewScheduler registers the jobs named in cfg. It fails on a malformed
// cron spec so a typo surfaces at startup.
func NewScheduler(svc *settlement.Service, cfg config.SchedulerConfig, logger logrus.FieldLogger) (*Scheduler, error) {
	cronLogger := cron.PrintfLogger(logger)
	s := &Scheduler{
		Service:          svc,
		PendingThreshold: cfg.PendingThreshold,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		logger: logger,
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"fee_sweep", cfg.FeeSweep, s.SweepFees},
		{"pending_audit", cfg.PendingAudit, s.AuditPending},
		{"status_snapshot", cfg.StatusSnapshot, s.SnapshotStatuses},
	}
	for _, job := range jobs {
		if err := s.AddJob(job.name, job.spec, job.run); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddJob schedules run under spec. An empty spec is ignored.
func (s *Scheduler) AddJob(name, spec string, run func(context.Context) error) error {
	if spec == "" {
		s.logger.WithField("job", name).Info("scheduler job disabled")
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		if err := run(ctx); err != nil {
			s.logger.WithField("job", name).WithError(err).Error("scheduled job failed")
			return
		}
		s.logger.WithFields(logrus.Fields{"job": name, "duration": time.Since(start)}).Debug("scheduled job finished")
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.cron.Entries())).Info("scheduler started")
}

// Stop halts new runs; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("scheduler stopped")
	return ctx
}

// =============================================================================
// JOBS
// =============================================================================

func (s *Scheduler) SweepFees(ctx context.Context) error {
	_, err := s.Service.SweepFees(ctx)
	return err
}

func (s *Scheduler) AuditPending(ctx context.Context) error {
	stuck, err := s.Service.AuditPending(ctx, s.PendingThreshold)
	if err != nil {
		return err
	}
	if len(stuck) > 0 {
		s.logger.WithField("operations", len(stuck)).Warn("operations awaiting reconciliation")
	}
	return nil
}

func (s *Scheduler) SnapshotStatuses(ctx context.Context) error {
	_, err := s.Service.SnapshotStatuses(ctx)
	return err
}
