package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	clearancedomain "github.com/smallbiznis/revshare/internal/clearance/domain"
	"github.com/smallbiznis/revshare/internal/clock"
	commissiondomain "github.com/smallbiznis/revshare/internal/commission/domain"
	obsmetrics "github.com/smallbiznis/revshare/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// TierRecalculator reclassifies every vendor from its trailing volume.
type TierRecalculator interface {
	RecalculateAll(ctx context.Context, now time.Time) (int, error)
}

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Commissions commissiondomain.Service
	Clearance   clearancedomain.Service
	Tiers       TierRecalculator
	Metrics     *obsmetrics.EngineMetrics `optional:"true"`
	Config      Config                    `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	commissions commissiondomain.Service
	clearance   clearancedomain.Service
	tiers       TierRecalculator
	metrics     *obsmetrics.EngineMetrics

	mu          sync.Mutex
	lastTierRun time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Commissions == nil || p.Clearance == nil || p.Tiers == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		commissions: p.Commissions,
		clearance:   p.Clearance,
		tiers:       p.Tiers,
		metrics:     p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick resumes the work
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in dependency order: commissions are
// computed before clearance so fresh records get their window checked on the
// same tick.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobComputePending, s.ComputePendingJob},
		{JobClearance, s.ClearanceJob},
		{JobTierRecalculation, s.TierRecalculationJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// ComputePendingJob drains events that have no evaluation yet, batch by
// batch, and stops as soon as a batch makes no progress.
func (s *Scheduler) ComputePendingJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobComputePending, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		summary, err := s.commissions.ComputePending(ctx, now, s.cfg.BatchSize)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.compute.failed", JobComputePending, err,
				zap.Int("failed", summary.Failed),
			)
		}
		progress := summary.Computed + summary.Duplicates + summary.Skipped
		run.AddProcessed(progress)
		if summary.Scanned < s.cfg.BatchSize || progress == 0 {
			break
		}
	}

	return jobErr
}

// ClearanceJob clears every subject with records past their window, then
// appends reversals still missing for refunded events.
func (s *Scheduler) ClearanceJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobClearance, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	var jobErr error

	summary, err := s.clearance.ClearAll(ctx, now)
	run.AddProcessed(summary.Cleared)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
		s.logSchedulerError(ctx, run, "scheduler.clearance.failed", JobClearance, err,
			zap.Int("subjects", summary.Subjects),
			zap.Int("failed_subjects", summary.Failed),
		)
	}

	reconciled, err := s.clearance.ReconcileRefunds(ctx, now, s.cfg.BatchSize)
	run.AddProcessed(reconciled)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
		s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", JobClearance, err)
	}

	return jobErr
}

// TierRecalculationJob reclassifies vendors at most once per TierInterval.
func (s *Scheduler) TierRecalculationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobTierRecalculation, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()

	s.mu.Lock()
	due := s.lastTierRun.IsZero() || now.Sub(s.lastTierRun) >= s.cfg.TierInterval
	s.mu.Unlock()
	if !due {
		return nil
	}

	done, err := s.tiers.RecalculateAll(ctx, now)
	run.AddProcessed(done)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.tier.failed", JobTierRecalculation, err)
		return err
	}

	s.mu.Lock()
	s.lastTierRun = now
	s.mu.Unlock()
	return nil
}
