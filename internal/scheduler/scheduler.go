package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/spendguard/internal/clock"
	idemdomain "github.com/smallbiznis/spendguard/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/spendguard/internal/observability/metrics"
	"github.com/smallbiznis/spendguard/internal/ratelimit"
	"github.com/smallbiznis/spendguard/internal/shield"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobShieldRollover   = "shield_rollover"
	JobIdempotencyPurge = "idempotency_purge"
)

var ErrInvalidConfig = errors.New("invalid scheduler config")

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  Config                       `optional:"true"`
	Shield  *shield.Shield               `optional:"true"`
	Store   idemdomain.Store             `optional:"true"`
	Locks   *ratelimit.JobLocks          `optional:"true"`
	Metrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

// Scheduler runs periodic maintenance. Jobs whose dependency is absent are
// skipped, so the API process and the standalone worker share one type.
type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	shield  *shield.Shield
	store   idemdomain.Store
	locks   *ratelimit.JobLocks
	metrics *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		shield:  p.Shield,
		store:   p.Store,
		locks:   p.Locks,
		metrics: m,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.startRun(ctx, name)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		s.finishRun(ctx, run, err)
	}
	if err == nil {
		return nil
	}

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

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobShieldRollover, s.shield != nil && s.isJobEnabled(JobShieldRollover), func(ctx context.Context) error {
			return s.runJob(ctx, JobShieldRollover, s.cfg.JobTimeout, s.ShieldRolloverJob)
		}},
		{JobIdempotencyPurge, s.store != nil && s.isJobEnabled(JobIdempotencyPurge), func(ctx context.Context) error {
			return s.runJob(ctx, JobIdempotencyPurge, s.cfg.JobTimeout, func(ctx context.Context) error {
				return s.withLock(ctx, JobIdempotencyPurge, s.IdempotencyPurgeJob)
			})
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

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

// ShieldRolloverJob resets the in-process shield counters once the UTC day
// changes. Request paths also roll over lazily; this keeps snapshots fresh
// on idle days.
func (s *Scheduler) ShieldRolloverJob(ctx context.Context) error {
	if s.shield == nil {
		return nil
	}
	run := runFromContext(ctx)
	if s.shield.Rollover(s.clock.Now()) {
		s.metrics.IncRollover()
		run.AddProcessed(1)
		s.logger(ctx).Info("shield rolled over", zap.String("day", s.shield.Snapshot().Day))
	}
	return nil
}

// IdempotencyPurgeJob removes records untouched for longer than Retention.
func (s *Scheduler) IdempotencyPurgeJob(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	run := runFromContext(ctx)
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	purged, err := s.store.Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	s.metrics.AddPurged(purged)
	run.AddProcessed(purged)
	if purged > 0 {
		s.logger(ctx).Info("idempotency records purged",
			zap.String("backend", s.store.Backend()),
			zap.Int64("count", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

// withLock runs fn only when this worker holds the job lease. Without redis
// every worker runs the job; purges are idempotent.
func (s *Scheduler) withLock(ctx context.Context, job string, fn func(context.Context) error) error {
	if s.locks == nil {
		return fn(ctx)
	}
	lease, err := s.locks.Acquire(ctx, job, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("%w: %v", obsmetrics.ErrLockUnavailable, err)
	}
	if lease == nil {
		s.metrics.IncJobSkipped(job)
		s.logger(ctx).Debug("scheduler.job.skipped", zap.String("job", job))
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.locks.Release(releaseCtx, lease); err != nil {
			s.logger(ctx).Warn("scheduler lease release failed", zap.String("job", job), zap.Error(err))
		}
	}()
	return fn(ctx)
}
