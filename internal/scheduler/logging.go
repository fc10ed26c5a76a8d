package scheduler

import (
	"context"
	"time"

	obslogger "github.com/smallbiznis/spendguard/internal/observability/logger"
	"github.com/smallbiznis/spendguard/internal/observability/obscontext"
	"go.uber.org/zap"
)

// jobRun tracks one execution of a job. Nested runJob calls share the
// outermost run so a single finish line is logged per tick.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	processed int64
	failures  int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int64) {
	if r != nil && count > 0 {
		r.processed += count
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.failures++
	}
}

// startRun attaches a new run to ctx unless one is already present. owner
// reports whether the caller created it and must finish it.
func (s *Scheduler) startRun(ctx context.Context, job string) (_ context.Context, run *jobRun, owner bool) {
	if existing := runFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run = &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")

	s.logger(ctx).Debug("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
	)
	return ctx, run, true
}

func runFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) finishRun(ctx context.Context, run *jobRun, err error) {
	if run == nil {
		return
	}
	if err != nil && run.failures == 0 {
		run.IncError()
	}

	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int64("processed_count", run.processed),
		zap.Int("error_count", run.failures),
	}
	if run.failures > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}
