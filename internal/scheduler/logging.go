package scheduler

import (
	"context"

	"github.com/smallbiznis/daycare/internal/billing/runner"
	obscontext "github.com/smallbiznis/daycare/internal/observability/context"
	obslogger "github.com/smallbiznis/daycare/internal/observability/logger"
	"go.uber.org/zap"
)

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logRunResult(ctx context.Context, summary runner.Summary, err error) {
	fields := []zap.Field{
		zap.String("run_id", summary.RunID),
		zap.String("state", summary.State),
		zap.Bool("dry_run", summary.DryRun),
		zap.Int("processed", summary.Processed),
		zap.Int("failures", len(summary.Failures)),
	}
	log := s.logger(ctx)
	switch {
	case err != nil:
		log.Error("scheduler.run.failed", append(fields, zap.Error(err))...)
	case summary.HasProblems():
		log.Warn("scheduler.run.completed", fields...)
	default:
		log.Info("scheduler.run.completed", fields...)
	}
}
