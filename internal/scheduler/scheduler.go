// Package scheduler fires the billing run on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/runner"
	"github.com/smallbiznis/daycare/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// BatchRunner executes one billing run.
type BatchRunner interface {
	Run(ctx context.Context, opts runner.Options) (runner.Summary, error)
}

type Params struct {
	fx.In

	Runner BatchRunner
	Log    *zap.Logger
	Clock  clock.Clock
	Config Config `optional:"true"`
}

type Scheduler struct {
	runner BatchRunner
	log    *zap.Logger
	clock  clock.Clock
	cfg    Config
}

func New(p Params) (*Scheduler, error) {
	if p.Runner == nil || p.Log == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		runner: p.Runner,
		log:    p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:  p.Clock,
		cfg:    p.Config.withDefaults(),
	}, nil
}

// RunOnce triggers a single scheduled run. An overlapping run is skipped,
// not reported as an error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	summary, err := s.runner.Run(ctx, runner.Options{
		DryRun:  s.cfg.DryRun,
		Trigger: domain.TriggerScheduled,
	})
	if errors.Is(err, runner.ErrRunInProgress) {
		s.logger(ctx).Info("scheduler.run.skipped", zap.String("reason", "run_in_progress"))
		return nil
	}
	s.logRunResult(ctx, summary, err)
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()
	if !s.cfg.RunOnStart {
		nextRun = nextRun.Add(s.cfg.RunInterval)
		if !s.wait(ctx, ticker) {
			return
		}
	}

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > time.Second {
			s.logger(ctx).Warn("scheduler.run.lagging", zap.Duration("lag", lag))
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Debug("scheduler.loop.run_error", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		if !s.wait(ctx, ticker) {
			return
		}
	}
}

func (s *Scheduler) wait(ctx context.Context, ticker *time.Ticker) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ticker.C:
		return true
	}
}
