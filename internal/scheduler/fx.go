package scheduler

import (
	"context"

	"github.com/smallbiznis/daycare/internal/billing/runner"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideRunner),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func ProvideRunner(r *runner.Runner) BatchRunner {
	return r
}

func NewScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
