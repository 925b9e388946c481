package main

import (
	"github.com/smallbiznis/daycare/internal/app"
	"github.com/smallbiznis/daycare/internal/config"
	"github.com/smallbiznis/daycare/internal/scheduler"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		app.Core(config.Load()),

		// No server module!
		scheduler.Module,
	).Run()
}
