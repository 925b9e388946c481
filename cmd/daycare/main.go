package main

import (
	"github.com/smallbiznis/daycare/internal/app"
	"github.com/smallbiznis/daycare/internal/config"
	"github.com/smallbiznis/daycare/internal/scheduler"
	"github.com/smallbiznis/daycare/internal/server"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		app.Core(config.Load()),
		scheduler.Module,
		server.Module,
	).Run()
}
