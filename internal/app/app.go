// Package app assembles the fx modules shared by every daycare binary.
package app

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/runner"
	"github.com/smallbiznis/daycare/internal/billing/store"
	"github.com/smallbiznis/daycare/internal/clock"
	"github.com/smallbiznis/daycare/internal/config"
	"github.com/smallbiznis/daycare/internal/lock"
	"github.com/smallbiznis/daycare/internal/observability"
	"go.uber.org/fx"
)

// Core wires configuration, observability, the store selected by
// cfg.StoreDriver, the run lock and the billing runner.
func Core(cfg config.Config) fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		store.Module(cfg.StoreDriver),
		lock.Module,
		runner.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Run.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.Run.SnowflakeNode, err)
	}
	return node, nil
}
