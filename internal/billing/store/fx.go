// Package store selects the billing store backend.
package store

import (
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/store/gormstore"
	"github.com/smallbiznis/daycare/internal/billing/store/memory"
	"github.com/smallbiznis/daycare/internal/clock"
	"github.com/smallbiznis/daycare/internal/config"
	"github.com/smallbiznis/daycare/internal/migration"
	"github.com/smallbiznis/daycare/internal/seed"
	"github.com/smallbiznis/daycare/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the backend named by driver. The gorm backend brings the
// database pool and its migrations.
func Module(driver string) fx.Option {
	if driver == config.StoreDriverMemory {
		return fx.Module("billing.store",
			fx.Provide(NewMemory),
		)
	}
	return fx.Module("billing.store",
		db.Module,
		fx.Provide(gormstore.New),
		fx.Provide(AsStore),
		migration.Module,
	)
}

func AsStore(s *gormstore.Store) domain.Store {
	return s
}

// NewMemory returns an in-process store preloaded with the demo data set.
func NewMemory(clk clock.Clock, log *zap.Logger) domain.Store {
	s := memory.New(clk)
	seed.LoadDemoData(s, clk.Now())
	log.Info("billing.store.memory", zap.Int("users", len(seed.DemoUsers())))
	return s
}

