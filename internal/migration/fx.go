package migration

import (
	"context"
	"strings"

	"github.com/smallbiznis/daycare/internal/billing/store/gormstore"
	"github.com/smallbiznis/daycare/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply runs the SQL migrations on postgres. Other dialects fall back to
// gorm auto-migration when it is enabled.
func Apply(conn *gorm.DB, store *gormstore.Store, cfg db.Config, log *zap.Logger) error {
	if strings.EqualFold(cfg.Type, "postgres") {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("db.migrated", zap.String("type", cfg.Type), zap.String("source", migrationsDir))
		return nil
	}
	if !cfg.AutoMigrate {
		log.Info("db.migrate.skipped", zap.String("type", cfg.Type))
		return nil
	}
	if err := store.AutoMigrate(context.Background()); err != nil {
		return err
	}
	log.Info("db.migrated", zap.String("type", cfg.Type), zap.String("source", "automigrate"))
	return nil
}
