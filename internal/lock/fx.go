package lock

import (
	"context"
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/daycare/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(New),
)

// New returns a Redis-backed locker when REDIS_ENABLED is set and a no-op otherwise.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Locker, error) {
	if !cfg.Redis.Enabled {
		log.Info("lock.disabled")
		return Noop{}, nil
	}

	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("lock redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}

	log.Info("lock.redis", zap.String("addr", addr))
	return NewRedisLocker(client), nil
}
