package settings

import (
	"context"
	"fmt"

	"queuepush/internal/config"
	"queuepush/pkg/logx"
)

// Open builds the backend selected by cfg.Driver and wraps it in a Store.
func Open(ctx context.Context, cfg config.StorageConfig, log logx.Logger) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Driver {
	case config.DriverMemory:
		b = NewMemory()
	case config.DriverRedis:
		dial, derr := config.ParseDurationOrDefault("storage.redis.dial_timeout", cfg.Redis.DialTimeout, 0)
		if derr != nil {
			return nil, derr
		}
		b, err = OpenRedis(ctx, RedisConfig{
			URL:         cfg.Redis.URL,
			Host:        cfg.Redis.Host,
			Port:        cfg.Redis.Port,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Key:         cfg.Redis.Key,
			DialTimeout: dial,
		}, log)
	case config.DriverSQLite:
		busy, berr := config.ParseDurationOrDefault("storage.sqlite.busy_timeout", cfg.SQLite.BusyTimeout, 0)
		if berr != nil {
			return nil, berr
		}
		b, err = OpenSQLite(ctx, SQLiteConfig{Path: cfg.SQLite.Path, BusyTimeout: busy}, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
	}
	log.Info("settings storage ready", logx.String("driver", cfg.Driver))
	return NewStore(b, log), nil
}
