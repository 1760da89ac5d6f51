package main

import (
	"context"
	"fmt"

	"github.com/davidbz/quillgate/internal/config"
	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/observability"
	"github.com/davidbz/quillgate/internal/store/memory"
	"github.com/davidbz/quillgate/internal/store/postgres"
	"github.com/davidbz/quillgate/internal/store/redis"
	"github.com/davidbz/quillgate/internal/store/sqlite"
)

// newUsageStore opens the durable usage store selected by USAGE_STORE.
func newUsageStore(cfg *config.UsageConfig) (domain.UsageStore, error) {
	ctx := context.Background()
	observability.FromContext(ctx).Info("opening usage store", observability.String("backend", cfg.Store))

	switch cfg.Store {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		return sqlite.NewStore(cfg.SQLitePath)
	case "postgres":
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	case "redis":
		return redis.NewStore(ctx, cfg.RedisURL, cfg.RedisRetention)
	default:
		return nil, fmt.Errorf("unknown usage store %q (want memory, sqlite, postgres or redis)", cfg.Store)
	}
}
