package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "cards.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initSnapshots selects the pricing snapshot backend.
func initSnapshots(ctx context.Context, st store.Store) (store.Snapshots, func() error, error) {
	if cfg.Store.SnapshotBackend != "redis" {
		return st, func() error { return nil }, nil
	}
	cache, err := store.NewRedisSnapshotCache(ctx, store.RedisOptions{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "init redis snapshot cache")
	}
	return cache, cache.Close, nil
}
