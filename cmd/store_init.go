package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/corfid/docpipe/internal/lock"
	"github.com/corfid/docpipe/internal/queue"
	"github.com/corfid/docpipe/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "docpipe.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLockBackend builds the admission lock backend on the same database
// as the audit store. Postgres shares the store's pool.
func initLockBackend(st store.Store) (lock.Backend, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return lock.NewSQLite(cfg.Store.DatabaseURL, cfg.Lock.Table)
	case "postgres":
		ps, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("postgres driver configured but store is not postgres")
		}
		return lock.NewPostgres(ps.Pool(), cfg.Lock.Table), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initOutbox builds the stage task outbox, likewise colocated with the
// audit store.
func initOutbox(st store.Store) (queue.Outbox, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return queue.NewSQLiteOutbox(cfg.Store.DatabaseURL, cfg.Queue.Table)
	case "postgres":
		ps, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("postgres driver configured but store is not postgres")
		}
		return queue.NewPostgresOutbox(ps.Pool(), cfg.Queue.Table), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
