package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/config"
	"github.com/goliatone/go-connector/store"
)

// backend owns the connection shared by every entity store.
type backend struct {
	cfg   config.StoreConfig
	db    *sql.DB
	pool  *pgxpool.Pool
	redis *redis.Client
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (*backend, error) {
	b := &backend{cfg: cfg}
	switch strings.ToLower(cfg.Driver) {
	case config.DriverMemory:
	case config.DriverSQLite:
		db, err := sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, connector.StoreError("open sqlite", err)
		}
		// sqlite serializes writers, a single connection avoids busy errors
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, connector.StoreError("ping sqlite", err)
		}
		b.db = db
	case config.DriverPostgres:
		pool, err := store.OpenPostgresPool(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		b.pool = pool
	case config.DriverRedis:
		client, err := store.OpenRedisClient(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		b.redis = client
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	return b, nil
}

func (b *backend) Close() {
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

// entityStore builds the store for one entity kind. SQL backends get a
// table per kind, redis a key prefix per kind.
func entityStore[E connector.Entity](ctx context.Context, b *backend, kind string, codec store.Codec[E], opts ...store.Option) (store.EntityStore[E], error) {
	opts = append(opts,
		store.WithLeaseDuration(b.cfg.LeaseDuration),
		store.WithTable(b.cfg.Table+"_"+kind),
		store.WithKeyPrefix(b.cfg.KeyPrefix+kind+":"),
	)
	switch {
	case b.db != nil:
		st := store.NewSQLStore(b.db, codec, opts...)
		if b.cfg.AutoMigrate {
			if err := st.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return st, nil
	case b.pool != nil:
		st := store.NewPostgresStore(b.pool, codec, opts...)
		if b.cfg.AutoMigrate {
			if err := st.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return st, nil
	case b.redis != nil:
		return store.NewRedisStore(b.redis, codec, opts...), nil
	default:
		return store.NewInMemoryStore(codec, opts...), nil
	}
}
