package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultMaxConns = 10

// PoolOptions sizes one process's pool.
//
// A LISTEN session pins its connection for as long as it runs, so every
// listener gets a connection of its own on top of MaxConns. Otherwise the
// outbox listener would quietly shrink the pool that serves bookings.
type PoolOptions struct {
	MaxConns  int32  // connections for queries and transactions; <= 0 means 10
	Listeners int32  // connections pinned by LISTEN loops
	AppName   string // reported as application_name in pg_stat_activity
}

func poolConfig(dsn string, opts PoolOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	listeners := opts.Listeners
	if listeners < 0 {
		listeners = 0
	}

	cfg.MaxConns = maxConns + listeners
	cfg.MinConns = 1 + listeners
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	if opts.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}
	return cfg, nil
}

// ConnectPostgres opens the pool and fails fast if Postgres does not answer.
func ConnectPostgres(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(dsn, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}
