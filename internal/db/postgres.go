// Package db opens the PostgreSQL pool behind the checkpoint store.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/config"
)

const connectTimeout = 10 * time.Second

// Pool is the checkpoint database connection pool.
type Pool struct {
	*pgxpool.Pool
	database string
	logger   *zap.Logger
}

// PoolConfig translates the database section into pgxpool settings.
func PoolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("invalid database connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		pc.MaxConns = int32(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		pc.MinConns = int32(cfg.MaxIdleConnections)
	}
	if pc.MinConns > pc.MaxConns {
		pc.MinConns = pc.MaxConns
	}
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid conn_max_lifetime %q: %w", cfg.ConnMaxLifetime, err)
		}
		pc.MaxConnLifetime = lifetime
	}
	pc.ConnConfig.ConnectTimeout = connectTimeout
	return pc, nil
}

// NewPool connects to the checkpoint database and pings it once.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint database unreachable: %w", err)
	}

	database := pc.ConnConfig.Database
	logger.Info("Checkpoint database connected",
		zap.String("host", pc.ConnConfig.Host),
		zap.String("database", database),
		zap.Int32("max_connections", pc.MaxConns),
	)

	return &Pool{Pool: pool, database: database, logger: logger}, nil
}

// Ping reports whether the database answers. It backs the /health check.
func (p *Pool) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

// Migrate runs the statements in one transaction. Either all of them apply
// or none do.
func (p *Pool) Migrate(ctx context.Context, statements ...string) error {
	err := pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrating %s: %w", p.database, err)
	}
	p.logger.Debug("Checkpoint schema applied", zap.Int("statements", len(statements)))
	return nil
}

// Close releases every connection.
func (p *Pool) Close() {
	p.Pool.Close()
	p.logger.Info("Checkpoint database closed", zap.String("database", p.database))
}
