// Package store provides the Postgres/Timescale sink: a pgx connection
// pool wrapper and the dynamic statement builder that turns heterogeneous
// row batches into parameterized INSERT or upsert statements.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bokristoffersson/telemetry-ingest/errors"
)

// Executor is the storage interface the batch writer consumes: execute
// one parameterized statement. The writer needs nothing else from the
// database layer.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// Config holds connection pool settings.
type Config struct {
	URL            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Store wraps a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Connect", "parse database URL")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Connect", "create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "Store", "Connect", "ping database")
	}

	logger.Info("connected to database", "component", "store", "max_conns", poolCfg.MaxConns)

	return &Store{pool: pool, logger: logger}, nil
}

// Exec runs one parameterized statement against the pool.
func (s *Store) Exec(ctx context.Context, sql string, args ...any) error {
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return errors.WrapTransient(err, "Store", "Exec", "execute statement")
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(err, "Store", "Ping", "ping database")
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info("database pool closed", "component", "store")
}
