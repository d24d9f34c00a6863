// Package db builds the shared connection pool and applies schema migrations.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/graphile/worker-sub000/migrations"
)

// MigrateChannel carries {"migrationNumber":N,"breaking":bool} after a
// migration run changes the schema version.
const MigrateChannel = "worker:migrate"

const connectAttempts = 10

// breakingMigrations lists versions that running pools cannot survive.
var breakingMigrations = map[uint]bool{}

type PoolOptions struct {
	MaxConns        int32
	MaxConnIdleTime time.Duration
	ApplicationName string
	Logger          *slog.Logger
}

// NewPool connects to dsn, retrying with linear backoff while the server is
// not yet accepting connections.
func NewPool(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.ApplicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.ApplicationName
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		pool    *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, connErr = pgxpool.NewWithConfig(ctx, cfg)
		if connErr == nil {
			if connErr = pool.Ping(ctx); connErr == nil {
				return pool, nil
			}
			pool.Close()
		}
		logger.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
}

// MigrationNotice is the payload sent on MigrateChannel.
type MigrationNotice struct {
	MigrationNumber uint `json:"migrationNumber"`
	Breaking        bool `json:"breaking"`
}

// Migrate applies all pending migrations and returns the resulting version.
// When the version changed, a notice is published on MigrateChannel.
func Migrate(ctx context.Context, dsn string, logger *slog.Logger) (uint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return 0, fmt.Errorf("migration source: %w", err)
	}
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return 0, fmt.Errorf("parse database url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	sqlDB := stdlib.OpenDB(*connCfg)
	defer sqlDB.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{MigrationsTable: "graphile_worker_migrations"})
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return 0, fmt.Errorf("migrate init: %w", err)
	}

	before, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("migrate version: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	after, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migrate version: %w", err)
	}
	if after == before {
		return after, nil
	}

	breaking := false
	for v := before + 1; v <= after; v++ {
		if breakingMigrations[v] {
			breaking = true
		}
	}
	notice, err := json.Marshal(MigrationNotice{MigrationNumber: after, Breaking: breaking})
	if err != nil {
		return after, err
	}
	if _, err := sqlDB.ExecContext(ctx, "SELECT pg_notify($1, $2)", MigrateChannel, string(notice)); err != nil {
		return after, fmt.Errorf("notify migration: %w", err)
	}
	logger.Info("migrations complete", "version", after, "previous", before, "breaking", breaking)
	return after, nil
}
