package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"controlplane/internal/config"
	"controlplane/internal/migration"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// Connect opens and pings the canonical store pool, applying migrations when enabled.
func Connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(normalizeDSN(cfg.DBConnectionString, cfg.Environment))
	if err != nil {
		return nil, fmt.Errorf("parse DB connection string: %w", err)
	}
	// Transaction poolers like pgbouncer break server-side prepared statements.
	if cfg.Environment != "development" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.MaxConns = 25
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open DB pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}
	logger.Info().Msg("Database connection successful")

	if cfg.RunMigrations {
		if err := migration.Run(stdlib.OpenDBFromPool(pool)); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Msg("Database migrations applied")
	}
	return pool, nil
}

// normalizeDSN disables TLS for local development DSNs that do not specify sslmode.
func normalizeDSN(dsn, environment string) string {
	if environment != "development" || strings.Contains(dsn, "sslmode") {
		return dsn
	}
	separator := " "
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		separator = "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
	}
	return dsn + separator + "sslmode=disable"
}
