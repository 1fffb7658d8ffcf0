// Package commands provides CLI subcommands for the LiteClaw platform.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/liteclaw/liteclaw-platform/internal/config"
	"github.com/liteclaw/liteclaw-platform/internal/store"
)

// errNoDatabase is returned by commands that only make sense against PostgreSQL.
var errNoDatabase = errors.New("database.url is not configured")

// loadConfig reads the configuration named by the --config flag, if any.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the root logger. --verbose forces debug level.
func newLogger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "liteclaw-platform").Logger()
}

// openStore opens PostgreSQL when database.url is set, and an in-memory store otherwise.
// The returned locker serializes gateway config mutations for the chosen backend.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, store.Locker, error) {
	if cfg.Database.URL == "" {
		logger.Warn().Msg("No database configured; tenants are kept in memory")
		locker, err := store.NewFileLocker(cfg.Platform.LockFile)
		if err != nil {
			return nil, nil, err
		}
		return store.NewMemoryStore(), locker, nil
	}

	pg, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return pg, store.NewAdvisoryLocker(pg.Pool(), store.ConfigLockID), nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	if cfg.Database.URL == "" {
		return nil, errNoDatabase
	}
	pool, err := store.NewPostgresPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return store.NewPostgresStore(pool), nil
}
