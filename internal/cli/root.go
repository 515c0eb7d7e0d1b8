// Package cli is the kzyno command line: the HTTP server plus the operator
// commands that work directly against the configured store.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kzyno/bankroll-engine/internal/config"
	"github.com/kzyno/bankroll-engine/internal/store"
)

const serviceName = "bankroll-engine"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kzyno",
	Short: "Pooled-liquidity bankroll engine",
	Long: `kzyno runs the accounting core of a pooled-liquidity wagering platform.

Liquidity providers fund a shared bankroll and earn through a per-share
profit index; players hold custodial funds; an admin settles wagers under a
bounded-drawdown stake cap.

Configuration comes from an optional YAML file (--config), a .env file and
the environment, in increasing order of precedence.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

// openStore connects the configured backend. With cache set and a Redis URL
// configured the store is wrapped in the read-through cache. The returned
// cleanup closes everything that was opened.
func openStore(ctx context.Context, cfg *config.Config, cache bool) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("apply postgres schema: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case "sqlite":
		lite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.Storage.SQLitePath)
	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cache && cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL.String())
	}
	return st, closeAll, nil
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}
