package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kzyno/bankroll-engine/internal/config"
	"github.com/kzyno/bankroll-engine/internal/store"
)

var printSchema bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Create the tables for the configured store driver (postgres or sqlite).

Statements are idempotent, so running migrate twice is safe.

Examples:
  kzyno migrate
  STORE_DRIVER=sqlite SQLITE_PATH=./bankroll.db kzyno migrate
  kzyno migrate --print --config prod.yaml`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&printSchema, "print", false, "print the schema instead of applying it")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if printSchema {
		switch cfg.Storage.Driver {
		case "postgres":
			fmt.Fprint(cmd.OutOrStdout(), store.PostgresSchema)
		case "sqlite":
			fmt.Fprint(cmd.OutOrStdout(), store.SQLiteSchema)
		default:
			return fmt.Errorf("driver %q has no schema", cfg.Storage.Driver)
		}
		return nil
	}

	if cfg.Storage.Driver == "memory" {
		return fmt.Errorf("driver %q has no schema; set STORE_DRIVER to postgres or sqlite", cfg.Storage.Driver)
	}

	ctx, cancel := commandContext(cmd, time.Minute)
	defer cancel()

	// Opening a postgres or sqlite store applies its schema.
	_, closeStore, err := openStore(ctx, cfg, false)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	closeStore()

	fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", cfg.Storage.Driver)
	return nil
}
