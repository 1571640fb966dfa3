package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/backend/memory"
	"github.com/cuemby/sequent/pkg/backend/postgres"
	"github.com/cuemby/sequent/pkg/backend/sqlite"
	"github.com/cuemby/sequent/pkg/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the backend's tables and indices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if v, _ := cmd.Flags().GetString("backend"); v != "" {
			cfg.Backend.Driver = v
		}
		if v, _ := cmd.Flags().GetString("dsn"); v != "" {
			cfg.Backend.DSN = v
		}

		store, err := openMigratableBackend(cfg.Backend)
		if err != nil {
			return fmt.Errorf("open backend %q: %w", cfg.Backend.Driver, err)
		}
		defer func() { _ = store.Close() }()

		ctx := context.Background()
		if err := store.Install(ctx); err != nil {
			return fmt.Errorf("install schema: %w", err)
		}
		fmt.Printf("schema installed on %s backend\n", cfg.Backend.Driver)
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("backend", "", "storage backend: postgres, sqlite, or memory (overrides config)")
	migrateCmd.Flags().String("dsn", "", "backend connection string (overrides config)")
}

func openMigratableBackend(cfg config.BackendConfig) (backend.Backend, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	case "sqlite":
		return sqlite.Open(cfg.DSN, nil)
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
}
