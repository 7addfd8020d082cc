package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/config"
	"github.com/example/bloodlink/internal/inventory"
	"github.com/example/bloodlink/internal/logging"
	"github.com/example/bloodlink/internal/storage"
)

const serviceName = "bloodlink"

func main() {
	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Blood donor, hospital and blood bank coordination API",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config-dir", ".", "directory holding config.yaml and .env")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the logger every subcommand
// starts from.
func bootstrap(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	dir, _ := cmd.Flags().GetString("config-dir")
	cfg, err := config.Load(dir)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		return cfg, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the SQL files in the migrations directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.PGDSN == "" {
				return fmt.Errorf("PG_DSN is required")
			}
			dir, _ := cmd.Flags().GetString("dir")
			db, err := storage.Open(cmd.Context(), cfg.PGDSN)
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer db.Close()
			return migrate(cmd.Context(), db, dir, logger)
		},
	}
	cmd.Flags().String("dir", "./migrations", "path to migrations directory")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-expired",
		Short: "Expire blood units past their expiry date and drop their reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.PGDSN == "" {
				return fmt.Errorf("PG_DSN is required")
			}
			db, err := storage.Open(cmd.Context(), cfg.PGDSN)
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer db.Close()

			svc := inventory.NewService(inventory.NewPostgresStore(db, logger), logger.Named("inventory"))
			rep, err := svc.ProcessExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("expired %d unit(s), released %d reservation(s)\n", rep.Expired, rep.Released)
			return nil
		},
	}
}

// migrate executes every .sql file in dir in name order. The files are
// written to be idempotent.
func migrate(ctx context.Context, db *sql.DB, dir string, logger *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		logger.Info("migration applied", zap.String("file", name))
	}
	return nil
}
