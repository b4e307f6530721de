package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

var (
	databaseURL    string
	migrationsPath string
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the automations database schema",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if databaseURL == "" {
			databaseURL = os.Getenv("DATABASE_URL")
		}
		if databaseURL == "" {
			return errors.New("database URL is required: use --database or DATABASE_URL")
		}
		return nil
	},
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			logger.Info("Running migrations up", "path", migrationsPath)
			err := m.Up()
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("No migrations to run (database is up to date)")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			logger.Info("Migrations completed")
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			logger.Info("Rolling back migrations")
			if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("failed to roll back migrations: %w", err)
			}
			logger.Info("Rollback completed")
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("no migrations applied")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get version: %w", err)
			}
			fmt.Printf("version %d (dirty: %v)\n", version, dirty)
			return nil
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[0], err)
		}
		return withMigrator(func(m *migrate.Migrate) error {
			if err := m.Force(version); err != nil {
				return fmt.Errorf("failed to force version: %w", err)
			}
			logger.Info("Forced schema version", "version", version)
			return nil
		})
	},
}

var catalogPath string

// seedCmd loads a rule catalog into an existing tenant, skipping rules it already has
var seedCmd = &cobra.Command{
	Use:   "seed <tenant-id>",
	Short: "Load the rule catalog into a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := rules.DefaultCatalog()
		if catalogPath != "" {
			catalog, err = rules.LoadCatalogFile(catalogPath)
		}
		if err != nil {
			return err
		}

		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(cmd.Context()); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}

		seeded, err := rules.Seed(rules.NewPostgresRuleStore(db, args[0]), catalog)
		if err != nil {
			return err
		}
		logger.Info("Catalog seeded", "tenant_id", args[0], "rules_added", seeded, "catalog_size", len(catalog))
		return nil
	},
}

func withMigrator(fn func(*migrate.Migrate) error) error {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()
	return fn(m)
}

func init() {
	defaultPath := os.Getenv("MIGRATIONS_PATH")
	if defaultPath == "" {
		defaultPath = "migrations"
	}

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database", "", "database URL (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "path", defaultPath, "path to the migrations directory")
	seedCmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML catalog file (defaults to the built-in catalog)")

	rootCmd.AddCommand(upCmd, downCmd, versionCmd, forceCmd, seedCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if shutdownErr := logger.Shutdown(context.Background()); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", shutdownErr)
	}
	if err != nil {
		os.Exit(1)
	}
}
