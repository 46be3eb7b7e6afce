package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	migpg "github.com/golang-migrate/migrate/v4/database/postgres"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/migrations"
)

// newMigrator builds a migrator against the configured backend: Postgres in
// managed mode, the SQLite session database otherwise. Migrations are
// embedded in the binary.
func newMigrator() (*migrate.Migrate, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.IsManagedMode() {
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		driver, err := migpg.WithInstance(db, &migpg.Config{})
		if err != nil {
			return nil, fmt.Errorf("postgres migrate driver: %w", err)
		}
		src, err := iofs.New(migrations.FS, "postgres")
		if err != nil {
			return nil, fmt.Errorf("migration source: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "postgres", driver)
	}

	db, err := sql.Open("sqlite", cfg.Sessions.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	driver, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite migrate driver: %w", err)
	}
	src, err := iofs.New(migrations.FS, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "sqlite", driver)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			m, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				fmt.Fprintln(os.Stderr, "migrate up:", err)
				os.Exit(1)
			}
			fmt.Println("migrations applied")
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Run: func(cmd *cobra.Command, args []string) {
			m, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := m.Steps(-1); err != nil {
				fmt.Fprintln(os.Stderr, "migrate down:", err)
				os.Exit(1)
			}
			fmt.Println("rolled back one migration")
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current migration version",
		Run: func(cmd *cobra.Command, args []string) {
			m, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("no migrations applied")
				return
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, "migrate version:", err)
				os.Exit(1)
			}
			fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force the migration version without running migrations",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, "invalid version:", args[0])
				os.Exit(1)
			}
			m, err := newMigrator()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := m.Force(v); err != nil {
				fmt.Fprintln(os.Stderr, "migrate force:", err)
				os.Exit(1)
			}
			fmt.Printf("forced version %d\n", v)
		},
	}
}
