package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/grantry/internal/cli"
	"github.com/pthm/grantry/pkg/pgstore"
)

var (
	migrateDryRun bool
	migrateForce  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the grantry tables",
	Long:  `Create the grantry tables in a PostgreSQL database.`,
	Example: `  # Apply schema to database
  grantry migrate --db postgres://localhost/mydb

  # Preview migration without applying
  grantry migrate --db postgres://localhost/mydb --dry-run

  # Force re-apply even if schema unchanged
  grantry migrate --db postgres://localhost/mydb --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Resolve values
		dryRun := resolveBool(migrateDryRun, cfg.Migrate.DryRun)
		force := resolveBool(migrateForce, cfg.Migrate.Force)

		// Dry-run only prints DDL and needs no connection
		if dryRun {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), nil, true, force)
		}

		dsn, err := resolveDSN(dbFlag)
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), dsn)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		return runMigrate(cmd.Context(), cmd.OutOrStdout(), db, false, force)
	},
}

func init() {
	f := migrateCmd.Flags()
	f.BoolVar(&migrateDryRun, "dry-run", false, "output migration SQL without applying")
	f.BoolVar(&migrateForce, "force", false, "force migration even if schema unchanged")
}

func runMigrate(ctx context.Context, out io.Writer, db pgstore.Execer, dryRun, force bool) error {
	opts := pgstore.MigrateOptions{
		Force: force,
	}

	if dryRun {
		opts.DryRun = out
		if !quiet {
			fmt.Fprintln(os.Stderr, "-- Dry-run mode: SQL will be output but not applied")
			fmt.Fprintln(os.Stderr, "")
		}
		return pgstore.Migrate(ctx, db, opts)
	}

	var before *pgstore.MigrationRecord
	if !force {
		last, err := pgstore.LastMigration(ctx, db)
		if err != nil {
			return cli.GeneralError("checking last migration", err)
		}
		before = last
	}

	if !quiet {
		fmt.Fprintln(out, "Applying grantry schema...")
	}
	if err := pgstore.Migrate(ctx, db, opts); err != nil {
		return cli.GeneralError("migration failed", err)
	}

	if !quiet {
		if before != nil && before.SchemaChecksum == pgstore.SchemaChecksum() && before.SchemaVersion == pgstore.SchemaVersion {
			fmt.Fprintln(out, "Schema unchanged, migration skipped.")
			fmt.Fprintln(out, "Use --force to re-apply.")
		} else {
			fmt.Fprintln(out, "Grantry schema applied successfully.")
		}
	}
	return nil
}
