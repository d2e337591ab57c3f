package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/grantry/internal/cli"
	"github.com/pthm/grantry/pkg/pgstore"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a fixture into PostgreSQL",
	Long: `Write the roles, groups, grants and principals of a fixture into a migrated
PostgreSQL database. Fixture ids are kept, so importing into a database that
already holds them fails on the first conflict.`,
	Example: `  # Import a fixture
  grantry import --fixture fixtures/cms.yaml --db postgres://localhost/mydb`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveString(fixtureFlag, cfg.Fixture)
		if path == "" {
			return cli.ConfigError("fixture path is required (use --fixture or set in config)", nil)
		}
		f, err := loadFixture(path)
		if err != nil {
			return err
		}

		dsn, err := resolveDSN(dbFlag)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := openDB(ctx, dsn)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		status, err := pgstore.GetStatus(ctx, db)
		if err != nil {
			return cli.DBConnectError("checking schema", err)
		}
		if !status.TablesExist {
			return cli.GeneralError("grantry tables are missing, run grantry migrate first", nil)
		}

		log := newLogger()
		store := pgstore.New(db)
		if err := f.Apply(ctx, store); err != nil {
			return cli.GeneralError("importing fixture", err)
		}
		log.Info().Str("fixture", path).Int("groups", len(f.Groups)).Msg("import:done")

		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d groups, %d roles, %d principals.\n",
				len(f.Groups), len(f.Roles), len(f.Principals))
		}
		return nil
	},
}
