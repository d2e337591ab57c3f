package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pthm/grantry/internal/cli"
	"github.com/pthm/grantry/internal/doctor"
	"github.com/pthm/grantry/pkg/rediscache"
)

var doctorVerbose bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long:  `Run health checks on the fixture, database schema, group hierarchy and cache.`,
	Example: `  # Run health checks
  grantry doctor --db postgres://localhost/mydb

  # Check a fixture with verbose output
  grantry doctor --fixture fixtures/cms.yaml --verbose`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verboseFlag := resolveBool(doctorVerbose, cfg.Doctor.Verbose)
		return runDoctor(cmd.Context(), cmd.OutOrStdout(), verboseFlag)
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorVerbose, "verbose", false, "show detailed output")
}

func runDoctor(ctx context.Context, out io.Writer, verboseFlag bool) error {
	opts := doctor.Options{
		Fixture: resolveString(fixtureFlag, cfg.Fixture),
	}

	if dbFlag != "" || cfg.HasDatabase() {
		dsn, err := resolveDSN(dbFlag)
		if err != nil {
			return err
		}
		db, err := openDB(ctx, dsn)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		opts.DB = db
	}

	if cfg.Cache.Backend == cli.CacheRedis {
		rc := rediscache.New(rediscache.NewClient(cfg.Cache.Redis.Addr, cfg.Cache.Redis.DB), rediscache.WithPrefix(cfg.Cache.Redis.Prefix))
		defer func() { _ = rc.Close() }()
		opts.Cache = rc
		opts.CacheName = fmt.Sprintf("redis at %s", cfg.Cache.Redis.Addr)
	}

	if !quiet {
		fmt.Fprintln(out, "grantry doctor - Health Check")
	}

	report, err := doctor.New(opts).Run(ctx)
	if err != nil {
		return cli.GeneralError("running doctor", err)
	}

	report.Print(out, verboseFlag)

	if report.HasErrors() {
		return cli.GeneralError("health checks failed", nil)
	}

	return nil
}
