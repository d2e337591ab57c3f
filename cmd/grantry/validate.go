package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/grantry/internal/cli"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a fixture",
	Long: `Parse a fixture and check its references, grants, IP restrictions and
group hierarchy. Every problem is reported, not just the first.`,
	Example: `  # Validate a specific fixture
  grantry validate --fixture fixtures/cms.yaml

  # Validate using config file settings
  grantry validate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Resolve fixture path: flag > config
		path := resolveString(fixtureFlag, cfg.Fixture)
		if path == "" {
			return cli.ConfigError("fixture path is required (use --fixture or set in config)", nil)
		}

		f, err := loadFixture(path)
		if err != nil {
			return err
		}

		if !quiet {
			grants := 0
			for _, g := range f.Groups {
				grants += len(g.Grants)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Fixture is valid. Found %d groups, %d roles, %d grants, %d principals.\n",
				len(f.Groups), len(f.Roles), grants, len(f.Principals))
		}
		return nil
	},
}
