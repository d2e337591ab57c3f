package main

import (
	"github.com/spf13/cobra"

	"github.com/pthm/grantry/internal/cli"
)

var (
	// Global state set during PersistentPreRunE
	cfg        *cli.Config
	configPath string

	// Persistent flags
	cfgFile     string
	verbose     int
	quiet       bool
	fixtureFlag string
	dbFlag      string
)

var rootCmd = &cobra.Command{
	Use:   "grantry",
	Short: "Group-hierarchy permission resolver",
	Long: `grantry - Group-hierarchy permission resolver

Grantry answers "may this principal do X?" from nested groups, direct grants
and reusable roles. Data comes from a YAML fixture or a PostgreSQL database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help/completion/version/hash commands
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" || cmd.Name() == "hash" {
			return nil
		}

		var err error
		cfg, configPath, err = cli.LoadConfig(cfgFile)
		if err != nil {
			return cli.ConfigError("loading configuration", err)
		}
		if verbose > 0 && cfg.Log.Level == "" {
			cfg.Log.Level = "debug"
		}

		return nil
	},
	SilenceUsage:  true, // Don't show usage on errors
	SilenceErrors: true, // We handle errors ourselves
}

// Command group IDs
const (
	groupQuery   = "query"
	groupData    = "data"
	groupUtility = "utility"
)

func init() {
	// Persistent flags (available to all commands)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: auto-discover grantry.yaml)")
	pf.CountVarP(&verbose, "verbose", "v", "increase verbosity (can be repeated)")
	pf.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	pf.StringVar(&fixtureFlag, "fixture", "", "YAML fixture used as the data source")
	pf.StringVar(&dbFlag, "db", "", "database URL used as the data source")

	// Define command groups
	rootCmd.AddGroup(
		&cobra.Group{ID: groupQuery, Title: "Query:"},
		&cobra.Group{ID: groupData, Title: "Data:"},
		&cobra.Group{ID: groupUtility, Title: "Utility:"},
	)

	// Query commands
	checkCmd.GroupID = groupQuery
	treeCmd.GroupID = groupQuery
	whoCmd.GroupID = groupQuery
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(whoCmd)

	// Data commands
	validateCmd.GroupID = groupData
	migrateCmd.GroupID = groupData
	importCmd.GroupID = groupData
	doctorCmd.GroupID = groupData
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(doctorCmd)

	// Utility commands
	hashCmd.GroupID = groupUtility
	configCmd.GroupID = groupUtility
	versionCmd.GroupID = groupUtility
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		cli.ExitWithError(err)
	}
}

// resolveString returns the first non-empty string from the provided values.
// Used to implement precedence: flag > config > default.
func resolveString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveBool returns true if any of the provided values is true.
// Used for boolean flags where any true value should win.
func resolveBool(values ...bool) bool {
	for _, v := range values {
		if v {
			return true
		}
	}
	return false
}
