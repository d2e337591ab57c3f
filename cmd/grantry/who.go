package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/grantry"
	"github.com/pthm/grantry/internal/cli"
)

var whoCode string

var whoCmd = &cobra.Command{
	Use:   "who",
	Short: "List holders of a permission code",
	Long: `List the groups whose members hold a code, by direct grant or by role, and
the principals in those groups.`,
	Example: `  # Who may publish?
  grantry who --fixture cms.yaml --code PUBLISH`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if whoCode == "" {
			return cli.GeneralError("--code is required", nil)
		}
		ctx := cmd.Context()
		src, err := openSource(ctx, false)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()

		code := grantry.Code(whoCode)
		groups, err := src.eval.GroupsWith(ctx, code)
		if err != nil {
			return checkError(err)
		}
		holders, err := src.eval.PrincipalsWith(ctx, code)
		if err != nil {
			return checkError(err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Groups holding %s:\n", code)
		if len(groups) == 0 {
			fmt.Fprintln(out, "  (none)")
		}
		for _, g := range groups {
			fmt.Fprintf(out, "  %d\n", g)
		}
		fmt.Fprintln(out, "Principals:")
		if holders.AllPrincipals {
			fmt.Fprintln(out, "  (everyone, through an implicit group)")
		}
		for _, p := range holders.Principals {
			fmt.Fprintf(out, "  %d\n", p)
		}
		if !holders.AllPrincipals && len(holders.Principals) == 0 {
			fmt.Fprintln(out, "  (none)")
		}
		return nil
	},
}

func init() {
	whoCmd.Flags().StringVar(&whoCode, "code", "", "permission code")
}
