package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pthm/grantry"
	"github.com/pthm/grantry/internal/cli"
	"github.com/pthm/grantry/pkg/metrics"
)

var (
	checkPrincipal int64
	checkCodes     []string
	checkArg       string
	checkUnstrict  bool
	checkExplain   bool
	checkMetrics   bool
	checkIP        string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a permission",
	Long: `Decide whether a principal holds any of the given permission codes.

Exits with status 5 when access is denied.`,
	Example: `  # Check a single code
  grantry check --fixture cms.yaml --principal 100 --code CMS_ACCESS

  # Check a code scoped to record 42, with the reasoning
  grantry check --db postgres://localhost/app --principal 100 --code EDIT_PAGE --arg 42 --explain

  # Check from a client address, honouring group IP restrictions
  grantry check --fixture cms.yaml --principal 102 --code INTRANET --ip 10.1.2.3

  # Grant codes nothing declares
  grantry check --fixture cms.yaml --principal 100 --code NEW_FEATURE --unstrict`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(checkCodes) == 0 {
			return cli.GeneralError("at least one --code is required", nil)
		}
		arg, err := grantry.ParseArg(checkArg)
		if err != nil {
			return cli.GeneralError("invalid --arg", err)
		}

		ctx := cmd.Context()
		if checkIP != "" {
			addr, err := netip.ParseAddr(checkIP)
			if err != nil {
				return cli.GeneralError("invalid --ip", err)
			}
			ctx = grantry.WithClientAddr(ctx, addr)
		}

		withMetrics := resolveBool(checkMetrics, cfg.Metrics.Enabled)
		return runCheck(ctx, cmd.OutOrStdout(), grantry.PrincipalID(checkPrincipal), grantry.Codes(checkCodes...), arg, !checkUnstrict, withMetrics)
	},
}

func init() {
	f := checkCmd.Flags()
	f.Int64Var(&checkPrincipal, "principal", 0, "principal id")
	f.StringSliceVar(&checkCodes, "code", nil, "permission code (repeatable, any match grants)")
	f.StringVar(&checkArg, "arg", "any", "argument scope: any, all or a record id")
	f.BoolVar(&checkUnstrict, "unstrict", false, "grant codes that nothing declares")
	f.BoolVar(&checkExplain, "explain", false, "print the facts the decision was derived from")
	f.BoolVar(&checkMetrics, "metrics", false, "print evaluator metrics after the check")
	f.StringVar(&checkIP, "ip", "", "client address; groups whose IP restrictions reject it are ignored")
}

func runCheck(ctx context.Context, out io.Writer, principal grantry.PrincipalID, codes []grantry.Code, arg grantry.Arg, strict, withMetrics bool) error {
	src, err := openSource(ctx, withMetrics)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	var d grantry.Decision
	if checkExplain {
		ex, err := src.eval.Explain(ctx, principal, codes, arg, strict)
		if err != nil {
			return checkError(err)
		}
		printExplanation(out, ex)
		d = ex.Decision
	} else {
		d, err = src.eval.Check(ctx, principal, codes, arg, strict)
		if err != nil {
			return checkError(err)
		}
	}

	if !quiet {
		fmt.Fprintln(out, d.String())
	}
	if src.registry != nil {
		if err := metrics.WriteText(out, src.registry); err != nil {
			return cli.GeneralError("writing metrics", err)
		}
	}

	if !d.Granted() {
		return cli.DeniedError(fmt.Sprintf("principal %d lacks %s (arg %s)", principal, joinCodes(codes), arg))
	}
	return nil
}

// checkError classifies evaluator failures.
func checkError(err error) error {
	switch {
	case grantry.IsInvalidArgErr(err):
		return cli.GeneralError("invalid check", err)
	case grantry.IsStoreUnavailableErr(err):
		return cli.DBConnectError("reading permission data", err)
	default:
		return cli.GeneralError("check failed", err)
	}
}

func printExplanation(w io.Writer, ex *grantry.Explanation) {
	fmt.Fprintf(w, "Trace:     %s\n", ex.TraceID)
	fmt.Fprintf(w, "Principal: %d\n", ex.Principal)
	fmt.Fprintf(w, "Codes:     %s\n", joinCodes(ex.Codes))
	fmt.Fprintf(w, "Arg:       %s\n", ex.Arg)
	fmt.Fprintf(w, "Strict:    %t\n", ex.Strict)

	fmt.Fprintln(w, "Groups:")
	if len(ex.Groups) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, g := range ex.Groups {
		chain := ex.Ancestors[g]
		if len(chain) <= 1 {
			fmt.Fprintf(w, "  %d\n", g)
			continue
		}
		parts := make([]string, 0, len(chain)-1)
		for _, a := range chain[1:] {
			parts = append(parts, a.String())
		}
		fmt.Fprintf(w, "  %d (ancestors: %s)\n", g, strings.Join(parts, " → "))
	}

	fmt.Fprintln(w, "Grants:")
	if len(ex.Grants) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, g := range ex.Grants {
		fmt.Fprintf(w, "  #%d %s on group %d (arg %s)\n", g.ID, g.Code, g.Group, g.Arg)
	}

	fmt.Fprintln(w, "Roles:")
	if len(ex.Roles) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	roleCodes := make([]grantry.Code, 0, len(ex.Roles))
	for c := range ex.Roles {
		roleCodes = append(roleCodes, c)
	}
	sort.Slice(roleCodes, func(i, j int) bool { return roleCodes[i] < roleCodes[j] })
	for _, c := range roleCodes {
		rs := ex.Roles[c]
		fmt.Fprintf(w, "  %s from role #%d on group %d\n", c, rs.Role, rs.Group)
	}

	if ex.Undeclared {
		fmt.Fprintln(w, "Undeclared code granted by the non-strict fallback.")
	}
}

func joinCodes(codes []grantry.Code) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
