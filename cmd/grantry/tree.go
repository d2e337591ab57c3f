package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pthm/grantry"
	"github.com/pthm/grantry/internal/cli"
	"github.com/pthm/grantry/pkg/memstore"
	"github.com/pthm/grantry/pkg/pgstore"
)

var treeGroup int64

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the group hierarchy",
	Long: `Print the group hierarchy, or with --group the family (the group and all its
descendants) and the ancestor chain of one group.`,
	Example: `  # Print every group
  grantry tree --fixture cms.yaml

  # Show where group 3 sits
  grantry tree --fixture cms.yaml --group 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		src, err := openSource(ctx, false)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()

		groups, err := src.allGroups(ctx)
		if err != nil {
			return cli.DBConnectError("listing groups", err)
		}

		out := cmd.OutOrStdout()
		if treeGroup != 0 {
			return printFamily(ctx, out, src.eval.Hierarchy(), groups, grantry.GroupID(treeGroup))
		}
		printTree(out, groups)
		return nil
	},
}

func init() {
	treeCmd.Flags().Int64Var(&treeGroup, "group", 0, "show the family and ancestors of one group")
}

// allGroups lists every group of the source ordered by id.
func (s *source) allGroups(ctx context.Context) ([]grantry.Group, error) {
	switch st := s.store.(type) {
	case *memstore.Store:
		return st.AllGroups(), nil
	case *pgstore.Store:
		return st.AllGroups(ctx)
	default:
		return nil, fmt.Errorf("listing groups: unsupported store %T", s.store)
	}
}

func groupLabel(g grantry.Group) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", g.ID)
	if g.Title != "" {
		fmt.Fprintf(&b, " %s", g.Title)
	}
	if g.Implicit {
		b.WriteString(" [implicit]")
	}
	if len(g.IPRestrictions) > 0 {
		fmt.Fprintf(&b, " [ip: %s]", strings.Join(g.IPRestrictions, ", "))
	}
	return b.String()
}

// printTree prints groups indented under their parents. Groups whose parent
// is missing are printed as roots.
func printTree(w io.Writer, groups []grantry.Group) {
	byID := make(map[grantry.GroupID]grantry.Group, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
	}
	children := make(map[grantry.GroupID][]grantry.Group)
	var roots []grantry.Group
	for _, g := range groups {
		if _, ok := byID[g.Parent]; g.Parent == 0 || !ok {
			roots = append(roots, g)
			continue
		}
		children[g.Parent] = append(children[g.Parent], g)
	}

	if len(roots) == 0 {
		fmt.Fprintln(w, "(no groups)")
		return
	}

	seen := grantry.GroupSet{}
	var walk func(g grantry.Group, depth int)
	walk = func(g grantry.Group, depth int) {
		if !seen.Add(g.ID) {
			return
		}
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), groupLabel(g))
		for _, c := range children[g.ID] {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
}

func printFamily(ctx context.Context, w io.Writer, h *grantry.Hierarchy, groups []grantry.Group, id grantry.GroupID) error {
	family, err := h.FamilyOf(ctx, id)
	if err != nil {
		return cli.GeneralError("resolving family", err)
	}
	if len(family) == 0 {
		return cli.GeneralError(fmt.Sprintf("group %d not found", id), nil)
	}
	ancestors, err := h.AncestorsOf(ctx, id)
	if err != nil {
		return cli.GeneralError("resolving ancestors", err)
	}

	byID := make(map[grantry.GroupID]grantry.Group, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
	}
	label := func(g grantry.GroupID) string {
		if grp, ok := byID[g]; ok {
			return groupLabel(grp)
		}
		return g.String()
	}

	fmt.Fprintf(w, "Group: %s\n", label(id))
	fmt.Fprintln(w, "Ancestors:")
	if len(ancestors) <= 1 {
		fmt.Fprintln(w, "  (root)")
	}
	for _, a := range ancestors[min(1, len(ancestors)):] {
		fmt.Fprintf(w, "  %s\n", label(a))
	}
	fmt.Fprintln(w, "Family:")
	for _, g := range family.Sorted() {
		fmt.Fprintf(w, "  %s\n", label(g))
	}
	return nil
}
