package grantry

import (
	"context"
	"sort"
)

// RoleSource identifies the role attachment that contributed a code.
type RoleSource struct {
	Role  RoleID
	Group GroupID // the group the role is attached to
}

// RoleExpander resolves the codes that roles contribute to a set of groups.
//
// A role attached to a group applies to that group and to all of its
// descendants, so expanding a group means looking at roles on the group and
// on every one of its ancestors.
type RoleExpander struct {
	hierarchy *Hierarchy
	roles     RoleStore
}

// NewRoleExpander creates a RoleExpander.
func NewRoleExpander(h *Hierarchy, roles RoleStore) *RoleExpander {
	return &RoleExpander{hierarchy: h, roles: roles}
}

// Expand returns every code granted by roles on groups or their ancestors,
// with the attachment it came from. When several attachments grant the same
// code, the one with the lowest (group, role) pair is reported so the result
// is deterministic.
func (r *RoleExpander) Expand(ctx context.Context, groups []GroupID) (map[Code]RoleSource, error) {
	if len(groups) == 0 {
		return map[Code]RoleSource{}, nil
	}

	applicable, err := r.hierarchy.AncestorsOfAll(ctx, groups)
	if err != nil {
		return nil, err
	}
	if len(applicable) == 0 {
		return map[Code]RoleSource{}, nil
	}

	attachments, err := r.roles.RolesForGroups(ctx, applicable.Sorted())
	if err != nil {
		return nil, storeErr("roles for groups", err)
	}
	sort.Slice(attachments, func(i, j int) bool {
		if attachments[i].Group != attachments[j].Group {
			return attachments[i].Group < attachments[j].Group
		}
		return attachments[i].Role < attachments[j].Role
	})

	codesByRole := make(map[RoleID][]Code)
	out := make(map[Code]RoleSource)
	for _, a := range attachments {
		codes, ok := codesByRole[a.Role]
		if !ok {
			codes, err = r.roles.CodesForRole(ctx, a.Role)
			if err != nil {
				return nil, storeErr("codes for role", err)
			}
			codesByRole[a.Role] = codes
		}
		for _, c := range codes {
			if _, exists := out[c]; !exists {
				out[c] = RoleSource{Role: a.Role, Group: a.Group}
			}
		}
	}
	return out, nil
}
