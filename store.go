package grantry

import "context"

// MembershipStore answers which groups a principal belongs to.
type MembershipStore interface {
	// GroupsForPrincipal returns the groups the principal is a direct member
	// of. An unknown principal yields no groups and no error.
	GroupsForPrincipal(ctx context.Context, principal PrincipalID) ([]GroupID, error)

	// ImplicitGroups returns the groups flagged Implicit.
	ImplicitGroups(ctx context.Context) ([]GroupID, error)

	// PrincipalsInGroups returns the direct members of any of the groups.
	PrincipalsInGroups(ctx context.Context, groups []GroupID) ([]PrincipalID, error)
}

// GroupStore exposes the parent/child relation.
type GroupStore interface {
	// ChildrenOf returns the direct children of every group in groups.
	ChildrenOf(ctx context.Context, groups []GroupID) ([]GroupID, error)

	// ParentOf returns the parent of group (0 for a root). ok is false when
	// the group does not exist.
	ParentOf(ctx context.Context, group GroupID) (parent GroupID, ok bool, err error)

	// Groups returns the requested groups; unknown ids are skipped.
	Groups(ctx context.Context, ids []GroupID) ([]Group, error)
}

// GrantStore exposes direct permission grants.
type GrantStore interface {
	// GrantsForGroups returns every grant row on the groups, any disposition.
	GrantsForGroups(ctx context.Context, groups []GroupID) ([]Grant, error)

	// GrantsForCode returns every grant row for code.
	GrantsForCode(ctx context.Context, code Code) ([]Grant, error)

	// AllDeclaredCodes returns every code that appears on any grant row or
	// role. It backs the non-strict fallback of Check.
	AllDeclaredCodes(ctx context.Context) ([]Code, error)
}

// RoleStore exposes permission roles and their attachments.
type RoleStore interface {
	// RolesForGroups returns the role attachments on the groups.
	RolesForGroups(ctx context.Context, groups []GroupID) ([]RoleAttachment, error)

	// CodesForRole returns the codes bundled in role.
	CodesForRole(ctx context.Context, role RoleID) ([]Code, error)

	// GroupsWithRoleCode returns the groups that have a role carrying code
	// attached directly.
	GroupsWithRoleCode(ctx context.Context, code Code) ([]GroupID, error)
}

// Store bundles every collaborator the Evaluator needs. pkg/memstore and
// pkg/pgstore both implement it.
type Store interface {
	MembershipStore
	GroupStore
	GrantStore
	RoleStore
}
