package grantry

import (
	"context"
	"net/netip"
)

// MembershipResolver maps a principal to its effective groups: direct
// memberships plus, when enabled, every group flagged Implicit.
//
// The result is not closed over the hierarchy. Which groups a principal
// belongs to and which groups' settings apply to it are different questions;
// the second is answered by RoleExpander.
type MembershipResolver struct {
	members  MembershipStore
	groups   GroupStore
	implicit bool
}

// NewMembershipResolver creates a resolver. includeImplicit controls whether
// Implicit groups are added to every principal.
func NewMembershipResolver(members MembershipStore, groups GroupStore, includeImplicit bool) *MembershipResolver {
	return &MembershipResolver{members: members, groups: groups, implicit: includeImplicit}
}

// GroupsOf returns the effective groups of principal. An unknown principal
// has no direct groups; it still receives the implicit ones.
func (m *MembershipResolver) GroupsOf(ctx context.Context, principal PrincipalID) (GroupSet, error) {
	direct, err := m.members.GroupsForPrincipal(ctx, principal)
	if err != nil {
		return nil, storeErr("groups for principal", err)
	}
	out := NewGroupSet(direct...)

	if m.implicit {
		implicit, err := m.members.ImplicitGroups(ctx)
		if err != nil {
			return nil, storeErr("implicit groups", err)
		}
		for _, g := range implicit {
			out.Add(g)
		}
	}
	return out, nil
}

// GroupsOfFrom is GroupsOf restricted to groups whose IP restrictions admit
// addr. Groups without restrictions are always kept.
func (m *MembershipResolver) GroupsOfFrom(ctx context.Context, principal PrincipalID, addr netip.Addr) (GroupSet, error) {
	all, err := m.GroupsOf(ctx, principal)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return all, nil
	}
	groups, err := m.groups.Groups(ctx, all.Sorted())
	if err != nil {
		return nil, storeErr("groups", err)
	}
	out := GroupSet{}
	for _, g := range groups {
		if MatchIP(g.IPRestrictions, addr) {
			out.Add(g.ID)
		}
	}
	return out, nil
}

type clientAddrContextKey struct{}

// WithClientAddr returns a context carrying the address a request came from.
// Checks under such a context only count groups whose IP restrictions admit
// addr, and bypass the cache.
func WithClientAddr(ctx context.Context, addr netip.Addr) context.Context {
	return context.WithValue(ctx, clientAddrContextKey{}, addr)
}

// ClientAddr returns the address carried by ctx.
func ClientAddr(ctx context.Context) (netip.Addr, bool) {
	addr, ok := ctx.Value(clientAddrContextKey{}).(netip.Addr)
	return addr, ok && addr.IsValid()
}
