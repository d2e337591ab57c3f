// Package grantry resolves permissions over a group hierarchy.
//
// Principals belong to groups. Groups form a tree through an optional parent
// link. Permission codes reach a principal in two ways:
//
//   - Direct grants: a (group, code, arg) row applies to members of that group
//     only. It does not flow to child groups.
//   - Roles: a named bundle of codes attached to a group applies to that group
//     and to every descendant of it.
//
// Holding the ADMIN code implies every other code unless the Evaluator is
// built with WithAdminImpliesAll(false).
//
// # Basic Usage
//
//	store := memstore.New()
//	ev := grantry.NewEvaluator(store, grantry.WithCache(grantry.NewCache()))
//	store.OnChange(ev.InvalidateFunc())
//
//	d, err := ev.Check(ctx, 100, grantry.Codes("CMS_ACCESS"), grantry.ArgAny(), true)
//	if err != nil {
//	    // store failure or programmer error, not a denial
//	}
//	if d.Granted() { ... }
//
// # Resource-scoped checks
//
// Grants carry an Arg. A request for ArgAny matches any stored arg; a request
// for a specific id matches grants stored for that id or for ArgAll. Scoped
// checks are never cached.
//
// # Caching
//
// Decisions for ArgAny requests are cached per (principal, code set) until the
// next InvalidateAll. Any write to groups, memberships, grants or roles must
// invalidate the whole cache; stores in pkg/memstore and pkg/pgstore expose
// OnChange hooks for this.
package grantry

import (
	"sort"
	"strconv"
	"strings"
)

// AdminCode is the code that implies every other code when the admin policy
// is enabled.
const AdminCode Code = "ADMIN"

// PrincipalID identifies a member. Zero means no authenticated principal.
type PrincipalID int64

// String returns the decimal form of the id.
func (p PrincipalID) String() string {
	return strconv.FormatInt(int64(p), 10)
}

// GroupID identifies a group. Zero is used as "no parent".
type GroupID int64

// String returns the decimal form of the id.
func (g GroupID) String() string {
	return strconv.FormatInt(int64(g), 10)
}

// RoleID identifies a permission role.
type RoleID int64

// GrantID identifies a stored permission grant row.
type GrantID int64

// Code is a permission code such as "CMS_ACCESS".
type Code string

// String returns the code itself.
func (c Code) String() string {
	return string(c)
}

// Codes builds a normalized code list from strings.
func Codes(codes ...string) []Code {
	out := make([]Code, 0, len(codes))
	for _, c := range codes {
		out = append(out, Code(c))
	}
	return out
}

// Principal is a member identity as seen by the resolver.
type Principal struct {
	ID    PrincipalID
	Label string
}

// Group is a node of the access-control hierarchy.
type Group struct {
	ID     GroupID
	Parent GroupID // 0 for a root group
	Title  string

	// Implicit groups are added to every principal's group set.
	Implicit bool

	// IPRestrictions limits the group to requests from matching addresses.
	// It is evaluated separately from permission checks, see MatchIP.
	IPRestrictions []string
}

// Disposition is the state stored on a permission grant.
type Disposition int

const (
	// DispositionGrant gives the code to the group's members.
	DispositionGrant Disposition = 1
	// DispositionDeny records an explicit denial. It does not participate in
	// check decisions.
	DispositionDeny Disposition = -1
	// DispositionInherit marks the code as neither granted nor denied.
	DispositionInherit Disposition = 0
)

// String returns "grant", "deny" or "inherit".
func (d Disposition) String() string {
	switch d {
	case DispositionGrant:
		return "grant"
	case DispositionDeny:
		return "deny"
	case DispositionInherit:
		return "inherit"
	default:
		return "unknown"
	}
}

// Grant is a direct (group, code, disposition, arg) association.
type Grant struct {
	ID          GrantID
	Group       GroupID
	Code        Code
	Disposition Disposition
	Arg         Arg
}

// Role is a named bundle of codes.
type Role struct {
	ID    RoleID
	Title string
	Codes []Code
}

// RoleAttachment records that a role is attached to a group.
type RoleAttachment struct {
	Group GroupID
	Role  RoleID
}

// GroupSet is an unordered set of group ids.
type GroupSet map[GroupID]struct{}

// NewGroupSet builds a set from ids.
func NewGroupSet(ids ...GroupID) GroupSet {
	s := make(GroupSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id and reports whether it was new.
func (s GroupSet) Add(id GroupID) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Has reports whether id is in the set.
func (s GroupSet) Has(id GroupID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s GroupSet) Sorted() []GroupID {
	out := make([]GroupID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// normalizeCodes dedupes and sorts codes, dropping empty ones.
func normalizeCodes(codes []Code) []Code {
	seen := make(map[Code]struct{}, len(codes))
	out := make([]Code, 0, len(codes))
	for _, c := range codes {
		c = Code(strings.TrimSpace(string(c)))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// joinCodes renders a code list for logs and messages.
func joinCodes(codes []Code) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
