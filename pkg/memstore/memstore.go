// Package memstore provides a thread-safe in-memory grantry.Store.
//
// It backs the CLI when running against a fixture file and is the store used
// by most tests. Every mutation notifies the OnChange hooks after the write
// is visible, so an Evaluator cache can be invalidated:
//
//	store := memstore.New()
//	ev := grantry.NewEvaluator(store, grantry.WithCache(grantry.NewCache()))
//	store.OnChange(ev.InvalidateFunc())
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pthm/grantry"
)

// ErrNotFound is returned by mutations that reference a missing group, role
// or grant.
var ErrNotFound = errors.New("memstore: not found")

type grantKey struct {
	group grantry.GroupID
	code  grantry.Code
	arg   int64
}

// Store is an in-memory grantry.Store with mutations.
type Store struct {
	mu sync.RWMutex

	principals map[grantry.PrincipalID]grantry.Principal
	groups     map[grantry.GroupID]grantry.Group
	members    map[grantry.PrincipalID]grantry.GroupSet
	grants     map[grantry.GrantID]grantry.Grant
	grantIndex map[grantKey]grantry.GrantID
	roles      map[grantry.RoleID]grantry.Role
	attached   map[grantry.GroupID]map[grantry.RoleID]struct{}

	nextGroup grantry.GroupID
	nextGrant grantry.GrantID
	nextRole  grantry.RoleID

	hooks []func()
}

// New creates an empty store.
func New() *Store {
	return &Store{
		principals: make(map[grantry.PrincipalID]grantry.Principal),
		groups:     make(map[grantry.GroupID]grantry.Group),
		members:    make(map[grantry.PrincipalID]grantry.GroupSet),
		grants:     make(map[grantry.GrantID]grantry.Grant),
		grantIndex: make(map[grantKey]grantry.GrantID),
		roles:      make(map[grantry.RoleID]grantry.Role),
		attached:   make(map[grantry.GroupID]map[grantry.RoleID]struct{}),
	}
}

// OnChange registers fn to run after every successful mutation.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	hooks := append([]func(){}, s.hooks...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// ---------------------------------------------------------------------------
// Reads (grantry.Store)
// ---------------------------------------------------------------------------

// GroupsForPrincipal implements grantry.MembershipStore.
func (s *Store) GroupsForPrincipal(ctx context.Context, principal grantry.PrincipalID) ([]grantry.GroupID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[principal].Sorted(), nil
}

// ImplicitGroups implements grantry.MembershipStore.
func (s *Store) ImplicitGroups(ctx context.Context) ([]grantry.GroupID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := grantry.GroupSet{}
	for id, g := range s.groups {
		if g.Implicit {
			out.Add(id)
		}
	}
	return out.Sorted(), nil
}

// PrincipalsInGroups implements grantry.MembershipStore.
func (s *Store) PrincipalsInGroups(ctx context.Context, groups []grantry.GroupID) ([]grantry.PrincipalID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := grantry.NewGroupSet(groups...)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []grantry.PrincipalID
	for p, set := range s.members {
		for g := range set {
			if want.Has(g) {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ChildrenOf implements grantry.GroupStore.
func (s *Store) ChildrenOf(ctx context.Context, groups []grantry.GroupID) ([]grantry.GroupID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parents := grantry.NewGroupSet(groups...)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := grantry.GroupSet{}
	for id, g := range s.groups {
		if g.Parent != 0 && parents.Has(g.Parent) {
			out.Add(id)
		}
	}
	return out.Sorted(), nil
}

// ParentOf implements grantry.GroupStore.
func (s *Store) ParentOf(ctx context.Context, group grantry.GroupID) (grantry.GroupID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[group]
	if !ok {
		return 0, false, nil
	}
	return g.Parent, true, nil
}

// Groups implements grantry.GroupStore.
func (s *Store) Groups(ctx context.Context, ids []grantry.GroupID) ([]grantry.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]grantry.Group, 0, len(ids))
	for _, id := range ids {
		if g, ok := s.groups[id]; ok {
			out = append(out, cloneGroup(g))
		}
	}
	return out, nil
}

// GrantsForGroups implements grantry.GrantStore.
func (s *Store) GrantsForGroups(ctx context.Context, groups []grantry.GroupID) ([]grantry.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := grantry.NewGroupSet(groups...)
	return s.filterGrants(func(g grantry.Grant) bool { return want.Has(g.Group) }), nil
}

// GrantsForCode implements grantry.GrantStore.
func (s *Store) GrantsForCode(ctx context.Context, code grantry.Code) ([]grantry.Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.filterGrants(func(g grantry.Grant) bool { return g.Code == code }), nil
}

func (s *Store) filterGrants(keep func(grantry.Grant) bool) []grantry.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []grantry.Grant
	for _, g := range s.grants {
		if keep(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllDeclaredCodes implements grantry.GrantStore.
func (s *Store) AllDeclaredCodes(ctx context.Context) ([]grantry.Code, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[grantry.Code]struct{})
	for _, g := range s.grants {
		seen[g.Code] = struct{}{}
	}
	for _, r := range s.roles {
		for _, c := range r.Codes {
			seen[c] = struct{}{}
		}
	}
	out := make([]grantry.Code, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// RolesForGroups implements grantry.RoleStore.
func (s *Store) RolesForGroups(ctx context.Context, groups []grantry.GroupID) ([]grantry.RoleAttachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []grantry.RoleAttachment
	for _, g := range groups {
		for r := range s.attached[g] {
			out = append(out, grantry.RoleAttachment{Group: g, Role: r})
		}
	}
	return out, nil
}

// CodesForRole implements grantry.RoleStore.
func (s *Store) CodesForRole(ctx context.Context, role grantry.RoleID) ([]grantry.Code, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]grantry.Code(nil), s.roles[role].Codes...), nil
}

// GroupsWithRoleCode implements grantry.RoleStore.
func (s *Store) GroupsWithRoleCode(ctx context.Context, code grantry.Code) ([]grantry.GroupID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := grantry.GroupSet{}
	for g, roles := range s.attached {
		for r := range roles {
			if hasCode(s.roles[r].Codes, code) {
				out.Add(g)
				break
			}
		}
	}
	return out.Sorted(), nil
}

// ---------------------------------------------------------------------------
// Listing helpers for the CLI and fixtures
// ---------------------------------------------------------------------------

// AllGroups returns every group ordered by id.
func (s *Store) AllGroups() []grantry.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]grantry.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Parents returns the child -> parent map used by cycle validation.
func (s *Store) Parents() map[grantry.GroupID]grantry.GroupID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parentsLocked()
}

func (s *Store) parentsLocked() map[grantry.GroupID]grantry.GroupID {
	out := make(map[grantry.GroupID]grantry.GroupID, len(s.groups))
	for id, g := range s.groups {
		out[id] = g.Parent
	}
	return out
}

// Principal returns a principal by id.
func (s *Store) Principal(id grantry.PrincipalID) (grantry.Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	return p, ok
}

// Role returns a role by id.
func (s *Store) Role(id grantry.RoleID) (grantry.Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return grantry.Role{}, false
	}
	r.Codes = append([]grantry.Code(nil), r.Codes...)
	return r, true
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// AddPrincipal records a principal's label. Principals do not need to be
// added before they are given memberships.
func (s *Store) AddPrincipal(p grantry.Principal) {
	s.mu.Lock()
	s.principals[p.ID] = p
	s.mu.Unlock()
	s.notify()
}

// AddGroup inserts or replaces a group. A zero ID is assigned the next free
// id. The parent must exist and must not make the group its own ancestor.
func (s *Store) AddGroup(g grantry.Group) (grantry.GroupID, error) {
	s.mu.Lock()
	if g.ID == 0 {
		g.ID = s.nextGroup + 1
	}
	if err := s.checkParentLocked(g.ID, g.Parent); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.groups[g.ID] = cloneGroup(g)
	if g.ID > s.nextGroup {
		s.nextGroup = g.ID
	}
	s.mu.Unlock()
	s.notify()
	return g.ID, nil
}

// SetParent moves child under parent (0 makes it a root).
func (s *Store) SetParent(child, parent grantry.GroupID) error {
	s.mu.Lock()
	g, ok := s.groups[child]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: group %d", ErrNotFound, child)
	}
	if err := s.checkParentLocked(child, parent); err != nil {
		s.mu.Unlock()
		return err
	}
	g.Parent = parent
	s.groups[child] = g
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) checkParentLocked(child, parent grantry.GroupID) error {
	if parent == 0 {
		return nil
	}
	if _, ok := s.groups[parent]; !ok {
		return fmt.Errorf("%w: parent group %d", ErrNotFound, parent)
	}
	return grantry.ValidateParent(s.parentsLocked(), child, parent)
}

// RemoveGroup deletes a group together with its descendants, their
// memberships, grants and role attachments.
func (s *Store) RemoveGroup(id grantry.GroupID) error {
	s.mu.Lock()
	if _, ok := s.groups[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: group %d", ErrNotFound, id)
	}

	doomed := grantry.NewGroupSet(id)
	for changed := true; changed; {
		changed = false
		for gid, g := range s.groups {
			if doomed.Has(g.Parent) && doomed.Add(gid) {
				changed = true
			}
		}
	}

	for gid := range doomed {
		delete(s.groups, gid)
		delete(s.attached, gid)
	}
	for _, set := range s.members {
		for gid := range doomed {
			delete(set, gid)
		}
	}
	for gid, g := range s.grants {
		if doomed.Has(g.Group) {
			delete(s.grants, gid)
			delete(s.grantIndex, keyOf(g))
		}
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// AddMember adds principal to group.
func (s *Store) AddMember(principal grantry.PrincipalID, group grantry.GroupID) error {
	s.mu.Lock()
	if _, ok := s.groups[group]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: group %d", ErrNotFound, group)
	}
	set, ok := s.members[principal]
	if !ok {
		set = grantry.GroupSet{}
		s.members[principal] = set
	}
	set.Add(group)
	s.mu.Unlock()
	s.notify()
	return nil
}

// RemoveMember removes principal from group. Removing a membership that does
// not exist is not an error.
func (s *Store) RemoveMember(principal grantry.PrincipalID, group grantry.GroupID) {
	s.mu.Lock()
	delete(s.members[principal], group)
	s.mu.Unlock()
	s.notify()
}

// SetGrant stores a grant row. A row with the same (group, code, arg) is
// updated in place and keeps its id.
func (s *Store) SetGrant(group grantry.GroupID, code grantry.Code, disposition grantry.Disposition, arg grantry.Arg) (grantry.GrantID, error) {
	if err := arg.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if _, ok := s.groups[group]; !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: group %d", ErrNotFound, group)
	}
	g := grantry.Grant{Group: group, Code: code, Disposition: disposition, Arg: arg}
	k := keyOf(g)
	if id, ok := s.grantIndex[k]; ok {
		g.ID = id
	} else {
		s.nextGrant++
		g.ID = s.nextGrant
		s.grantIndex[k] = g.ID
	}
	s.grants[g.ID] = g
	s.mu.Unlock()
	s.notify()
	return g.ID, nil
}

// Grant stores a Grant-disposition row.
func (s *Store) Grant(group grantry.GroupID, code grantry.Code, arg grantry.Arg) (grantry.GrantID, error) {
	return s.SetGrant(group, code, grantry.DispositionGrant, arg)
}

// Deny stores a Deny-disposition row.
func (s *Store) Deny(group grantry.GroupID, code grantry.Code, arg grantry.Arg) (grantry.GrantID, error) {
	return s.SetGrant(group, code, grantry.DispositionDeny, arg)
}

// Revoke deletes a grant row.
func (s *Store) Revoke(id grantry.GrantID) error {
	s.mu.Lock()
	g, ok := s.grants[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: grant %d", ErrNotFound, id)
	}
	delete(s.grants, id)
	delete(s.grantIndex, keyOf(g))
	s.mu.Unlock()
	s.notify()
	return nil
}

// AddRole inserts or replaces a role. A zero ID is assigned the next free id.
func (s *Store) AddRole(r grantry.Role) grantry.RoleID {
	s.mu.Lock()
	if r.ID == 0 {
		r.ID = s.nextRole + 1
	}
	if r.ID > s.nextRole {
		s.nextRole = r.ID
	}
	r.Codes = append([]grantry.Code(nil), r.Codes...)
	s.roles[r.ID] = r
	s.mu.Unlock()
	s.notify()
	return r.ID
}

// AttachRole attaches role to group.
func (s *Store) AttachRole(group grantry.GroupID, role grantry.RoleID) error {
	s.mu.Lock()
	if _, ok := s.groups[group]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: group %d", ErrNotFound, group)
	}
	if _, ok := s.roles[role]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: role %d", ErrNotFound, role)
	}
	set, ok := s.attached[group]
	if !ok {
		set = make(map[grantry.RoleID]struct{})
		s.attached[group] = set
	}
	set[role] = struct{}{}
	s.mu.Unlock()
	s.notify()
	return nil
}

// DetachRole removes role from group.
func (s *Store) DetachRole(group grantry.GroupID, role grantry.RoleID) {
	s.mu.Lock()
	delete(s.attached[group], role)
	s.mu.Unlock()
	s.notify()
}

func keyOf(g grantry.Grant) grantKey {
	return grantKey{group: g.Group, code: g.Code, arg: g.Arg.Int64()}
}

func cloneGroup(g grantry.Group) grantry.Group {
	g.IPRestrictions = append([]string(nil), g.IPRestrictions...)
	return g
}

func hasCode(codes []grantry.Code, code grantry.Code) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

var _ grantry.Store = (*Store)(nil)
