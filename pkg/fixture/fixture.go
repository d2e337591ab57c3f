// Package fixture reads a YAML description of groups, roles and principals
// and writes it into a store.
//
//	roles:
//	  - id: 1
//	    title: Full administrative rights
//	    codes: [ADMIN]
//	groups:
//	  - id: 1
//	    title: Administrators
//	    roles: [1]
//	  - id: 2
//	    parent: 1
//	    title: Content Authors
//	    grants:
//	      - code: CMS_ACCESS
//	      - code: EDIT_PAGE
//	        arg: 42
//	      - code: DELETE_PAGE
//	        disposition: deny
//	principals:
//	  - id: 100
//	    label: alice
//	    groups: [2]
//
// Ids are required everywhere so that references are stable across loads.
// Groups may be listed in any order; parents are written before children.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/pthm/grantry"
	"github.com/pthm/grantry/pkg/memstore"
)

// ErrInvalidFixture is returned for fixtures that parse but reference
// missing ids, repeat ids or contain a cyclic hierarchy.
var ErrInvalidFixture = errors.New("invalid fixture")

// Fixture is the decoded document.
type Fixture struct {
	Roles      []Role      `json:"roles,omitempty"`
	Groups     []Group     `json:"groups,omitempty"`
	Principals []Principal `json:"principals,omitempty"`
}

// Role describes a grantry.Role.
type Role struct {
	ID    int64    `json:"id"`
	Title string   `json:"title,omitempty"`
	Codes []string `json:"codes"`
}

// Group describes a grantry.Group with its grants and attached roles.
type Group struct {
	ID             int64    `json:"id"`
	Parent         int64    `json:"parent,omitempty"`
	Title          string   `json:"title,omitempty"`
	Implicit       bool     `json:"implicit,omitempty"`
	IPRestrictions []string `json:"ip_restrictions,omitempty"`
	Roles          []int64  `json:"roles,omitempty"`
	Grants         []Grant  `json:"grants,omitempty"`
}

// Grant describes a grant row. Disposition defaults to "grant" and Arg to
// "any".
type Grant struct {
	Code        string      `json:"code"`
	Disposition string      `json:"disposition,omitempty"`
	Arg         grantry.Arg `json:"arg"`
}

// Principal describes a principal and its direct memberships.
type Principal struct {
	ID     int64   `json:"id"`
	Label  string  `json:"label,omitempty"`
	Groups []int64 `json:"groups,omitempty"`
}

// Parse decodes a YAML (or JSON) document and validates it.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParseFile reads and parses path.
func ParseFile(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Marshal encodes f as YAML.
func (f *Fixture) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

func parseDisposition(s string) (grantry.Disposition, error) {
	switch strings.ToLower(s) {
	case "", "grant":
		return grantry.DispositionGrant, nil
	case "deny":
		return grantry.DispositionDeny, nil
	case "inherit":
		return grantry.DispositionInherit, nil
	default:
		return 0, fmt.Errorf("%w: unknown disposition %q", ErrInvalidFixture, s)
	}
}

// Parents returns the child -> parent map described by the fixture.
func (f *Fixture) Parents() map[grantry.GroupID]grantry.GroupID {
	parents := make(map[grantry.GroupID]grantry.GroupID, len(f.Groups))
	for _, g := range f.Groups {
		parents[grantry.GroupID(g.ID)] = grantry.GroupID(g.Parent)
	}
	return parents
}

// Validate checks ids, references, dispositions, args and the hierarchy.
// Every problem found is reported.
func (f *Fixture) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidFixture}, args...)...))
	}

	roles := make(map[int64]bool, len(f.Roles))
	for _, r := range f.Roles {
		switch {
		case r.ID <= 0:
			fail("role %q: id must be positive", r.Title)
		case roles[r.ID]:
			fail("role %d: duplicate id", r.ID)
		}
		roles[r.ID] = true
		for _, c := range r.Codes {
			if strings.TrimSpace(c) == "" {
				fail("role %d: empty code", r.ID)
			}
		}
	}

	groups := make(map[int64]bool, len(f.Groups))
	for _, g := range f.Groups {
		if g.ID <= 0 {
			fail("group %q: id must be positive", g.Title)
		} else if groups[g.ID] {
			fail("group %d: duplicate id", g.ID)
		}
		groups[g.ID] = true
	}
	for _, g := range f.Groups {
		if g.Parent != 0 && !groups[g.Parent] {
			fail("group %d: unknown parent %d", g.ID, g.Parent)
		}
		for _, r := range g.Roles {
			if !roles[r] {
				fail("group %d: unknown role %d", g.ID, r)
			}
		}
		for _, gr := range g.Grants {
			if strings.TrimSpace(gr.Code) == "" {
				fail("group %d: grant without code", g.ID)
			}
			if _, err := parseDisposition(gr.Disposition); err != nil {
				errs = append(errs, fmt.Errorf("group %d: %w", g.ID, err))
			}
			if err := gr.Arg.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("group %d: %w", g.ID, err))
			}
		}
		for _, pattern := range g.IPRestrictions {
			if !grantry.ValidIPPattern(pattern) {
				fail("group %d: invalid ip restriction %q", g.ID, pattern)
			}
		}
	}

	principals := make(map[int64]bool, len(f.Principals))
	for _, p := range f.Principals {
		switch {
		case p.ID <= 0:
			fail("principal %q: id must be positive", p.Label)
		case principals[p.ID]:
			fail("principal %d: duplicate id", p.ID)
		}
		principals[p.ID] = true
		for _, g := range p.Groups {
			if !groups[g] {
				fail("principal %d: unknown group %d", p.ID, g)
			}
		}
	}

	if err := grantry.DetectGroupCycles(f.Parents()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Writer is the set of mutations Apply needs. *pgstore.Store implements it;
// Load adapts a *memstore.Store.
type Writer interface {
	AddPrincipal(ctx context.Context, p grantry.Principal) error
	AddGroup(ctx context.Context, g grantry.Group) (grantry.GroupID, error)
	AddMember(ctx context.Context, principal grantry.PrincipalID, group grantry.GroupID) error
	SetGrant(ctx context.Context, group grantry.GroupID, code grantry.Code, disposition grantry.Disposition, arg grantry.Arg) (grantry.GrantID, error)
	AddRole(ctx context.Context, r grantry.Role) (grantry.RoleID, error)
	AttachRole(ctx context.Context, group grantry.GroupID, role grantry.RoleID) error
}

// Apply writes the fixture into w: roles, then groups parent-first, then
// grants and attachments, then principals and memberships. The fixture is
// validated first and nothing is written if it is invalid.
func (f *Fixture) Apply(ctx context.Context, w Writer) error {
	if err := f.Validate(); err != nil {
		return err
	}

	for _, r := range f.Roles {
		codes := make([]grantry.Code, len(r.Codes))
		for i, c := range r.Codes {
			codes[i] = grantry.Code(strings.TrimSpace(c))
		}
		if _, err := w.AddRole(ctx, grantry.Role{ID: grantry.RoleID(r.ID), Title: r.Title, Codes: codes}); err != nil {
			return fmt.Errorf("role %d: %w", r.ID, err)
		}
	}

	ordered := f.parentFirst()
	for _, g := range ordered {
		_, err := w.AddGroup(ctx, grantry.Group{
			ID:             grantry.GroupID(g.ID),
			Parent:         grantry.GroupID(g.Parent),
			Title:          g.Title,
			Implicit:       g.Implicit,
			IPRestrictions: g.IPRestrictions,
		})
		if err != nil {
			return fmt.Errorf("group %d: %w", g.ID, err)
		}
	}
	for _, g := range ordered {
		gid := grantry.GroupID(g.ID)
		for _, r := range g.Roles {
			if err := w.AttachRole(ctx, gid, grantry.RoleID(r)); err != nil {
				return fmt.Errorf("group %d: attach role %d: %w", g.ID, r, err)
			}
		}
		for _, gr := range g.Grants {
			disp, _ := parseDisposition(gr.Disposition)
			code := grantry.Code(strings.TrimSpace(gr.Code))
			if _, err := w.SetGrant(ctx, gid, code, disp, gr.Arg); err != nil {
				return fmt.Errorf("group %d: grant %s: %w", g.ID, code, err)
			}
		}
	}

	for _, p := range f.Principals {
		pid := grantry.PrincipalID(p.ID)
		if err := w.AddPrincipal(ctx, grantry.Principal{ID: pid, Label: p.Label}); err != nil {
			return fmt.Errorf("principal %d: %w", p.ID, err)
		}
		for _, g := range p.Groups {
			if err := w.AddMember(ctx, pid, grantry.GroupID(g)); err != nil {
				return fmt.Errorf("principal %d: member of %d: %w", p.ID, g, err)
			}
		}
	}
	return nil
}

// parentFirst orders groups so every parent precedes its children. Siblings
// keep id order. The hierarchy must already be known to be acyclic.
func (f *Fixture) parentFirst() []Group {
	children := make(map[int64][]Group)
	for _, g := range f.Groups {
		children[g.Parent] = append(children[g.Parent], g)
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	out := make([]Group, 0, len(f.Groups))
	queue := []int64{0}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, g := range children[id] {
			out = append(out, g)
			queue = append(queue, g.ID)
		}
	}
	return out
}

// Load writes the fixture into a new in-memory store.
func (f *Fixture) Load() (*memstore.Store, error) {
	s := memstore.New()
	if err := f.Apply(context.Background(), memWriter{s}); err != nil {
		return nil, err
	}
	return s, nil
}

type memWriter struct{ s *memstore.Store }

func (m memWriter) AddPrincipal(_ context.Context, p grantry.Principal) error {
	m.s.AddPrincipal(p)
	return nil
}

func (m memWriter) AddGroup(_ context.Context, g grantry.Group) (grantry.GroupID, error) {
	return m.s.AddGroup(g)
}

func (m memWriter) AddMember(_ context.Context, principal grantry.PrincipalID, group grantry.GroupID) error {
	return m.s.AddMember(principal, group)
}

func (m memWriter) SetGrant(_ context.Context, group grantry.GroupID, code grantry.Code, disposition grantry.Disposition, arg grantry.Arg) (grantry.GrantID, error) {
	return m.s.SetGrant(group, code, disposition, arg)
}

func (m memWriter) AddRole(_ context.Context, r grantry.Role) (grantry.RoleID, error) {
	return m.s.AddRole(r), nil
}

func (m memWriter) AttachRole(_ context.Context, group grantry.GroupID, role grantry.RoleID) error {
	return m.s.AttachRole(group, role)
}
