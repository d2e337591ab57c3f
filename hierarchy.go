package grantry

import (
	"context"
	"fmt"
)

// Hierarchy answers read-only graph questions over the group tree.
// It holds no state besides the store and is safe for concurrent use.
type Hierarchy struct {
	groups GroupStore
}

// NewHierarchy creates a Hierarchy over groups.
func NewHierarchy(groups GroupStore) *Hierarchy {
	return &Hierarchy{groups: groups}
}

// FamilyOf returns group plus all of its transitive descendants.
//
// The walk is breadth-first over whole frontiers, so the store sees one
// ChildrenOf call per tree level. A group already in the result is never
// expanded again, which also stops the walk on a corrupted cyclic graph.
// An unknown group yields an empty set.
func (h *Hierarchy) FamilyOf(ctx context.Context, group GroupID) (GroupSet, error) {
	_, ok, err := h.groups.ParentOf(ctx, group)
	if err != nil {
		return nil, storeErr("parent of", err)
	}
	if !ok {
		return GroupSet{}, nil
	}

	family := NewGroupSet(group)
	frontier := []GroupID{group}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		children, err := h.groups.ChildrenOf(ctx, frontier)
		if err != nil {
			return nil, storeErr("children of", err)
		}
		next := frontier[:0:0]
		for _, c := range children {
			if family.Add(c) {
				next = append(next, c)
			}
		}
		frontier = next
	}

	return family, nil
}

// FamiliesOf returns the union of FamilyOf for every group.
func (h *Hierarchy) FamiliesOf(ctx context.Context, groups []GroupID) (GroupSet, error) {
	out := GroupSet{}
	for _, g := range groups {
		if out.Has(g) {
			// Already reached as a descendant of an earlier group.
			continue
		}
		fam, err := h.FamilyOf(ctx, g)
		if err != nil {
			return nil, err
		}
		for id := range fam {
			out.Add(id)
		}
	}
	return out, nil
}

// AncestorsOf returns group, its parent, its parent's parent and so on up to
// a root. An unknown group yields an empty chain. A parent that is unknown
// ends the chain at the last known group.
//
// If an id repeats, the stored hierarchy contains a cycle and the walk stops
// with ErrIntegrityViolation.
func (h *Hierarchy) AncestorsOf(ctx context.Context, group GroupID) ([]GroupID, error) {
	parent, ok, err := h.groups.ParentOf(ctx, group)
	if err != nil {
		return nil, storeErr("parent of", err)
	}
	if !ok {
		return nil, nil
	}

	chain := []GroupID{group}
	seen := NewGroupSet(group)

	for parent != 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen.Has(parent) {
			return nil, fmt.Errorf("%w: group %d is its own ancestor (chain %v)",
				ErrIntegrityViolation, parent, append(chain, parent))
		}
		next, exists, err := h.groups.ParentOf(ctx, parent)
		if err != nil {
			return nil, storeErr("parent of", err)
		}
		if !exists {
			// Stale parent reference.
			break
		}
		seen.Add(parent)
		chain = append(chain, parent)
		parent = next
	}
	return chain, nil
}

// AncestorsOfAll returns the union of AncestorsOf for every group.
func (h *Hierarchy) AncestorsOfAll(ctx context.Context, groups []GroupID) (GroupSet, error) {
	out := GroupSet{}
	for _, g := range groups {
		chain, err := h.AncestorsOf(ctx, g)
		if err != nil {
			return nil, err
		}
		for _, id := range chain {
			out.Add(id)
		}
	}
	return out, nil
}
