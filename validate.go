package grantry

import (
	"fmt"
	"sort"
	"strings"
)

// color represents the state of a node during DFS cycle detection.
type color int

const (
	white color = iota // unvisited
	gray               // in current DFS path (cycle if revisited)
	black              // fully processed
)

// ValidateParent checks that setting child's parent to parent keeps the
// hierarchy acyclic. parents maps each group to its current parent (0 or
// absent for roots). A zero parent always validates.
//
// Stores call this on every parent write; the traversal in Hierarchy reports
// ErrIntegrityViolation for cycles that slipped in some other way.
func ValidateParent(parents map[GroupID]GroupID, child, parent GroupID) error {
	if parent == 0 {
		return nil
	}
	if parent == child {
		return fmt.Errorf("%w: group %d cannot be its own parent", ErrCyclicGroup, child)
	}

	chain := []GroupID{child, parent}
	seen := NewGroupSet(child, parent)
	for cur := parents[parent]; cur != 0; cur = parents[cur] {
		chain = append(chain, cur)
		if cur == child {
			return fmt.Errorf("%w: %s", ErrCyclicGroup, formatCycle(chain))
		}
		if !seen.Add(cur) {
			// The existing data already loops above parent.
			return fmt.Errorf("%w: existing cycle above group %d", ErrIntegrityViolation, parent)
		}
	}
	return nil
}

// DetectGroupCycles checks the whole parent map for cycles. Returns an error
// wrapping ErrIntegrityViolation that describes the first cycle found, or nil.
//
// Example output:
//
//	grantry: group hierarchy integrity violation: 3 → 5 → 3
func DetectGroupCycles(parents map[GroupID]GroupID) error {
	graph := make(map[GroupID][]GroupID, len(parents))
	for child, parent := range parents {
		if parent != 0 {
			graph[child] = append(graph[child], parent)
		}
	}
	if cycle := detectCycleInGraph(graph); cycle != nil {
		return fmt.Errorf("%w: %s", ErrIntegrityViolation, formatCycle(cycle))
	}
	return nil
}

// detectCycleInGraph uses DFS with three-color marking to detect cycles.
// Nodes are visited in ascending order so the reported cycle is stable.
// Returns the cycle path if found, nil otherwise.
func detectCycleInGraph(graph map[GroupID][]GroupID) []GroupID {
	colors := make(map[GroupID]color)
	parent := make(map[GroupID]GroupID)

	var dfs func(n GroupID) []GroupID
	dfs = func(n GroupID) []GroupID {
		colors[n] = gray

		for _, neighbor := range graph[n] {
			switch colors[neighbor] {
			case gray:
				return reconstructCycle(n, neighbor, parent)
			case white:
				parent[neighbor] = n
				if cycle := dfs(neighbor); cycle != nil {
					return cycle
				}
			}
		}

		colors[n] = black
		return nil
	}

	nodes := make([]GroupID, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	for _, n := range nodes {
		if colors[n] == white {
			if cycle := dfs(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// reconstructCycle builds the cycle path from parent pointers.
// from is the node where we detected the back-edge, to is the node we're returning to.
func reconstructCycle(from, to GroupID, parent map[GroupID]GroupID) []GroupID {
	cycle := []GroupID{to}
	for n := from; n != to; n = parent[n] {
		cycle = append([]GroupID{n}, cycle...)
	}
	cycle = append([]GroupID{to}, cycle...)
	return cycle
}

// formatCycle converts a cycle path to a human-readable string.
func formatCycle(cycle []GroupID) string {
	parts := make([]string, len(cycle))
	for i, n := range cycle {
		parts[i] = n.String()
	}
	return strings.Join(parts, " → ")
}
