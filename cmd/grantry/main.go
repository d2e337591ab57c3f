// Command grantry inspects and maintains group-hierarchy permission data.
//
// The CLI supports:
//   - check: Decide whether a principal holds a permission code
//   - tree: Print the group hierarchy or one group's family
//   - who: List the groups and principals holding a code
//   - validate: Parse a fixture and detect hierarchy cycles
//   - migrate: Create the grantry tables in PostgreSQL
//   - import: Copy a fixture into PostgreSQL
//   - hash: Hash a password read from stdin
//   - doctor: Run health checks on the configured data source and cache
//
// Query commands read from --fixture (in memory) or --db (PostgreSQL).
package main

func main() {
	Execute()
}
