// Package doctor provides health checks for a grantry deployment.
//
// The doctor command validates that the resolver is usable by checking the
// fixture file, the database schema, the stored hierarchy and the cache
// backend.
//
// Example usage:
//
//	d := doctor.New(doctor.Options{DB: db, Fixture: "grantry.fixture.yaml"})
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pthm/grantry"
	"github.com/pthm/grantry/pkg/fixture"
	"github.com/pthm/grantry/pkg/pgstore"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Fixture", "Migration State", "Cache").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status Status

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Print writes the report to the given writer.
func (r *Report) Print(w io.Writer, verbose bool) {
	// Group checks by category
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	// Print each category
	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				// Indent details
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	// Print summary
	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Pinger is satisfied by cache backends that talk to a server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options selects what Doctor inspects. Empty fields skip their checks.
type Options struct {
	// Fixture is a fixture file path.
	Fixture string

	// DB is a PostgreSQL handle holding the grantry tables.
	DB pgstore.Querier

	// Cache is a remote cache backend.
	Cache Pinger

	// CacheName labels the cache in the report.
	CacheName string
}

// Doctor performs health checks on a grantry deployment.
type Doctor struct {
	opts Options

	// Populated during Run.
	tablesExist bool
}

// New creates a new Doctor instance.
func New(opts Options) *Doctor {
	if opts.CacheName == "" {
		opts.CacheName = "cache"
	}
	return &Doctor{opts: opts}
}

// Run executes all health checks and returns a report. Errors are returned
// only for failures of the doctor itself; problems found are report entries.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if d.opts.Fixture == "" && d.opts.DB == nil {
		report.AddCheck(CheckResult{
			Category: "Data Source",
			Name:     "configured",
			Status:   StatusFail,
			Message:  "No fixture or database configured",
			FixHint:  "Set fixture or database.url in grantry.yaml, or pass --fixture / --db",
		})
	}

	if d.opts.Fixture != "" {
		d.checkFixture(report)
	}
	if d.opts.DB != nil {
		if err := d.checkMigrationState(ctx, report); err != nil {
			return nil, fmt.Errorf("checking migration state: %w", err)
		}
		if err := d.checkDataHealth(ctx, report); err != nil {
			return nil, fmt.Errorf("checking data health: %w", err)
		}
	}
	if d.opts.Cache != nil {
		d.checkCache(ctx, report)
	}

	return report, nil
}

// checkFixture validates the fixture file parses and is consistent.
func (d *Doctor) checkFixture(report *Report) {
	f, err := fixture.ParseFile(d.opts.Fixture)
	if err != nil {
		report.AddCheck(CheckResult{
			Category: "Fixture",
			Name:     "valid",
			Status:   StatusFail,
			Message:  fmt.Sprintf("Fixture %s is invalid", d.opts.Fixture),
			Details:  err.Error(),
			FixHint:  "Run 'grantry validate' to see every problem",
		})
		return
	}

	grants := 0
	for _, g := range f.Groups {
		grants += len(g.Grants)
	}
	report.AddCheck(CheckResult{
		Category: "Fixture",
		Name:     "valid",
		Status:   StatusPass,
		Message: fmt.Sprintf("Fixture is valid (%d groups, %d roles, %d grants, %d principals)",
			len(f.Groups), len(f.Roles), grants, len(f.Principals)),
	})
}

// checkMigrationState validates that the grantry tables exist and match the
// schema this binary would create.
func (d *Doctor) checkMigrationState(ctx context.Context, report *Report) error {
	status, err := pgstore.GetStatus(ctx, d.opts.DB)
	if err != nil {
		return err
	}

	if !status.TablesExist {
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "tables",
			Status:   StatusFail,
			Message:  fmt.Sprintf("Missing tables: %s", strings.Join(status.Missing, ", ")),
			FixHint:  "Run 'grantry migrate' to create them",
		})
		return nil
	}
	d.tablesExist = true

	report.AddCheck(CheckResult{
		Category: "Migration State",
		Name:     "tables",
		Status:   StatusPass,
		Message:  "All grantry tables exist",
	})

	last := status.Last
	switch {
	case last == nil:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "migrated",
			Status:   StatusWarn,
			Message:  "No migration records found",
			Details:  "Tables were created outside 'grantry migrate'",
			FixHint:  "Run 'grantry migrate' to record the schema version",
		})
	case last.SchemaChecksum != pgstore.SchemaChecksum() || last.SchemaVersion != pgstore.SchemaVersion:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "schema_sync",
			Status:   StatusWarn,
			Message:  "Database schema differs from this grantry version",
			Details: fmt.Sprintf("Binary: version %s checksum %s...\nDB:     version %s checksum %s...",
				pgstore.SchemaVersion, pgstore.SchemaChecksum()[:16], last.SchemaVersion, shortChecksum(last.SchemaChecksum)),
			FixHint: "Run 'grantry migrate' to apply changes",
		})
	default:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "schema_sync",
			Status:   StatusPass,
			Message:  fmt.Sprintf("Schema is in sync with database (version %s)", last.SchemaVersion),
		})
	}
	return nil
}

func shortChecksum(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// checkDataHealth validates the stored hierarchy and reports data volume.
func (d *Doctor) checkDataHealth(ctx context.Context, report *Report) error {
	if !d.tablesExist {
		return nil // Already reported in migration check
	}

	parents, err := pgstore.LoadParents(ctx, d.opts.DB)
	if err != nil {
		return err
	}

	if err := grantry.DetectGroupCycles(parents); err != nil {
		report.AddCheck(CheckResult{
			Category: "Data Health",
			Name:     "cycles",
			Status:   StatusFail,
			Message:  "Group hierarchy contains a cycle",
			Details:  err.Error(),
			FixHint:  "Break the cycle by clearing one parent_id in grantry_groups",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: "Data Health",
			Name:     "cycles",
			Status:   StatusPass,
			Message:  fmt.Sprintf("Group hierarchy is acyclic (%d groups)", len(parents)),
		})
	}

	if len(parents) == 0 {
		report.AddCheck(CheckResult{
			Category: "Data Health",
			Name:     "data",
			Status:   StatusWarn,
			Message:  "No groups stored",
			Details:  "Every check will be denied",
			FixHint:  "Run 'grantry import' to load a fixture",
		})
	}
	return nil
}

// checkCache pings the remote cache.
func (d *Doctor) checkCache(ctx context.Context, report *Report) {
	if err := d.opts.Cache.Ping(ctx); err != nil {
		report.AddCheck(CheckResult{
			Category: "Cache",
			Name:     "reachable",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%s is unreachable", d.opts.CacheName),
			Details:  err.Error() + "\nChecks still work; every lookup is a cache miss",
			FixHint:  "Check cache.redis.addr",
		})
		return
	}
	report.AddCheck(CheckResult{
		Category: "Cache",
		Name:     "reachable",
		Status:   StatusPass,
		Message:  fmt.Sprintf("%s is reachable", d.opts.CacheName),
	})
}
