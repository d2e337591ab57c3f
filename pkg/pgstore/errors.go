package pgstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	// ErrMissingSchema is returned when the grantry tables do not exist.
	// Run Migrate (or `grantry migrate`) to create them.
	ErrMissingSchema = errors.New("pgstore: grantry tables not found, run migrate")

	// ErrNotFound is returned by mutations that reference a missing row.
	ErrNotFound = errors.New("pgstore: not found")
)

// IsMissingSchemaErr returns true if err is or wraps ErrMissingSchema.
func IsMissingSchemaErr(err error) bool {
	return errors.Is(err, ErrMissingSchema)
}

// PostgreSQL error codes for error mapping.
const (
	pgUndefinedTable      = "42P01" // undefined_table
	pgForeignKeyViolation = "23503" // foreign_key_violation
)

// mapError wraps driver errors with the operation name and maps known
// SQLSTATEs to sentinels.
func mapError(operation string, err error) error {
	switch sqlState(err) {
	case pgUndefinedTable:
		if strings.Contains(err.Error(), "grantry_") {
			return fmt.Errorf("%w: %v", ErrMissingSchema, err)
		}
	case pgForeignKeyViolation:
		return fmt.Errorf("%s: %w: %v", operation, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// sqlState extracts the SQLSTATE code from a PostgreSQL error.
// Works with both drivers the CLI can open:
//   - lib/pq: *pq.Error
//   - pgx/pgconn: *pgconn.PgError
//
// Returns empty string if the error doesn't contain a SQLSTATE.
func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	// Fallback: string matching for wrapped driver messages.
	errStr := err.Error()
	for _, prefix := range []string{"SQLSTATE ", "SQLSTATE: "} {
		if idx := strings.Index(errStr, prefix); idx >= 0 {
			start := idx + len(prefix)
			if start+5 <= len(errStr) {
				return errStr[start : start+5]
			}
		}
	}
	return ""
}
