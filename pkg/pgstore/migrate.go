package pgstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// SchemaVersion is incremented when the DDL below changes. It is recorded
// with every migration so an unchanged schema can be skipped.
const SchemaVersion = "1"

// schemaDDL creates the grantry tables. Every statement is idempotent.
const schemaDDL = `CREATE TABLE IF NOT EXISTS grantry_principals (
    id    BIGINT PRIMARY KEY,
    label TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS grantry_groups (
    id              BIGSERIAL PRIMARY KEY,
    parent_id       BIGINT REFERENCES grantry_groups (id) ON DELETE CASCADE,
    title           TEXT NOT NULL DEFAULT '',
    implicit        BOOLEAN NOT NULL DEFAULT FALSE,
    ip_restrictions TEXT[] NOT NULL DEFAULT '{}',
    CHECK (parent_id IS NULL OR parent_id <> id)
);
CREATE INDEX IF NOT EXISTS grantry_groups_parent_idx ON grantry_groups (parent_id);

CREATE TABLE IF NOT EXISTS grantry_memberships (
    principal_id BIGINT NOT NULL,
    group_id     BIGINT NOT NULL REFERENCES grantry_groups (id) ON DELETE CASCADE,
    PRIMARY KEY (principal_id, group_id)
);
CREATE INDEX IF NOT EXISTS grantry_memberships_group_idx ON grantry_memberships (group_id);

CREATE TABLE IF NOT EXISTS grantry_grants (
    id          BIGSERIAL PRIMARY KEY,
    group_id    BIGINT NOT NULL REFERENCES grantry_groups (id) ON DELETE CASCADE,
    code        TEXT NOT NULL,
    disposition SMALLINT NOT NULL CHECK (disposition IN (-1, 0, 1)),
    arg         BIGINT NOT NULL DEFAULT 0 CHECK (arg >= -1),
    UNIQUE (group_id, code, arg)
);
CREATE INDEX IF NOT EXISTS grantry_grants_code_idx ON grantry_grants (code);

CREATE TABLE IF NOT EXISTS grantry_roles (
    id    BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    codes TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS grantry_role_attachments (
    group_id BIGINT NOT NULL REFERENCES grantry_groups (id) ON DELETE CASCADE,
    role_id  BIGINT NOT NULL REFERENCES grantry_roles (id) ON DELETE CASCADE,
    PRIMARY KEY (group_id, role_id)
);`

// migrationsDDL creates the table recording applied migrations.
const migrationsDDL = `CREATE TABLE IF NOT EXISTS grantry_migrations (
    id             SERIAL PRIMARY KEY,
    schema_checksum TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    applied_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// MigrateOptions controls migration behavior.
type MigrateOptions struct {
	// DryRun outputs SQL to the provided writer without applying changes to the database.
	DryRun io.Writer

	// Force re-runs migration even if the schema is unchanged.
	Force bool
}

// MigrationRecord represents a row in the grantry_migrations table.
type MigrationRecord struct {
	SchemaChecksum string
	SchemaVersion  string
}

// SchemaChecksum returns a SHA256 hash of the DDL applied by Migrate.
func SchemaChecksum() string {
	h := sha256.Sum256([]byte(schemaDDL))
	return hex.EncodeToString(h[:])
}

// Migrate creates the grantry tables. It is idempotent and safe to run on
// every application startup: when the last recorded migration has the same
// checksum and version, nothing is executed.
//
// Uses a transaction if the db supports it (*sql.DB), so the schema is
// created atomically or not at all.
func Migrate(ctx context.Context, db Execer, opts MigrateOptions) error {
	checksum := SchemaChecksum()

	if opts.DryRun != nil {
		outputDryRun(opts.DryRun, checksum)
		return nil
	}

	if !opts.Force {
		last, err := LastMigration(ctx, db)
		if err != nil {
			return fmt.Errorf("checking last migration: %w", err)
		}
		if shouldSkipMigration(last, checksum) {
			return nil
		}
	}

	apply := func(db Execer) error {
		if _, err := db.ExecContext(ctx, migrationsDDL); err != nil {
			return fmt.Errorf("applying migrations DDL: %w", err)
		}
		if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
			return fmt.Errorf("applying schema DDL: %w", err)
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO grantry_migrations (schema_checksum, schema_version)
			VALUES ($1, $2)
		`, checksum, SchemaVersion); err != nil {
			return fmt.Errorf("inserting migration record: %w", err)
		}
		return nil
	}

	if txer, ok := db.(txBeginner); ok {
		tx, err := txer.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := apply(tx); err != nil {
			return err
		}
		return tx.Commit()
	}

	// Fall back to non-transactional (for *sql.Conn)
	return apply(db)
}

// LastMigration returns the most recent migration record, or nil if none exists.
func LastMigration(ctx context.Context, db Querier) (*MigrationRecord, error) {
	exists, err := tableExists(ctx, db, "grantry_migrations")
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	var rec MigrationRecord
	err = db.QueryRowContext(ctx, `
		SELECT schema_checksum, schema_version
		FROM grantry_migrations
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&rec.SchemaChecksum, &rec.SchemaVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last migration: %w", err)
	}
	return &rec, nil
}

// shouldSkipMigration returns true if the schema and version are unchanged.
func shouldSkipMigration(last *MigrationRecord, checksum string) bool {
	if last == nil {
		return false
	}
	return last.SchemaChecksum == checksum && last.SchemaVersion == SchemaVersion
}

// Status represents the current migration state.
// Use GetStatus for health checks.
type Status struct {
	// TablesExist is true when every grantry table is present.
	TablesExist bool

	// Missing lists the tables that are absent.
	Missing []string

	// Last is the most recent migration record, if any.
	Last *MigrationRecord
}

// Tables lists the tables Migrate creates.
var Tables = []string{
	"grantry_principals",
	"grantry_groups",
	"grantry_memberships",
	"grantry_grants",
	"grantry_roles",
	"grantry_role_attachments",
}

// GetStatus reports which grantry tables exist.
func GetStatus(ctx context.Context, db Querier) (*Status, error) {
	status := &Status{}
	for _, table := range Tables {
		exists, err := tableExists(ctx, db, table)
		if err != nil {
			return nil, err
		}
		if !exists {
			status.Missing = append(status.Missing, table)
		}
	}
	status.TablesExist = len(status.Missing) == 0

	last, err := LastMigration(ctx, db)
	if err != nil {
		return nil, err
	}
	status.Last = last
	return status, nil
}

func tableExists(ctx context.Context, db Querier, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname = $1
			AND n.nspname = current_schema()
		)
	`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", name, err)
	}
	return exists, nil
}

// outputDryRun writes the migration SQL to the provided writer.
func outputDryRun(w io.Writer, checksum string) {
	_, _ = fmt.Fprintf(w, "-- Grantry Migration (dry-run)\n")
	_, _ = fmt.Fprintf(w, "-- Schema checksum: %s\n", checksum)
	_, _ = fmt.Fprintf(w, "-- Schema version: %s\n", SchemaVersion)
	_, _ = fmt.Fprintf(w, "\n")

	_, _ = fmt.Fprintf(w, "-- ============================================================\n")
	_, _ = fmt.Fprintf(w, "-- DDL: Migration Tracking Table\n")
	_, _ = fmt.Fprintf(w, "-- ============================================================\n\n")
	_, _ = fmt.Fprintf(w, "%s\n\n", migrationsDDL)

	_, _ = fmt.Fprintf(w, "-- ============================================================\n")
	_, _ = fmt.Fprintf(w, "-- DDL: Grantry Tables\n")
	_, _ = fmt.Fprintf(w, "-- ============================================================\n\n")
	_, _ = fmt.Fprintf(w, "%s\n\n", schemaDDL)

	_, _ = fmt.Fprintf(w, "-- ============================================================\n")
	_, _ = fmt.Fprintf(w, "-- Migration Record\n")
	_, _ = fmt.Fprintf(w, "-- ============================================================\n\n")
	_, _ = fmt.Fprintf(w, "INSERT INTO grantry_migrations (schema_checksum, schema_version)\n")
	_, _ = fmt.Fprintf(w, "VALUES ('%s', '%s');\n", checksum, SchemaVersion)
}
