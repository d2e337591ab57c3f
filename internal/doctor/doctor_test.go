package doctor

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/grantry/pkg/pgstore"
)

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func expectTables(mock sqlmock.Sqlmock, missing string) {
	for _, table := range pgstore.Tables {
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(table).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(table != missing))
	}
}

func expectLastMigration(mock sqlmock.Sqlmock, checksum, version string) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("grantry_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT schema_checksum, schema_version").
		WillReturnRows(sqlmock.NewRows([]string{"schema_checksum", "schema_version"}).AddRow(checksum, version))
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func find(r *Report, category, name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Category == category && r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

func TestDoctor_NothingConfigured(t *testing.T) {
	report, err := New(Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.HasErrors())
	assert.Equal(t, StatusFail, find(report, "Data Source", "configured").Status)
}

func TestDoctor_Fixture(t *testing.T) {
	good := writeFixture(t, "groups:\n  - id: 1\n    grants:\n      - code: A\n      - code: B\nprincipals:\n  - id: 9\n    groups: [1]\n")
	report, err := New(Options{Fixture: good}).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.HasErrors())
	check := find(report, "Fixture", "valid")
	require.NotNil(t, check)
	assert.Equal(t, "Fixture is valid (1 groups, 0 roles, 2 grants, 1 principals)", check.Message)

	bad := writeFixture(t, "groups:\n  - id: 1\n    parent: 2\n  - id: 2\n    parent: 1\n")
	report, err = New(Options{Fixture: bad}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.HasErrors())
	assert.Contains(t, find(report, "Fixture", "valid").Details, "1 → 2 → 1")
}

func TestDoctor_DatabaseHealthy(t *testing.T) {
	db, mock := newMockDB(t)
	expectTables(mock, "")
	expectLastMigration(mock, pgstore.SchemaChecksum(), pgstore.SchemaVersion)
	mock.ExpectQuery("SELECT id, COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "parent_id"}).
			AddRow(int64(1), int64(0)).
			AddRow(int64(2), int64(1)))

	report, err := New(Options{DB: db}).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.HasErrors())
	assert.Equal(t, 0, report.Warnings)
	assert.Equal(t, StatusPass, find(report, "Migration State", "schema_sync").Status)
	assert.Equal(t, "Group hierarchy is acyclic (2 groups)", find(report, "Data Health", "cycles").Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDoctor_DatabaseProblems(t *testing.T) {
	t.Run("missing tables", func(t *testing.T) {
		db, mock := newMockDB(t)
		expectTables(mock, "grantry_grants")
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("grantry_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		report, err := New(Options{DB: db}).Run(context.Background())
		require.NoError(t, err)
		check := find(report, "Migration State", "tables")
		assert.Equal(t, StatusFail, check.Status)
		assert.Contains(t, check.Message, "grantry_grants")
		assert.Nil(t, find(report, "Data Health", "cycles"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale schema and cycle", func(t *testing.T) {
		db, mock := newMockDB(t)
		expectTables(mock, "")
		expectLastMigration(mock, "0123456789abcdef0123", "0")
		mock.ExpectQuery("SELECT id, COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{"id", "parent_id"}).
				AddRow(int64(1), int64(2)).
				AddRow(int64(2), int64(1)))

		report, err := New(Options{DB: db}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusWarn, find(report, "Migration State", "schema_sync").Status)
		assert.Equal(t, StatusFail, find(report, "Data Health", "cycles").Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty", func(t *testing.T) {
		db, mock := newMockDB(t)
		expectTables(mock, "")
		expectLastMigration(mock, pgstore.SchemaChecksum(), pgstore.SchemaVersion)
		mock.ExpectQuery("SELECT id, COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{"id", "parent_id"}))

		report, err := New(Options{DB: db}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusWarn, find(report, "Data Health", "data").Status)
	})

	t.Run("query failure aborts", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("SELECT EXISTS").WillReturnError(errors.New("connection reset"))

		_, err := New(Options{DB: db}).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checking migration state")
	})
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestDoctor_Cache(t *testing.T) {
	fixture := writeFixture(t, "groups:\n  - id: 1\n")

	report, err := New(Options{Fixture: fixture, Cache: pinger{}, CacheName: "redis"}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "redis is reachable", find(report, "Cache", "reachable").Message)

	report, err = New(Options{Fixture: fixture, Cache: pinger{err: errors.New("dial tcp: refused")}}).Run(context.Background())
	require.NoError(t, err)
	check := find(report, "Cache", "reachable")
	assert.Equal(t, StatusWarn, check.Status)
	assert.Equal(t, "cache is unreachable", check.Message)
	assert.False(t, report.HasErrors())
}

func TestReport_Print(t *testing.T) {
	r := &Report{}
	r.AddCheck(CheckResult{Category: "Fixture", Name: "valid", Status: StatusPass, Message: "ok"})
	r.AddCheck(CheckResult{Category: "Cache", Name: "reachable", Status: StatusWarn, Message: "down", Details: "a\nb", FixHint: "fix it"})

	var buf bytes.Buffer
	r.Print(&buf, true)
	out := buf.String()
	assert.Contains(t, out, "Fixture\n  ✓ ok\n")
	assert.Contains(t, out, "  ⚠ down\n      a\n      b\n      Fix: fix it\n")
	assert.Contains(t, out, "Summary: 1 passed, 1 warnings, 0 errors")

	buf.Reset()
	r.Print(&buf, false)
	assert.NotContains(t, buf.String(), "      a\n")
}
