package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/grantry/internal/cli"
)

const cmsFixture = "../../pkg/fixture/testdata/cms.yaml"

const adminOff = "policy:\n  admin_implies_all: false\n"

// resetFlags restores every flag to its default so commands can run
// repeatedly in one process.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the CLI with a config file holding config.
func run(t *testing.T, config, stdin string, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grantry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o644))

	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--config", path))
	err := rootCmd.Execute()
	return out.String(), err
}

func exitCode(err error) int {
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "flag", resolveString("flag", "config"))
	assert.Equal(t, "config", resolveString("", "config"))
	assert.Equal(t, "", resolveString("", ""))
	assert.True(t, resolveBool(false, true))
	assert.False(t, resolveBool(false, false))
}

func TestCheck(t *testing.T) {
	t.Run("granted by grant", func(t *testing.T) {
		out, err := run(t, "", "", "check", "--fixture", cmsFixture, "--principal", "101", "--code", "CMS_ACCESS")
		require.NoError(t, err)
		assert.Contains(t, out, "granted by grant #")
		assert.Contains(t, out, "CMS_ACCESS on group 2")
	})

	t.Run("admin policy from config", func(t *testing.T) {
		out, err := run(t, "", "", "check", "--fixture", cmsFixture, "--principal", "100", "--code", "CMS_ACCESS")
		require.NoError(t, err)
		assert.Contains(t, out, "granted by role #1 (ADMIN via group 1)")

		out, err = run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "100", "--code", "CMS_ACCESS")
		require.Error(t, err)
		assert.Equal(t, cli.ExitDenied, exitCode(err))
		assert.Equal(t, "denied\n", out)
	})

	t.Run("scoped arg", func(t *testing.T) {
		_, err := run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "100", "--code", "EDIT_PAGE", "--arg", "42")
		require.NoError(t, err)

		_, err = run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "100", "--code", "EDIT_PAGE", "--arg", "43")
		assert.Equal(t, cli.ExitDenied, exitCode(err))

		_, err = run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "100", "--code", "EDIT_PAGE", "--arg", "x")
		assert.Equal(t, cli.ExitGeneral, exitCode(err))
	})

	t.Run("unstrict", func(t *testing.T) {
		_, err := run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "100", "--code", "NEW_FEATURE")
		assert.Equal(t, cli.ExitDenied, exitCode(err))

		out, err := run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "100", "--code", "NEW_FEATURE", "--unstrict")
		require.NoError(t, err)
		assert.Contains(t, out, "undeclared code NEW_FEATURE")
	})

	t.Run("explain", func(t *testing.T) {
		out, err := run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "100", "--code", "VIEW_DRAFTS", "--explain")
		require.NoError(t, err)
		assert.Contains(t, out, "Trace:")
		assert.Contains(t, out, "  3 (ancestors: 2 → 1)\n")
		assert.Contains(t, out, "  VIEW_DRAFTS from role #2 on group 3\n")
	})

	t.Run("client address", func(t *testing.T) {
		_, err := run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "101", "--code", "INTRANET", "--ip", "10.1.2.3")
		require.NoError(t, err)

		_, err = run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "101", "--code", "INTRANET", "--ip", "8.8.8.8")
		assert.Equal(t, cli.ExitDenied, exitCode(err))

		// Unrestricted groups still count from any address.
		_, err = run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "101", "--code", "CMS_ACCESS", "--ip", "8.8.8.8")
		require.NoError(t, err)

		_, err = run(t, adminOff, "", "check", "--fixture", cmsFixture, "--principal", "101", "--code", "INTRANET", "--ip", "nope")
		assert.Equal(t, cli.ExitGeneral, exitCode(err))
	})

	t.Run("metrics", func(t *testing.T) {
		out, err := run(t, "", "", "check", "--fixture", cmsFixture, "--principal", "101", "--code", "CMS_ACCESS", "--metrics")
		require.NoError(t, err)
		assert.Contains(t, out, "grantry_evaluator_checks_total")
	})

	t.Run("no codes", func(t *testing.T) {
		_, err := run(t, "", "", "check", "--fixture", cmsFixture, "--principal", "101")
		assert.Equal(t, cli.ExitGeneral, exitCode(err))
	})

	t.Run("no data source", func(t *testing.T) {
		_, err := run(t, "", "", "check", "--principal", "101", "--code", "A")
		assert.Equal(t, cli.ExitConfig, exitCode(err))
	})
}

func TestTree(t *testing.T) {
	out, err := run(t, "", "", "tree", "--fixture", cmsFixture)
	require.NoError(t, err)
	assert.Equal(t, `1 Administrators
  2 Editors
    3 Authors
4 Everyone [implicit]
5 Office [ip: 10.0.0.0/8, 192.168.1.*]
`, out)

	out, err = run(t, "", "", "tree", "--fixture", cmsFixture, "--group", "2")
	require.NoError(t, err)
	assert.Equal(t, `Group: 2 Editors
Ancestors:
  1 Administrators
Family:
  2 Editors
  3 Authors
`, out)

	_, err = run(t, "", "", "tree", "--fixture", cmsFixture, "--group", "99")
	assert.Error(t, err)
}

func TestWho(t *testing.T) {
	out, err := run(t, adminOff, "", "who", "--fixture", cmsFixture, "--code", "PUBLISH")
	require.NoError(t, err)
	assert.Equal(t, "Groups holding PUBLISH:\n  2\nPrincipals:\n  101\n", out)

	out, err = run(t, adminOff, "", "who", "--fixture", cmsFixture, "--code", "VIEW_SITE")
	require.NoError(t, err)
	assert.Contains(t, out, "(everyone, through an implicit group)")
}

func TestValidate(t *testing.T) {
	out, err := run(t, "", "", "validate", "--fixture", cmsFixture)
	require.NoError(t, err)
	assert.Equal(t, "Fixture is valid. Found 5 groups, 2 roles, 6 grants, 2 principals.\n", out)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("groups:\n  - id: 1\n    parent: 2\n  - id: 2\n    parent: 1\n"), 0o644))
	_, err = run(t, "", "", "validate", "--fixture", bad)
	require.Error(t, err)
	assert.Equal(t, cli.ExitFixture, exitCode(err))
	assert.Contains(t, err.Error(), "1 → 2 → 1")

	_, err = run(t, "", "", "validate")
	assert.Equal(t, cli.ExitConfig, exitCode(err))
}

func TestMigrate_DryRun(t *testing.T) {
	out, err := run(t, "", "", "migrate", "--dry-run", "-q")
	require.NoError(t, err)
	assert.Contains(t, out, "-- Grantry Migration (dry-run)")
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS grantry_groups")
}

func TestHash(t *testing.T) {
	out, err := run(t, "", "s3cret\n", "hash", "--algorithm", "sha256")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "algorithm: sha256", lines[0])
	assert.Len(t, strings.TrimPrefix(lines[2], "hash: "), 64)

	_, err = run(t, "", "s3cret", "hash", "--algorithm", "md5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "choose one of")

	_, err = run(t, "", "", "hash")
	assert.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	out, err := run(t, "database:\n  url: postgres://app:hunter2@db/app\n", "", "config", "show", "--source")
	require.NoError(t, err)
	assert.Contains(t, out, "Config file: ")
	assert.Contains(t, out, "backend: memory")
	assert.Contains(t, out, "postgres://app:")
	assert.NotContains(t, out, "hunter2")
}

func TestDoctor_Fixture(t *testing.T) {
	out, err := run(t, "", "", "doctor", "--fixture", cmsFixture)
	require.NoError(t, err)
	assert.Contains(t, out, "Fixture is valid (5 groups, 2 roles, 6 grants, 2 principals)")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "grantry "))
}
