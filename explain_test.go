package grantry_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/grantry"
	"github.com/pthm/grantry/pkg/memstore"
)

func TestExplain(t *testing.T) {
	ctx := context.Background()
	s := scenarioStore(t)
	require.NoError(t, s.AddMember(alice, editors))
	ev := grantry.NewEvaluator(s, grantry.WithCache(grantry.NewCache()))

	ex, err := ev.Explain(ctx, alice, grantry.Codes("CMS_ACCESS"), grantry.ArgAny(), true)
	require.NoError(t, err)

	assert.NotEmpty(t, ex.TraceID)
	assert.True(t, ex.Decision.Granted())
	assert.Equal(t, []grantry.Code{"ADMIN", "CMS_ACCESS"}, ex.Codes)
	assert.Equal(t, []grantry.GroupID{editors, authors}, ex.Groups)
	assert.Equal(t, []grantry.GroupID{authors, editors, admins}, ex.Ancestors[authors])
	require.Len(t, ex.Grants, 1)
	assert.Equal(t, editors, ex.Grants[0].Group)
	assert.Equal(t, grantry.RoleSource{Role: 1, Group: admins}, ex.Roles[grantry.AdminCode])
	assert.False(t, ex.Undeclared)

	t.Run("absent principal", func(t *testing.T) {
		ex, err := ev.Explain(ctx, 0, grantry.Codes("CMS_ACCESS"), grantry.ArgAny(), true)
		require.NoError(t, err)
		assert.False(t, ex.Decision.Granted())
		assert.Empty(t, ex.Groups)
	})

	t.Run("invalid arg", func(t *testing.T) {
		_, err := ev.Explain(ctx, alice, grantry.Codes("X"), grantry.ArgID(0), true)
		assert.True(t, grantry.IsInvalidArgErr(err))
	})
}

func TestGroupsWithAndPrincipalsWith(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	root, _ := s.AddGroup(grantry.Group{ID: 1})
	child, _ := s.AddGroup(grantry.Group{ID: 2, Parent: root})
	grandchild, _ := s.AddGroup(grantry.Group{ID: 3, Parent: child})
	direct, _ := s.AddGroup(grantry.Group{ID: 4})
	denied, _ := s.AddGroup(grantry.Group{ID: 5})
	admin, _ := s.AddGroup(grantry.Group{ID: 6})

	r := s.AddRole(grantry.Role{Codes: grantry.Codes("REPORTS")})
	require.NoError(t, s.AttachRole(child, r))
	_, _ = s.Grant(direct, "REPORTS", grantry.ArgAny())
	_, _ = s.Deny(denied, "REPORTS", grantry.ArgAny())
	_, _ = s.Grant(admin, grantry.AdminCode, grantry.ArgAny())

	require.NoError(t, s.AddMember(20, grandchild))
	require.NoError(t, s.AddMember(10, direct))
	require.NoError(t, s.AddMember(30, denied))
	require.NoError(t, s.AddMember(40, admin))
	require.NoError(t, s.AddMember(20, direct))

	ev := grantry.NewEvaluator(s)

	groups, err := ev.GroupsWith(ctx, "REPORTS")
	require.NoError(t, err)
	assert.Equal(t, []grantry.GroupID{child, grandchild, direct, admin}, groups)

	holders, err := ev.PrincipalsWith(ctx, "REPORTS")
	require.NoError(t, err)
	assert.Equal(t, []grantry.PrincipalID{10, 20, 40}, holders.Principals)
	assert.False(t, holders.AllPrincipals)

	// Every reported holder passes Check.
	for _, p := range holders.Principals {
		assert.True(t, check(t, ev, p, "REPORTS", grantry.ArgAny()).Granted(), "principal %d", p)
	}

	t.Run("without admin implication", func(t *testing.T) {
		ev := grantry.NewEvaluator(s, grantry.WithAdminImpliesAll(false))
		groups, err := ev.GroupsWith(ctx, "REPORTS")
		require.NoError(t, err)
		assert.Equal(t, []grantry.GroupID{child, grandchild, direct}, groups)
	})

	t.Run("implicit group means everyone", func(t *testing.T) {
		everyone, _ := s.AddGroup(grantry.Group{ID: 7, Implicit: true})
		_, _ = s.Grant(everyone, "VIEW", grantry.ArgAny())

		holders, err := ev.PrincipalsWith(ctx, "VIEW")
		require.NoError(t, err)
		assert.True(t, holders.AllPrincipals)
	})

	t.Run("unknown code", func(t *testing.T) {
		holders, err := ev.PrincipalsWith(ctx, "NOBODY_HAS_THIS")
		require.NoError(t, err)
		// Admins hold every code.
		assert.Equal(t, []grantry.PrincipalID{40}, holders.Principals)
	})
}

func TestDeclaredCodes(t *testing.T) {
	s := scenarioStore(t)
	ev := grantry.NewEvaluator(s)
	codes, err := ev.DeclaredCodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, grantry.Codes("ADMIN", "CMS_ACCESS"), codes)
}

func TestDecision_JSON(t *testing.T) {
	d := grantry.Granted(grantry.Source{Kind: grantry.SourceRole, Code: "ADMIN", Group: 1, Role: 3})
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"granted":true,"source":{"kind":2,"code":"ADMIN","group":1,"role":3}}`, string(data))

	var back grantry.Decision
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d, back)

	data, err = json.Marshal(grantry.Denied())
	require.NoError(t, err)
	assert.JSONEq(t, `{"granted":false}`, string(data))

	assert.Equal(t, "denied", grantry.Denied().String())
	assert.Equal(t, "granted by role #3 (ADMIN via group 1)", d.String())
}
