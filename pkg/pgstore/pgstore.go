// Package pgstore implements grantry.Store on PostgreSQL.
//
// The store runs plain SQL against the tables created by Migrate. Any
// database/sql handle works: *sql.DB for normal use, *sql.Tx to make checks
// see uncommitted changes, *sql.Conn for pinned sessions. Both lib/pq and the
// pgx stdlib driver are supported.
//
//	db, _ := sql.Open("postgres", dsn)
//	if err := pgstore.Migrate(ctx, db, pgstore.MigrateOptions{}); err != nil {
//	    return err
//	}
//	store := pgstore.New(db)
//	ev := grantry.NewEvaluator(store, grantry.WithCache(grantry.NewCache()))
//	store.OnChange(ev.InvalidateFunc())
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/lib/pq"

	"github.com/pthm/grantry"
)

// Querier executes queries against PostgreSQL.
// Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer extends Querier with ExecContext for mutations and migrations.
type Execer interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is a grantry.Store backed by PostgreSQL.
type Store struct {
	db Execer

	mu    sync.Mutex
	hooks []func()
}

// New creates a Store over db.
func New(db Execer) *Store {
	return &Store{db: db}
}

// OnChange registers fn to run after every committed mutation.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func groupIDs(ids []grantry.GroupID) any {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return pq.Array(out)
}

func (s *Store) queryGroupIDs(ctx context.Context, op, query string, args ...any) ([]grantry.GroupID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []grantry.GroupID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, grantry.GroupID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

// GroupsForPrincipal implements grantry.MembershipStore.
func (s *Store) GroupsForPrincipal(ctx context.Context, principal grantry.PrincipalID) ([]grantry.GroupID, error) {
	return s.queryGroupIDs(ctx, "groups for principal", `
		SELECT group_id FROM grantry_memberships
		WHERE principal_id = $1
		ORDER BY group_id
	`, int64(principal))
}

// ImplicitGroups implements grantry.MembershipStore.
func (s *Store) ImplicitGroups(ctx context.Context) ([]grantry.GroupID, error) {
	return s.queryGroupIDs(ctx, "implicit groups", `
		SELECT id FROM grantry_groups
		WHERE implicit
		ORDER BY id
	`)
}

// PrincipalsInGroups implements grantry.MembershipStore.
func (s *Store) PrincipalsInGroups(ctx context.Context, groups []grantry.GroupID) ([]grantry.PrincipalID, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT principal_id FROM grantry_memberships
		WHERE group_id = ANY($1)
		ORDER BY principal_id
	`, groupIDs(groups))
	if err != nil {
		return nil, mapError("principals in groups", err)
	}
	defer func() { _ = rows.Close() }()

	var out []grantry.PrincipalID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapError("principals in groups", err)
		}
		out = append(out, grantry.PrincipalID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("principals in groups", err)
	}
	return out, nil
}

// ChildrenOf implements grantry.GroupStore with one query per frontier.
func (s *Store) ChildrenOf(ctx context.Context, groups []grantry.GroupID) ([]grantry.GroupID, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	return s.queryGroupIDs(ctx, "children of", `
		SELECT id FROM grantry_groups
		WHERE parent_id = ANY($1)
		ORDER BY id
	`, groupIDs(groups))
}

// ParentOf implements grantry.GroupStore.
func (s *Store) ParentOf(ctx context.Context, group grantry.GroupID) (grantry.GroupID, bool, error) {
	var parent int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(parent_id, 0) FROM grantry_groups WHERE id = $1
	`, int64(group)).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapError("parent of", err)
	}
	return grantry.GroupID(parent), true, nil
}

// Groups implements grantry.GroupStore.
func (s *Store) Groups(ctx context.Context, ids []grantry.GroupID) ([]grantry.Group, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryGroups(ctx, `
		SELECT id, COALESCE(parent_id, 0), title, implicit, ip_restrictions
		FROM grantry_groups
		WHERE id = ANY($1)
		ORDER BY id
	`, groupIDs(ids))
}

// AllGroups returns every group ordered by id.
func (s *Store) AllGroups(ctx context.Context) ([]grantry.Group, error) {
	return s.queryGroups(ctx, `
		SELECT id, COALESCE(parent_id, 0), title, implicit, ip_restrictions
		FROM grantry_groups
		ORDER BY id
	`)
}

func (s *Store) queryGroups(ctx context.Context, query string, args ...any) ([]grantry.Group, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("groups", err)
	}
	defer func() { _ = rows.Close() }()

	var out []grantry.Group
	for rows.Next() {
		var (
			g              grantry.Group
			id, parent     int64
			ipRestrictions []string
		)
		if err := rows.Scan(&id, &parent, &g.Title, &g.Implicit, pq.Array(&ipRestrictions)); err != nil {
			return nil, mapError("groups", err)
		}
		g.ID = grantry.GroupID(id)
		g.Parent = grantry.GroupID(parent)
		if len(ipRestrictions) > 0 {
			g.IPRestrictions = ipRestrictions
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("groups", err)
	}
	return out, nil
}

// GrantsForGroups implements grantry.GrantStore.
func (s *Store) GrantsForGroups(ctx context.Context, groups []grantry.GroupID) ([]grantry.Grant, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	return s.queryGrants(ctx, "grants for groups", `
		SELECT id, group_id, code, disposition, arg FROM grantry_grants
		WHERE group_id = ANY($1)
		ORDER BY id
	`, groupIDs(groups))
}

// GrantsForCode implements grantry.GrantStore.
func (s *Store) GrantsForCode(ctx context.Context, code grantry.Code) ([]grantry.Grant, error) {
	return s.queryGrants(ctx, "grants for code", `
		SELECT id, group_id, code, disposition, arg FROM grantry_grants
		WHERE code = $1
		ORDER BY id
	`, string(code))
}

func (s *Store) queryGrants(ctx context.Context, op, query string, args ...any) ([]grantry.Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []grantry.Grant
	for rows.Next() {
		var (
			id, group, arg int64
			code           string
			disposition    int
		)
		if err := rows.Scan(&id, &group, &code, &disposition, &arg); err != nil {
			return nil, mapError(op, err)
		}
		a, err := grantry.ArgFromInt64(arg)
		if err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, grantry.Grant{
			ID:          grantry.GrantID(id),
			Group:       grantry.GroupID(group),
			Code:        grantry.Code(code),
			Disposition: grantry.Disposition(disposition),
			Arg:         a,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

// AllDeclaredCodes implements grantry.GrantStore. Codes bundled in roles
// count as declared.
func (s *Store) AllDeclaredCodes(ctx context.Context) ([]grantry.Code, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code FROM grantry_grants
		UNION
		SELECT unnest(codes) FROM grantry_roles
		ORDER BY 1
	`)
	if err != nil {
		return nil, mapError("all declared codes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []grantry.Code
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, mapError("all declared codes", err)
		}
		out = append(out, grantry.Code(code))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("all declared codes", err)
	}
	return out, nil
}

// RolesForGroups implements grantry.RoleStore.
func (s *Store) RolesForGroups(ctx context.Context, groups []grantry.GroupID) ([]grantry.RoleAttachment, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, role_id FROM grantry_role_attachments
		WHERE group_id = ANY($1)
		ORDER BY group_id, role_id
	`, groupIDs(groups))
	if err != nil {
		return nil, mapError("roles for groups", err)
	}
	defer func() { _ = rows.Close() }()

	var out []grantry.RoleAttachment
	for rows.Next() {
		var group, role int64
		if err := rows.Scan(&group, &role); err != nil {
			return nil, mapError("roles for groups", err)
		}
		out = append(out, grantry.RoleAttachment{Group: grantry.GroupID(group), Role: grantry.RoleID(role)})
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("roles for groups", err)
	}
	return out, nil
}

// CodesForRole implements grantry.RoleStore. An unknown role has no codes.
func (s *Store) CodesForRole(ctx context.Context, role grantry.RoleID) ([]grantry.Code, error) {
	var codes []string
	err := s.db.QueryRowContext(ctx, `
		SELECT codes FROM grantry_roles WHERE id = $1
	`, int64(role)).Scan(pq.Array(&codes))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("codes for role", err)
	}
	return grantry.Codes(codes...), nil
}

// GroupsWithRoleCode implements grantry.RoleStore.
func (s *Store) GroupsWithRoleCode(ctx context.Context, code grantry.Code) ([]grantry.GroupID, error) {
	return s.queryGroupIDs(ctx, "groups with role code", `
		SELECT DISTINCT a.group_id
		FROM grantry_role_attachments a
		JOIN grantry_roles r ON r.id = a.role_id
		WHERE $1 = ANY(r.codes)
		ORDER BY a.group_id
	`, string(code))
}

// Parents returns the child -> parent map used by cycle validation.
func (s *Store) Parents(ctx context.Context) (map[grantry.GroupID]grantry.GroupID, error) {
	return LoadParents(ctx, s.db)
}

// LoadParents reads the child -> parent map through any Querier.
func LoadParents(ctx context.Context, q Querier) (map[grantry.GroupID]grantry.GroupID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, COALESCE(parent_id, 0) FROM grantry_groups
	`)
	if err != nil {
		return nil, mapError("load parents", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[grantry.GroupID]grantry.GroupID)
	for rows.Next() {
		var id, parent int64
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, mapError("load parents", err)
		}
		out[grantry.GroupID(id)] = grantry.GroupID(parent)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("load parents", err)
	}
	return out, nil
}

var _ grantry.Store = (*Store)(nil)
