package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pthm/grantry"
)

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// inTx runs fn in a transaction when the handle supports it, otherwise
// directly on the handle (for *sql.Tx and *sql.Conn callers that manage
// their own transaction). Hooks run only after a successful commit.
func (s *Store) inTx(ctx context.Context, fn func(Execer) error) error {
	if txer, ok := s.db.(txBeginner); ok {
		tx, err := txer.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
	} else if err := fn(s.db); err != nil {
		return err
	}
	s.notify()
	return nil
}

// AddPrincipal records a principal's label.
func (s *Store) AddPrincipal(ctx context.Context, p grantry.Principal) error {
	return s.inTx(ctx, func(db Execer) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO grantry_principals (id, label) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET label = EXCLUDED.label
		`, int64(p.ID), p.Label)
		if err != nil {
			return mapError("add principal", err)
		}
		return nil
	})
}

// lockGroups serializes hierarchy writers so concurrent parent changes cannot
// combine into a cycle neither would create alone.
func lockGroups(ctx context.Context, db Execer) error {
	if _, err := db.ExecContext(ctx, `LOCK TABLE grantry_groups IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return mapError("lock groups", err)
	}
	return nil
}

func checkParent(ctx context.Context, db Execer, child, parent grantry.GroupID) error {
	if parent == 0 {
		return nil
	}
	parents, err := LoadParents(ctx, db)
	if err != nil {
		return err
	}
	if _, ok := parents[parent]; !ok {
		return fmt.Errorf("%w: parent group %d", ErrNotFound, parent)
	}
	return grantry.ValidateParent(parents, child, parent)
}

func nullableParent(p grantry.GroupID) any {
	if p == 0 {
		return nil
	}
	return int64(p)
}

// AddGroup inserts or replaces a group. A zero ID lets the database assign
// one. The parent must exist and must not make the group its own ancestor.
func (s *Store) AddGroup(ctx context.Context, g grantry.Group) (grantry.GroupID, error) {
	var id grantry.GroupID
	err := s.inTx(ctx, func(db Execer) error {
		if err := lockGroups(ctx, db); err != nil {
			return err
		}
		if err := checkParent(ctx, db, g.ID, g.Parent); err != nil {
			return err
		}

		ips := g.IPRestrictions
		if ips == nil {
			ips = []string{}
		}

		var newID int64
		var err error
		if g.ID == 0 {
			err = db.QueryRowContext(ctx, `
				INSERT INTO grantry_groups (parent_id, title, implicit, ip_restrictions)
				VALUES ($1, $2, $3, $4)
				RETURNING id
			`, nullableParent(g.Parent), g.Title, g.Implicit, pq.Array(ips)).Scan(&newID)
		} else {
			err = db.QueryRowContext(ctx, `
				INSERT INTO grantry_groups (id, parent_id, title, implicit, ip_restrictions)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					parent_id = EXCLUDED.parent_id,
					title = EXCLUDED.title,
					implicit = EXCLUDED.implicit,
					ip_restrictions = EXCLUDED.ip_restrictions
				RETURNING id
			`, int64(g.ID), nullableParent(g.Parent), g.Title, g.Implicit, pq.Array(ips)).Scan(&newID)
		}
		if err != nil {
			return mapError("add group", err)
		}
		if g.ID != 0 {
			if err := bumpSequence(ctx, db, "grantry_groups"); err != nil {
				return err
			}
		}
		id = grantry.GroupID(newID)
		return nil
	})
	return id, err
}

// SetParent moves child under parent (0 makes it a root).
func (s *Store) SetParent(ctx context.Context, child, parent grantry.GroupID) error {
	return s.inTx(ctx, func(db Execer) error {
		if err := lockGroups(ctx, db); err != nil {
			return err
		}
		if err := checkParent(ctx, db, child, parent); err != nil {
			return err
		}
		res, err := db.ExecContext(ctx, `
			UPDATE grantry_groups SET parent_id = $2 WHERE id = $1
		`, int64(child), nullableParent(parent))
		if err != nil {
			return mapError("set parent", err)
		}
		return requireRow(res, "group", int64(child))
	})
}

// RemoveGroup deletes a group. Foreign keys cascade the delete to
// descendants, memberships, grants and role attachments.
func (s *Store) RemoveGroup(ctx context.Context, id grantry.GroupID) error {
	return s.inTx(ctx, func(db Execer) error {
		res, err := db.ExecContext(ctx, `DELETE FROM grantry_groups WHERE id = $1`, int64(id))
		if err != nil {
			return mapError("remove group", err)
		}
		return requireRow(res, "group", int64(id))
	})
}

// AddMember adds principal to group.
func (s *Store) AddMember(ctx context.Context, principal grantry.PrincipalID, group grantry.GroupID) error {
	return s.inTx(ctx, func(db Execer) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO grantry_memberships (principal_id, group_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, int64(principal), int64(group))
		if err != nil {
			return mapError("add member", err)
		}
		return nil
	})
}

// RemoveMember removes principal from group.
func (s *Store) RemoveMember(ctx context.Context, principal grantry.PrincipalID, group grantry.GroupID) error {
	return s.inTx(ctx, func(db Execer) error {
		_, err := db.ExecContext(ctx, `
			DELETE FROM grantry_memberships WHERE principal_id = $1 AND group_id = $2
		`, int64(principal), int64(group))
		if err != nil {
			return mapError("remove member", err)
		}
		return nil
	})
}

// SetGrant stores a grant row. A row with the same (group, code, arg) is
// updated in place and keeps its id.
func (s *Store) SetGrant(ctx context.Context, group grantry.GroupID, code grantry.Code, disposition grantry.Disposition, arg grantry.Arg) (grantry.GrantID, error) {
	if err := arg.Validate(); err != nil {
		return 0, err
	}
	var id grantry.GrantID
	err := s.inTx(ctx, func(db Execer) error {
		var newID int64
		err := db.QueryRowContext(ctx, `
			INSERT INTO grantry_grants (group_id, code, disposition, arg)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (group_id, code, arg) DO UPDATE SET disposition = EXCLUDED.disposition
			RETURNING id
		`, int64(group), string(code), int(disposition), arg.Int64()).Scan(&newID)
		if err != nil {
			return mapError("set grant", err)
		}
		id = grantry.GrantID(newID)
		return nil
	})
	return id, err
}

// Grant stores a Grant-disposition row.
func (s *Store) Grant(ctx context.Context, group grantry.GroupID, code grantry.Code, arg grantry.Arg) (grantry.GrantID, error) {
	return s.SetGrant(ctx, group, code, grantry.DispositionGrant, arg)
}

// Deny stores a Deny-disposition row.
func (s *Store) Deny(ctx context.Context, group grantry.GroupID, code grantry.Code, arg grantry.Arg) (grantry.GrantID, error) {
	return s.SetGrant(ctx, group, code, grantry.DispositionDeny, arg)
}

// Revoke deletes a grant row.
func (s *Store) Revoke(ctx context.Context, id grantry.GrantID) error {
	return s.inTx(ctx, func(db Execer) error {
		res, err := db.ExecContext(ctx, `DELETE FROM grantry_grants WHERE id = $1`, int64(id))
		if err != nil {
			return mapError("revoke", err)
		}
		return requireRow(res, "grant", int64(id))
	})
}

// AddRole inserts or replaces a role. A zero ID lets the database assign one.
func (s *Store) AddRole(ctx context.Context, r grantry.Role) (grantry.RoleID, error) {
	codes := make([]string, len(r.Codes))
	for i, c := range r.Codes {
		codes[i] = string(c)
	}
	var id grantry.RoleID
	err := s.inTx(ctx, func(db Execer) error {
		var newID int64
		var err error
		if r.ID == 0 {
			err = db.QueryRowContext(ctx, `
				INSERT INTO grantry_roles (title, codes) VALUES ($1, $2)
				RETURNING id
			`, r.Title, pq.Array(codes)).Scan(&newID)
		} else {
			err = db.QueryRowContext(ctx, `
				INSERT INTO grantry_roles (id, title, codes) VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, codes = EXCLUDED.codes
				RETURNING id
			`, int64(r.ID), r.Title, pq.Array(codes)).Scan(&newID)
		}
		if err != nil {
			return mapError("add role", err)
		}
		if r.ID != 0 {
			if err := bumpSequence(ctx, db, "grantry_roles"); err != nil {
				return err
			}
		}
		id = grantry.RoleID(newID)
		return nil
	})
	return id, err
}

// AttachRole attaches role to group.
func (s *Store) AttachRole(ctx context.Context, group grantry.GroupID, role grantry.RoleID) error {
	return s.inTx(ctx, func(db Execer) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO grantry_role_attachments (group_id, role_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, int64(group), int64(role))
		if err != nil {
			return mapError("attach role", err)
		}
		return nil
	})
}

// DetachRole removes role from group.
func (s *Store) DetachRole(ctx context.Context, group grantry.GroupID, role grantry.RoleID) error {
	return s.inTx(ctx, func(db Execer) error {
		_, err := db.ExecContext(ctx, `
			DELETE FROM grantry_role_attachments WHERE group_id = $1 AND role_id = $2
		`, int64(group), int64(role))
		if err != nil {
			return mapError("detach role", err)
		}
		return nil
	})
}

// bumpSequence moves table's id sequence past explicitly inserted ids so
// later inserts without an id do not collide.
func bumpSequence(ctx context.Context, db Execer, table string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), GREATEST((SELECT MAX(id) FROM %[1]s), 1))
	`, table))
	if err != nil {
		return mapError("bump sequence", err)
	}
	return nil
}

func requireRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
	}
	return nil
}

// IsNotFoundErr returns true if err is or wraps ErrNotFound.
func IsNotFoundErr(err error) bool {
	return errors.Is(err, ErrNotFound)
}
