package pg

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"sitecms.org/internal/auth"
)

const (
	permissionColumns = `id, name, display_name, category, coalesce(description, '') as description`
	roleColumns       = `id, name, slug, display_name, coalesce(description, '') as description, is_admin, is_active`
)

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	perms := []auth.Permission{}
	if err := s.db.SelectContext(ctx, &perms, `
		select `+permissionColumns+`
		from permissions
		order by category, id
	`); err != nil {
		return nil, err
	}
	return perms, nil
}

// EnsurePermissions inserts catalog rows that are missing. Existing rows are left untouched.
func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, perm := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (name, display_name, category, description)
			values ($1, $2, $3, $4)
			on conflict (name) do nothing
		`, perm.Name, perm.DisplayName, perm.Category, nullIfEmpty(perm.Description)); err != nil {
			return fmt.Errorf("ensure permission %s: %w", perm.Name, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	roles := []auth.Role{}
	if err := s.db.SelectContext(ctx, &roles, `select `+roleColumns+` from roles order by id`); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) RoleByID(ctx context.Context, id int64) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	return roleByID(ctx, s.db, id)
}

func roleByID(ctx context.Context, q sqlx.QueryerContext, id int64) (auth.Role, error) {
	var role auth.Role
	if err := sqlx.GetContext(ctx, q, &role, `select `+roleColumns+` from roles where id = $1`, id); err != nil {
		return auth.Role{}, notFound(err)
	}
	return role, nil
}

func (s *Store) CreateRole(ctx context.Context, role auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var created auth.Role
	err := s.db.GetContext(ctx, &created, `
		insert into roles (name, slug, display_name, description, is_admin, is_active)
		values ($1, $2, $3, $4, $5, $6)
		returning `+roleColumns,
		role.Name, role.Slug, role.DisplayName, nullIfEmpty(role.Description), role.IsAdmin, role.IsActive)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.Role{}, auth.ErrConflict
		}
		return auth.Role{}, err
	}
	return created, nil
}

func (s *Store) RolePermissions(ctx context.Context, roleID int64) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	perms := []auth.Permission{}
	if err := s.db.SelectContext(ctx, &perms, `
		select p.id, p.name, p.display_name, p.category, coalesce(p.description, '') as description
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.category, p.id
	`, roleID); err != nil {
		return nil, err
	}
	return perms, nil
}

// SetRolePermissions replaces the role's permission map in one transaction.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, names []string) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var locked int64
	if err := tx.GetContext(ctx, &locked, `select id from roles where id = $1 for update`, roleID); err != nil {
		return notFound(err)
	}
	ids, err := permissionIDsByName(ctx, tx, names)
	if err != nil {
		return err
	}
	if missing := missingNames(names, ids); len(missing) > 0 {
		return fmt.Errorf("%w: unknown permissions %s", auth.ErrInvalidInput, strings.Join(missing, ", "))
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, ids[name]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func permissionIDsByName(ctx context.Context, q sqlx.QueryerContext, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`select id, name from permissions where name in (?)`, names)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID   int64  `db:"id"`
		Name string `db:"name"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.Name] = r.ID
	}
	return out, nil
}

func missingNames(names []string, ids map[string]int64) []string {
	var missing []string
	for _, n := range names {
		if _, ok := ids[n]; !ok {
			missing = append(missing, n)
		}
	}
	sort.Strings(missing)
	return missing
}
